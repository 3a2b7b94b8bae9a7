package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/idempotency"
)

const (
	headerIdempotencyKey      = "Idempotency-Key"
	headerIdempotentReplayed  = "Idempotent-Replayed"
	maxIdempotencyBody        = 1 << 20 // 1 MB
	idempotencyRetryAfterSecs = 1
)

// Guard runs an operation at most once per client key.
type Guard interface {
	Execute(ctx context.Context, key, endpoint, method, fingerprint string,
		op func(ctx context.Context) (idempotency.Response, error)) (idempotency.Response, bool, error)
}

// errServerFailure marks a 5xx response that must not be stored.
var errServerFailure = errors.New("handler returned a server error")

// Idempotency deduplicates POST, PUT, PATCH and DELETE requests that carry an
// Idempotency-Key header. The fingerprint covers method, path and the
// canonical body, so a reused key with a different request is rejected with
// 422. Replays carry Idempotent-Replayed: true.
func Idempotency(guard Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotencyBody+1))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			if len(body) > maxIdempotencyBody {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			fingerprint := idempotency.Fingerprint([]byte(r.Method), []byte(r.URL.Path), canonicalBody(body))

			resp, replayed, err := guard.Execute(r.Context(), key, r.URL.Path, r.Method, fingerprint,
				func(ctx context.Context) (idempotency.Response, error) {
					rec := newBufferedResponse()
					req := r.WithContext(ctx)
					req.Body = io.NopCloser(bytes.NewReader(body))
					next.ServeHTTP(rec, req)
					out := rec.response()
					if out.Status >= http.StatusInternalServerError {
						return out, errServerFailure
					}
					return out, nil
				})
			switch {
			case err == nil:
			case errors.Is(err, errServerFailure):
			case errors.Is(err, domain.ErrIdempotencyMismatch):
				writeJSONError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
				return
			case errors.Is(err, domain.ErrTransient):
				w.Header().Set("Retry-After", strconv.Itoa(idempotencyRetryAfterSecs))
				writeJSONError(w, http.StatusServiceUnavailable, "a request with this idempotency key is in progress")
				return
			case errors.Is(err, domain.ErrAccessDenied):
				writeJSONError(w, http.StatusForbidden, "access denied")
				return
			case errors.Is(err, domain.ErrValidation):
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			default:
				slog.ErrorContext(r.Context(), "idempotency guard failed", "error", err)
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			if replayed {
				w.Header().Set(headerIdempotentReplayed, "true")
			}
			w.WriteHeader(resp.Status)
			_, _ = w.Write(resp.Body)
		})
	}
}

// canonicalBody re-encodes JSON with sorted object keys and no insignificant
// whitespace. Non-JSON bodies are used as is.
func canonicalBody(body []byte) []byte {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}

// bufferedResponse captures a handler's response without writing it through.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) response() idempotency.Response {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	return idempotency.Response{
		Status:  status,
		Headers: b.header.Clone(),
		Body:    bytes.Clone(b.body.Bytes()),
	}
}
