package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
)

// defaultBodyLimit bounds JSON request bodies.
const defaultBodyLimit = 64 << 10

// transientRetryAfter is advertised on 503 responses for retryable failures.
const transientRetryAfter = 1

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// parseWindow reads the from/to query parameters as RFC 3339 timestamps. When
// required is false both may be omitted, which yields the zero window.
func parseWindow(r *http.Request, required bool) (timerange.Range, error) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" && to == "" && !required {
		return timerange.Range{}, nil
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return timerange.Range{}, &queryError{param: "from"}
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return timerange.Range{}, &queryError{param: "to"}
	}
	return timerange.New(start, end)
}

type queryError struct{ param string }

func (e *queryError) Error() string { return e.param + " must be an RFC 3339 timestamp" }

func (e *queryError) Unwrap() error { return domain.ErrValidation }

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

// conflictResponse is the 409 body for an overlapping reservation.
type conflictResponse struct {
	Error         string               `json:"error"`
	ConflictingID string               `json:"conflicting_id"`
	Alternatives  []domain.Alternative `json:"alternatives"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps domain sentinels to HTTP status codes. Records of
// another tenant are reported exactly like missing ones.
func writeDomainError(w http.ResponseWriter, err error, notFoundMsg string) {
	var ce *domain.ConflictError
	var te *domain.TransitionError
	switch {
	case errors.As(err, &ce):
		alts := ce.Alternatives
		if alts == nil {
			alts = []domain.Alternative{}
		}
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:         "interval overlaps an active reservation",
			ConflictingID: ce.ConflictingID,
			Alternatives:  alts,
		})
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, te.Error())
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
	case errors.Is(err, domain.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, domain.ErrTransient):
		w.Header().Set("Retry-After", strconv.Itoa(transientRetryAfter))
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, domain.ErrValidation):
		msg := strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error())
		writeError(w, http.StatusBadRequest, msg)
	default:
		writeInternalError(w, err)
	}
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
