package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cfotel "github.com/Strob0t/slotkeeper/internal/adapter/otel"
	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/idempotency"
	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
	portidem "github.com/Strob0t/slotkeeper/internal/port/idempotency"
)

// maxPollBackoff caps the wait between claim attempts.
const maxPollBackoff = 2 * time.Second

// IdempotencyService runs an operation at most once per client key.
type IdempotencyService struct {
	store   portidem.Store
	hasher  *idempotency.Hasher
	cfg     config.Idempotency
	waiter  *syncWaiter
	metrics *cfotel.Metrics
	now     func() time.Time
}

// NewIdempotencyService creates an IdempotencyService. metrics may be nil.
func NewIdempotencyService(store portidem.Store, cfg config.Idempotency, metrics *cfotel.Metrics) *IdempotencyService {
	return &IdempotencyService{
		store:   store,
		hasher:  idempotency.NewHasher(cfg.HashKey),
		cfg:     cfg,
		waiter:  newSyncWaiter(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Execute claims (tenant, key, endpoint, method) and runs op once. A retry
// carrying the same fingerprint receives the stored response with
// replayed=true; a different fingerprint fails with ErrIdempotencyMismatch.
// Concurrent callers wait for the holder, bounded by the wait timeout; a claim
// that fails with ErrTransient is retried within the same bound. When op
// fails the claim is released so a later retry executes again; the response op
// returned, if any, is passed through with the error.
func (s *IdempotencyService) Execute(
	ctx context.Context,
	key, endpoint, method, fingerprint string,
	op func(ctx context.Context) (idempotency.Response, error),
) (resp idempotency.Response, replayed bool, err error) {
	tid := tenant.IDFromContext(ctx)
	if tid == "" {
		return idempotency.Response{}, false, domain.ErrAccessDenied
	}
	if err := idempotency.ValidateKey(key); err != nil {
		return idempotency.Response{}, false, err
	}
	scope := idempotency.Scope{
		TenantID: tid,
		KeyHash:  s.hasher.KeyHash(key),
		Endpoint: endpoint,
		Method:   method,
	}

	ctx, span := cfotel.StartIdempotentSpan(ctx, endpoint, method)
	defer func() { cfotel.EndSpan(span, err) }()

	deadline := s.now().Add(s.cfg.WaitTimeout)
	backoff := s.cfg.PollInterval
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	for {
		now := s.now()
		existing, claimed, err := s.store.Claim(ctx, &idempotency.Record{
			Scope:       scope,
			RequestHash: fingerprint,
			State:       idempotency.StateInFlight,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Lease),
		})
		switch {
		case errors.Is(err, domain.ErrTransient):
			// Lost a race on the claim row; poll again like an in-flight holder.
			slog.DebugContext(ctx, "idempotency claim contended", "endpoint", endpoint, "error", err)
		case err != nil:
			return idempotency.Response{}, false, fmt.Errorf("claim idempotency key: %w", err)
		case claimed:
			return s.run(ctx, scope, op)
		case existing.RequestHash != fingerprint:
			return idempotency.Response{}, false, domain.ErrIdempotencyMismatch
		case existing.State == idempotency.StateCompleted:
			s.metrics.Replayed(ctx)
			slog.DebugContext(ctx, "idempotent replay", "endpoint", endpoint, "method", method)
			return existing.Response, true, nil
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			if err != nil {
				return idempotency.Response{}, false, fmt.Errorf("claim idempotency key: %w", err)
			}
			return idempotency.Response{}, false, fmt.Errorf("request with this idempotency key is in progress: %w", domain.ErrTransient)
		}
		if err := s.wait(ctx, scope.String(), min(backoff, remaining)); err != nil {
			return idempotency.Response{}, false, err
		}
		backoff = min(backoff*2, maxPollBackoff)
	}
}

// wait blocks until the holder finishes in this process, d elapses, or ctx ends.
func (s *IdempotencyService) wait(ctx context.Context, key string, d time.Duration) error {
	ch := s.waiter.register(key)
	defer s.waiter.unregister(key, ch)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
	case <-timer.C:
	}
	return nil
}

func (s *IdempotencyService) run(
	ctx context.Context,
	scope idempotency.Scope,
	op func(ctx context.Context) (idempotency.Response, error),
) (idempotency.Response, bool, error) {
	key := scope.String()
	// The claim must be settled even when the caller goes away.
	settle := context.WithoutCancel(ctx)

	resp, err := op(ctx)
	if err != nil {
		if rerr := s.store.Release(settle, scope); rerr != nil {
			slog.WarnContext(ctx, "release idempotency claim failed", "error", rerr)
		}
		s.waiter.deliver(key)
		return resp, false, err
	}

	if cerr := s.store.Complete(settle, scope, resp, s.now().Add(s.cfg.TTL)); cerr != nil {
		// The mutation happened; the claim lapses after its lease.
		slog.WarnContext(ctx, "complete idempotency record failed", "error", cerr)
	}
	s.waiter.deliver(key)
	return resp, false, nil
}

// Sweep deletes expired records.
func (s *IdempotencyService) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.Purge(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	s.metrics.Swept(ctx, n)
	return n, nil
}
