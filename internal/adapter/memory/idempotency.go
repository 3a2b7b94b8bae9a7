package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/idempotency"
	portidem "github.com/Strob0t/slotkeeper/internal/port/idempotency"
)

// IdempotencyStore keeps idempotency records in a map.
type IdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
	now     func() time.Time
}

var _ portidem.Store = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates an empty store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		records: make(map[string]*idempotency.Record),
		now:     time.Now,
	}
}

func cloneRecord(r *idempotency.Record) *idempotency.Record {
	out := *r
	out.Response.Headers = r.Response.Headers.Clone()
	if r.Response.Body != nil {
		out.Response.Body = append([]byte(nil), r.Response.Body...)
	}
	return &out
}

// Claim implements idempotency.Store.
func (s *IdempotencyStore) Claim(ctx context.Context, rec *idempotency.Record) (*idempotency.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	key := rec.Scope.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok && !existing.Expired(s.now()) {
		return cloneRecord(existing), false, nil
	}
	s.records[key] = cloneRecord(rec)
	return nil, true, nil
}

// Complete implements idempotency.Store.
func (s *IdempotencyStore) Complete(_ context.Context, scope idempotency.Scope, resp idempotency.Response, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scope.String()]
	if !ok {
		return fmt.Errorf("complete idempotency record: %w", domain.ErrNotFound)
	}
	rec.State = idempotency.StateCompleted
	rec.Response = idempotency.Response{
		Status:  resp.Status,
		Headers: resp.Headers.Clone(),
		Body:    append([]byte(nil), resp.Body...),
	}
	rec.ExpiresAt = expiresAt
	return nil
}

// Release implements idempotency.Store. Completed records are never released.
func (s *IdempotencyStore) Release(_ context.Context, scope idempotency.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scope.String()
	if rec, ok := s.records[key]; ok && rec.State == idempotency.StateInFlight {
		delete(s.records, key)
	}
	return nil
}

// Get implements idempotency.Store.
func (s *IdempotencyStore) Get(_ context.Context, scope idempotency.Scope) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scope.String()]
	if !ok || rec.Expired(s.now()) {
		return nil, domain.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Purge implements idempotency.Store.
func (s *IdempotencyStore) Purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	maps.DeleteFunc(s.records, func(_ string, r *idempotency.Record) bool {
		if r.Expired(now) {
			n++
			return true
		}
		return false
	})
	return n, nil
}
