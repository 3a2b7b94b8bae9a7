package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/idempotency"
)

// IdempotencyStore keeps idempotency records in a JetStream KV bucket.
// Claims use Create (fails when the key exists) and completions use Update
// with the read revision, so concurrent writers never overwrite each other.
// The bucket TTL bounds storage; ExpiresAt is enforced on read.
type IdempotencyStore struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewIdempotencyStore wraps kv.
func NewIdempotencyStore(kv jetstream.KeyValue) *IdempotencyStore {
	return &IdempotencyStore{kv: kv, now: time.Now}
}

type storedRecord struct {
	TenantID    string      `json:"tenant_id"`
	KeyHash     string      `json:"key_hash"`
	Endpoint    string      `json:"endpoint"`
	Method      string      `json:"method"`
	RequestHash string      `json:"request_hash"`
	State       string      `json:"state"`
	Status      int         `json:"response_status,omitempty"`
	Headers     http.Header `json:"response_headers,omitempty"`
	Body        []byte      `json:"response_body,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

func encodeRecord(r *idempotency.Record) ([]byte, error) {
	return json.Marshal(storedRecord{
		TenantID:    r.Scope.TenantID,
		KeyHash:     r.Scope.KeyHash,
		Endpoint:    r.Scope.Endpoint,
		Method:      r.Scope.Method,
		RequestHash: r.RequestHash,
		State:       string(r.State),
		Status:      r.Response.Status,
		Headers:     r.Response.Headers,
		Body:        r.Response.Body,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	})
}

func decodeRecord(data []byte) (*idempotency.Record, error) {
	var s storedRecord
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &idempotency.Record{
		Scope: idempotency.Scope{
			TenantID: s.TenantID,
			KeyHash:  s.KeyHash,
			Endpoint: s.Endpoint,
			Method:   s.Method,
		},
		RequestHash: s.RequestHash,
		State:       idempotency.State(s.State),
		Response:    idempotency.Response{Status: s.Status, Headers: s.Headers, Body: s.Body},
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
	}, nil
}

func (s *IdempotencyStore) read(ctx context.Context, key string) (*idempotency.Record, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, domain.ErrNotFound
		}
		return nil, 0, fmt.Errorf("natskv get: %w", err)
	}
	rec, err := decodeRecord(entry.Value())
	if err != nil {
		return nil, 0, err
	}
	return rec, entry.Revision(), nil
}

// Claim implements idempotency.Store.
func (s *IdempotencyStore) Claim(ctx context.Context, rec *idempotency.Record) (*idempotency.Record, bool, error) {
	key := kvKey(rec.Scope.String())
	data, err := encodeRecord(rec)
	if err != nil {
		return nil, false, err
	}

	_, err = s.kv.Create(ctx, key, data)
	if err == nil {
		return nil, true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, false, fmt.Errorf("natskv claim: %w", err)
	}

	existing, rev, err := s.read(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		// Released between Create and Get; let the caller retry.
		return nil, false, domain.ErrTransient
	}
	if err != nil {
		return nil, false, err
	}
	if !existing.Expired(s.now()) {
		return existing, false, nil
	}

	// Take over an expired record; a concurrent takeover wins the revision race.
	if _, err := s.kv.Update(ctx, key, data, rev); err != nil {
		current, _, readErr := s.read(ctx, key)
		if readErr != nil {
			return nil, false, domain.ErrTransient
		}
		return current, false, nil
	}
	return nil, true, nil
}

// Complete implements idempotency.Store.
func (s *IdempotencyStore) Complete(ctx context.Context, scope idempotency.Scope, resp idempotency.Response, expiresAt time.Time) error {
	key := kvKey(scope.String())
	rec, rev, err := s.read(ctx, key)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	rec.State = idempotency.StateCompleted
	rec.Response = resp
	rec.ExpiresAt = expiresAt

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := s.kv.Update(ctx, key, data, rev); err != nil {
		return fmt.Errorf("natskv complete: %w", err)
	}
	return nil
}

// Release implements idempotency.Store. Completed records are never released.
func (s *IdempotencyStore) Release(ctx context.Context, scope idempotency.Scope) error {
	key := kvKey(scope.String())
	rec, _, err := s.read(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State != idempotency.StateInFlight {
		return nil
	}
	err = s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("natskv release: %w", err)
	}
	return nil
}

// Get implements idempotency.Store.
func (s *IdempotencyStore) Get(ctx context.Context, scope idempotency.Scope) (*idempotency.Record, error) {
	rec, _, err := s.read(ctx, kvKey(scope.String()))
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

// Purge implements idempotency.Store. Most records age out through the bucket
// TTL; this removes records whose own expiry is earlier.
func (s *IdempotencyStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("natskv list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var purged int64
	for key := range lister.Keys() {
		rec, _, err := s.read(ctx, key)
		if err != nil {
			continue
		}
		if !rec.Expired(now) {
			continue
		}
		if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return purged, fmt.Errorf("natskv purge %s: %w", key, err)
		}
		purged++
	}
	return purged, nil
}
