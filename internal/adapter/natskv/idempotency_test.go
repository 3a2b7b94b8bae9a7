package natskv

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/idempotency"
)

func testRecord(now time.Time) *idempotency.Record {
	return &idempotency.Record{
		Scope: idempotency.Scope{
			TenantID: "11111111-1111-1111-1111-111111111111",
			KeyHash:  "abc",
			Endpoint: "/api/v1/resources/{resourceID}/reservations",
			Method:   http.MethodPost,
		},
		RequestHash: "fp-1",
		State:       idempotency.StateInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	}
}

func TestIdempotencyStore_ClaimCompleteGet(t *testing.T) {
	ctx := context.Background()
	kv := newMockKV()
	s := NewIdempotencyStore(kv)
	now := time.Now()
	s.now = func() time.Time { return now }

	rec := testRecord(now)
	existing, claimed, err := s.Claim(ctx, rec)
	if err != nil || !claimed || existing != nil {
		t.Fatalf("first claim = %v, %v, %v", existing, claimed, err)
	}

	existing, claimed, err = s.Claim(ctx, testRecord(now))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed || existing == nil || existing.State != idempotency.StateInFlight {
		t.Fatalf("second claim should observe the in-flight record, got %+v %v", existing, claimed)
	}

	resp := idempotency.Response{Status: http.StatusCreated, Headers: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{"id":"r1"}`)}
	if err := s.Complete(ctx, rec.Scope, resp, now.Add(24*time.Hour)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := s.Get(ctx, rec.Scope)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != idempotency.StateCompleted || got.Response.Status != http.StatusCreated || string(got.Response.Body) != `{"id":"r1"}` {
		t.Errorf("unexpected record %+v", got)
	}
	if got.Response.Headers.Get("Content-Type") != "application/json" {
		t.Errorf("headers not preserved: %v", got.Response.Headers)
	}
	if got.RequestHash != "fp-1" {
		t.Errorf("request hash = %q", got.RequestHash)
	}
}

func TestIdempotencyStore_ExpiredInvisibleAndReclaimable(t *testing.T) {
	ctx := context.Background()
	s := NewIdempotencyStore(newMockKV())
	now := time.Now()
	s.now = func() time.Time { return now }

	rec := testRecord(now)
	if _, _, err := s.Claim(ctx, rec); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, rec.Scope); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expired record should be invisible, got %v", err)
	}

	fresh := testRecord(now)
	fresh.RequestHash = "fp-2"
	existing, claimed, err := s.Claim(ctx, fresh)
	if err != nil || !claimed || existing != nil {
		t.Fatalf("expired record should be reclaimable: %v %v %v", existing, claimed, err)
	}
	got, err := s.Get(ctx, fresh.Scope)
	if err != nil || got.RequestHash != "fp-2" {
		t.Fatalf("Get after takeover = %+v, %v", got, err)
	}
}

func TestIdempotencyStore_ReleaseAndPurge(t *testing.T) {
	ctx := context.Background()
	kv := newMockKV()
	s := NewIdempotencyStore(kv)
	now := time.Now()
	s.now = func() time.Time { return now }

	rec := testRecord(now)
	if _, _, err := s.Claim(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Release(ctx, rec.Scope); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, claimed, err := s.Claim(ctx, rec); err != nil || !claimed {
		t.Fatalf("claim after release = %v, %v", claimed, err)
	}

	other := testRecord(now)
	other.Scope.KeyHash = "def"
	other.ExpiresAt = now.Add(time.Hour)
	if _, _, err := s.Claim(ctx, other); err != nil {
		t.Fatal(err)
	}

	n, err := s.Purge(ctx, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if kv.len() != 1 {
		t.Errorf("remaining keys = %d, want 1", kv.len())
	}

	if n, err := NewIdempotencyStore(newMockKV()).Purge(ctx, now); err != nil || n != 0 {
		t.Errorf("purge of empty bucket = %d, %v", n, err)
	}
}

func TestCache_KeyEncoding(t *testing.T) {
	ctx := context.Background()
	c := New(newMockKV())

	key := "avail|tenant|room 1|2026-03-02T09:00:00Z"
	if err := c.Set(ctx, key, []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	val, ok, err := c.Get(ctx, key)
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("Get = %q %v %v", val, ok, err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatal("expected miss after delete")
	}
}
