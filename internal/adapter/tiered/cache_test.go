package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/slotkeeper/internal/adapter/tiered"
)

// memCache is a simple in-memory cache for testing.
type memCache struct {
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

var errDown = errors.New("broker unavailable")

func TestTiered_L1Hit(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, 30*time.Second)

	l1.data["timeline"] = []byte("a")

	val, found, err := c.Get(context.Background(), "timeline")
	if err != nil || !found || string(val) != "a" {
		t.Fatalf("Get = %q, %v, %v", val, found, err)
	}
}

func TestTiered_L2HitWithBackfill(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, 30*time.Second)

	l2.data["timeline"] = []byte("b")

	val, found, err := c.Get(context.Background(), "timeline")
	if err != nil || !found || string(val) != "b" {
		t.Fatalf("Get = %q, %v, %v", val, found, err)
	}
	if string(l1.data["timeline"]) != "b" {
		t.Fatal("expected L1 backfill")
	}
	if l1.ttls["timeline"] != 30*time.Second {
		t.Errorf("backfill ttl = %v, want 30s", l1.ttls["timeline"])
	}
}

func TestTiered_Miss(t *testing.T) {
	c := tiered.New(newMemCache(), newMemCache(), time.Minute)
	_, found, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss")
	}
}

func TestTiered_L2FailureIsMiss(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.err = errDown
	c := tiered.New(l1, l2, time.Minute)

	_, found, err := c.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("L2 failure should degrade to a miss, got %v", err)
	}
	if found {
		t.Fatal("expected miss")
	}

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("L2 set failure should not fail Set, got %v", err)
	}
	if _, ok := l1.data["k"]; !ok {
		t.Fatal("L1 should still be written")
	}

	if err := c.Delete(context.Background(), "k"); !errors.Is(err, errDown) {
		t.Fatalf("Delete should surface L2 failure, got %v", err)
	}
}

func TestTiered_SetCapsL1TTL(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, 30*time.Second)

	if err := c.Set(context.Background(), "k", []byte("v"), 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	if l1.ttls["k"] != 30*time.Second {
		t.Errorf("L1 ttl = %v, want capped 30s", l1.ttls["k"])
	}
	if l2.ttls["k"] != 5*time.Minute {
		t.Errorf("L2 ttl = %v, want 5m", l2.ttls["k"])
	}

	if err := c.Set(context.Background(), "short", []byte("v"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if l1.ttls["short"] != 10*time.Second {
		t.Errorf("shorter ttl should pass through, got %v", l1.ttls["short"])
	}
}

func TestTiered_DeleteBoth(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, time.Minute)

	l1.data["k"] = []byte("v")
	l2.data["k"] = []byte("v")

	if err := c.Delete(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := l1.data["k"]; ok {
		t.Fatal("expected k deleted from L1")
	}
	if _, ok := l2.data["k"]; ok {
		t.Fatal("expected k deleted from L2")
	}
}
