package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/logger"
	"github.com/Strob0t/slotkeeper/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), config.NATS{URL: url, Stream: "SLOTKEEPER_TEST"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueChange returns a subject and payload for a fresh resource so
// parallel tests never observe each other's messages.
func uniqueChange(t *testing.T) (string, []byte) {
	t.Helper()
	p := messagequeue.AvailabilityChangedPayload{
		EventID:    1,
		TenantID:   uuid.NewString(),
		ResourceID: uuid.NewString(),
		ChangeType: "reservation_created",
		ChangedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return messagequeue.SubjectAvailabilityChanged + "." + p.TenantID + "." + p.ResourceID, data
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject, data := uniqueChange(t)

	var (
		mu       sync.Mutex
		received []byte
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		mu.Lock()
		received = d
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(data) {
		t.Errorf("got %s, want %s", received, data)
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	subject, data := uniqueChange(t)

	const wantReqID = "req-abc-123"

	var (
		mu       sync.Mutex
		gotReqID string
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		mu.Lock()
		gotReqID = logger.RequestID(ctx)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), wantReqID)
	if err := q.Publish(ctx, subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotReqID != wantReqID {
		t.Errorf("request ID = %q, want %q", gotReqID, wantReqID)
	}
}

func TestQueue_PublishRejectsMalformed(t *testing.T) {
	q := testConnect(t)
	if err := q.Publish(context.Background(), "availability.changed.t.r", []byte("not-json")); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestQueue_PublishDeduplicated(t *testing.T) {
	q := testConnect(t)
	subject, data := uniqueChange(t)

	var (
		mu    sync.Mutex
		count int
	)
	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	msgID := "chg-" + uuid.NewString()
	for range 3 {
		if err := q.PublishDeduplicated(context.Background(), subject, msgID, data); err != nil {
			t.Fatalf("PublishDeduplicated: %v", err)
		}
	}

	time.Sleep(time.Second)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly one delivery, got %d", count)
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-kv-"+t.Name(), 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if _, err := kv.Put(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "v1" {
		t.Errorf("got %q, want v1", entry.Value())
	}
	if !q.IsConnected() {
		t.Error("expected connected")
	}
}
