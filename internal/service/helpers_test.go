package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/domain/reservation"
	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
	"github.com/Strob0t/slotkeeper/internal/port/database"
	"github.com/Strob0t/slotkeeper/internal/port/messagequeue"
)

const (
	tenantA = "11111111-1111-1111-1111-111111111111"
	tenantB = "22222222-2222-2222-2222-222222222222"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func ctxFor(tid string) context.Context {
	return tenant.WithContext(context.Background(), tenant.SecurityContext{TenantID: tid})
}

func span(start, end time.Time) timerange.Range { return timerange.Range{Start: start, End: end} }

func testBooking() config.Booking {
	return config.Booking{
		Grid:               timerange.DefaultGrid,
		AlternativeOffsets: reservation.DefaultAlternativeOffsets,
		MaxAlternatives:    reservation.DefaultMaxAlternatives,
		MaxWindow:          7 * 24 * time.Hour,
	}
}

// --- mapCache ---

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), value...)
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// --- recordingInvalidator ---

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, tenantID, resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tenantID+"/"+resourceID)
}

func (r *recordingInvalidator) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// --- countingStore ---

// countingStore counts timeline reads on top of a real store.
type countingStore struct {
	database.Store
	mu    sync.Mutex
	lists int
}

func (s *countingStore) ListReservations(ctx context.Context, resourceID string, window timerange.Range) ([]reservation.Reservation, error) {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	return s.Store.ListReservations(ctx, resourceID, window)
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

// --- mockQueue ---

type publishedMsg struct {
	subject, msgID string
	data           []byte
}

type mockQueue struct {
	mu        sync.Mutex
	published []publishedMsg
	fail      error
	handler   messagequeue.Handler
}

func (q *mockQueue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.PublishDeduplicated(ctx, subject, "", data)
}

func (q *mockQueue) PublishDeduplicated(_ context.Context, subject, msgID string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.published = append(q.published, publishedMsg{subject: subject, msgID: msgID, data: data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return q.fail == nil }

func (q *mockQueue) messages() []publishedMsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]publishedMsg(nil), q.published...)
}

// --- mockHub ---

type hubEvent struct {
	tenantID, eventType string
	payload             any
}

type mockHub struct {
	mu     sync.Mutex
	events []hubEvent
}

func (h *mockHub) BroadcastEvent(_ context.Context, tenantID, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, hubEvent{tenantID: tenantID, eventType: eventType, payload: payload})
}

func (h *mockHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func mustErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("err = %v, want %v", err, target)
	}
}
