package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// lockedBuffer is an io.Writer safe for the async workers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if json.Unmarshal(line, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// slowHandler blocks each record to force the buffer full.
type slowHandler struct{ delay time.Duration }

func (slowHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h slowHandler) Handle(context.Context, slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	time.Sleep(h.delay)
	return nil
}
func (h slowHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h slowHandler) WithGroup(string) slog.Handler      { return h }

func TestAsyncHandler_KeepsDerivedAttrs(t *testing.T) {
	var out lockedBuffer
	ah := NewAsyncHandler(slog.NewJSONHandler(&out, nil), 64, 2)
	l := slog.New(NewContextHandler(ah)).With("component", "relay")

	ctx := WithTenantID(WithRequestID(context.Background(), "req-1"), "tenant-a")
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() { l.InfoContext(ctx, "change relayed", "resource_id", "room-1") })
	}
	wg.Wait()
	ah.Close()

	lines := out.lines()
	if len(lines) != 20 {
		t.Fatalf("got %d records, want 20", len(lines))
	}
	for _, m := range lines {
		if m["component"] != "relay" || m["request_id"] != "req-1" || m["tenant_id"] != "tenant-a" {
			t.Fatalf("record lost attributes: %v", m)
		}
	}
}

func TestAsyncHandler_DropsWhenFull(t *testing.T) {
	ah := NewAsyncHandler(slowHandler{delay: 10 * time.Millisecond}, 1, 1)
	for range 50 {
		_ = ah.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "flood", 0))
	}
	ah.Close()
	if ah.DroppedCount() == 0 {
		t.Fatal("expected drops with a one-slot buffer")
	}
}

func TestAsyncHandler_CloseDrainsAndIsIdempotent(t *testing.T) {
	var out lockedBuffer
	ah := NewAsyncHandler(slog.NewJSONHandler(&out, nil), 512, 2)
	for range 200 {
		_ = ah.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "flush", 0))
	}
	ah.Close()
	ah.Close()

	if got := len(out.lines()); got != 200 {
		t.Fatalf("got %d records after close, want 200", got)
	}
	if err := ah.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "late", 0)); err != nil {
		t.Fatal(err)
	}
	if got := ah.DroppedCount(); got != 1 {
		t.Fatalf("late record: dropped %d, want 1", got)
	}
}
