package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/slotkeeper/internal/adapter/otel"
	"github.com/Strob0t/slotkeeper/internal/adapter/ws"
	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/domain/event"
	"github.com/Strob0t/slotkeeper/internal/port/broadcast"
	"github.com/Strob0t/slotkeeper/internal/port/database"
	"github.com/Strob0t/slotkeeper/internal/port/messagequeue"
	"github.com/Strob0t/slotkeeper/internal/resilience"
)

// NotifierService relays outbox change events to the message queue, the
// tenant's WebSocket clients and the availability cache.
type NotifierService struct {
	store       database.Store
	queue       messagequeue.Queue
	breaker     *resilience.Breaker
	pool        *resilience.Pool
	hub         broadcast.Broadcaster
	invalidator Invalidator
	cfg         config.Notifier
	origin      string
	metrics     *cfotel.Metrics
}

// NewNotifierService creates a NotifierService. queue, hub, invalidator and
// metrics may be nil; a nil queue relays locally only.
func NewNotifierService(
	store database.Store,
	queue messagequeue.Queue,
	breaker *resilience.Breaker,
	hub broadcast.Broadcaster,
	invalidator Invalidator,
	cfg config.Notifier,
	metrics *cfotel.Metrics,
) *NotifierService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &NotifierService{
		store:       store,
		queue:       queue,
		breaker:     breaker,
		pool:        resilience.NewPool(cfg.MaxInFlight),
		hub:         hub,
		invalidator: invalidator,
		cfg:         cfg,
		origin:      uuid.NewString(),
		metrics:     metrics,
	}
}

// Run relays pending changes until ctx is canceled.
func (s *NotifierService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Keep draining only while whole batches go out; a batch with any
		// failed publish waits for the next tick.
		for ctx.Err() == nil {
			n, err := s.RelayOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.WarnContext(ctx, "change relay failed", "error", err)
				}
				break
			}
			if n < s.cfg.BatchSize {
				break
			}
		}
	}
}

// RelayOnce relays one batch and returns how many changes it published.
// Changes that could not be published stay pending for the next pass.
func (s *NotifierService) RelayOnce(ctx context.Context) (n int, err error) {
	changes, err := s.store.ListPendingChanges(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending changes: %w", err)
	}
	if len(changes) == 0 {
		return 0, nil
	}
	ctx, span := cfotel.StartRelaySpan(ctx, len(changes))
	defer func() { cfotel.EndSpan(span, err) }()

	var (
		mu   sync.Mutex
		done = make([]int64, 0, len(changes))
		wg   sync.WaitGroup
	)
	for i := range changes {
		c := changes[i]
		wg.Go(func() {
			if err := s.pool.Run(ctx, func(ctx context.Context) error { return s.relay(ctx, &c) }); err != nil {
				s.metrics.PublishFailed(ctx)
				slog.WarnContext(ctx, "publish change failed", "change_id", c.ID, "error", err)
				return
			}
			mu.Lock()
			done = append(done, c.ID)
			mu.Unlock()
		})
	}
	wg.Wait()

	if len(done) == 0 {
		return 0, nil
	}
	if err := s.store.MarkChangesPublished(ctx, done); err != nil {
		return 0, fmt.Errorf("mark changes published: %w", err)
	}
	s.metrics.Published(ctx, int64(len(done)))
	return len(done), nil
}

func (s *NotifierService) relay(ctx context.Context, c *event.Change) error {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, c.TenantID, c.ResourceID)
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, c.TenantID, ws.EventAvailabilityChanged, ws.AvailabilityChangedEvent{
			ResourceID: c.ResourceID,
			ChangeType: string(c.ChangeType),
			ChangedAt:  c.ChangedAt,
		})
	}
	if s.queue == nil {
		return nil
	}

	data, err := json.Marshal(messagequeue.AvailabilityChangedPayload{
		EventID:    c.ID,
		TenantID:   c.TenantID,
		ResourceID: c.ResourceID,
		ChangeType: string(c.ChangeType),
		ChangedAt:  c.ChangedAt.UTC().Format(time.RFC3339Nano),
		Origin:     s.origin,
	})
	if err != nil {
		return fmt.Errorf("marshal change %d: %w", c.ID, err)
	}
	publish := func(ctx context.Context) error {
		return s.queue.PublishDeduplicated(ctx, c.Subject(), fmt.Sprintf("change-%d", c.ID), data)
	}
	if s.breaker == nil {
		return publish(ctx)
	}
	return s.breaker.ExecuteContext(ctx, publish)
}

// Subscribe consumes change events published by other instances and applies
// them locally. The returned function cancels the subscription.
func (s *NotifierService) Subscribe(ctx context.Context) (func(), error) {
	if s.queue == nil {
		return func() {}, nil
	}
	return s.queue.Subscribe(ctx, messagequeue.SubjectAvailabilityAll, s.handleRemote)
}

func (s *NotifierService) handleRemote(ctx context.Context, subject string, data []byte) error {
	var p messagequeue.AvailabilityChangedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode %s: %w", subject, err)
	}
	if p.Origin == s.origin {
		return nil
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, p.TenantID, p.ResourceID)
	}
	if s.hub != nil {
		changedAt, _ := time.Parse(time.RFC3339Nano, p.ChangedAt)
		s.hub.BroadcastEvent(ctx, p.TenantID, ws.EventAvailabilityChanged, ws.AvailabilityChangedEvent{
			ResourceID: p.ResourceID,
			ChangeType: p.ChangeType,
			ChangedAt:  changedAt,
		})
	}
	return nil
}
