package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/Strob0t/slotkeeper/internal/port/database"
)

// Sweeper runs background housekeeping: expired idempotency records and
// published outbox rows past retention.
type Sweeper struct {
	scheduler gocron.Scheduler
	idem      *IdempotencyService
	store     database.Store
	retention time.Duration
}

// NewSweeper schedules both jobs every interval. Call Start to begin.
func NewSweeper(idem *IdempotencyService, store database.Store, interval, retention time.Duration) (*Sweeper, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Sweeper{scheduler: sched, idem: idem, store: store, retention: retention}

	jobs := []struct {
		name string
		fn   func(ctx context.Context)
	}{
		{"sweep-idempotency", s.sweepIdempotency},
		{"purge-changes", s.purgeChanges},
	}
	for _, j := range jobs {
		if _, err := sched.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(j.fn),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return s, nil
}

// Start begins running the scheduled jobs in the background.
func (s *Sweeper) Start() { s.scheduler.Start() }

// Shutdown stops the scheduler and waits for running jobs.
func (s *Sweeper) Shutdown() error { return s.scheduler.Shutdown() }

func (s *Sweeper) sweepIdempotency(ctx context.Context) {
	n, err := s.idem.Sweep(ctx)
	if err != nil {
		slog.WarnContext(ctx, "idempotency sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "idempotency records swept", "count", n)
	}
}

func (s *Sweeper) purgeChanges(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	n, err := s.store.PurgePublishedChanges(ctx, time.Now().Add(-s.retention))
	if err != nil {
		slog.WarnContext(ctx, "change purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "published changes purged", "count", n)
	}
}
