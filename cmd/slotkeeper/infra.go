package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/slotkeeper/internal/adapter/memory"
	cfnats "github.com/Strob0t/slotkeeper/internal/adapter/nats"
	"github.com/Strob0t/slotkeeper/internal/adapter/natskv"
	"github.com/Strob0t/slotkeeper/internal/adapter/postgres"
	"github.com/Strob0t/slotkeeper/internal/adapter/ristretto"
	"github.com/Strob0t/slotkeeper/internal/adapter/tiered"
	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/port/cache"
	"github.com/Strob0t/slotkeeper/internal/port/database"
	portidem "github.com/Strob0t/slotkeeper/internal/port/idempotency"
	"github.com/Strob0t/slotkeeper/internal/port/messagequeue"
)

// infra holds the process-wide backends selected by config.
type infra struct {
	pool        *pgxpool.Pool
	nats        *cfnats.Queue
	l1          *ristretto.Cache
	store       database.Store
	idempotency portidem.Store
	queue       messagequeue.Queue // nil without NATS
	cache       cache.Cache
}

func openInfra(ctx context.Context, cfg *config.Config) (_ *infra, err error) {
	inf := &infra{}
	defer func() {
		if err != nil {
			inf.Close()
		}
	}()

	// Store
	switch cfg.Store.Backend {
	case "postgres":
		inf.pool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		slog.Info("postgres connected")
		if err = postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
		inf.store = postgres.NewStore(inf.pool)
	default:
		slog.Warn("using in-memory store; data is lost on restart")
		inf.store = memory.New()
	}

	// NATS
	if cfg.NATS.URL != "" {
		inf.nats, err = cfnats.Connect(ctx, cfg.NATS)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		inf.queue = inf.nats
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	// Availability cache: in-process L1, shared JetStream KV L2 when NATS is up.
	inf.l1, err = ristretto.NewMB(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	inf.cache = inf.l1
	if inf.nats != nil {
		kv, kvErr := inf.nats.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if kvErr != nil {
			return nil, fmt.Errorf("l2 cache: %w", kvErr)
		}
		inf.cache = tiered.New(inf.l1, natskv.New(kv), cfg.Cache.L1TTL)
	}

	// Idempotency records
	switch cfg.Idempotency.Backend {
	case "postgres":
		inf.idempotency = postgres.NewIdempotencyStore(inf.pool)
	case "nats":
		kv, kvErr := inf.nats.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL+cfg.Idempotency.Lease)
		if kvErr != nil {
			return nil, fmt.Errorf("idempotency bucket: %w", kvErr)
		}
		inf.idempotency = natskv.NewIdempotencyStore(kv)
	default:
		inf.idempotency = memory.NewIdempotencyStore()
	}

	return inf, nil
}

// Ready reports whether the configured backends are reachable.
func (i *infra) Ready(ctx context.Context) error {
	if i.pool != nil {
		if err := i.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if i.nats != nil && !i.nats.IsConnected() {
		return errors.New("nats: disconnected")
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (i *infra) Close() {
	if i.l1 != nil {
		i.l1.Close()
	}
	if i.nats != nil {
		if err := i.nats.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
	}
	if i.pool != nil {
		i.pool.Close()
	}
}
