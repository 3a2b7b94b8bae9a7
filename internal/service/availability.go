package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/availability"
	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
	"github.com/Strob0t/slotkeeper/internal/port/cache"
	"github.com/Strob0t/slotkeeper/internal/port/database"
)

// Invalidator drops cached availability for one resource.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID, resourceID string)
}

// AvailabilityService answers timeline reads. Results are cached under a
// per-resource generation; bumping the generation orphans every cached window
// of that resource at once.
type AvailabilityService struct {
	store     database.Store
	cache     cache.Cache
	ttl       time.Duration
	maxWindow time.Duration
	group     singleflight.Group
}

// NewAvailabilityService creates an AvailabilityService. c may be nil to
// disable caching.
func NewAvailabilityService(store database.Store, c cache.Cache, ttl, maxWindow time.Duration) *AvailabilityService {
	return &AvailabilityService{store: store, cache: c, ttl: ttl, maxWindow: maxWindow}
}

func genKey(tenantID, resourceID string) string {
	return "avail:gen:" + tenantID + ":" + resourceID
}

func newGeneration() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// generation returns the resource's current cache generation, starting a new
// one when none is stored.
func (s *AvailabilityService) generation(ctx context.Context, tenantID, resourceID string) (string, error) {
	key := genKey(tenantID, resourceID)
	if v, ok, err := s.cache.Get(ctx, key); err != nil {
		return "", err
	} else if ok {
		return string(v), nil
	}
	gen := newGeneration()
	if err := s.cache.Set(ctx, key, []byte(gen), s.ttl); err != nil {
		return "", err
	}
	return gen, nil
}

// Check returns ordered, non-overlapping segments covering window exactly.
func (s *AvailabilityService) Check(ctx context.Context, resourceID string, window timerange.Range) ([]availability.Segment, error) {
	tid := tenant.IDFromContext(ctx)
	if tid == "" {
		return nil, domain.ErrAccessDenied
	}
	if err := domain.ValidateResourceID(resourceID); err != nil {
		return nil, err
	}
	window, err := checkWindow(window.Start, window.End, s.maxWindow)
	if err != nil {
		return nil, err
	}
	if s.cache == nil {
		return s.load(ctx, resourceID, window)
	}

	gen, err := s.generation(ctx, tid, resourceID)
	if err != nil {
		slog.WarnContext(ctx, "availability cache unavailable", "resource_id", resourceID, "error", err)
		return s.load(ctx, resourceID, window)
	}
	key := fmt.Sprintf("avail:%s:%s:%s:%d:%d", tid, resourceID, gen, window.Start.UnixNano(), window.End.UnixNano())
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var segs []availability.Segment
		if err := json.Unmarshal(data, &segs); err == nil {
			return segs, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Shared by every waiter; one caller's cancellation must not fail the rest.
		lctx := context.WithoutCancel(ctx)
		segs, err := s.load(lctx, resourceID, window)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(segs); err == nil {
			if err := s.cache.Set(lctx, key, data, s.ttl); err != nil {
				slog.WarnContext(lctx, "availability cache set failed", "key", key, "error", err)
			}
		}
		return segs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]availability.Segment), nil
}

func (s *AvailabilityService) load(ctx context.Context, resourceID string, window timerange.Range) ([]availability.Segment, error) {
	excs, err := s.store.ListExceptions(ctx, resourceID, window)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	res, err := s.store.ListReservations(ctx, resourceID, window)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	var in availability.Inputs
	for i := range excs {
		if excs[i].Closed {
			in.Closures = append(in.Closures, excs[i].Range())
		} else {
			in.Special = append(in.Special, excs[i].Range())
		}
	}
	for i := range res {
		if res[i].Status.Active() {
			in.Booked = append(in.Booked, res[i].Range())
		}
	}
	return availability.Compose(window, in), nil
}

// Invalidate starts a new generation for the resource. Failures are logged;
// entries still expire with the cache TTL.
func (s *AvailabilityService) Invalidate(ctx context.Context, tenantID, resourceID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, genKey(tenantID, resourceID)); err != nil {
		slog.WarnContext(ctx, "availability invalidation failed",
			"tenant_id", tenantID, "resource_id", resourceID, "error", err)
	}
}
