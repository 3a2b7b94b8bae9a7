package service

import (
	"context"
	"log/slog"

	cfotel "github.com/Strob0t/slotkeeper/internal/adapter/otel"
	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/exception"
	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
	"github.com/Strob0t/slotkeeper/internal/port/database"
)

// ExceptionService writes closures and special hours with merge-on-write.
type ExceptionService struct {
	store   database.Store
	booking config.Booking
	metrics *cfotel.Metrics
	cached  Invalidator
}

// NewExceptionService creates an ExceptionService. metrics may be nil.
func NewExceptionService(store database.Store, booking config.Booking, metrics *cfotel.Metrics) *ExceptionService {
	return &ExceptionService{store: store, booking: booking, metrics: metrics}
}

// SetInvalidator drops cached availability after each successful write.
func (s *ExceptionService) SetInvalidator(inv Invalidator) { s.cached = inv }

func (s *ExceptionService) invalidate(ctx context.Context, resourceID string) {
	if s.cached != nil {
		s.cached.Invalidate(ctx, tenant.IDFromContext(ctx), resourceID)
	}
}

// Upsert normalizes the window to the booking grid and merges it with every
// same-flag neighbor on the resource.
func (s *ExceptionService) Upsert(ctx context.Context, req *exception.UpsertRequest) (*exception.Exception, error) {
	if err := requireTenant(ctx); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	grid := s.booking.Grid
	if grid <= 0 {
		grid = timerange.DefaultGrid
	}
	window, err := timerange.Normalize(req.Start, req.End, grid)
	if err != nil {
		return nil, err
	}
	if _, err := checkWindow(window.Start, window.End, s.booking.MaxWindow); err != nil {
		return nil, err
	}

	ctx, span := cfotel.StartMergeSpan(ctx, req.ResourceID, req.Closed)
	e, outcome, err := s.store.UpsertException(ctx, req, window)
	cfotel.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	if outcome == exception.OutcomeUnchanged {
		slog.DebugContext(ctx, "exception unchanged", "exception_id", e.ID, "resource_id", e.ResourceID)
		return e, nil
	}
	s.invalidate(ctx, e.ResourceID)
	s.metrics.ExceptionWritten(ctx, string(outcome))
	slog.InfoContext(ctx, "exception written",
		"exception_id", e.ID, "resource_id", e.ResourceID, "closed", e.Closed,
		"outcome", outcome, "window", e.Range().String())
	return e, nil
}

// Get returns one exception of the caller's tenant.
func (s *ExceptionService) Get(ctx context.Context, id string) (*exception.Exception, error) {
	if err := requireTenant(ctx); err != nil {
		return nil, err
	}
	return s.store.GetException(ctx, id)
}

// List returns the resource's exceptions intersecting window. A caller
// without a tenant sees no rows.
func (s *ExceptionService) List(ctx context.Context, resourceID string, window timerange.Range) ([]exception.Exception, error) {
	if !tenant.FromContext(ctx).HasTenant() {
		return []exception.Exception{}, nil
	}
	if err := domain.ValidateResourceID(resourceID); err != nil {
		return nil, err
	}
	return s.store.ListExceptions(ctx, resourceID, window)
}

// Delete removes one exception.
func (s *ExceptionService) Delete(ctx context.Context, id string) error {
	if err := requireTenant(ctx); err != nil {
		return err
	}
	e, err := s.store.GetException(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteException(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, e.ResourceID)
	s.metrics.ExceptionWritten(ctx, "deleted")
	slog.InfoContext(ctx, "exception deleted", "exception_id", id)
	return nil
}
