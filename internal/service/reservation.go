// Package service implements business logic on top of ports.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cfotel "github.com/Strob0t/slotkeeper/internal/adapter/otel"
	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/reservation"
	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
	"github.com/Strob0t/slotkeeper/internal/port/database"
)

// ReservationService creates and advances reservations.
type ReservationService struct {
	store   database.Store
	booking config.Booking
	metrics *cfotel.Metrics
	cached  Invalidator
}

// NewReservationService creates a ReservationService. metrics may be nil.
func NewReservationService(store database.Store, booking config.Booking, metrics *cfotel.Metrics) *ReservationService {
	return &ReservationService{store: store, booking: booking, metrics: metrics}
}

// SetInvalidator drops cached availability after each successful write.
func (s *ReservationService) SetInvalidator(inv Invalidator) { s.cached = inv }

func (s *ReservationService) invalidate(ctx context.Context, resourceID string) {
	if s.cached != nil {
		s.cached.Invalidate(ctx, tenant.IDFromContext(ctx), resourceID)
	}
}

func (s *ReservationService) policy() database.ReservePolicy {
	return database.ReservePolicy{
		AlternativeOffsets: s.booking.AlternativeOffsets,
		MaxAlternatives:    s.booking.MaxAlternatives,
	}
}

// requireTenant returns ErrAccessDenied when ctx carries no tenant.
func requireTenant(ctx context.Context) error {
	if !tenant.FromContext(ctx).HasTenant() {
		return domain.ErrAccessDenied
	}
	return nil
}

// checkWindow validates ordering and the configured maximum span.
func checkWindow(start, end time.Time, maxWindow time.Duration) (timerange.Range, error) {
	w, err := timerange.New(start, end)
	if err != nil {
		return timerange.Range{}, err
	}
	if maxWindow > 0 && w.Duration() > maxWindow {
		return timerange.Range{}, fmt.Errorf("window %s exceeds %s: %w", w, maxWindow, domain.ErrValidation)
	}
	return w, nil
}

// Create books [Start, End) on the resource as pending. A client token that
// was already used returns the original reservation when the request matches
// it, and ErrIdempotencyMismatch when it does not.
func (s *ReservationService) Create(ctx context.Context, req *reservation.CreateRequest) (*reservation.Reservation, error) {
	if err := requireTenant(ctx); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	window, err := checkWindow(req.Start, req.End, s.booking.MaxWindow)
	if err != nil {
		return nil, err
	}

	if req.ClientToken != "" {
		existing, err := s.store.GetReservationByToken(ctx, req.ClientToken)
		switch {
		case err == nil:
			return matchToken(existing, req, window)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}

	ctx, span := cfotel.StartReserveSpan(ctx, req.ResourceID)
	started := time.Now()
	r, err := s.store.TryReserve(ctx, &reservation.Reservation{
		ResourceID:  req.ResourceID,
		ServiceID:   req.ServiceID,
		Start:       window.Start,
		End:         window.End,
		ClientToken: req.ClientToken,
	}, "", s.policy())
	cfotel.EndSpan(span, err)

	var ce *domain.ConflictError
	switch {
	case errors.As(err, &ce):
		s.metrics.Conflict(ctx)
		s.metrics.ObserveReserve(ctx, time.Since(started).Seconds(), "conflict")
		slog.InfoContext(ctx, "reservation conflict",
			"resource_id", req.ResourceID, "conflicting_id", ce.ConflictingID, "alternatives", len(ce.Alternatives))
		return nil, err
	case err != nil:
		s.metrics.ObserveReserve(ctx, time.Since(started).Seconds(), "error")
		return nil, err
	}

	if req.ClientToken != "" {
		// A concurrent create may have claimed the token first.
		if r, err = matchToken(r, req, window); err != nil {
			return nil, err
		}
	}
	s.invalidate(ctx, r.ResourceID)
	s.metrics.ReservationCreated(ctx)
	s.metrics.ObserveReserve(ctx, time.Since(started).Seconds(), "created")
	slog.InfoContext(ctx, "reservation created", "reservation_id", r.ID, "resource_id", r.ResourceID)
	return r, nil
}

func matchToken(existing *reservation.Reservation, req *reservation.CreateRequest, window timerange.Range) (*reservation.Reservation, error) {
	if existing.ResourceID != req.ResourceID || existing.ServiceID != req.ServiceID ||
		!existing.Start.Equal(window.Start) || !existing.End.Equal(window.End) {
		return nil, fmt.Errorf("client_token %q: %w", req.ClientToken, domain.ErrIdempotencyMismatch)
	}
	return existing, nil
}

// Transition moves a reservation to status to. Terminal statuses are final.
func (s *ReservationService) Transition(ctx context.Context, id string, to reservation.Status) (*reservation.Reservation, error) {
	if err := requireTenant(ctx); err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", to, domain.ErrValidation)
	}
	r, err := s.store.TransitionReservation(ctx, id, to)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, r.ResourceID)
	slog.InfoContext(ctx, "reservation transitioned", "reservation_id", id, "status", to)
	return r, nil
}

// Reschedule moves an active reservation to a new window, ignoring its own
// current interval in the conflict check.
func (s *ReservationService) Reschedule(ctx context.Context, id string, start, end time.Time) (*reservation.Reservation, error) {
	if err := requireTenant(ctx); err != nil {
		return nil, err
	}
	window, err := checkWindow(start, end, s.booking.MaxWindow)
	if err != nil {
		return nil, err
	}
	ctx, span := cfotel.StartReserveSpan(ctx, id)
	r, err := s.store.RescheduleReservation(ctx, id, window, s.policy())
	cfotel.EndSpan(span, err)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.metrics.Conflict(ctx)
		}
		return nil, err
	}
	s.invalidate(ctx, r.ResourceID)
	slog.InfoContext(ctx, "reservation rescheduled", "reservation_id", id, "window", window.String())
	return r, nil
}

// Get returns one reservation of the caller's tenant.
func (s *ReservationService) Get(ctx context.Context, id string) (*reservation.Reservation, error) {
	if err := requireTenant(ctx); err != nil {
		return nil, err
	}
	return s.store.GetReservation(ctx, id)
}

// List returns the resource's reservations intersecting window, in start order.
// A caller without a tenant sees no rows.
func (s *ReservationService) List(ctx context.Context, resourceID string, window timerange.Range) ([]reservation.Reservation, error) {
	if !tenant.FromContext(ctx).HasTenant() {
		return []reservation.Reservation{}, nil
	}
	if err := domain.ValidateResourceID(resourceID); err != nil {
		return nil, err
	}
	return s.store.ListReservations(ctx, resourceID, window)
}
