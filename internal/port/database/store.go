// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain/event"
	"github.com/Strob0t/slotkeeper/internal/domain/exception"
	"github.com/Strob0t/slotkeeper/internal/domain/reservation"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
)

// ReservePolicy controls the alternatives attached to a conflict.
type ReservePolicy struct {
	AlternativeOffsets []time.Duration
	MaxAlternatives    int
}

// Store is the port interface for database operations. Every method except
// the outbox relay methods is scoped to the tenant carried by ctx; a context
// without a tenant sees no rows.
type Store interface {
	// Reservations

	// TryReserve atomically checks that no active reservation on the resource
	// overlaps r and inserts r as pending. excluding names a reservation to
	// ignore during the check; it may be empty. On overlap it returns a
	// *domain.ConflictError. A client token the tenant already used returns
	// the reservation created with it instead of inserting.
	TryReserve(ctx context.Context, r *reservation.Reservation, excluding string, policy ReservePolicy) (*reservation.Reservation, error)
	GetReservation(ctx context.Context, id string) (*reservation.Reservation, error)
	GetReservationByToken(ctx context.Context, clientToken string) (*reservation.Reservation, error)
	ListReservations(ctx context.Context, resourceID string, window timerange.Range) ([]reservation.Reservation, error)
	TransitionReservation(ctx context.Context, id string, to reservation.Status) (*reservation.Reservation, error)
	RescheduleReservation(ctx context.Context, id string, window timerange.Range, policy ReservePolicy) (*reservation.Reservation, error)

	// Exceptions

	// UpsertException merges the normalized window with all same-flag
	// neighbors and replaces them with one row in a single atomic unit. The
	// outcome is the one the applied merge plan reported.
	UpsertException(ctx context.Context, req *exception.UpsertRequest, window timerange.Range) (*exception.Exception, exception.Outcome, error)
	GetException(ctx context.Context, id string) (*exception.Exception, error)
	ListExceptions(ctx context.Context, resourceID string, window timerange.Range) ([]exception.Exception, error)
	DeleteException(ctx context.Context, id string) error

	// Change outbox (relay only, not tenant scoped)
	ListPendingChanges(ctx context.Context, limit int) ([]event.Change, error)
	MarkChangesPublished(ctx context.Context, ids []int64) error
	// PurgePublishedChanges deletes events published before the cutoff.
	PurgePublishedChanges(ctx context.Context, before time.Time) (int64, error)
}
