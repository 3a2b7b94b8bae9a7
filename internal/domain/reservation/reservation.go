// Package reservation defines the Reservation entity and its status machine.
package reservation

import (
	"fmt"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
)

// Status represents the lifecycle state of a reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCheckedIn Status = "checked_in"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusNoShow    Status = "no_show"
	StatusFailed    Status = "failed"
)

// ActiveStatuses occupy the resource timeline.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed, StatusCheckedIn}

// transitions lists allowed forward moves. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCanceled, StatusFailed, StatusNoShow},
	StatusConfirmed: {StatusCheckedIn, StatusCanceled, StatusNoShow, StatusCompleted},
	StatusCheckedIn: {StatusCompleted, StatusCanceled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCheckedIn,
		StatusCompleted, StatusCanceled, StatusNoShow, StatusFailed:
		return true
	}
	return false
}

// Active reports whether s participates in conflict checks.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusCheckedIn
}

// Terminal reports whether s is a resolved, non-blocking status.
func (s Status) Terminal() bool {
	return s.Valid() && !s.Active()
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *domain.TransitionError when from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q: %w", to, domain.ErrValidation)
	}
	if !CanTransition(from, to) {
		return &domain.TransitionError{From: string(from), To: string(to)}
	}
	return nil
}

// Reservation is one booking of a resource over [Start, End).
type Reservation struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ResourceID  string    `json:"resource_id"`
	ServiceID   string    `json:"service_id,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      Status    `json:"status"`
	ClientToken string    `json:"client_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Range returns the reservation interval.
func (r *Reservation) Range() timerange.Range {
	return timerange.Range{Start: r.Start, End: r.End}
}

// CreateRequest holds the fields needed to create a reservation.
type CreateRequest struct {
	ResourceID  string    `json:"resource_id"`
	ServiceID   string    `json:"service_id,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ClientToken string    `json:"client_token,omitempty"`
}

// Validate checks required fields and ordering.
func (r *CreateRequest) Validate() error {
	if err := domain.ValidateResourceID(r.ResourceID); err != nil {
		return err
	}
	if len(r.ClientToken) > 255 {
		return fmt.Errorf("client_token exceeds 255 characters: %w", domain.ErrValidation)
	}
	if _, err := timerange.New(r.Start, r.End); err != nil {
		return err
	}
	return nil
}

// TransitionRequest moves a reservation to a new status.
type TransitionRequest struct {
	Status Status `json:"status"`
}

// RescheduleRequest moves a reservation to a new window.
type RescheduleRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
