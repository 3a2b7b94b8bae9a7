// Package domain provides shared domain-level sentinel errors.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the requested entity does not exist for the caller's tenant.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the requested interval intersects an active reservation.
var ErrConflict = errors.New("conflict: interval overlaps an active reservation")

// ErrValidation indicates malformed input.
var ErrValidation = errors.New("validation failed")

// ErrInvalidRange indicates start >= end after normalization.
var ErrInvalidRange = fmt.Errorf("%w: start must be before end", ErrValidation)

// ErrInvalidTransition indicates a reservation status change that is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrIdempotencyMismatch indicates an idempotency key reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")

// ErrAccessDenied indicates no tenant could be resolved for the caller.
var ErrAccessDenied = errors.New("access denied")

// ErrTransient indicates a retryable failure (lock timeout, serialization, in-flight duplicate).
var ErrTransient = errors.New("transient failure, retry later")

// Alternative is a suggested free start time returned with a conflict.
type Alternative struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ConflictError carries the blocking reservation and best-effort alternatives.
type ConflictError struct {
	ConflictingID string
	Alternatives  []Alternative
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict with reservation %s", e.ConflictingID)
}

// Is reports ErrConflict so callers can match with errors.Is.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransitionError names the rejected transition.
type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Is reports ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
