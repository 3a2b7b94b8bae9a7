// Package exception defines availability exceptions (closures and special hours)
// and the merge-on-write planner shared by every store backend.
package exception

import (
	"fmt"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
)

// Source records who authored an exception.
type Source string

const (
	SourceManual   Source = "manual"
	SourceImported Source = "imported"
	SourceSystem   Source = "system"
)

func (s Source) rank() int {
	switch s {
	case SourceManual:
		return 3
	case SourceImported:
		return 2
	case SourceSystem:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool { return s.rank() > 0 }

// Stronger returns the source with higher precedence: manual > imported > system.
func Stronger(a, b Source) Source {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Exception overrides default availability on a resource over [Start, End).
// Closed=true is a closure; Closed=false is a special-hours window.
type Exception struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	ResourceID  string            `json:"resource_id"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	Closed      bool              `json:"closed"`
	Source      Source            `json:"source"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Range returns the exception interval.
func (e *Exception) Range() timerange.Range {
	return timerange.Range{Start: e.Start, End: e.End}
}

// UpsertRequest holds the fields for creating or extending an exception.
type UpsertRequest struct {
	ResourceID  string            `json:"resource_id"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	Closed      bool              `json:"closed"`
	Source      Source            `json:"source,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

const maxDescription = 1000

// Validate checks required fields. An empty source defaults to manual.
func (r *UpsertRequest) Validate() error {
	if err := domain.ValidateResourceID(r.ResourceID); err != nil {
		return err
	}
	if r.Source == "" {
		r.Source = SourceManual
	}
	if !r.Source.Valid() {
		return fmt.Errorf("invalid source %q: %w", r.Source, domain.ErrValidation)
	}
	if len(r.Description) > maxDescription {
		return fmt.Errorf("description exceeds %d characters: %w", maxDescription, domain.ErrValidation)
	}
	return nil
}
