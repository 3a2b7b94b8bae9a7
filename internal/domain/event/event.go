// Package event defines the availability change events emitted on every mutation.
package event

import "time"

// ChangeType identifies what changed on a resource's timeline.
type ChangeType string

const (
	ExceptionCreated    ChangeType = "exception_created"
	ExceptionUpdated    ChangeType = "exception_updated"
	ExceptionDeleted    ChangeType = "exception_deleted"
	ReservationCreated  ChangeType = "reservation_created"
	ReservationReleased ChangeType = "reservation_released"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ExceptionCreated, ExceptionUpdated, ExceptionDeleted, ReservationCreated, ReservationReleased:
		return true
	}
	return false
}

// Change is an outbox row: written with the mutation, relayed after commit.
type Change struct {
	ID          int64      `json:"id"`
	TenantID    string     `json:"tenant_id"`
	ResourceID  string     `json:"resource_id"`
	ChangeType  ChangeType `json:"change_type"`
	ChangedAt   time.Time  `json:"changed_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// SubjectPrefix is the NATS subject root for change events.
const SubjectPrefix = "availability.changed"

// Subject returns the per-resource NATS subject for c.
func (c *Change) Subject() string {
	return SubjectPrefix + "." + c.TenantID + "." + c.ResourceID
}
