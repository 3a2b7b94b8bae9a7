// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishDeduplicated sends a message carrying a broker-side dedup id.
	PublishDeduplicated(ctx context.Context, subject, msgID string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by slotkeeper.
const (
	// SubjectAvailabilityChanged is the root; events publish on
	// availability.changed.{tenant_id}.{resource_id}.
	SubjectAvailabilityChanged = "availability.changed"
	// SubjectAvailabilityAll matches every change event.
	SubjectAvailabilityAll = SubjectAvailabilityChanged + ".>"
)
