// Package idempotency defines the port for persisting idempotency records.
package idempotency

import (
	"context"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain/idempotency"
)

// Store persists idempotency claims and completed responses.
type Store interface {
	// Claim inserts rec as in-flight. When a live record already holds the
	// scope, Claim returns it with claimed=false and a nil error; the
	// uniqueness violation is not an error. Expired records are replaced.
	Claim(ctx context.Context, rec *idempotency.Record) (existing *idempotency.Record, claimed bool, err error)

	// Complete stores the response on an in-flight record and extends its expiry.
	Complete(ctx context.Context, scope idempotency.Scope, resp idempotency.Response, expiresAt time.Time) error

	// Release drops an in-flight claim so a later retry re-executes.
	Release(ctx context.Context, scope idempotency.Scope) error

	// Get returns the live record for scope, or domain.ErrNotFound when
	// absent or expired.
	Get(ctx context.Context, scope idempotency.Scope) (*idempotency.Record, error)

	// Purge deletes records expired at now and returns how many were removed.
	Purge(ctx context.Context, now time.Time) (int64, error)
}
