package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "slotkeeper"

// Metrics holds all slotkeeper metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	ReservationsCreated metric.Int64Counter
	ReservationConflict metric.Int64Counter
	ExceptionsWritten   metric.Int64Counter
	IdempotentReplays   metric.Int64Counter
	IdempotencySwept    metric.Int64Counter
	ChangesPublished    metric.Int64Counter
	PublishFailures     metric.Int64Counter
	ReserveDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ReservationsCreated, err = meter.Int64Counter("slotkeeper.reservations.created",
		metric.WithDescription("Number of reservations inserted"))
	if err != nil {
		return nil, err
	}

	m.ReservationConflict, err = meter.Int64Counter("slotkeeper.reservations.conflicts",
		metric.WithDescription("Number of reservation attempts rejected by an overlap"))
	if err != nil {
		return nil, err
	}

	m.ExceptionsWritten, err = meter.Int64Counter("slotkeeper.exceptions.written",
		metric.WithDescription("Number of exception upserts by change type"))
	if err != nil {
		return nil, err
	}

	m.IdempotentReplays, err = meter.Int64Counter("slotkeeper.idempotency.replays",
		metric.WithDescription("Number of responses replayed from an idempotency record"))
	if err != nil {
		return nil, err
	}

	m.IdempotencySwept, err = meter.Int64Counter("slotkeeper.idempotency.swept",
		metric.WithDescription("Number of expired idempotency records removed"))
	if err != nil {
		return nil, err
	}

	m.ChangesPublished, err = meter.Int64Counter("slotkeeper.changes.published",
		metric.WithDescription("Number of availability change events relayed"))
	if err != nil {
		return nil, err
	}

	m.PublishFailures, err = meter.Int64Counter("slotkeeper.changes.publish_failures",
		metric.WithDescription("Number of failed change event publishes"))
	if err != nil {
		return nil, err
	}

	m.ReserveDuration, err = meter.Float64Histogram("slotkeeper.reserve.duration_seconds",
		metric.WithDescription("Reservation check-and-insert latency in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// ReservationCreated counts one inserted reservation.
func (m *Metrics) ReservationCreated(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.ReservationsCreated, 1)
	}
}

// Conflict counts one rejected reservation attempt.
func (m *Metrics) Conflict(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.ReservationConflict, 1)
	}
}

// ExceptionWritten counts one exception mutation by change type.
func (m *Metrics) ExceptionWritten(ctx context.Context, changeType string) {
	if m != nil {
		m.add(ctx, m.ExceptionsWritten, 1, attribute.String("change_type", changeType))
	}
}

// Replayed counts one replayed idempotent response.
func (m *Metrics) Replayed(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.IdempotentReplays, 1)
	}
}

// Swept counts expired idempotency records removed by the sweeper.
func (m *Metrics) Swept(ctx context.Context, n int64) {
	if m != nil {
		m.add(ctx, m.IdempotencySwept, n)
	}
}

// Published counts relayed change events.
func (m *Metrics) Published(ctx context.Context, n int64) {
	if m != nil {
		m.add(ctx, m.ChangesPublished, n)
	}
}

// PublishFailed counts one failed publish.
func (m *Metrics) PublishFailed(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.PublishFailures, 1)
	}
}

// ObserveReserve records one reservation attempt latency.
func (m *Metrics) ObserveReserve(ctx context.Context, seconds float64, outcome string) {
	if m == nil {
		return
	}
	m.ReserveDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}
