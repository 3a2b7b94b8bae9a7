package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "slotkeeper"

// StartReserveSpan starts a span for a reservation check-and-insert.
func StartReserveSpan(ctx context.Context, resourceID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "reservation.reserve",
		trace.WithAttributes(attribute.String("resource.id", resourceID)),
	)
}

// StartMergeSpan starts a span for an exception merge-on-write.
func StartMergeSpan(ctx context.Context, resourceID string, closed bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "exception.merge",
		trace.WithAttributes(
			attribute.String("resource.id", resourceID),
			attribute.Bool("exception.closed", closed),
		),
	)
}

// StartIdempotentSpan starts a span around a guarded mutation.
func StartIdempotentSpan(ctx context.Context, endpoint, method string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "idempotency.execute",
		trace.WithAttributes(
			attribute.String("http.route", endpoint),
			attribute.String("http.method", method),
		),
	)
}

// StartRelaySpan starts a span for one outbox relay batch.
func StartRelaySpan(ctx context.Context, batch int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "changes.relay",
		trace.WithAttributes(attribute.Int("batch.size", batch)),
	)
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
