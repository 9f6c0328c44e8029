package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "dispatchkit"

// StartDispatchSpan starts a span covering one dispatch request.
func StartDispatchSpan(ctx context.Context, sessionID, class string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("dispatch.class", class),
		),
	)
}

// StartTaskSpan starts a span for one scheduler attempt.
func StartTaskSpan(ctx context.Context, taskID, priority string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.attempt",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.priority", priority),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// StartBackendSpan starts a span for one backend stream.
func StartBackendSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "backend.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("backend.model", model)),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
