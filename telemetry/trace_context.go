package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds trace and span identifiers for log correlation.
type TraceContext struct {
	// TraceID is the 32-character hex trace identifier.
	TraceID string

	// SpanID is the 16-character hex span identifier.
	SpanID string

	// Sampled indicates whether this trace is being recorded.
	Sampled bool
}

// GetTraceContext extracts OpenTelemetry trace context from the context.
// Returns zero values if no valid trace context exists. Use it to attach
// trace_id/span_id to structured log fields:
//
//	tc := telemetry.GetTraceContext(ctx)
//	logger.Info("Routing event", map[string]interface{}{
//	    "trace_id": tc.TraceID,
//	})
func GetTraceContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// HasTraceContext returns true if the context carries a valid span.
func HasTraceContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	return trace.SpanFromContext(ctx).SpanContext().IsValid()
}

// AddSpanEvent adds a named event to the current span. Events mark meaningful
// points in time (phase transitions, cache hits) and show up in trace viewers.
// No-op when the context has no recording span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordSpanError records an error on the current span and marks the span
// status as Error. No-op for nil errors or non-recording spans.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanAttributes sets attributes on the current span.
// No-op when the context has no recording span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(attrs...)
}

// StartSpan starts a child span via the global tracer provider.
// The caller must end the returned span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}
