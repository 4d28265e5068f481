// Package tracing holds the tracer that pipeline, action and store calls open
// their spans from.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

// SetTracer installs the tracer built by Setup.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan opens a span for one operation. Before Setup has run it returns
// ctx and the span ctx already carries, which is a no-op outside a request.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name)
}

func spanContext(ctx context.Context) (trace.SpanContext, bool) {
	if tracer == nil {
		return trace.SpanContext{}, false
	}
	sc := trace.SpanContextFromContext(ctx)
	return sc, sc.IsValid()
}

// TraceID is the trace a run or request belongs to, "" when untraced.
func TraceID(ctx context.Context) string {
	sc, ok := spanContext(ctx)
	if !ok {
		return ""
	}
	return sc.TraceID().String()
}

// TraceParent renders the W3C traceparent header for calls made on behalf of
// ctx, such as transformation service requests.
func TraceParent(ctx context.Context) string {
	if _, ok := spanContext(ctx); !ok {
		return ""
	}
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}
