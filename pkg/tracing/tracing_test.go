package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestStartSpan_WithoutTracer(t *testing.T) {
	SetTracer(nil)

	ctx, span := StartSpan(context.Background(), "pipeline.Pipeline.Apply")
	defer span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.Empty(t, TraceID(ctx))
	assert.Empty(t, TraceParent(ctx))
}

func TestStartSpan_WithTracer(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() {
		SetTracer(nil)
		_ = provider.Shutdown(context.Background())
	})
	SetTracer(provider.Tracer("fern"))

	ctx, span := StartSpan(context.Background(), "pipeline.Pipeline.Apply")
	defer span.End()

	traceID := TraceID(ctx)
	require.Len(t, traceID, 32)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)

	tp := TraceParent(ctx)
	assert.Equal(t, "00-"+traceID+"-"+span.SpanContext().SpanID().String()+"-01", tp)
}
