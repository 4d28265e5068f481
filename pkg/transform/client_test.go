package transform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

var nopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

func TestItemsURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"http://svc", "http://svc/items/"},
		{"http://svc/", "http://svc/items/"},
		{"http://svc/items", "http://svc/items/"},
		{"http://svc/items/", "http://svc/items/"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, ItemsURL(tt.host))
		})
	}
}

func TestClient_Call(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() {
		tracing.SetTracer(nil)
		_ = provider.Shutdown(context.Background())
	})
	tracing.SetTracer(provider.Tracer("fern"))

	var path, traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		traceparent = r.Header.Get("traceparent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"function_return": "[{\"AGE\": 42}]", "return_cols": ["AGE"], "logs": ""}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := NewClient(cfg, nopLogger)

	ctx, span := tracing.StartSpan(context.Background(), "actions.CallAPI.Apply")
	defer span.End()

	resp, err := c.Call(ctx, Request{Func: "derive_age", Params: map[string]any{}})
	require.NoError(t, err)

	assert.Equal(t, "/items/", path)
	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, tracing.TraceID(ctx))
	assert.NotEqual(t, tracing.TraceParent(ctx), traceparent)
	assert.Equal(t, []string{"AGE"}, resp.ReturnColumns)
	require.Len(t, resp.FunctionReturn, 1)
}

func TestClient_CallStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	_, err := NewClient(cfg, nopLogger).Call(context.Background(), Request{Func: "derive_age"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}
