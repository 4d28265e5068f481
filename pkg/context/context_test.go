package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetUserID(ctx))

	ctx = SetRequestID(ctx, "req-1")
	ctx = SetUserID(ctx, "alice")
	ctx = SetMethod(ctx, "POST")
	ctx = SetRoute(ctx, "/api/v1/pipelines")
	ctx = SetRemoteIP(ctx, "10.0.0.1")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "alice", GetUserID(ctx))
	assert.Equal(t, "POST", GetMethod(ctx))
	assert.Equal(t, "/api/v1/pipelines", GetRoute(ctx))
	assert.Equal(t, "10.0.0.1", GetRemoteIP(ctx))
}
