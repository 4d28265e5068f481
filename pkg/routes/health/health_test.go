package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, c *Checker, path string) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()
	e := echo.New()
	c.RegisterRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var status HealthStatus
	if path == "/api/v1/health" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	}
	return rec, status
}

func TestHealth(t *testing.T) {
	c := NewChecker("1.2.3")
	c.AddCheck("graph", func(context.Context) error { return nil })

	rec, status := serve(t, c, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, "healthy", status.Checks["graph"].Status)

	c.AddCheck("redis", func(context.Context) error { return stderrors.New("connection refused") })
	rec, status = serve(t, c, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
}

func TestReady(t *testing.T) {
	c := NewChecker("dev")

	rec, _ := serve(t, c, "/api/v1/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec, _ = serve(t, c, "/api/v1/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = serve(t, c, "/api/v1/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}
