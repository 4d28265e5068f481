package middleware

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
)

// Logger writes one line per request. Requests against a pipeline carry its
// scope and name so apply and rollback calls can be traced to a run.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			ctx := c.Request().Context()
			fields := map[string]any{
				"request_id":  context.GetRequestID(ctx),
				"user_id":     context.GetUserID(ctx),
				"method":      c.Request().Method,
				"route":       c.Path(),
				"status":      c.Response().Status,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes_out":   c.Response().Size,
			}
			for _, p := range []string{"scope", "name", "id"} {
				if v := c.Param(p); v != "" {
					fields[p] = v
				}
			}

			entry := logger.WithContext(ctx).WithFields(fields)
			if c.Response().Status >= 500 {
				entry.Warn("Request failed")
				return nil
			}
			entry.Info("Request")
			return nil
		}
	}
}
