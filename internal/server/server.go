// Package server assembles the HTTP surface: middleware, tracing, metrics
// and every route group.
package server

import (
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/definitions"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/items"
	"github.com/Ramsey-B/fern/pkg/routes/pipeline"
	"github.com/Ramsey-B/fern/pkg/routes/runs"
	"github.com/Ramsey-B/fern/pkg/runner"
	"github.com/Ramsey-B/fern/pkg/transform"
)

type Deps struct {
	Config *config.Config
	Runner *runner.Runner
	// Local serves /items/. Nil leaves the endpoint unregistered.
	Local  *transform.Local
	Health *health.Checker
	Logger ectologger.Logger
}

func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(d.Logger)

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: d.Config.AllowOrigins,
		AllowMethods: d.Config.AllowMethods,
	}))
	e.Use(otelecho.Middleware(d.Config.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(d.Logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if d.Health != nil {
		d.Health.RegisterRoutes(e)
	}
	if d.Local != nil {
		items.NewHandler(d.Local, d.Logger).Register(e)
	}

	api := e.Group("/api/v1")
	pipeline.NewHandler(d.Runner, d.Config.PreviewLimit, d.Logger).Register(api.Group("/pipelines"))
	definitions.NewHandler(d.Runner, d.Logger).Register(api.Group("/definitions"))
	runs.NewHandler(d.Runner, d.Logger).Register(api.Group("/runs"))

	return e
}

// HTTPServer wraps e with the configured timeouts.
func HTTPServer(cfg *config.Config, e *echo.Echo, addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}
