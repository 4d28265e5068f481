package runs

import (
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/run"
	"github.com/Ramsey-B/fern/pkg/runner"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Handler serves the run history
type Handler struct {
	runner *runner.Runner
	logger ectologger.Logger
}

func NewHandler(r *runner.Runner, logger ectologger.Logger) *Handler {
	return &Handler{runner: r, logger: logger}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.Get)
}

type ListRequest struct {
	Pipeline string `query:"pipeline"`
	Scope    string `query:"scope"`
	Status   string `query:"status" validate:"omitempty,oneof=running succeeded failed"`
	Limit    int    `query:"limit" validate:"gte=0,lte=100"`
}

type ListResponse struct {
	Runs []run.Run `json:"runs"`
}

func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "runs.List")
	defer span.End()

	req, err := utils.BindRequest[ListRequest](c)
	if err != nil {
		return err
	}

	runs, err := h.runner.Runs(ctx, run.Filter{
		Pipeline: req.Pipeline,
		Scope:    req.Scope,
		Status:   req.Status,
		Limit:    req.Limit,
	})
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []run.Run{}
	}
	return c.JSON(http.StatusOK, ListResponse{Runs: runs})
}

type GetRequest struct {
	ID string `param:"id" validate:"required"`
}

func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "runs.Get")
	defer span.End()

	req, err := utils.BindRequest[GetRequest](c)
	if err != nil {
		return err
	}

	rec, err := h.runner.Run(ctx, req.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}
