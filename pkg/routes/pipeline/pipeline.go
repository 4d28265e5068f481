package pipeline

import (
	"net/http"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	pipelinepkg "github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/predict"
	"github.com/Ramsey-B/fern/pkg/runner"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Handler serves pipeline lifecycle endpoints
type Handler struct {
	runner       *runner.Runner
	previewLimit int
	logger       ectologger.Logger
}

func NewHandler(r *runner.Runner, previewLimit int, logger ectologger.Logger) *Handler {
	if previewLimit < 1 {
		previewLimit = pipelinepkg.PreviewLimit
	}
	return &Handler{runner: r, previewLimit: previewLimit, logger: logger}
}

// Register registers the pipeline routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:scope/order", h.Order)
	g.PUT("/:scope/:name", h.Save)
	g.DELETE("/:scope/:name", h.Delete)
	g.POST("/:scope/:name/apply", h.Apply)
	g.POST("/:scope/:name/rollback", h.Rollback)
	g.GET("/:scope/:name/preview", h.Preview)
	g.GET("/:scope/:name/predict", h.Predict)
}

type PipelineRequest struct {
	Scope string `param:"scope" json:"-" validate:"required"`
	Name  string `param:"name" json:"-" validate:"required"`
}

func (h *Handler) Save(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "pipeline.Save")
	defer span.End()

	req, err := utils.BindParams[PipelineRequest](c)
	if err != nil {
		return err
	}

	def, err := definition.Decode(c.Request().Body, bodyFormat(c))
	if err != nil {
		return errors.Wrap(errors.KindValidationFailure, err)
	}

	if err := h.runner.Save(ctx, req.Name, req.Scope, def); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Delete(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "pipeline.Delete")
	defer span.End()

	req, err := utils.BindRequest[PipelineRequest](c)
	if err != nil {
		return err
	}

	if err := h.runner.Delete(ctx, req.Name, req.Scope); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type ApplyRequest struct {
	Scope     string            `param:"scope" json:"-" validate:"required"`
	Name      string            `param:"name" json:"-" validate:"required"`
	Overwrite bool              `json:"overwrite"`
	Limit     int               `json:"limit" validate:"gte=0"`
	Branches  map[string]string `json:"branches"`
}

type ActionResponse struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Rows int    `json:"rows"`
}

type ApplyResponse struct {
	RunID      string           `json:"run_id"`
	Rows       int              `json:"rows"`
	Actions    []ActionResponse `json:"actions"`
	RolledBack []int64          `json:"rolled_back,omitempty"`
}

func (h *Handler) Apply(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "pipeline.Apply")
	defer span.End()

	req, err := utils.BindRequest[ApplyRequest](c)
	if err != nil {
		return err
	}

	res, err := h.runner.Apply(ctx, req.Name, req.Scope, runner.ApplyOptions{
		Overwrite: req.Overwrite,
		Limit:     req.Limit,
		Branches:  req.Branches,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, NewApplyResponse(res))
}

func NewApplyResponse(res *runner.Result) ApplyResponse {
	out := ApplyResponse{RunID: res.RunID, Rows: res.Rows, Actions: make([]ActionResponse, 0, len(res.Actions))}
	for _, a := range res.Actions {
		out.Actions = append(out.Actions, ActionResponse{ID: a.ID, Kind: a.Kind, Rows: a.Rows})
	}
	if res.Rolled != nil {
		out.RolledBack = res.Rolled.Deleted
	}
	return out
}

type RollbackFailure struct {
	ActionID string `json:"action_id"`
	Error    string `json:"error"`
}

type RollbackResponse struct {
	Detached []int64           `json:"detached"`
	Deleted  []int64           `json:"deleted"`
	Failures []RollbackFailure `json:"failures,omitempty"`
}

func (h *Handler) Rollback(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "pipeline.Rollback")
	defer span.End()

	req, err := utils.BindRequest[PipelineRequest](c)
	if err != nil {
		return err
	}

	report, err := h.runner.Rollback(ctx, req.Name, req.Scope)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, NewRollbackResponse(report))
}

func NewRollbackResponse(report pipelinepkg.RollbackReport) RollbackResponse {
	out := RollbackResponse{Detached: nonNil(report.Detached), Deleted: nonNil(report.Deleted)}
	for _, f := range report.Failures {
		out.Failures = append(out.Failures, RollbackFailure{ActionID: f.ActionID, Error: f.Err.Error()})
	}
	return out
}

type PreviewRequest struct {
	Scope string `param:"scope" json:"-" validate:"required"`
	Name  string `param:"name" json:"-" validate:"required"`
	Limit int    `query:"limit" validate:"gte=0"`
}

type PreviewResponse struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

func (h *Handler) Preview(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "pipeline.Preview")
	defer span.End()

	req, err := utils.BindRequest[PreviewRequest](c)
	if err != nil {
		return err
	}
	if req.Limit == 0 {
		req.Limit = h.previewLimit
	}

	tbl, err := h.runner.Preview(ctx, req.Name, req.Scope, req.Limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewPreviewResponse(tbl))
}

func NewPreviewResponse(tbl *table.Table) PreviewResponse {
	return PreviewResponse{Columns: nonNil(tbl.Columns()), Rows: tbl.JSONRecords()}
}

type PredictResponse struct {
	predict.Outputs
	Definition *definition.Graph `json:"definition"`
}

func (h *Handler) Predict(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "pipeline.Predict")
	defer span.End()

	req, err := utils.BindRequest[PipelineRequest](c)
	if err != nil {
		return err
	}

	p, err := h.runner.Predict(ctx, req.Name, req.Scope)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PredictResponse{Outputs: p.Outputs, Definition: p.Definition})
}

type OrderRequest struct {
	Scope string `param:"scope" json:"-" validate:"required"`
}

type OrderResponse struct {
	Pipelines []string `json:"pipelines"`
}

func (h *Handler) Order(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "pipeline.Order")
	defer span.End()

	req, err := utils.BindRequest[OrderRequest](c)
	if err != nil {
		return err
	}

	names, err := h.runner.Order(ctx, req.Scope)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, OrderResponse{Pipelines: nonNil(names)})
}

// bodyFormat reads YAML bodies by content type; everything else is JSON.
func bodyFormat(c echo.Context) definition.Format {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.Contains(ct, "yaml") {
		return definition.FormatYAML
	}
	return definition.FormatJSON
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
