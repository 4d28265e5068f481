package definitions

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/runner"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
	"github.com/Ramsey-B/fern/pkg/validation"
)

// Handler serves definition tooling that touches no pipeline state
type Handler struct {
	runner *runner.Runner
	logger ectologger.Logger
}

func NewHandler(r *runner.Runner, logger ectologger.Logger) *Handler {
	return &Handler{runner: r, logger: logger}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/validate", h.Validate)
	g.POST("/merge", h.Merge)
}

type ValidateRequest struct {
	Name       string          `json:"name" validate:"required"`
	Definition json.RawMessage `json:"definition" validate:"required"`
}

type ValidateResponse struct {
	Valid   bool               `json:"valid"`
	Issues  []errors.Issue     `json:"issues"`
	Missing validation.Missing `json:"missing"`
}

// Validate reports structural problems and missing schema. An invalid
// definition is a 200 with the issues; only failures to check are errors.
func (h *Handler) Validate(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "definitions.Validate")
	defer span.End()

	req, err := utils.BindRequest[ValidateRequest](c)
	if err != nil {
		return err
	}

	def, err := decode(req.Definition)
	if err != nil {
		return err
	}

	missing, err := h.runner.Validate(ctx, req.Name, def)
	out := ValidateResponse{Valid: err == nil, Issues: []errors.Issue{}, Missing: missing}
	if err != nil {
		if !errors.IsKind(err, errors.KindValidationFailure) {
			return err
		}
		pe, _ := errors.AsPipelineError(err)
		out.Issues = append(out.Issues, pe.Issues...)
	}
	return c.JSON(http.StatusOK, out)
}

type MergeRequest struct {
	Name      string            `json:"name" validate:"required"`
	Base      json.RawMessage   `json:"base"`
	Fragments []json.RawMessage `json:"fragments" validate:"required,min=1"`
}

func (h *Handler) Merge(c echo.Context) error {
	_, span := tracing.StartSpan(c.Request().Context(), "definitions.Merge")
	defer span.End()

	req, err := utils.BindRequest[MergeRequest](c)
	if err != nil {
		return err
	}

	var base *definition.Graph
	if len(req.Base) > 0 && string(req.Base) != "null" {
		if base, err = decode(req.Base); err != nil {
			return err
		}
	}
	fragments := make([]*definition.Graph, 0, len(req.Fragments))
	for _, raw := range req.Fragments {
		g, err := decode(raw)
		if err != nil {
			return err
		}
		fragments = append(fragments, g)
	}

	merged, err := h.runner.Merge(req.Name, base, fragments...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, merged)
}

// decode goes through the definition codec so numeric properties come out as
// they would from a definition file.
func decode(raw json.RawMessage) (*definition.Graph, error) {
	g, err := definition.Decode(bytes.NewReader(raw), definition.FormatJSON)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidationFailure, err)
	}
	return g, nil
}
