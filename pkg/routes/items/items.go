// Package items serves the in-process script registry over the
// transformation service's wire protocol, so CallAPI actions can target this
// service itself.
package items

import (
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/transform"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type Handler struct {
	local  *transform.Local
	logger ectologger.Logger
}

func NewHandler(local *transform.Local, logger ectologger.Logger) *Handler {
	return &Handler{local: local, logger: logger}
}

func (h *Handler) Register(e *echo.Echo) {
	e.POST("/items/", h.Call)
}

type CallRequest struct {
	transform.Request
}

// CallResponse mirrors the remote service: a nil function_return with logs
// reports a failed function.
type CallResponse struct {
	FunctionReturn []map[string]any `json:"function_return"`
	ReturnColumns  []string         `json:"return_cols"`
	Logs           string           `json:"logs"`
}

func (h *Handler) Call(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[CallRequest](c)
	if err != nil {
		return err
	}
	if req.Func == "" {
		return c.JSON(http.StatusBadRequest, CallResponse{Logs: "func is required"})
	}

	res, err := h.local.Call(ctx, req.Request)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CallResponse{
		FunctionReturn: res.FunctionReturn,
		ReturnColumns:  res.ReturnColumns,
		Logs:           res.Logs,
	})
}
