package utils

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
)

// BindRequest binds the path, query and body of the request into T and
// validates it. A body that does not bind is a 400; a bound value that fails
// validation is a ValidationFailure listing every failed field.
func BindRequest[T any](c echo.Context) (T, error) {
	var v T

	if err := c.Bind(&v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	return Validate(v)
}

// BindParams binds and validates only the path and query parameters, leaving
// the body unread for the handler.
func BindParams[T any](c echo.Context) (T, error) {
	var v T
	binder := &echo.DefaultBinder{}

	if err := binder.BindPathParams(c, &v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}
	if err := binder.BindQueryParams(c, &v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	return Validate(v)
}
