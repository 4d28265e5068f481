package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineError_Error(t *testing.T) {
	t.Run("message only", func(t *testing.T) {
		err := New(KindNotFound, "pipeline not found")
		assert.Equal(t, "pipeline not found", err.Error())
	})

	t.Run("with action and kind", func(t *testing.T) {
		err := New(KindEmptyResult, "0 rows returned").AddAction("get_data1").AddActionKind("get_data")
		assert.Equal(t, "action 'get_data1' (get_data): 0 rows returned", err.Error())
	})

	t.Run("first action wins", func(t *testing.T) {
		err := New(KindInternal, "boom").AddAction("inner").AddAction("outer")
		assert.Equal(t, "inner", err.ActionID)
	})

	t.Run("issues are listed", func(t *testing.T) {
		err := Validation("definition is invalid", []Issue{
			{Field: "link1", Message: "edge type FOO not allowed"},
			{Message: "missing core method"},
		})
		assert.Equal(t, "definition is invalid: link1: edge type FOO not allowed; missing core method", err.Error())
	})
}

func TestWrap(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Wrap(KindInternal, nil))
	})

	t.Run("keeps existing pipeline error", func(t *testing.T) {
		inner := New(KindNotFound, "missing")
		wrapped := Wrap(KindInternal, fmt.Errorf("outer: %w", inner))
		assert.Same(t, inner, wrapped)
	})

	t.Run("wraps plain error as cause", func(t *testing.T) {
		cause := stderrors.New("connection refused")
		err := Wrap(KindExternalServiceFailure, cause)
		assert.Equal(t, KindExternalServiceFailure, err.Kind)
		assert.ErrorIs(t, err, cause)
	})
}

func TestNewf_KeepsCause(t *testing.T) {
	cause := stderrors.New("bolt timeout")
	err := Newf(KindInternal, "query failed: %w", cause)
	assert.Equal(t, "query failed: bolt timeout", err.Message)
	assert.ErrorIs(t, err, cause)
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("run: %w", New(KindRollbackInconsistency, "two ledger entries"))
	assert.True(t, IsKind(err, KindRollbackInconsistency))
	assert.False(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(stderrors.New("plain"), KindNotFound))
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindValidationFailure, http.StatusUnprocessableEntity},
		{KindUnknownActionKind, http.StatusUnprocessableEntity},
		{KindEmptyResult, http.StatusConflict},
		{KindExternalServiceFailure, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
		{KindScriptFailure, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			herr := New(tt.kind, "x").AddAction("a1").ToHTTPError()
			require.NotNil(t, herr)
			assert.Equal(t, tt.status, New(tt.kind, "x").StatusCode())
			assert.Equal(t, "a1", herr.Meta["action_id"])
			assert.Equal(t, string(tt.kind), herr.Meta["kind"])
		})
	}

	t.Run("query and params in meta", func(t *testing.T) {
		herr := New(KindInternal, "x").AddQuery("MATCH (n) RETURN n", map[string]any{"id": 1}).ToHTTPError()
		assert.Equal(t, "MATCH (n) RETURN n", herr.Meta["query"])
		assert.Equal(t, `{"id":1}`, herr.Meta["params"])
	})
}
