package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindEmptyResult            Kind = "empty_result"
	KindValidationFailure      Kind = "validation_failure"
	KindExternalServiceFailure Kind = "external_service_failure"
	KindRollbackInconsistency  Kind = "rollback_inconsistency"
	KindUnknownActionKind      Kind = "unknown_action_kind"
	// KindConflict is a run refused because another run holds the pipeline
	// or the pipeline is already applied.
	KindConflict Kind = "conflict"
	// KindScriptFailure is a script that failed while running, as opposed to
	// one called with bad arguments.
	KindScriptFailure Kind = "script_failure"
	KindInternal      Kind = "internal"
)

// Issue is a single collected validation problem.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// PipelineError is the error returned by every pipeline operation. Fatal
// errors carry the offending action and, where one was issued, the literal
// store query and parameters so the failure can be reproduced by hand.
type PipelineError struct {
	Kind       Kind
	Message    string
	ActionID   string
	ActionKind string
	Query      string
	Params     map[string]any
	Logs       string
	Issues     []Issue
	cause      error
}

func New(kind Kind, msg string) *PipelineError {
	return &PipelineError{Kind: kind, Message: msg}
}

// Newf creates a new PipelineError with a formatted message. A %w verb keeps the wrapped error as the cause.
func Newf(kind Kind, format string, args ...any) *PipelineError {
	err := fmt.Errorf(format, args...)
	return &PipelineError{Kind: kind, Message: err.Error(), cause: stderrors.Unwrap(err)}
}

// Wrap converts err into a PipelineError of the given kind. An error that is
// already a PipelineError is returned as is.
func Wrap(kind Kind, err error) *PipelineError {
	if err == nil {
		return nil
	}

	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe
	}

	return &PipelineError{Kind: kind, Message: err.Error(), cause: err}
}

// Validation builds a ValidationFailure from collected issues.
func Validation(msg string, issues []Issue) *PipelineError {
	return &PipelineError{Kind: KindValidationFailure, Message: msg, Issues: issues}
}

func (e *PipelineError) Error() string {
	msg := e.Message
	if len(e.Issues) > 0 {
		parts := make([]string, len(e.Issues))
		for i, issue := range e.Issues {
			parts[i] = issue.String()
		}
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(parts, "; "))
	}

	if e.ActionID == "" {
		return msg
	}
	if e.ActionKind == "" {
		return fmt.Sprintf("action '%s': %s", e.ActionID, msg)
	}
	return fmt.Sprintf("action '%s' (%s): %s", e.ActionID, e.ActionKind, msg)
}

func (e *PipelineError) Unwrap() error {
	return e.cause
}

func (e *PipelineError) AddAction(actionID string) *PipelineError {
	if e.ActionID == "" {
		e.ActionID = actionID
	}
	return e
}

func (e *PipelineError) AddActionKind(kind string) *PipelineError {
	if e.ActionKind == "" {
		e.ActionKind = kind
	}
	return e
}

func (e *PipelineError) AddQuery(query string, params map[string]any) *PipelineError {
	e.Query = query
	e.Params = params
	return e
}

func (e *PipelineError) AddLogs(logs string) *PipelineError {
	e.Logs = logs
	return e
}

func (e *PipelineError) AddIssue(field, msg string) *PipelineError {
	e.Issues = append(e.Issues, Issue{Field: field, Message: msg})
	return e
}

// StatusCode maps the error kind onto an HTTP status.
func (e *PipelineError) StatusCode() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidationFailure, KindUnknownActionKind:
		return http.StatusUnprocessableEntity
	case KindEmptyResult, KindConflict:
		return http.StatusConflict
	case KindExternalServiceFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (e *PipelineError) ToHTTPError() *httperror.HTTPError {
	herr := httperror.NewHTTPError(e.StatusCode(), e.Error()).
		AddMetaValue("kind", string(e.Kind)).
		AddMetaValue("action_id", e.ActionID).
		AddMetaValue("action_kind", e.ActionKind)

	if e.Query != "" {
		herr = herr.AddMetaValue("query", e.Query)
		if params, err := json.Marshal(e.Params); err == nil {
			herr = herr.AddMetaValue("params", string(params))
		}
	}
	if e.Logs != "" {
		herr = herr.AddMetaValue("logs", e.Logs)
	}
	if len(e.Issues) > 0 {
		if issues, err := json.Marshal(e.Issues); err == nil {
			herr = herr.AddMetaValue("issues", string(issues))
		}
	}
	return herr
}

func IsPipelineError(err error) bool {
	var pe *PipelineError
	return stderrors.As(err, &pe)
}

// AsPipelineError returns the first PipelineError in err's chain.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsKind reports whether err is a PipelineError of the given kind.
func IsKind(err error, kind Kind) bool {
	pe, ok := AsPipelineError(err)
	return ok && pe.Kind == kind
}
