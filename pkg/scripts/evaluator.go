package scripts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Evaluator evaluates JMESPath expressions against table rows, caching
// compiled expressions.
type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// Evaluate evaluates a JMESPath expression against data
func (e *Evaluator) Evaluate(expression string, data any) (any, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}

	return result, nil
}

// EvaluateBool evaluates an expression and reports whether the result is truthy.
func (e *Evaluator) EvaluateBool(expression string, data any) (bool, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		return v != "", nil
	case float64:
		return v != 0, nil
	case []any:
		return len(v) > 0, nil
	case map[string]any:
		return len(v) > 0, nil
	default:
		return true, nil
	}
}

// Validate checks if an expression is valid
func (e *Evaluator) Validate(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *Evaluator) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	if compiled, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()

	return compiled, nil
}

type FilterRowsArguments struct {
	Expression string `json:"expression" validate:"required"`
}

// FilterRows keeps the rows for which the expression is truthy.
func (e *Evaluator) FilterRows(_ context.Context, t *table.Table, params map[string]any) (*table.Table, error) {
	args, err := utils.ValidateArguments[FilterRowsArguments](params)
	if err != nil {
		return nil, err
	}
	if err := e.Validate(args.Expression); err != nil {
		return nil, errors.Newf(errors.KindValidationFailure, "filter_rows: %w", err)
	}

	var evalErr error
	out := t.Filter(func(row map[string]any) bool {
		if evalErr != nil {
			return false
		}
		ok, err := e.EvaluateBool(args.Expression, searchable(row))
		if err != nil {
			evalErr = err
			return false
		}
		return ok
	})
	if evalErr != nil {
		return nil, errors.Wrap(errors.KindScriptFailure, evalErr)
	}
	return out, nil
}

type DeriveColumnArguments struct {
	Expression string `json:"expression" validate:"required"`
	OutCol     string `json:"out_col" validate:"required"`
}

// DeriveColumn writes the expression's value for each row to out_col.
func (e *Evaluator) DeriveColumn(_ context.Context, t *table.Table, params map[string]any) (*table.Table, error) {
	args, err := utils.ValidateArguments[DeriveColumnArguments](params)
	if err != nil {
		return nil, err
	}
	if err := e.Validate(args.Expression); err != nil {
		return nil, errors.Newf(errors.KindValidationFailure, "derive_column: %w", err)
	}

	values := make([]any, t.Len())
	for i := range values {
		v, err := e.Evaluate(args.Expression, searchable(t.Row(i)))
		if err != nil {
			return nil, errors.Wrap(errors.KindScriptFailure, err)
		}
		values[i] = v
	}
	if err := t.SetColumn(args.OutCol, values); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	return t, nil
}

// searchable converts a row to the value shapes JMESPath compares: numbers as
// float64 and times as strings.
func searchable(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		switch x := v.(type) {
		case time.Time:
			out[k] = table.JSONValue(x)
			continue
		case bool, string, nil:
			out[k] = x
			continue
		}
		if table.IsMissing(v) {
			out[k] = nil
		} else if f, ok := table.ToFloat(v); ok {
			out[k] = f
		} else {
			out[k] = v
		}
	}
	return out
}
