// Package scripts holds the table functions that RunScript runs in process and
// that the transformation endpoint serves to CallAPI.
package scripts

import (
	"context"
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Packages registered by NewRegistry.
const (
	BasicPackage       = "basic_df_ops"
	ExpressionsPackage = "expressions"
)

// Func transforms a table. Functions may modify t in place and return it.
type Func func(ctx context.Context, t *table.Table, params map[string]any) (*table.Table, error)

// Registry maps package.script keys to functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func Key(pkg, script string) string {
	return pkg + "." + script
}

// NewRegistry returns a registry holding the built-in packages.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}

	r.Register(BasicPackage, "group_by", GroupBy)
	r.Register(BasicPackage, "rename_columns", RenameColumns)
	r.Register(BasicPackage, "divide", Divide)
	r.Register(BasicPackage, "multiply", Multiply)
	r.Register(BasicPackage, "multiply_cols", MultiplyColumns)
	r.Register(BasicPackage, "remap_term_values", RemapTermValues)
	r.Register(BasicPackage, "ct_cartesian_product", CTCartesianProduct)

	eval := NewEvaluator()
	r.Register(ExpressionsPackage, "filter_rows", eval.FilterRows)
	r.Register(ExpressionsPackage, "derive_column", eval.DeriveColumn)

	return r
}

func (r *Registry) Register(pkg, script string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[Key(pkg, script)] = fn
}

func (r *Registry) Lookup(pkg, script string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[Key(pkg, script)]
	return fn, ok
}

// Names lists the registered keys in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run looks up and runs a function. An unknown function is NotFound.
func (r *Registry) Run(ctx context.Context, pkg, script string, t *table.Table, params map[string]any) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "scripts.Registry.Run")
	defer span.End()

	fn, ok := r.Lookup(pkg, script)
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "script %q not found", Key(pkg, script))
	}
	if t == nil {
		t = table.New()
	}
	if params == nil {
		params = map[string]any{}
	}
	return call(ctx, fn, t, params)
}

func call(ctx context.Context, fn Func, t *table.Table, params map[string]any) (out *table.Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.Newf(errors.KindScriptFailure, "script panicked: %v", r)
		}
	}()
	return fn(ctx, t, params)
}
