package actions

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// ScriptMeta names a table function and the parameters it is called with.
type ScriptMeta struct {
	Script          string         `validate:"required"`
	Package         string         `validate:"required"`
	Lang            string         `validate:"omitempty,oneof=python Python py r R go"`
	Version         string         `validate:"omitempty"`
	GitRepo         string         `validate:"omitempty"`
	RepoScriptsPath string         `validate:"omitempty"`
	ForceColumns    []string       `validate:"omitempty"`
	Params          map[string]any `validate:"omitempty"`
}

func scriptMeta(node definition.ActionNode) (ScriptMeta, error) {
	params, err := mapParam(node, "params")
	if err != nil {
		return ScriptMeta{}, err
	}
	return utils.Validate(ScriptMeta{
		Script:          node.Param("script"),
		Package:         node.Param("package"),
		Lang:            node.Param("lang"),
		Version:         node.Param("version"),
		GitRepo:         node.Param("github_repo"),
		RepoScriptsPath: node.Param("repo_scripts_path"),
		ForceColumns:    listParam(node, "force_columns"),
		Params:          params,
	})
}

// RunScript runs a function of the in-process script registry on the working
// table.
type RunScript struct {
	Core
	meta *ScriptMeta
}

func NewRunScript(node definition.ActionNode, env Env) (Action, error) {
	return &RunScript{Core: newCore(node, env)}, nil
}

func (a *RunScript) FetchMetadata(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "actions.RunScript.FetchMetadata")
	defer span.End()

	if a.meta != nil {
		return nil
	}
	meta, err := scriptMeta(a.node)
	if err != nil {
		return a.Fail(errors.KindValidationFailure, err)
	}
	if a.env.Scripts == nil {
		return a.Failf(errors.KindInternal, "no script registry configured")
	}
	if _, ok := a.env.Scripts.Lookup(meta.Package, meta.Script); !ok {
		return a.Failf(errors.KindNotFound, "script %s.%s not found", meta.Package, meta.Script)
	}
	a.meta = &meta
	return nil
}

func (a *RunScript) Apply(ctx context.Context, t *table.Table, _ Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.RunScript.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	if t == nil {
		t = table.New()
	}
	before := t.Columns()

	log := a.Logger(ctx).WithFields(map[string]any{
		"package": a.meta.Package,
		"script":  a.meta.Script,
	})
	log.Info("Running script")

	out, err := a.env.Scripts.Run(ctx, a.meta.Package, a.meta.Script, t, a.meta.Params)
	if err != nil {
		return nil, a.Fail(errors.KindScriptFailure, err)
	}
	log.WithFields(map[string]any{"rows": out.Len(), "columns": out.Columns()}).Info("Script finished")

	if err := a.record(ctx, ledger.Entry{ColumnsBefore: before, ColumnsAfter: out.Columns()}); err != nil {
		return nil, err
	}
	return out, nil
}

// Rollback forgets the recorded columns. Scripts change nothing in the store.
func (a *RunScript) Rollback(ctx context.Context) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.RunScript.Rollback")
	defer span.End()

	entries, err := a.entries(ctx)
	if err != nil {
		return nil, err
	}
	return nil, a.forget(ctx, entries)
}
