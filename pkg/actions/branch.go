package actions

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// branchCore is shared by the three branch actions. Their snapshots live in
// the run's Branches and are never recorded in the ledger.
type branchCore struct {
	Core
}

func (b *branchCore) FetchMetadata(_ context.Context) error {
	if b.env.Branches == nil {
		return b.Failf(errors.KindInternal, "no branch store configured")
	}
	return nil
}

func (b *branchCore) Rollback(_ context.Context) ([]int64, error) {
	return nil, nil
}

// name is the snapshot name: the branch param, or the action id.
func (b *branchCore) name() string {
	if n := b.node.Param("branch"); n != "" {
		return n
	}
	return b.node.ID
}

// BranchSave snapshots the working table and passes it on unchanged.
type BranchSave struct {
	branchCore
}

func NewBranchSave(node definition.ActionNode, env Env) (Action, error) {
	return &BranchSave{branchCore{newCore(node, env)}}, nil
}

func (a *BranchSave) Apply(ctx context.Context, t *table.Table, _ Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.BranchSave.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	a.env.Branches.Save(a.name(), t)
	a.Logger(ctx).WithFields(map[string]any{"branch": a.name(), "rows": t.Len()}).Debug("Saved branch")
	return t, nil
}

// BranchLoad replaces the working table with a saved snapshot.
type BranchLoad struct {
	branchCore
}

func NewBranchLoad(node definition.ActionNode, env Env) (Action, error) {
	return &BranchLoad{branchCore{newCore(node, env)}}, nil
}

func (a *BranchLoad) Apply(ctx context.Context, _ *table.Table, _ Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.BranchLoad.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	out, ok := a.env.Branches.Load(a.name())
	if !ok {
		return nil, a.Failf(errors.KindNotFound, "branch %q not saved", a.name())
	}
	a.Logger(ctx).WithFields(map[string]any{"branch": a.name(), "rows": out.Len()}).Debug("Loaded branch")
	return out, nil
}

// BranchCombine inner-joins the listed snapshots, in order, on their shared
// columns.
type BranchCombine struct {
	branchCore
}

func NewBranchCombine(node definition.ActionNode, env Env) (Action, error) {
	return &BranchCombine{branchCore{newCore(node, env)}}, nil
}

func (a *BranchCombine) Apply(ctx context.Context, _ *table.Table, _ Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.BranchCombine.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	names := listParam(a.node, "branches")
	if len(names) < 2 {
		return nil, a.Failf(errors.KindValidationFailure, "branch_combine needs at least two branches, got %v", names)
	}

	var out *table.Table
	for _, name := range names {
		t, ok := a.env.Branches.Load(name)
		if !ok {
			return nil, a.Failf(errors.KindNotFound, "branch %q not saved", name)
		}
		if out == nil {
			out = t
			continue
		}
		joined, err := table.InnerJoin(out, t)
		if err != nil {
			return nil, a.Fail(errors.KindValidationFailure, err)
		}
		out = joined
	}
	a.Logger(ctx).WithFields(map[string]any{"branches": names, "rows": out.Len()}).Info("Combined branches")
	return out, nil
}
