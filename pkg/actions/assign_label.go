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

type AssignLabelMeta struct {
	OnClass     string `validate:"required"`
	OnShort     string `validate:"required"`
	AssignLabel string `validate:"required"`
	AssignShort string `validate:"required"`
}

// AssignLabel adds a class label to the instances referenced by a working
// table column.
type AssignLabel struct {
	Core
	meta *AssignLabelMeta
}

func NewAssignLabel(node definition.ActionNode, env Env) (Action, error) {
	return &AssignLabel{Core: newCore(node, env)}, nil
}

func (a *AssignLabel) Mutating() bool {
	return true
}

// Meta returns the metadata built by FetchMetadata.
func (a *AssignLabel) Meta() AssignLabelMeta {
	if a.meta == nil {
		return AssignLabelMeta{}
	}
	return *a.meta
}

func (a *AssignLabel) FetchMetadata(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "actions.AssignLabel.FetchMetadata")
	defer span.End()

	if a.meta != nil {
		return nil
	}
	on := a.node.EdgesOfType(EdgeOn)
	assign := a.node.EdgesOfType(EdgeClass)
	if len(on) == 0 || len(assign) == 0 {
		return a.Failf(errors.KindNotFound, "assign_class needs an ON and a CLASS class")
	}
	meta, err := utils.Validate(AssignLabelMeta{
		OnClass:     on[0].Target.Prop(definition.PropLabel),
		OnShort:     a.shortLabel(on[0].Target.Prop(definition.PropShortLabel)),
		AssignLabel: assign[0].Target.Prop(definition.PropLabel),
		AssignShort: assign[0].Target.Prop(definition.PropShortLabel),
	})
	if err != nil {
		return a.Fail(errors.KindValidationFailure, err)
	}
	a.meta = &meta
	return nil
}

func (a *AssignLabel) Apply(ctx context.Context, t *table.Table, _ Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.AssignLabel.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	log := a.Logger(ctx).WithFields(map[string]any{
		"on_class":     a.meta.OnClass,
		"assign_label": a.meta.AssignLabel,
	})
	if t.Empty() {
		log.Info("Bypassing assign_class, no records in data")
		return t, nil
	}

	idColumn := table.IDColumn(a.meta.OnShort)
	values, ok := t.Column(idColumn)
	if !ok {
		return nil, a.Failf(errors.KindValidationFailure, "column %q not in working table", idColumn)
	}
	ids := nodeIDs(values)

	tagged, err := a.env.Store.AddLabel(ctx, a.meta.OnClass, a.meta.AssignLabel, ids)
	if err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}
	if err := a.env.Store.LinkInstances(ctx, a.meta.AssignLabel); err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}
	log.WithFields(map[string]any{"tagged": tagged}).Info("Class labels assigned")

	if err := t.SetColumn(table.IDColumn(a.meta.AssignShort), append([]any(nil), values...)); err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}
	if err := a.record(ctx, ledger.Entry{NodeIDs: ids}); err != nil {
		return nil, err
	}
	return t, nil
}

// Rollback removes the label from exactly the recorded instances that still
// carry both labels. It detaches nothing: the instances keep their other
// relationships.
func (a *AssignLabel) Rollback(ctx context.Context) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.AssignLabel.Rollback")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	entries, err := a.entries(ctx)
	if err != nil {
		return nil, err
	}
	log := a.Logger(ctx)
	for _, e := range entries {
		removed, err := a.env.Store.RemoveLabel(ctx, a.meta.OnClass, a.meta.AssignLabel, e.NodeIDs)
		if err != nil {
			return nil, a.Fail(errors.KindInternal, err)
		}
		if len(removed) == 0 {
			log.WithFields(map[string]any{
				"kind":         errors.KindRollbackInconsistency,
				"assign_label": a.meta.AssignLabel,
				"on_class":     a.meta.OnClass,
			}).Warn("Expected label not found on class instances")
			continue
		}
		log.WithFields(map[string]any{"removed": len(removed)}).Info("Class labels removed")
	}
	return nil, a.forget(ctx, entries)
}

// nodeIDs returns the distinct node ids of a column, skipping missing cells.
func nodeIDs(values []any) []int64 {
	seen := make(map[int64]bool, len(values))
	out := make([]int64, 0, len(values))
	for _, v := range values {
		id, ok := table.ToInt64(v)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
