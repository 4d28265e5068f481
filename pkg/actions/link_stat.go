package actions

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type LinkStatMeta struct {
	Statistics []graph.ClassRef
	Result     graph.ClassRef
	Dimensions []graph.ClassRef
}

// LinkStat merges one statistic node per row, keyed by the row's statistic
// uri, and links it to the result class and to the row's dimension instances.
type LinkStat struct {
	Core
	meta *LinkStatMeta
}

func NewLinkStat(node definition.ActionNode, env Env) (Action, error) {
	return &LinkStat{Core: newCore(node, env)}, nil
}

func (a *LinkStat) Mutating() bool {
	return true
}

// classRefs reads the target classes of edges. A short_label edge property
// names the working-table column when it differs from the class short label.
func (a *LinkStat) classRefs(edgeType string) []graph.ClassRef {
	return ectolinq.Map(a.node.EdgesOfType(edgeType), func(e definition.ActionEdge) graph.ClassRef {
		short := e.Prop(definition.PropShortLabel)
		if short == "" {
			short = a.shortLabel(e.Target.Prop(definition.PropShortLabel))
		}
		return graph.ClassRef{Label: e.Target.Prop(definition.PropLabel), ShortLabel: short}
	})
}

func (a *LinkStat) FetchMetadata(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "actions.LinkStat.FetchMetadata")
	defer span.End()

	if a.meta != nil {
		return nil
	}
	results := a.classRefs(EdgeResult)
	if len(results) != 1 {
		return a.Failf(errors.KindValidationFailure, "link_stat supports exactly one result class, got %d", len(results))
	}
	stats := a.classRefs(EdgeStatistic)
	if len(stats) == 0 {
		return a.Failf(errors.KindNotFound, "link_stat has no statistic classes")
	}
	a.meta = &LinkStatMeta{
		Statistics: stats,
		Result:     results[0],
		Dimensions: a.classRefs(EdgeDimension),
	}
	return nil
}

func (a *LinkStat) Apply(ctx context.Context, t *table.Table, _ Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.LinkStat.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	labels := func(refs []graph.ClassRef) []string {
		return ectolinq.Map(refs, func(c graph.ClassRef) string { return c.Label })
	}
	log := a.Logger(ctx).WithFields(map[string]any{
		"statistics": labels(a.meta.Statistics),
		"result":     a.meta.Result.Label,
		"dimensions": labels(a.meta.Dimensions),
	})
	log.Info("Linking statistics")
	if t == nil {
		t = table.New()
	}

	rows, err := a.env.Store.MergeStatistics(ctx, graph.StatRequest{
		Statistics: a.meta.Statistics,
		Result:     a.meta.Result,
		Dimensions: a.meta.Dimensions,
		Rows:       t.Records(),
	})
	if err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}
	if len(rows) == 0 {
		return nil, a.Failf(errors.KindInternal, "could not link statistics: no matching node ids for dimension nodes")
	}
	if len(rows) != t.Len() {
		log.WithFields(map[string]any{"linked": len(rows), "rows": t.Len()}).
			Warn("Some statistics links have not been created, some dimension values may be missing")
	}

	out := table.New(t.Columns()...)
	for _, r := range rows {
		rec := t.Row(r.Index)
		for short, id := range r.NodeIDs {
			rec[table.IDColumn(short)] = id
		}
		out.AppendRecord(rec)
	}
	if err := a.env.Store.LinkInstances(ctx, labels(a.meta.Statistics)...); err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}

	var uris []string
	for _, s := range a.meta.Statistics {
		for _, u := range t.Unique(table.URIColumn(s.ShortLabel)) {
			uris = append(uris, fmt.Sprint(u))
		}
	}
	if err := a.record(ctx, ledger.Entry{URIs: uris}); err != nil {
		return nil, err
	}
	return out, nil
}

// Rollback deletes the statistic nodes by their recorded uris. Statistics whose
// uris changed since apply are not found; that is logged and not an error.
func (a *LinkStat) Rollback(ctx context.Context) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.LinkStat.Rollback")
	defer span.End()

	entries, err := a.entries(ctx)
	if err != nil {
		return nil, err
	}
	log := a.Logger(ctx)
	for _, e := range entries {
		values := ectolinq.Map(e.URIs, func(u string) any { return u })
		deleted, err := a.env.Store.DeleteByProperty(ctx, graph.PropURI, values)
		if err != nil {
			return nil, a.Fail(errors.KindInternal, err)
		}
		if len(deleted) == 0 {
			log.WithFields(map[string]any{"kind": errors.KindRollbackInconsistency}).Warn("Expected statistics nodes cannot be found, continuing")
			continue
		}
		log.WithFields(map[string]any{"deleted": len(deleted)}).Info("Deleted statistics nodes")
	}
	return nil, a.forget(ctx, entries)
}
