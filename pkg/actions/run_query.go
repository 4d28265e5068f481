package actions

import (
	"context"
	"strings"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type RunQueryMeta struct {
	Query             string `validate:"required"`
	Params            map[string]any
	IncludeData       bool
	UpdateTable       bool
	RemoveColPrefixes bool
}

// RunQuery runs a declared statement against the store, optionally binding
// the working table as $data and optionally replacing the table with the
// statement's result.
type RunQuery struct {
	Core
	meta *RunQueryMeta
}

func NewRunQuery(node definition.ActionNode, env Env) (Action, error) {
	return &RunQuery{Core: newCore(node, env)}, nil
}

func (a *RunQuery) FetchMetadata(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "actions.RunQuery.FetchMetadata")
	defer span.End()

	if a.meta != nil {
		return nil
	}
	params, err := mapParam(a.node, "params")
	if err != nil {
		return a.Fail(errors.KindValidationFailure, err)
	}
	removePrefixes := FlagParam(definition.ActionNode{Params: params}, "remove_col_prefixes", true)
	delete(params, "remove_col_prefixes")
	meta, err := utils.Validate(RunQueryMeta{
		Query:             a.node.Param("query"),
		Params:            params,
		IncludeData:       FlagParam(a.node, "include_data", false),
		UpdateTable:       FlagParam(a.node, "update_df", false),
		RemoveColPrefixes: removePrefixes,
	})
	if err != nil {
		return a.Fail(errors.KindValidationFailure, err)
	}
	a.meta = &meta
	return nil
}

func (a *RunQuery) Apply(ctx context.Context, t *table.Table, _ Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.RunQuery.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	log := a.Logger(ctx)

	params := make(map[string]any, len(a.meta.Params)+1)
	for k, v := range a.meta.Params {
		params[k] = v
	}
	if a.meta.IncludeData {
		if t == nil {
			return nil, a.Failf(errors.KindValidationFailure, "include_data is set but there is no working table")
		}
		if t.Empty() {
			log.Warn("Including an empty working table as query data")
		}
		params["data"] = toAnySlice(t.JSONRecords())
	}

	records, err := a.env.Store.Query(ctx, a.meta.Query, params)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err).AddAction(a.node.ID).AddActionKind(a.node.Kind).AddQuery(a.meta.Query, params)
	}
	log.WithFields(map[string]any{"rows": len(records)}).Info("Query finished")

	if !a.meta.UpdateTable {
		return t, nil
	}
	out := table.FromRecords(queryRows(records))
	if a.meta.RemoveColPrefixes {
		rename := map[string]string{}
		for _, c := range out.Columns() {
			if i := strings.LastIndex(c, "."); i >= 0 {
				rename[c] = c[i+1:]
			}
		}
		out.Rename(rename)
	}
	return out, nil
}

// Rollback has nothing to undo: statements are not tracked by the ledger.
func (a *RunQuery) Rollback(_ context.Context) ([]int64, error) {
	return nil, nil
}

// queryRows turns records into table rows. Records that hold a single map
// value are rows themselves.
func queryRows(records []graph.Record) []map[string]any {
	rows := make([]map[string]any, len(records))
	for i, r := range records {
		rows[i] = r
		if len(r) != 1 {
			continue
		}
		for _, v := range r {
			if m, ok := v.(map[string]any); ok {
				rows[i] = m
			}
		}
	}
	return rows
}

func toAnySlice(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
