package actions

import (
	"context"
	"strconv"
	"strings"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// GetData reads the working table from the store. A filter node following it
// in the definition is folded into its request.
type GetData struct {
	Core
	filter *definition.ActionNode
	meta   *graph.DataRequest
}

func NewGetData(node definition.ActionNode, env Env) (Action, error) {
	return &GetData{Core: newCore(node, env)}, nil
}

// SetFilter folds a filter node into the read.
func (a *GetData) SetFilter(filter definition.ActionNode) {
	a.filter = &filter
	a.meta = nil
}

// Request returns the data request built by FetchMetadata.
func (a *GetData) Request() graph.DataRequest {
	if a.meta == nil {
		return graph.DataRequest{}
	}
	return *a.meta
}

func (a *GetData) FetchMetadata(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "actions.GetData.FetchMetadata")
	defer span.End()

	if a.meta != nil {
		return nil
	}

	req := graph.DataRequest{
		AllowUnrelated: FlagParam(a.node, "allow_unrelated_subgraphs", false),
	}
	for _, e := range a.node.EdgesOfType(EdgeSourceClass) {
		if !e.Target.HasLabel(definition.LabelClass) {
			continue
		}
		req.Classes = append(req.Classes, graph.ClassRef{
			Label:      e.Target.Prop(definition.PropLabel),
			ShortLabel: e.Target.Prop(definition.PropShortLabel),
			Optional:   EdgeFlag(e, "optional"),
		})
	}
	for _, e := range a.node.EdgesOfType(EdgeSourceRelationship) {
		if e.From == nil || e.To == nil {
			continue
		}
		to := graph.ClassRef{Label: e.To.Prop(definition.PropLabel), ShortLabel: e.To.Prop(definition.PropShortLabel)}
		if renamed := e.Target.Prop(definition.PropShortLabel); renamed != "" {
			to.ShortLabel = renamed
		}
		req.Relationships = append(req.Relationships, graph.RelationshipRef{
			From:     graph.ClassRef{Label: e.From.Prop(definition.PropLabel), ShortLabel: e.From.Prop(definition.PropShortLabel)},
			To:       to,
			Type:     e.Target.Prop(definition.PropRelationshipType),
			Optional: EdgeFlag(e, "optional"),
		})
	}
	if len(req.Classes) == 0 && len(req.Relationships) == 0 {
		return a.Failf(errors.KindNotFound, "get_data has no source classes or relationships")
	}
	req.InferRelationships = len(req.Relationships) == 0 && len(req.Classes) > 1 && !req.AllowUnrelated

	if a.filter != nil {
		where, only, err := filterConditions(*a.filter)
		if err != nil {
			return a.Fail(errors.KindValidationFailure, err)
		}
		if len(where) == 0 && len(only) == 0 {
			return a.Failf(errors.KindNotFound, "filter %q has no ON or FILTER_RELATIONSHIP edges", a.filter.ID)
		}
		req.Where = where
		req.OnlyRelatedTo = only
	}

	a.meta = &req
	return nil
}

func (a *GetData) Apply(ctx context.Context, _ *table.Table, opts Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.GetData.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	req := *a.meta
	req.Limit = opts.Limit

	log := a.Logger(ctx)
	out, err := a.env.Store.ReadTable(ctx, req)
	if err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}
	log.WithFields(map[string]any{"rows": out.Len(), "columns": out.Columns()}).Info("Read source data")

	if missing := missingCompanions(out.Columns()); len(missing) > 0 {
		log.WithFields(map[string]any{"missing": missing}).Warn("Columns missing from source data")
	}
	if out.Len() == 0 {
		labels := ectolinq.Map(req.Classes, func(c graph.ClassRef) string { return c.Label })
		return nil, a.Failf(errors.KindEmptyResult, "get_data returned 0 rows for classes %v", labels)
	}
	return out, nil
}

// Rollback has nothing to undo: GetData only reads.
func (a *GetData) Rollback(_ context.Context) ([]int64, error) {
	return nil, nil
}

func (a *GetData) Fragment() *definition.Graph {
	g := NodeFragment(a.node)
	if a.filter != nil {
		f := NodeFragment(*a.filter)
		g.Nodes = append(g.Nodes, f.Nodes...)
		g.Edges = append(g.Edges, f.Edges...)
	}
	return g
}

// filterConditions turns the edges of a filter node into per-class value
// filters and only-related-to constraints. An ON edge without properties keeps
// the ON_VALUE terms of its class; min and max bound the value; not_in
// excludes the ON_VALUE terms.
func filterConditions(filter definition.ActionNode) (map[string]graph.Filter, map[string][]string, error) {
	termLabels := func(class string) []any {
		var out []any
		for _, e := range filter.EdgesOfType(EdgeOnValue) {
			if e.Owner != nil && e.Owner.Prop(definition.PropLabel) == class {
				out = append(out, e.Target.Properties[definition.PropRDFSLabel])
			}
		}
		return out
	}

	where := map[string]graph.Filter{}
	for _, e := range filter.EdgesOfType(EdgeOn) {
		class := e.Target.Prop(definition.PropLabel)
		if class == "" {
			continue
		}
		f := where[class]
		if len(e.Properties) == 0 {
			f.Equals = append(f.Equals, termLabels(class)...)
		}
		for key, v := range e.Properties {
			switch key {
			case "min":
				f.Min = numberOrString(v)
			case "max":
				f.Max = numberOrString(v)
			case "not_in":
				f.NotIn = append(f.NotIn, termLabels(class)...)
			default:
				return nil, nil, errors.Newf(errors.KindValidationFailure, "filter %q: unsupported ON property %q", filter.ID, key)
			}
		}
		where[class] = f
	}

	only := map[string][]string{}
	allowed := ectolinq.Map(filter.EdgesOfType(EdgeOnlyRelatedTo), func(e definition.ActionEdge) string {
		return e.Target.Prop(definition.PropLabel)
	})
	for _, e := range filter.EdgesOfType(EdgeFilterRelationship) {
		if len(allowed) == 0 {
			continue
		}
		class := e.Target.Prop(definition.PropLabel)
		only[class] = append(only[class], allowed...)
	}
	return where, only, nil
}

func numberOrString(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// EdgeFlag reads a boolean edge property. Any value other than false, 0 or no
// counts as set.
func EdgeFlag(e definition.ActionEdge, key string) bool {
	switch strings.ToLower(e.Prop(key)) {
	case "", "false", "0", "no":
		return false
	default:
		return true
	}
}

// missingCompanions lists the value columns missing for an _id_ column and
// the _id_ columns missing for a value column.
func missingCompanions(columns []string) []string {
	var missing []string
	for _, c := range columns {
		var want string
		if strings.HasPrefix(c, table.IDPrefix) {
			want = strings.TrimPrefix(c, table.IDPrefix)
		} else {
			want = table.IDColumn(c)
		}
		if !ectolinq.Contains(columns, want) && !ectolinq.Contains(missing, want) {
			missing = append(missing, want)
		}
	}
	return missing
}

// ShortLabelRenames maps a class short label to the short label a GetData
// source relationship pointing at that class gives its column.
func ShortLabelRenames(nodes []definition.ActionNode) map[string]string {
	out := map[string]string{}
	for _, n := range nodes {
		if n.Kind != KindGetData {
			continue
		}
		for _, e := range n.EdgesOfType(EdgeSourceRelationship) {
			renamed := e.Target.Prop(definition.PropShortLabel)
			if e.To == nil || renamed == "" {
				continue
			}
			short := e.To.Prop(definition.PropShortLabel)
			if _, ok := out[short]; !ok {
				out[short] = renamed
			}
		}
	}
	return out
}
