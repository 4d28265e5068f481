package actions

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type BuildURIMeta struct {
	Prefix string
	// Fors, Bys and Labels are short labels, ordered by class label.
	Fors                 []string
	Bys                  []string
	Labels               []string
	StoreOnExistingNodes bool
}

// BuildURI derives identity strings for the instances of one or more classes
// from the values of other columns.
type BuildURI struct {
	Core
	meta *BuildURIMeta
}

func NewBuildURI(node definition.ActionNode, env Env) (Action, error) {
	return &BuildURI{Core: newCore(node, env)}, nil
}

func (a *BuildURI) FetchMetadata(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "actions.BuildURI.FetchMetadata")
	defer span.End()

	if a.meta != nil {
		return nil
	}
	a.meta = &BuildURIMeta{
		Prefix:               a.node.Param("prefix"),
		Fors:                 sortedShortLabels(a.node.EdgesOfType(EdgeURIFor)),
		Bys:                  sortedShortLabels(a.node.EdgesOfType(EdgeURIBy)),
		Labels:               sortedShortLabels(a.node.EdgesOfType(EdgeURILabel)),
		StoreOnExistingNodes: FlagParam(a.node, "store_on_existing_nodes", false),
	}
	return nil
}

// sortedShortLabels returns the distinct short labels of the target classes
// ordered by class label.
func sortedShortLabels(edges []definition.ActionEdge) []string {
	type class struct{ label, short string }
	seen := map[string]bool{}
	var classes []class
	for _, e := range edges {
		label := e.Target.Prop(definition.PropLabel)
		if seen[label] {
			continue
		}
		seen[label] = true
		classes = append(classes, class{label: label, short: e.Target.Prop(definition.PropShortLabel)})
	}
	sort.SliceStable(classes, func(i, j int) bool { return classes[i].label < classes[j].label })
	out := make([]string, len(classes))
	for i, c := range classes {
		out[i] = c.short
	}
	return out
}

func (a *BuildURI) Apply(ctx context.Context, t *table.Table, opts Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.BuildURI.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	if len(a.meta.Fors) == 0 || (len(a.meta.Bys) == 0 && len(a.meta.Labels) == 0) {
		return nil, a.Failf(errors.KindValidationFailure, "build_uri needs a URI_FOR class and at least one URI_BY or URI_LABEL class")
	}
	if t == nil {
		t = table.New()
	}
	for _, by := range a.meta.Bys {
		if !t.HasColumn(by) {
			return nil, a.Failf(errors.KindValidationFailure, "required URI_BY column %q not found in columns %v", by, t.Columns())
		}
	}
	log := a.Logger(ctx).WithFields(map[string]any{
		"fors":   a.meta.Fors,
		"bys":    a.meta.Bys,
		"labels": a.meta.Labels,
	})
	log.Info("Building uris")

	for _, f := range a.meta.Fors {
		uris := make([]any, t.Len())
		for i := range uris {
			uris[i] = BuildURIValue(a.meta.Prefix, f, a.meta.Bys, t.Row(i), a.meta.Labels)
		}
		if err := t.SetColumn(table.URIColumn(f), uris); err != nil {
			return nil, a.Fail(errors.KindInternal, err)
		}

		if !a.meta.StoreOnExistingNodes || !opts.ApplyMutations {
			continue
		}
		ids, ok := t.Column(table.IDColumn(f))
		if !ok {
			return nil, a.Failf(errors.KindValidationFailure, "column %q not in working table", table.IDColumn(f))
		}
		values := make(map[int64]any, len(ids))
		for i, v := range ids {
			if id, ok := table.ToInt64(v); ok {
				values[id] = uris[i]
			}
		}
		if err := a.env.Store.SetProperty(ctx, graph.PropURI, values); err != nil {
			return nil, a.Fail(errors.KindInternal, err)
		}
		log.WithFields(map[string]any{"for": f, "nodes": len(values)}).Info("Stored uris on existing nodes")
	}
	return t, nil
}

// Rollback has nothing to undo: uris only live in the working table or are
// overwritten by the next apply.
func (a *BuildURI) Rollback(_ context.Context) ([]int64, error) {
	return nil, nil
}

// BuildURIValue renders the identity of f for one row:
// prefix_f_by_by1:v1/by2:v2 followed by _label_l1/l2 when labels are given.
func BuildURIValue(prefix, f string, bys []string, row map[string]any, labels []string) string {
	parts := make([]string, len(bys))
	for i, by := range bys {
		parts[i] = by + ":" + uriToken(row[by])
	}
	uri := prefix + "_" + f + "_by_" + strings.Join(parts, "/")
	if len(labels) > 0 {
		uri += "_label_" + strings.Join(labels, "/")
	}
	return uri
}

func uriToken(v any) string {
	if table.IsMissing(v) {
		return "nan"
	}
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatFloat(n, 'f', 1, 64)
		}
		return strconv.FormatFloat(n, 'g', -1, 64)
	case float32:
		return uriToken(float64(n))
	default:
		return fmt.Sprint(v)
	}
}
