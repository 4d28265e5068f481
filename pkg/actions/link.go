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
	"github.com/Ramsey-B/fern/pkg/utils"
)

// RelSameAs links are never rolled back.
const RelSameAs = graph.RelSameAs

// LinkEnd describes one endpoint of a Link.
type LinkEnd struct {
	Class      string `validate:"required"`
	ShortLabel string `validate:"required"`
	// Property is set when the endpoint nodes are merged from values rather
	// than taken from an _id_ column.
	Property string
	// Value is a literal term label: a single node is merged for it.
	Value any
	// Column overrides the working-table column the endpoint is read from.
	Column string
	// Terms holds the controlled-term labels values must comply with.
	Terms []any
}

type LinkMeta struct {
	RelationshipType string `validate:"required"`
	From             LinkEnd
	To               LinkEnd
	How              string `validate:"omitempty,oneof=merge merge_to merge_from create create_to create_from merge_on_uri merge_from_on_uri"`
	Merge            bool
	UseURI           bool
}

// Link merges a relationship between the instances of two classes for every
// row of the working table.
type Link struct {
	Core
	meta *LinkMeta
}

func NewLink(node definition.ActionNode, env Env) (Action, error) {
	return &Link{Core: newCore(node, env)}, nil
}

func (a *Link) Mutating() bool {
	return true
}

// Meta returns the metadata built by FetchMetadata.
func (a *Link) Meta() LinkMeta {
	if a.meta == nil {
		return LinkMeta{}
	}
	return *a.meta
}

func (a *Link) FetchMetadata(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "actions.Link.FetchMetadata")
	defer span.End()

	if a.meta != nil {
		return nil
	}
	links := a.node.EdgesOfType(EdgeLink)
	if len(links) == 0 || links[0].From == nil || links[0].To == nil {
		return a.Failf(errors.KindNotFound, "link needs a LINK relationship with FROM and TO classes")
	}
	link := links[0]
	how := link.Prop("how")

	end := func(n *definition.Node, valueEdge, column string) LinkEnd {
		e := LinkEnd{
			Class:      n.Prop(definition.PropLabel),
			ShortLabel: a.shortLabel(n.Prop(definition.PropShortLabel)),
			Column:     link.Prop(column),
		}
		for _, v := range a.node.EdgesOfType(valueEdge) {
			if v.Owner == nil || v.Owner.Prop(definition.PropLabel) == e.Class {
				e.Value = v.Target.Properties[definition.PropRDFSLabel]
				break
			}
		}
		return e
	}
	from := end(link.From, EdgeFromValue, "from_column")
	to := end(link.To, EdgeToValue, "to_column")

	if ectolinq.Contains([]string{"merge", "merge_to", "create", "create_to", "merge_on_uri"}, how) || to.Value != nil {
		to.Property = graph.PropRDFSLabel
	}
	if ectolinq.Contains([]string{"merge_from", "create_from", "merge_from_on_uri"}, how) || from.Value != nil {
		from.Property = graph.PropRDFSLabel
	}

	relType := link.Target.Prop(definition.PropRelationshipType)
	if relType == "" {
		relType = to.Class
	}
	meta, err := utils.Validate(LinkMeta{
		RelationshipType: relType,
		From:             from,
		To:               to,
		How:              how,
		Merge:            ectolinq.Contains([]string{"merge", "merge_to", "merge_from", "merge_on_uri", "merge_from_on_uri"}, how) || to.Value != nil,
		UseURI:           how == "merge_on_uri" || how == "merge_from_on_uri",
	})
	if err != nil {
		return a.Fail(errors.KindValidationFailure, err)
	}

	for _, e := range []*LinkEnd{&meta.From, &meta.To} {
		if e.Property == "" || e.Value != nil {
			continue
		}
		terms, err := a.env.Store.ControlledTerms(ctx, e.Class)
		if err != nil {
			return a.Fail(errors.KindInternal, err)
		}
		e.Terms = ectolinq.Map(terms, func(t graph.Term) any { return t.Label })
	}
	a.meta = &meta
	return nil
}

func (a *Link) Apply(ctx context.Context, t *table.Table, _ Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.Link.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	log := a.Logger(ctx).WithFields(map[string]any{
		"from_class":        a.meta.From.Class,
		"to_class":          a.meta.To.Class,
		"relationship_type": a.meta.RelationshipType,
	})
	if t.Empty() {
		log.Info("Bypassing link, no records in data")
		return t, nil
	}
	a.warnDuplicateURIs(ctx, t)

	fromIDs, nanIDs, err := a.endpointIDs(ctx, t, a.meta.From)
	if err != nil {
		return nil, err
	}
	toIDs, nan, err := a.endpointIDs(ctx, t, a.meta.To)
	if err != nil {
		return nil, err
	}
	nanIDs = append(nanIDs, nan...)
	if len(nanIDs) > 0 {
		log.WithFields(map[string]any{"nan_nodes": len(nanIDs)}).Debug("Link created nodes with empty properties")
	}

	pairs := pairUp(fromIDs, toIDs)
	links, err := a.env.Store.MergeRelationships(ctx, a.meta.RelationshipType, pairs)
	if err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}
	if err := a.env.Store.LinkInstances(ctx, a.meta.From.Class, a.meta.To.Class); err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}
	log.WithFields(map[string]any{"links": len(links)}).Info("Links merged")

	if a.meta.RelationshipType == RelSameAs {
		log.Debug("No ledger entry recorded for SAME_AS links")
		return t, nil
	}
	err = a.record(ctx, ledger.Entry{
		RelationshipIDs:  ectolinq.Map(links, func(l graph.Link) int64 { return l.ID }),
		RelationshipType: a.meta.RelationshipType,
		NaNNodeIDs:       nanIDs,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// endpointIDs resolves the node ids of one side of the link, one per row, or
// a single id for a literal value. Merged value nodes are written back to the
// _id_ column of the side's short label.
func (a *Link) endpointIDs(ctx context.Context, t *table.Table, e LinkEnd) ([]int64, []int64, error) {
	switch {
	case e.Value != nil:
		ids, err := a.env.Store.MergeNodes(ctx, e.Class, e.Property, []map[string]any{{e.Property: e.Value}}, true)
		if err != nil {
			return nil, nil, a.Fail(errors.KindInternal, err)
		}
		if err := a.env.Store.SetParentLabels(ctx, e.Class); err != nil {
			return nil, nil, a.Fail(errors.KindInternal, err)
		}
		col := make([]any, t.Len())
		for i := range col {
			col[i] = ids[0]
		}
		if err := t.SetColumn(table.IDColumn(e.ShortLabel), col); err != nil {
			return nil, nil, a.Fail(errors.KindInternal, err)
		}
		return ids, nil, nil

	case e.Property != "":
		rows, key, err := a.valueRows(t, e)
		if err != nil {
			return nil, nil, err
		}
		ids, err := a.env.Store.MergeNodes(ctx, e.Class, key, rows, a.meta.Merge)
		if err != nil {
			return nil, nil, a.Fail(errors.KindInternal, err)
		}
		if err := a.env.Store.SetParentLabels(ctx, e.Class); err != nil {
			return nil, nil, a.Fail(errors.KindInternal, err)
		}
		col := make([]any, len(ids))
		for i, id := range ids {
			col[i] = id
		}
		if err := t.SetColumn(table.IDColumn(e.ShortLabel), col); err != nil {
			return nil, nil, a.Fail(errors.KindInternal, err)
		}
		nan, err := a.env.Store.ClearSentinel(ctx, ids, e.Property)
		if err != nil {
			return nil, nil, a.Fail(errors.KindInternal, err)
		}
		return ids, nan, nil

	default:
		name := e.ShortLabel
		if e.Column != "" {
			name = e.Column
		}
		values, ok := t.Column(table.IDColumn(name))
		if !ok {
			return nil, nil, a.Failf(errors.KindValidationFailure, "column %q not in working table", table.IDColumn(name))
		}
		ids := make([]int64, len(values))
		for i, v := range values {
			id, ok := table.ToInt64(v)
			if !ok {
				id = -1
			}
			ids[i] = id
		}
		return ids, nil, nil
	}
}

// valueRows builds the rows merged for a value endpoint. Missing values are
// merged as the NaN sentinel and cleared afterwards.
func (a *Link) valueRows(t *table.Table, e LinkEnd) ([]map[string]any, string, error) {
	name := e.ShortLabel
	if e.Column != "" {
		name = e.Column
	}
	values, ok := t.Column(name)
	if !ok {
		if !a.meta.UseURI {
			return nil, "", a.Failf(errors.KindValidationFailure, "column %q not in working table", name)
		}
		values = make([]any, t.Len())
	}
	if len(e.Terms) > 0 {
		for _, v := range values {
			if table.IsMissing(v) {
				continue
			}
			if !containsValue(e.Terms, v) {
				return nil, "", a.Failf(errors.KindValidationFailure,
					"derived value %v of %s is not compliant with controlled terminology: extend the terms or update the derivation", v, e.Class)
			}
		}
	}

	var uris []any
	key := e.Property
	if a.meta.UseURI {
		uriCol := table.URIColumn(e.ShortLabel)
		uris, ok = t.Column(uriCol)
		if !ok {
			return nil, "", a.Failf(errors.KindValidationFailure, "column %q not in working table", uriCol)
		}
		key = graph.PropURI
	}

	rows := make([]map[string]any, len(values))
	for i, v := range values {
		if table.IsMissing(v) {
			v = graph.NaNSentinel
		}
		row := map[string]any{e.Property: v}
		if uris != nil {
			row[graph.PropURI] = uris[i]
		}
		rows[i] = row
	}
	return rows, key, nil
}

func containsValue(values []any, v any) bool {
	want := fmt.Sprint(v)
	for _, x := range values {
		if fmt.Sprint(x) == want {
			return true
		}
	}
	return false
}

func (a *Link) warnDuplicateURIs(ctx context.Context, t *table.Table) {
	var short string
	switch a.meta.How {
	case "merge_on_uri":
		short = a.meta.To.ShortLabel
	case "merge_from_on_uri":
		short = a.meta.From.ShortLabel
	default:
		return
	}
	uris, ok := t.Column(table.URIColumn(short))
	if !ok || len(uris) < 2 {
		return
	}
	seen := make(map[string]bool, len(uris))
	for _, u := range uris {
		k := fmt.Sprint(u)
		if seen[k] {
			a.Logger(ctx).WithFields(map[string]any{"column": table.URIColumn(short)}).Warn("More than one identical uri exists in column")
			return
		}
		seen[k] = true
	}
}

// pairUp zips the two endpoint id lists. A single id on one side is paired
// with every id of the other side.
func pairUp(from, to []int64) []graph.Pair {
	n := max(len(from), len(to))
	pairs := make([]graph.Pair, 0, n)
	at := func(ids []int64, i int) int64 {
		if len(ids) == 1 {
			return ids[0]
		}
		return ids[i]
	}
	if len(from) != len(to) && len(from) != 1 && len(to) != 1 {
		n = min(len(from), len(to))
	}
	for i := 0; i < n; i++ {
		f, t := at(from, i), at(to, i)
		if f < 0 || t < 0 {
			continue
		}
		pairs = append(pairs, graph.Pair{From: f, To: t})
	}
	return pairs
}

// Rollback deletes the recorded relationships and the empty placeholder nodes
// created for missing values. It returns the endpoints of the deleted
// relationships.
func (a *Link) Rollback(ctx context.Context) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.Link.Rollback")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	entries, err := a.entries(ctx)
	if err != nil {
		return nil, err
	}
	log := a.Logger(ctx).WithFields(map[string]any{
		"from_class":        a.meta.From.Class,
		"to_class":          a.meta.To.Class,
		"relationship_type": a.meta.RelationshipType,
	})

	var detached []int64
	for _, e := range entries {
		pairs, err := a.env.Store.DeleteRelationships(ctx, e.RelationshipIDs)
		if err != nil {
			return nil, a.Fail(errors.KindInternal, err)
		}
		deleted, err := a.env.Store.DeleteEmptyNodes(ctx, e.NaNNodeIDs)
		if err != nil {
			return nil, a.Fail(errors.KindInternal, err)
		}
		if len(pairs) == 0 {
			log.WithFields(map[string]any{
				"kind":      errors.KindRollbackInconsistency,
				"nan_nodes": len(deleted),
			}).Warn("Expected relationships not found, continuing")
			continue
		}
		log.WithFields(map[string]any{
			"relationships": len(pairs),
			"nan_nodes":     len(deleted),
		}).Info("Rolled back links")

		for _, p := range pairs {
			for _, id := range []int64{p.From, p.To} {
				if ectolinq.Contains(deleted, id) || ectolinq.Contains(detached, id) {
					continue
				}
				detached = append(detached, id)
			}
		}
	}
	return detached, a.forget(ctx, entries)
}
