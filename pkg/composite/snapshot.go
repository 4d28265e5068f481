package composite

import (
	"context"
	"sort"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/scripts"
)

// classRef reads the target class of an edge. The short label is the column
// the class lives in: the edge short_label, or the class short label after
// the renames of the pipeline's reads.
func (c *Composite) classRef(e definition.ActionEdge) graph.ClassRef {
	short := e.Prop(definition.PropShortLabel)
	if short == "" {
		short = e.Target.Prop(definition.PropShortLabel)
		if renamed, ok := c.Env().Renames[short]; ok && renamed != "" {
			short = renamed
		}
	}
	return graph.ClassRef{Label: e.Target.Prop(definition.PropLabel), ShortLabel: short}
}

// classRefs reads the distinct target classes of the edges of one type,
// ordered by short label.
func (c *Composite) classRefs(edgeType string) []graph.ClassRef {
	seen := map[string]bool{}
	var out []graph.ClassRef
	for _, e := range c.Node().EdgesOfType(edgeType) {
		ref := c.classRef(e)
		if seen[ref.Label] {
			continue
		}
		seen[ref.Label] = true
		out = append(out, ref)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ShortLabel < out[j].ShortLabel })
	return out
}

// applyStatSnapshot reads the statistic, result and dimension classes and
// prepares the schema for them: values of dimensions with duplicate labels
// are collapsed onto terms, and the percent class is merged.
func (c *Composite) applyStatSnapshot(ctx context.Context) (Snapshot, error) {
	env := c.Env()
	log := c.Logger(ctx)

	snap := Snapshot{
		Results:    c.classRefs(actions.EdgeResult),
		Statistics: c.classRefs(actions.EdgeStatistic),
	}

	seen := map[string]bool{}
	for _, e := range c.Node().EdgesOfType(actions.EdgeDimension) {
		ref := c.classRef(e)
		if seen[ref.Label] {
			continue
		}
		seen[ref.Label] = true
		snap.Dimensions = append(snap.Dimensions, Dimension{
			Class:       ref,
			Required:    actions.EdgeFlag(e, "required"),
			Denominator: actions.EdgeFlag(e, "denominator"),
			AllCT:       actions.EdgeFlag(e, "all_ct"),
		})
	}
	sort.SliceStable(snap.Dimensions, func(i, j int) bool {
		return snap.Dimensions[i].Class.ShortLabel < snap.Dimensions[j].Class.ShortLabel
	})

	provenance := "apply_stat:" + env.PipelineID
	for _, d := range snap.Dimensions {
		built, err := env.Store.BuildDistinctTerms(ctx, d.Class.Label, provenance)
		if err != nil {
			return Snapshot{}, c.Fail(errors.KindInternal, err)
		}
		if built {
			log.WithFields(map[string]any{"dimension": d.Class.Label}).
				Info("Dimension has several nodes with the same rdfs:label, built terms for its values")
			snap.DistinctTerms = true
		}
	}

	dimLabels := ectolinq.Map(snap.Dimensions, func(d Dimension) string { return d.Class.Label })
	percent := graph.Class{Label: PercentClass.Label, ShortLabel: PercentClass.ShortLabel, Derived: true}
	if err := env.Store.MergeClass(ctx, percent, map[string]any{"is_stat": "true", "is_visible": "false"}); err != nil {
		return Snapshot{}, c.Fail(errors.KindInternal, err)
	}
	if err := env.Store.MergeSchemaRelationships(ctx, dimLabels, PercentClass.Label, PercentClass.Label); err != nil {
		return Snapshot{}, c.Fail(errors.KindInternal, err)
	}

	for _, d := range snap.Dimensions {
		if !d.AllCT {
			continue
		}
		terms, err := env.Store.ControlledTerms(ctx, d.Class.Label)
		if err != nil {
			return Snapshot{}, c.Fail(errors.KindInternal, err)
		}
		snap.DimensionCT = append(snap.DimensionCT, scripts.DimensionTerms{
			ShortLabel: d.Class.ShortLabel,
			Terms: ectolinq.Map(terms, func(t graph.Term) scripts.CTTerm {
				return scripts.CTTerm{ID: t.ID, Label: t.Label}
			}),
		})
	}

	for _, p := range c.previous {
		read, ok := p.(*actions.GetData)
		if !ok {
			continue
		}
		if err := read.FetchMetadata(ctx); err != nil {
			return Snapshot{}, err
		}
		snap.Reads = append(snap.Reads, read.Request())
	}
	return snap, nil
}

// linkStatisticsToDimensions declares, in the schema, a relationship from
// every dimension to every statistic.
func (c *Composite) linkStatisticsToDimensions(ctx context.Context, snap Snapshot) error {
	dimLabels := ectolinq.Map(snap.Dimensions, func(d Dimension) string { return d.Class.Label })
	for _, s := range snap.Statistics {
		if err := c.Env().Store.MergeSchemaRelationships(ctx, dimLabels, s.Label, s.Label); err != nil {
			return c.Fail(errors.KindInternal, err)
		}
	}
	return nil
}

func (c *Composite) decodeSnapshot(ctx context.Context) (Snapshot, error) {
	store := c.Env().Store
	from := c.Node().EdgesOfType(EdgeFromClass)
	to := c.Node().EdgesOfType(EdgeToClass)
	if len(from) == 0 || len(to) == 0 {
		return Snapshot{}, c.Failf(errors.KindNotFound, "decode needs a FROM_CLASS and a TO_CLASS class")
	}
	snap := Snapshot{From: c.classRef(from[0]), To: c.classRef(to[0])}

	pairs, err := store.SameAsTermPairs(ctx, snap.From.Label, snap.To.Label)
	if err != nil {
		return Snapshot{}, c.Fail(errors.KindInternal, err)
	}
	snap.TermPairs = pairs

	rels, err := store.SchemaRelationships(ctx, snap.From.Label)
	if err != nil {
		return Snapshot{}, c.Fail(errors.KindInternal, err)
	}
	rel := ectolinq.Find(rels, func(r graph.SchemaRelationship) bool {
		return (r.From == snap.From.Label && r.To == snap.To.Label) || (r.From == snap.To.Label && r.To == snap.From.Label)
	})
	snap.RelationshipType = rel.Type
	return snap, nil
}

func (c *Composite) subjectLevelSnapshot(ctx context.Context) (Snapshot, error) {
	store := c.Env().Store
	edges := c.Node().EdgesOfType(EdgeSubjectLevel)
	if len(edges) == 0 {
		return Snapshot{}, c.Failf(errors.KindNotFound, "subject_level_link needs a SUBJECT_LEVEL class")
	}
	ref := c.classRef(edges[0])
	class, err := store.Class(ctx, ref.Label)
	if err != nil {
		return Snapshot{}, c.Fail(errors.KindNotFound, err)
	}
	class.ShortLabel = ref.ShortLabel

	snap := Snapshot{Class: class, ParamTerm: class.Label}
	if terms := c.Node().EdgesOfType(EdgeTerm); len(terms) > 0 {
		if label := terms[0].Target.Prop(definition.PropRDFSLabel); label != "" {
			snap.ParamTerm = label
		}
	}

	exists, err := store.TermExists(ctx, ParameterClass.Label, snap.ParamTerm)
	if err != nil {
		return Snapshot{}, c.Fail(errors.KindInternal, err)
	}
	if !exists {
		c.Logger(ctx).WithFields(map[string]any{"term": snap.ParamTerm}).Error("Could not find Parameter term")
	}
	return snap, nil
}
