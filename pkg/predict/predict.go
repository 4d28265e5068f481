// Package predict previews a pipeline and proposes the steps it is missing:
// links from its predicted output classes to their schema neighbors and URI
// construction for classes that declare the classes their URI is built from.
package predict

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/composite"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Store is the schema as read by the predictor.
type Store interface {
	Class(ctx context.Context, label string) (graph.Class, error)
	ClassesByShortLabel(ctx context.Context, shortLabels []string) ([]graph.Class, error)
	SchemaRelationships(ctx context.Context, class string) ([]graph.SchemaRelationship, error)
}

// Outputs are the classes a pipeline is expected to write. Every list holds
// short labels and is never nil.
type Outputs struct {
	AssignedClasses    []string `json:"assign_classes"`
	ClassesAfterScript []string `json:"classes_after_script"`
	NewScriptClasses   []string `json:"new_script_classes"`
	PredictedClasses   []string `json:"predicted_classes"`
	// Columns are the columns of the previewed working table.
	Columns []string `json:"columns"`
}

type Predictor struct {
	store  Store
	logger ectologger.Logger
}

func NewPredictor(store Store, logger ectologger.Logger) *Predictor {
	return &Predictor{store: store, logger: logger}
}

// PredictOutputs previews p and derives its output classes from the assigned
// classes and the columns added by its last script.
func (pr *Predictor) PredictOutputs(ctx context.Context, p *pipeline.Pipeline) (Outputs, error) {
	ctx, span := tracing.StartSpan(ctx, "predict.Predictor.PredictOutputs")
	defer span.End()

	log := pr.logger.WithContext(ctx).WithFields(map[string]any{"pipeline": p.ID()})

	t, previewed, err := p.Preview(ctx)
	if err != nil {
		return Outputs{}, err
	}

	out := Outputs{
		AssignedClasses:    assignedClasses(p.Actions()),
		ClassesAfterScript: []string{},
		NewScriptClasses:   []string{},
		PredictedClasses:   []string{},
		Columns:            []string{},
	}
	if t != nil {
		out.Columns = t.Columns()
	}

	entries, err := previewed.List(ctx, p.ID())
	if err != nil {
		return Outputs{}, errors.Wrap(errors.KindInternal, err)
	}
	var candidates []string
	if script, ok := lastScript(entries); ok {
		known, err := pr.knownShortLabels(ctx, valueColumns(script.ColumnsAfter))
		if err != nil {
			return Outputs{}, err
		}
		out.ClassesAfterScript = filterKnown(valueColumns(script.ColumnsAfter), known)
		out.NewScriptClasses = filterKnown(valueColumns(script.NewColumns()), known)
		candidates = out.ClassesAfterScript
	}
	candidates = unique(append(append([]string{}, out.AssignedClasses...), candidates...))

	classes, err := pr.store.ClassesByShortLabel(ctx, candidates)
	if err != nil {
		return Outputs{}, errors.Wrap(errors.KindInternal, err)
	}
	derived := map[string]bool{}
	for _, c := range classes {
		if c.Derived {
			derived[c.ShortLabel] = true
		}
	}
	out.PredictedClasses = ectolinq.Filter(candidates, func(s string) bool { return derived[s] })
	if out.PredictedClasses == nil {
		out.PredictedClasses = []string{}
	}

	if len(out.PredictedClasses) == 0 {
		log.Warn("Predicted 0 output classes")
	} else {
		log.WithFields(map[string]any{"predicted": out.PredictedClasses}).Info("Predicted output classes")
	}
	return out, nil
}

// PredictLinks proposes a merge Link between every predicted class and each
// of its schema neighbors present in the previewed table, and a
// subject-level link composite for every subject-level predicted class.
// Action ids continue the numbering already used by def.
func (pr *Predictor) PredictLinks(ctx context.Context, def *definition.Graph, out Outputs) ([]*definition.Graph, error) {
	ctx, span := tracing.StartSpan(ctx, "predict.Predictor.PredictLinks")
	defer span.End()

	classes, err := pr.store.ClassesByShortLabel(ctx, out.PredictedClasses)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	available := map[string]bool{}
	for _, c := range out.Columns {
		available[strings.TrimPrefix(c, table.IDPrefix)] = true
	}

	linkBase := lastIndex(def, actions.KindLink)
	slBase := lastIndex(def, composite.KindSubjectLevelLink)
	var fragments []*definition.Graph
	seen := map[string]bool{}
	for _, c := range orderLike(classes, out.PredictedClasses) {
		rels, err := pr.store.SchemaRelationships(ctx, c.Label)
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, err)
		}
		neighbors, err := pr.neighbors(ctx, c, rels)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if !available[n.other.ShortLabel] {
				continue
			}
			from, to := n.other, ref(c)
			if n.outgoing {
				from, to = ref(c), n.other
			}
			key := from.Label + "->" + to.Label
			if seen[key] {
				continue
			}
			seen[key] = true
			linkBase++
			fragments = append(fragments, actions.NodeFragment(definition.ActionNode{
				ID:     fmt.Sprintf("%s%d", actions.KindLink, linkBase),
				Kind:   actions.KindLink,
				Params: map[string]any{"to_class_property": graph.PropRDFSLabel},
				Edges:  []definition.ActionEdge{linkEdge(from, to)},
			}))
		}
		if c.SubjectLevel {
			slBase++
			fragments = append(fragments, actions.NodeFragment(definition.ActionNode{
				ID:    fmt.Sprintf("%s%d", composite.KindSubjectLevelLink, slBase),
				Kind:  composite.KindSubjectLevelLink,
				Edges: []definition.ActionEdge{classEdge(composite.EdgeSubjectLevel, ref(c))},
			}))
		}
	}

	if len(fragments) == 0 {
		pr.logger.WithContext(ctx).WithFields(map[string]any{"predicted": out.PredictedClasses}).Warn("Predicted 0 links")
	}
	return fragments, nil
}

// BuildURIActions proposes a BuildURI for every predicted class whose schema
// class lists the classes its URI is built from (a |-separated list of short
// labels in classes_for_uri).
func (pr *Predictor) BuildURIActions(ctx context.Context, def *definition.Graph, out Outputs) ([]*definition.Graph, error) {
	ctx, span := tracing.StartSpan(ctx, "predict.Predictor.BuildURIActions")
	defer span.End()

	classes, err := pr.store.ClassesByShortLabel(ctx, out.PredictedClasses)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}

	base := lastIndex(def, actions.KindBuildURI)
	var fragments []*definition.Graph
	for _, c := range orderLike(classes, out.PredictedClasses) {
		if strings.TrimSpace(c.ClassesForURI) == "" {
			continue
		}
		shorts := ectolinq.Filter(
			ectolinq.Map(strings.Split(c.ClassesForURI, "|"), strings.TrimSpace),
			func(s string) bool { return s != "" },
		)
		bys, err := pr.store.ClassesByShortLabel(ctx, shorts)
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, err)
		}
		bys = orderLike(bys, shorts)
		if len(bys) == 0 {
			pr.logger.WithContext(ctx).WithFields(map[string]any{
				"class":           c.Label,
				"classes_for_uri": c.ClassesForURI,
			}).Warn("Could not find uri classes")
			continue
		}

		edges := []definition.ActionEdge{classEdge(actions.EdgeURIFor, ref(c))}
		for _, by := range bys {
			edges = append(edges, classEdge(actions.EdgeURIBy, ref(by)))
		}
		base++
		fragments = append(fragments, actions.NodeFragment(definition.ActionNode{
			ID:     fmt.Sprintf("%s%d", actions.KindBuildURI, base),
			Kind:   actions.KindBuildURI,
			Params: map[string]any{"prefix": ""},
			Edges:  edges,
		}))
	}

	if len(fragments) == 0 {
		pr.logger.WithContext(ctx).WithFields(map[string]any{"predicted": out.PredictedClasses}).Warn("Could not create any build_uri actions")
	}
	return fragments, nil
}

// Extend merges the predicted links and URI actions into p's definition.
func (pr *Predictor) Extend(ctx context.Context, p *pipeline.Pipeline) (*definition.Graph, Outputs, error) {
	ctx, span := tracing.StartSpan(ctx, "predict.Predictor.Extend")
	defer span.End()

	out, err := pr.PredictOutputs(ctx, p)
	if err != nil {
		return nil, Outputs{}, err
	}
	uris, err := pr.BuildURIActions(ctx, p.Definition(), out)
	if err != nil {
		return nil, out, err
	}
	links, err := pr.PredictLinks(ctx, p.Definition(), out)
	if err != nil {
		return nil, out, err
	}
	merged, err := definition.NewMerger().Merge(p.Name(), p.Definition(), append(uris, links...)...)
	if err != nil {
		return nil, out, errors.Wrap(errors.KindValidationFailure, err)
	}
	return merged, out, nil
}

type neighbor struct {
	other    graph.ClassRef
	outgoing bool
}

func (pr *Predictor) neighbors(ctx context.Context, c graph.Class, rels []graph.SchemaRelationship) ([]neighbor, error) {
	// Relationships name classes by label; the short labels come from the
	// classes themselves.
	short := map[string]string{}
	for _, r := range rels {
		for _, l := range []string{r.From, r.To} {
			if _, done := short[l]; done || l == c.Label {
				continue
			}
			found, err := pr.store.Class(ctx, l)
			if err != nil && !errors.IsKind(err, errors.KindNotFound) {
				return nil, errors.Wrap(errors.KindInternal, err)
			}
			short[l] = found.ShortLabel
		}
	}

	var out []neighbor
	for _, r := range rels {
		switch {
		case r.To == c.Label && r.From != c.Label && short[r.From] != "":
			out = append(out, neighbor{other: graph.ClassRef{Label: r.From, ShortLabel: short[r.From]}})
		case r.From == c.Label && r.To != c.Label && short[r.To] != "":
			out = append(out, neighbor{other: graph.ClassRef{Label: r.To, ShortLabel: short[r.To]}, outgoing: true})
		}
	}
	return out, nil
}

func (pr *Predictor) knownShortLabels(ctx context.Context, shorts []string) (map[string]bool, error) {
	classes, err := pr.store.ClassesByShortLabel(ctx, shorts)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	known := make(map[string]bool, len(classes))
	for _, c := range classes {
		known[c.ShortLabel] = true
	}
	return known, nil
}

func assignedClasses(list []actions.Action) []string {
	out := []string{}
	var walk func(nodes []definition.ActionNode)
	walk = func(nodes []definition.ActionNode) {
		for _, n := range nodes {
			if n.Kind == actions.KindAssignLabel {
				for _, e := range n.EdgesOfType(actions.EdgeClass) {
					if s := e.Target.Prop(definition.PropShortLabel); s != "" {
						out = append(out, s)
					}
				}
			}
			walk(n.Children)
		}
	}
	walk(ectolinq.Map(list, func(a actions.Action) definition.ActionNode { return a.Node() }))
	return unique(out)
}

func lastScript(entries []ledger.Entry) (ledger.Entry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == actions.KindRunScript || entries[i].Kind == actions.KindCallAPI {
			return entries[i], true
		}
	}
	return ledger.Entry{}, false
}

// valueColumns drops the id and uri companions of value columns.
func valueColumns(cols []string) []string {
	return ectolinq.Filter(cols, func(c string) bool {
		return !strings.HasPrefix(c, table.IDPrefix) && !strings.HasPrefix(c, table.URIPrefix)
	})
}

func filterKnown(cols []string, known map[string]bool) []string {
	out := ectolinq.Filter(cols, func(c string) bool { return known[c] })
	if out == nil {
		return []string{}
	}
	return out
}

func unique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// orderLike returns classes in the order of their short labels in order.
func orderLike(classes []graph.Class, order []string) []graph.Class {
	byShort := make(map[string]graph.Class, len(classes))
	for _, c := range classes {
		byShort[c.ShortLabel] = c
	}
	out := make([]graph.Class, 0, len(classes))
	for _, s := range order {
		if c, ok := byShort[s]; ok {
			out = append(out, c)
			delete(byShort, s)
		}
	}
	return out
}

// lastIndex returns the highest n of the <kind><n> action ids in def.
func lastIndex(def *definition.Graph, kind string) int {
	if def == nil {
		return 0
	}
	max := 0
	for _, n := range def.NodesWithLabel(definition.LabelMethod) {
		if n.Kind() != kind {
			continue
		}
		if i, err := strconv.Atoi(strings.TrimPrefix(n.Prop(definition.PropID), kind)); err == nil && i > max {
			max = i
		}
	}
	return max
}

func ref(c graph.Class) graph.ClassRef {
	return graph.ClassRef{Label: c.Label, ShortLabel: c.ShortLabel}
}

func classNode(c graph.ClassRef) definition.Node {
	return definition.Node{
		ID:     c.Label,
		Labels: []string{definition.LabelClass},
		Properties: map[string]any{
			definition.PropLabel:      c.Label,
			definition.PropShortLabel: c.ShortLabel,
		},
	}
}

func classEdge(edgeType string, c graph.ClassRef) definition.ActionEdge {
	return definition.ActionEdge{
		Type:       edgeType,
		Properties: map[string]any{definition.PropShortLabel: c.ShortLabel},
		Target:     classNode(c),
	}
}

// linkEdge merges on the target label, which is also the relationship type.
func linkEdge(from, to graph.ClassRef) definition.ActionEdge {
	f, t := classNode(from), classNode(to)
	return definition.ActionEdge{
		Type:       actions.EdgeLink,
		Properties: map[string]any{"how": "merge"},
		Target: definition.Node{
			ID:         from.Label + "_" + to.Label + "_" + to.Label,
			Labels:     []string{definition.LabelRelationship},
			Properties: map[string]any{definition.PropRelationshipType: to.Label},
		},
		From: &f,
		To:   &t,
	}
}
