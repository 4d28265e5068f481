package predict

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/composite"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graph/graphtest"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/scripts"
)

var nopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

// seedAge stores subjects and a derived, subject-level Age class whose URI is
// built from the subject.
func seedAge(mem *graphtest.Memory) {
	mem.AddClass(graph.Class{Label: "Subject", ShortLabel: "SUBJ"})
	mem.AddClass(graph.Class{Label: "Age", ShortLabel: "AGE", Derived: true, SubjectLevel: true, ClassesForURI: "SUBJ"})
	mem.AddClass(graph.Class{Label: "Site", ShortLabel: "SITE"})
	mem.AddSchemaRelationship("Subject", "Age", "Age")
	mem.AddSchemaRelationship("Age", "Site", "Site")
	for _, l := range []string{"S1", "S2"} {
		mem.AddNode([]string{"Subject"}, map[string]any{graph.PropRDFSLabel: l})
	}
}

func method(id string, props map[string]any) definition.Node {
	p := map[string]any{definition.PropID: id}
	for k, v := range props {
		p[k] = v
	}
	return definition.Node{ID: "n_" + id, Labels: []string{definition.LabelMethod}, Properties: p}
}

func edge(edgeType, from, to string) definition.Edge {
	return definition.Edge{ID: from + "_" + edgeType + "_" + to, Type: edgeType, FromID: from, ToID: to}
}

// derivePipeline reads subjects and derives an AGE column with a script.
func derivePipeline() *definition.Graph {
	return &definition.Graph{
		Nodes: []definition.Node{
			method("derive_age", nil),
			method("get1", map[string]any{definition.PropKind: actions.KindGetData}),
			method("script1", map[string]any{
				definition.PropKind: actions.KindRunScript,
				"package":           "expressions",
				"script":            "derive_column",
				"params":            map[string]any{"expression": "`42`", "out_col": "AGE"},
			}),
			{
				ID:         "c_SUBJ",
				Labels:     []string{definition.LabelClass},
				Properties: map[string]any{definition.PropLabel: "Subject", definition.PropShortLabel: "SUBJ"},
			},
		},
		Edges: []definition.Edge{
			edge(definition.EdgeMethodAction, "n_derive_age", "n_get1"),
			edge(definition.EdgeMethodAction, "n_derive_age", "n_script1"),
			edge(definition.EdgeNext, "n_get1", "n_script1"),
			edge(actions.EdgeSourceClass, "n_get1", "c_SUBJ"),
		},
	}
}

func previewPipeline(t *testing.T, mem *graphtest.Memory) *pipeline.Pipeline {
	t.Helper()
	deps := pipeline.PreviewDeps(pipeline.Deps{
		Store:   mem,
		Ledger:  ledger.NewMemory(),
		Scripts: scripts.NewRegistry(),
		Logger:  nopLogger,
	})
	p, err := pipeline.FromDefinition(context.Background(), deps, "derive_age", "study1", derivePipeline())
	require.NoError(t, err)
	return p
}

func actionIDs(g *definition.Graph, kind string) []string {
	var out []string
	for _, n := range g.NodesWithLabel(definition.LabelMethod) {
		if n.Kind() == kind {
			out = append(out, n.Prop(definition.PropID))
		}
	}
	return out
}

func TestPredictOutputs(t *testing.T) {
	mem := graphtest.New()
	seedAge(mem)
	pr := NewPredictor(mem, nopLogger)

	out, err := pr.PredictOutputs(context.Background(), previewPipeline(t, mem))
	require.NoError(t, err)

	assert.Empty(t, out.AssignedClasses)
	assert.Equal(t, []string{"SUBJ", "AGE"}, out.ClassesAfterScript)
	assert.Equal(t, []string{"AGE"}, out.NewScriptClasses)
	assert.Equal(t, []string{"AGE"}, out.PredictedClasses)
	assert.Contains(t, out.Columns, "_id_SUBJ")
	assert.Contains(t, out.Columns, "AGE")
}

func TestPredictOutputs_NoDerivedClasses(t *testing.T) {
	mem := graphtest.New()
	mem.AddClass(graph.Class{Label: "Subject", ShortLabel: "SUBJ"})
	mem.AddNode([]string{"Subject"}, map[string]any{graph.PropRDFSLabel: "S1"})
	pr := NewPredictor(mem, nopLogger)

	out, err := pr.PredictOutputs(context.Background(), previewPipeline(t, mem))
	require.NoError(t, err)

	assert.NotNil(t, out.PredictedClasses)
	assert.Empty(t, out.PredictedClasses)
	// AGE is not a schema class here, so the script added no known class.
	assert.Empty(t, out.NewScriptClasses)
}

func TestPredictLinks(t *testing.T) {
	ctx := context.Background()
	mem := graphtest.New()
	seedAge(mem)
	pr := NewPredictor(mem, nopLogger)

	out := Outputs{PredictedClasses: []string{"AGE"}, Columns: []string{"_id_SUBJ", "SUBJ", "AGE"}}
	fragments, err := pr.PredictLinks(ctx, derivePipeline(), out)
	require.NoError(t, err)
	// SITE is a neighbor of AGE but not in the table.
	require.Len(t, fragments, 2)

	link := fragments[0]
	assert.Equal(t, []string{"link1"}, actionIDs(link, actions.KindLink))
	var rel definition.Node
	for _, n := range link.NodesWithLabel(definition.LabelRelationship) {
		rel = n
	}
	assert.Equal(t, "Age", rel.Prop(definition.PropRelationshipType))
	from := link.Outgoing(rel.ID, definition.EdgeFrom)
	to := link.Outgoing(rel.ID, definition.EdgeTo)
	require.Len(t, from, 1)
	require.Len(t, to, 1)
	fromNode, _ := link.Node(from[0].ToID)
	toNode, _ := link.Node(to[0].ToID)
	assert.Equal(t, "SUBJ", fromNode.Prop(definition.PropShortLabel))
	assert.Equal(t, "AGE", toNode.Prop(definition.PropShortLabel))

	assert.Equal(t, []string{"subject_level_link1"}, actionIDs(fragments[1], composite.KindSubjectLevelLink))
}

func TestPredictLinks_ContinuesNumbering(t *testing.T) {
	mem := graphtest.New()
	seedAge(mem)
	pr := NewPredictor(mem, nopLogger)

	def := derivePipeline()
	def.Nodes = append(def.Nodes, method("link3", map[string]any{definition.PropKind: actions.KindLink}))
	assert.Equal(t, 3, lastIndex(def, actions.KindLink))
	assert.Equal(t, 0, lastIndex(nil, actions.KindLink))

	out := Outputs{PredictedClasses: []string{"AGE"}, Columns: []string{"SUBJ", "SITE"}}
	fragments, err := pr.PredictLinks(context.Background(), def, out)
	require.NoError(t, err)
	require.Len(t, fragments, 3)
	assert.Equal(t, []string{"link4"}, actionIDs(fragments[0], actions.KindLink))
	assert.Equal(t, []string{"link5"}, actionIDs(fragments[1], actions.KindLink))
}

func TestBuildURIActions(t *testing.T) {
	mem := graphtest.New()
	seedAge(mem)
	pr := NewPredictor(mem, nopLogger)

	fragments, err := pr.BuildURIActions(context.Background(), derivePipeline(), Outputs{PredictedClasses: []string{"AGE"}})
	require.NoError(t, err)
	require.Len(t, fragments, 1)

	g := fragments[0]
	ids := actionIDs(g, actions.KindBuildURI)
	require.Equal(t, []string{"build_uri1"}, ids)
	uriFor := g.Outgoing("build_uri1", actions.EdgeURIFor)
	uriBy := g.Outgoing("build_uri1", actions.EdgeURIBy)
	require.Len(t, uriFor, 1)
	require.Len(t, uriBy, 1)
	forNode, _ := g.Node(uriFor[0].ToID)
	byNode, _ := g.Node(uriBy[0].ToID)
	assert.Equal(t, "AGE", forNode.Prop(definition.PropShortLabel))
	assert.Equal(t, "SUBJ", byNode.Prop(definition.PropShortLabel))
}

func TestBuildURIActions_SkipsClassesWithoutURIClasses(t *testing.T) {
	mem := graphtest.New()
	mem.AddClass(graph.Class{Label: "Age", ShortLabel: "AGE", Derived: true})
	pr := NewPredictor(mem, nopLogger)

	fragments, err := pr.BuildURIActions(context.Background(), nil, Outputs{PredictedClasses: []string{"AGE"}})
	require.NoError(t, err)
	assert.Empty(t, fragments)
}

func TestExtend(t *testing.T) {
	mem := graphtest.New()
	seedAge(mem)
	pr := NewPredictor(mem, nopLogger)

	merged, out, err := pr.Extend(context.Background(), previewPipeline(t, mem))
	require.NoError(t, err)
	assert.Equal(t, []string{"AGE"}, out.PredictedClasses)

	assert.Equal(t, []string{"get1"}, actionIDs(merged, actions.KindGetData))
	assert.Equal(t, []string{"build_uri1"}, actionIDs(merged, actions.KindBuildURI))
	assert.Equal(t, []string{"link1"}, actionIDs(merged, actions.KindLink))
	assert.Equal(t, []string{"subject_level_link1"}, actionIDs(merged, composite.KindSubjectLevelLink))

	chain, err := merged.Actions("derive_age")
	require.NoError(t, err)
	ids := make([]string, 0, len(chain))
	for _, a := range chain {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"get1", "script1", "build_uri1", "link1", "subject_level_link1"}, ids)
}
