package pipeline

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graph/graphtest"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/scripts"
)

const scope = "study1"

// builder assembles a definition graph: one core method and a chain of
// actions joined by NEXT.
type builder struct {
	g    *definition.Graph
	core string
	last string
}

func newBuilder(name string) *builder {
	core := "m_" + name
	return &builder{
		core: core,
		g: &definition.Graph{Nodes: []definition.Node{{
			ID:         core,
			Labels:     []string{definition.LabelMethod},
			Properties: map[string]any{definition.PropID: name},
		}}},
	}
}

func (b *builder) node(n definition.Node) {
	if _, ok := b.g.Node(n.ID); !ok {
		b.g.Nodes = append(b.g.Nodes, n)
	}
}

func (b *builder) edge(edgeType, from, to string, props map[string]any) {
	b.g.Edges = append(b.g.Edges, definition.Edge{
		ID: from + "_" + edgeType + "_" + to, Type: edgeType, FromID: from, ToID: to, Properties: props,
	})
}

func (b *builder) class(label, short string) string {
	id := "c_" + short
	b.node(definition.Node{
		ID:         id,
		Labels:     []string{definition.LabelClass},
		Properties: map[string]any{definition.PropLabel: label, definition.PropShortLabel: short},
	})
	return id
}

func (b *builder) action(id, kind string, params map[string]any) string {
	props := map[string]any{definition.PropID: id, definition.PropKind: kind}
	for k, v := range params {
		props[k] = v
	}
	nodeID := "a_" + id
	b.node(definition.Node{ID: nodeID, Labels: []string{definition.LabelMethod}, Properties: props})
	b.edge(definition.EdgeMethodAction, b.core, nodeID, nil)
	if b.last != "" {
		b.edge(definition.EdgeNext, b.last, nodeID, nil)
	}
	b.last = nodeID
	return nodeID
}

func (b *builder) getData(id string, classes ...[2]string) {
	a := b.action(id, actions.KindGetData, nil)
	for _, c := range classes {
		b.edge(actions.EdgeSourceClass, a, b.class(c[0], c[1]), nil)
	}
}

func (b *builder) link(id string, from, to [2]string, props map[string]any) string {
	a := b.action(id, actions.KindLink, nil)
	rel := "r_" + id
	b.node(definition.Node{ID: rel, Labels: []string{definition.LabelRelationship}, Properties: map[string]any{}})
	b.edge(actions.EdgeLink, a, rel, props)
	b.edge(definition.EdgeFrom, rel, b.class(from[0], from[1]), nil)
	b.edge(definition.EdgeTo, rel, b.class(to[0], to[1]), nil)
	return a
}

func (b *builder) toValue(action string, class [2]string, rdfsLabel, code string) {
	term := "t_" + code
	b.node(definition.Node{
		ID:         term,
		Labels:     []string{definition.LabelTerm},
		Properties: map[string]any{definition.PropRDFSLabel: rdfsLabel, definition.PropTermCode: code},
	})
	b.edge(definition.EdgeHasControlledTerm, b.class(class[0], class[1]), term, nil)
	b.edge(actions.EdgeToValue, action, term, nil)
}

var (
	subject = [2]string{"Subject", "SUBJ"}
	record  = [2]string{"Record", "REC"}
)

func testDeps(mem *graphtest.Memory) Deps {
	return Deps{
		Store:   mem,
		Ledger:  ledger.NewMemory(),
		Scripts: scripts.NewRegistry(),
		Logger:  ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}),
	}
}

// seed stores a Subject/Record schema and subjects that are related to a
// study, so the orphan sweep leaves them alone.
func seed(mem *graphtest.Memory, labels ...string) []int64 {
	subjectClass := mem.AddClass(graph.Class{Label: "Subject", ShortLabel: "SUBJ"})
	mem.AddClass(graph.Class{Label: "Record", ShortLabel: "REC"})
	mem.AddTerm("Record", "Height", "HGT")
	study := mem.AddNode([]string{"Study"}, map[string]any{graph.PropRDFSLabel: "S-001"})

	var ids []int64
	for _, l := range labels {
		id := mem.AddNode([]string{"Subject"}, map[string]any{graph.PropRDFSLabel: l})
		mem.AddRel(graph.RelIsA, id, subjectClass)
		mem.AddRel("Study", id, study)
		ids = append(ids, id)
	}
	return ids
}

func heightPipeline() *definition.Graph {
	b := newBuilder("derive_height")
	b.getData("get1", subject)
	link := b.link("link1", subject, record, map[string]any{"how": "merge"})
	b.toValue(link, record, "Height", "HGT")
	return b.g
}

func TestFromDefinition_LiteralLinkMerges(t *testing.T) {
	ctx := context.Background()
	mem := graphtest.New()
	seed(mem, "S1")
	deps := testDeps(mem)

	p, err := FromDefinition(ctx, deps, "derive_height", scope, heightPipeline())
	require.NoError(t, err)
	require.Len(t, p.Actions(), 2)
	assert.Equal(t, "study1/derive_height", p.ID())

	applied, err := p.Applied(ctx)
	require.NoError(t, err)
	assert.False(t, applied)

	out, err := p.Apply(ctx, actions.Options{ApplyMutations: true})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())
	assert.Len(t, mem.NodesWithLabel("Record"), 1)
	assert.Len(t, mem.RelsOfType("Record"), 1)

	applied, err = p.Applied(ctx)
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = p.Apply(ctx, actions.Options{ApplyMutations: true})
	require.NoError(t, err)
	assert.Len(t, mem.NodesWithLabel("Record"), 1)
	assert.Len(t, mem.RelsOfType("Record"), 1)
}

func TestApply_WithoutMutationsSkipsWrites(t *testing.T) {
	ctx := context.Background()
	mem := graphtest.New()
	seed(mem, "S1", "S2", "S3")
	nodes, rels := mem.Counts()

	p, err := FromDefinition(ctx, testDeps(mem), "derive_height", scope, heightPipeline())
	require.NoError(t, err)

	c := p.Start(actions.Options{Limit: 2})
	require.True(t, c.Next(ctx))
	assert.Equal(t, 2, c.Step().Table.Len())
	assert.False(t, c.Step().Skipped)

	require.True(t, c.Next(ctx))
	assert.True(t, c.Step().Skipped)
	assert.Equal(t, actions.KindLink, c.Step().Action.Kind())

	assert.False(t, c.Next(ctx))
	require.NoError(t, c.Err())

	n, r := mem.Counts()
	assert.Equal(t, nodes, n)
	assert.Equal(t, rels, r)
}

func TestPreview_LeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	mem := graphtest.New()
	seed(mem, "S1", "S2")
	deps := testDeps(mem)

	b := newBuilder("derive_age")
	b.getData("get1", subject)
	b.action("script1", actions.KindRunScript, map[string]any{
		"package": "expressions",
		"script":  "derive_column",
		"params":  map[string]any{"expression": "`42`", "out_col": "AGE"},
	})
	p, err := FromDefinition(ctx, deps, "derive_age", scope, b.g)
	require.NoError(t, err)

	out, previewed, err := p.Preview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
	assert.True(t, out.HasColumn("AGE"))

	recorded, err := previewed.List(ctx, p.ID())
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, []string{"AGE"}, recorded[0].NewColumns())

	applied, err := p.Applied(ctx)
	require.NoError(t, err)
	assert.False(t, applied)
	stored, err := p.Ledger().List(ctx, p.ID())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSteps_StopsOnError(t *testing.T) {
	ctx := context.Background()
	mem := graphtest.New()
	seed(mem)

	p, err := FromDefinition(ctx, testDeps(mem), "derive_height", scope, heightPipeline())
	require.NoError(t, err)

	var steps int
	var failed error
	for _, err := range p.Steps(ctx, actions.Options{ApplyMutations: true}) {
		if err != nil {
			failed = err
			break
		}
		steps++
	}
	assert.Equal(t, 0, steps)
	require.Error(t, failed)
	assert.True(t, errors.IsKind(failed, errors.KindEmptyResult))

	perr, ok := errors.AsPipelineError(failed)
	require.True(t, ok)
	assert.Equal(t, "get1", perr.ActionID)
	assert.Equal(t, actions.KindGetData, perr.ActionKind)
}

func TestRollback_RestoresStore(t *testing.T) {
	ctx := context.Background()
	mem := graphtest.New()
	seed(mem, "S1", "S2")
	mem.AddClass(graph.Class{Label: "Initials", ShortLabel: "INIT"})
	nodes, rels := mem.Counts()

	b := newBuilder("copy_labels")
	b.getData("get1", subject)
	b.link("link1", subject, [2]string{"Initials", "INIT"}, map[string]any{"how": "create", "to_column": "SUBJ"})

	deps := testDeps(mem)
	p, err := FromDefinition(ctx, deps, "copy_labels", scope, b.g)
	require.NoError(t, err)

	_, err = p.Rollback(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = p.Apply(ctx, actions.Options{ApplyMutations: true})
	require.NoError(t, err)
	require.Len(t, mem.NodesWithLabel("Initials"), 2)

	report, err := p.Rollback(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Deleted, 2)
	assert.Empty(t, report.Failures)
	assert.Empty(t, mem.NodesWithLabel("Initials"))
	assert.Len(t, mem.NodesWithLabel("Subject"), 2)

	n, r := mem.Counts()
	assert.Equal(t, nodes, n)
	assert.Equal(t, rels, r)

	applied, err := p.Applied(ctx)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCheckNodes(t *testing.T) {
	node := func(id, kind string) definition.ActionNode {
		return definition.ActionNode{ID: id, Kind: kind}
	}
	tests := []struct {
		name  string
		nodes []definition.ActionNode
		fails bool
	}{
		{name: "read then link", nodes: []definition.ActionNode{node("a", actions.KindGetData), node("b", actions.KindLink)}},
		{name: "filter belongs to the read", nodes: []definition.ActionNode{
			node("a", actions.KindGetData), node("f", actions.KindFilter), node("b", actions.KindRunScript),
		}},
		{name: "read last", nodes: []definition.ActionNode{node("a", actions.KindRunScript), node("b", actions.KindGetData)}, fails: true},
		{name: "read after filtered read", nodes: []definition.ActionNode{
			node("a", actions.KindGetData), node("f", actions.KindFilter), node("b", actions.KindGetData), node("c", actions.KindLink),
		}, fails: true},
		{name: "duplicate id", nodes: []definition.ActionNode{node("a", actions.KindGetData), node("a", actions.KindLink)}, fails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckNodes(tt.nodes)
			if !tt.fails {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindValidationFailure))
		})
	}
}

func TestFromDefinition_Rejects(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(graphtest.New())

	t.Run("read last", func(t *testing.T) {
		b := newBuilder("p")
		b.getData("get1", subject)
		_, err := FromDefinition(ctx, deps, "p", scope, b.g)
		assert.True(t, errors.IsKind(err, errors.KindValidationFailure))
	})

	t.Run("unknown kind", func(t *testing.T) {
		b := newBuilder("p")
		b.getData("get1", subject)
		b.action("x", "transmogrify", nil)
		_, err := FromDefinition(ctx, deps, "p", scope, b.g)
		assert.True(t, errors.IsKind(err, errors.KindUnknownActionKind))
	})

	t.Run("missing core", func(t *testing.T) {
		_, err := FromDefinition(ctx, deps, "other", scope, heightPipeline())
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
	})
}

func TestLoad_StoredDefinition(t *testing.T) {
	ctx := context.Background()
	mem := graphtest.New()
	seed(mem, "S1")
	require.NoError(t, mem.SaveDefinition(ctx, scope, heightPipeline()))
	deps := testDeps(mem)

	p, err := Load(ctx, deps, "derive_height", scope)
	require.NoError(t, err)
	require.NoError(t, p.DeclareIO(ctx))
	assert.Equal(t, []string{"derive_height"}, mem.Declared())

	frag, err := p.Fragment()
	require.NoError(t, err)
	actionsInFragment, err := frag.Actions("derive_height")
	require.NoError(t, err)
	assert.Equal(t, []string{"get1", "link1"}, []string{actionsInFragment[0].ID, actionsInFragment[1].ID})

	require.NoError(t, p.Delete(ctx))
	_, err = Load(ctx, deps, "derive_height", scope)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestResolveOrder(t *testing.T) {
	ctx := context.Background()
	mem := graphtest.New()
	for _, name := range []string{"adsl", "advs", "adae", "stats"} {
		b := newBuilder(name)
		b.getData("get1", subject)
		b.action("s", actions.KindRunScript, nil)
		require.NoError(t, mem.SaveDefinition(ctx, scope, b.g))
	}
	mem.AddPrerequisite(scope, "adsl", "advs")
	mem.AddPrerequisite(scope, "advs", "stats")

	order, err := ResolveOrder(ctx, mem, scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"adae", "adsl", "advs", "stats"}, order)

	mem.AddPrerequisite(scope, "stats", "adsl")
	_, err = ResolveOrder(ctx, mem, scope)
	require.Error(t, err)
	perr, ok := errors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindValidationFailure, perr.Kind)
	assert.Len(t, perr.Issues, 3)
}
