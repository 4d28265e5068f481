package validation

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/composite"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graph/graphtest"
)

var nopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type builder struct {
	g    *definition.Graph
	last string
}

func newBuilder(name string) *builder {
	return &builder{g: &definition.Graph{Nodes: []definition.Node{{
		ID:         "core",
		Labels:     []string{definition.LabelMethod},
		Properties: map[string]any{definition.PropID: name},
	}}}}
}

func (b *builder) node(id string, labels []string, props map[string]any) {
	if _, ok := b.g.Node(id); !ok {
		b.g.Nodes = append(b.g.Nodes, definition.Node{ID: id, Labels: labels, Properties: props})
	}
}

func (b *builder) edge(edgeType, from, to string) {
	b.g.Edges = append(b.g.Edges, definition.Edge{ID: from + "_" + edgeType + "_" + to, Type: edgeType, FromID: from, ToID: to})
}

func (b *builder) class(label string) string {
	b.node("c_"+label, []string{definition.LabelClass}, map[string]any{definition.PropLabel: label, definition.PropShortLabel: label})
	return "c_" + label
}

func (b *builder) term(class, code string, labels ...string) string {
	id := "t_" + code
	b.node(id, append([]string{definition.LabelTerm}, labels...), map[string]any{definition.PropTermCode: code})
	b.edge(definition.EdgeHasControlledTerm, b.class(class), id)
	return id
}

func (b *builder) rel(from, to, relType string) string {
	id := "r_" + from + "_" + to
	b.node(id, []string{definition.LabelRelationship}, map[string]any{definition.PropRelationshipType: relType})
	b.edge(definition.EdgeFrom, id, b.class(from))
	b.edge(definition.EdgeTo, id, b.class(to))
	return id
}

func (b *builder) action(id, kind string) string {
	b.node(id, []string{definition.LabelMethod}, map[string]any{definition.PropID: id, definition.PropKind: kind})
	b.edge(definition.EdgeMethodAction, "core", id)
	if b.last != "" {
		b.edge(definition.EdgeNext, b.last, id)
	}
	b.last = id
	return id
}

func validDefinition() *definition.Graph {
	b := newBuilder("derive_height")
	get := b.action("get1", actions.KindGetData)
	b.edge(actions.EdgeSourceClass, get, b.class("Subject"))
	link := b.action("link1", actions.KindLink)
	b.edge(actions.EdgeLink, link, b.rel("Subject", "Record", "Record"))
	b.edge(actions.EdgeToValue, link, b.term("Record", "HGT"))
	return b.g
}

func seedSchema(mem *graphtest.Memory) {
	mem.AddClass(graph.Class{Label: "Subject", ShortLabel: "SUBJ"})
	mem.AddClass(graph.Class{Label: "Record", ShortLabel: "REC"})
	mem.AddTerm("Record", "Height", "HGT")
	mem.AddSchemaRelationship("Subject", "Record", "Record")
}

func issueMessages(t *testing.T, err error) []string {
	t.Helper()
	pe, ok := errors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindValidationFailure, pe.Kind)
	out := make([]string, 0, len(pe.Issues))
	for _, i := range pe.Issues {
		out = append(out, i.String())
	}
	return out
}

func TestStructural(t *testing.T) {
	v := NewValidator(graphtest.New(), nopLogger)

	tests := []struct {
		name   string
		mutate func(b *builder)
		issues []string
	}{
		{
			name:   "valid",
			mutate: func(_ *builder) {},
		},
		{
			name: "edge not allowed for kind",
			mutate: func(b *builder) {
				b.edge(actions.EdgeClass, "link1", b.class("Subject"))
			},
			issues: []string{`link1: unexpected outgoing CLASS edge "link1_CLASS_c_Subject" on link node`},
		},
		{
			name: "edge target has the wrong label",
			mutate: func(b *builder) {
				b.edge(actions.EdgeSourceClass, "get1", b.term("Record", "WGT"))
			},
			issues: []string{`get1: SOURCE_CLASS edge "get1_SOURCE_CLASS_t_WGT" must point at a Class node`},
		},
		{
			name: "unexpected incoming edge",
			mutate: func(b *builder) {
				b.edge(actions.EdgeOn, b.class("Subject"), "get1")
			},
			issues: []string{`get1: unexpected incoming ON edge "c_Subject_ON_get1" on get_data node`},
		},
		{
			name: "unknown kind",
			mutate: func(b *builder) {
				b.action("x1", "teleport")
			},
			issues: []string{`x1: unknown action kind "teleport"`},
		},
		{
			name: "duplicate method id",
			mutate: func(b *builder) {
				b.node("other", []string{definition.LabelMethod}, map[string]any{definition.PropID: "get1", definition.PropKind: actions.KindGetData})
			},
			issues: []string{"get1: duplicate Method id"},
		},
		{
			name: "relationship without TO",
			mutate: func(b *builder) {
				b.node("r_dangling", []string{definition.LabelRelationship}, map[string]any{})
				b.edge(definition.EdgeFrom, "r_dangling", b.class("Subject"))
			},
			issues: []string{"r_dangling: Relationship must have exactly 1 TO class, found 0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &builder{g: validDefinition()}
			tt.mutate(b)

			err := v.Structural(context.Background(), "derive_height", b.g)
			if len(tt.issues) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.issues, issueMessages(t, err))
		})
	}
}

func TestStructural_CoreMustMatchName(t *testing.T) {
	v := NewValidator(graphtest.New(), nopLogger)

	err := v.Structural(context.Background(), "other_name", validDefinition())
	require.Error(t, err)
	assert.Contains(t, issueMessages(t, err), `other_name: core Method node with id "other_name" not found`)

	err = v.Structural(context.Background(), "x", nil)
	require.Error(t, err)
}

func TestStructural_CompositeKinds(t *testing.T) {
	v := NewValidator(graphtest.New(), nopLogger)

	b := &builder{g: validDefinition()}
	sl := b.action("subject_level_link1", composite.KindSubjectLevelLink)
	b.edge(composite.EdgeSubjectLevel, sl, b.class("Age"))
	dec := b.action("decode1", composite.KindDecode)
	b.edge(composite.EdgeFromClass, dec, b.class("Sex"))
	b.edge(composite.EdgeToClass, dec, b.class("Sex (N)"))

	require.NoError(t, v.Structural(context.Background(), "derive_height", b.g))
}

func TestPresence(t *testing.T) {
	ctx := context.Background()

	t.Run("all present", func(t *testing.T) {
		mem := graphtest.New()
		seedSchema(mem)
		v := NewValidator(mem, nopLogger)

		missing, err := v.Presence(ctx, validDefinition())
		require.NoError(t, err)
		assert.True(t, missing.Empty())
	})

	t.Run("collects every missing entity", func(t *testing.T) {
		mem := graphtest.New()
		mem.AddClass(graph.Class{Label: "Subject", ShortLabel: "SUBJ"})
		v := NewValidator(mem, nopLogger)

		missing, err := v.Presence(ctx, validDefinition())
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindValidationFailure))

		assert.Equal(t, []string{"Record"}, missing.Classes)
		assert.Equal(t, []graph.SchemaRelationship{{From: "Subject", To: "Record", Type: "Record"}}, missing.Relationships)
		assert.Equal(t, []graph.TermRef{{Class: "Record", TermCode: "HGT"}}, missing.Terms)
		assert.Len(t, issueMessages(t, err), 3)
	})

	t.Run("study specific terms may be absent", func(t *testing.T) {
		mem := graphtest.New()
		seedSchema(mem)
		v := NewValidator(mem, nopLogger)

		b := &builder{g: validDefinition()}
		b.edge(actions.EdgeFromValue, "link1", b.term("Record", "LOCAL1", LabelStudySpecificTerm))

		missing, err := v.Presence(ctx, b.g)
		require.NoError(t, err)
		assert.Empty(t, missing.Terms)
	})

	t.Run("decode needs SAME_AS terms", func(t *testing.T) {
		mem := graphtest.New()
		seedSchema(mem)
		mem.AddClass(graph.Class{Label: "Sex", ShortLabel: "SEX"})
		mem.AddClass(graph.Class{Label: "Sex (N)", ShortLabel: "SEXN"})
		v := NewValidator(mem, nopLogger)

		b := &builder{g: validDefinition()}
		dec := b.action("decode1", composite.KindDecode)
		b.edge(composite.EdgeFromClass, dec, b.class("Sex"))
		b.edge(composite.EdgeToClass, dec, b.class("Sex (N)"))

		missing, err := v.Presence(ctx, b.g)
		require.Error(t, err)
		assert.Equal(t, []ClassPair{{From: "Sex", To: "Sex (N)"}}, missing.TermRelationships)

		female := mem.AddTerm("Sex", "F", "F")
		one := mem.AddTerm("Sex (N)", "1", "N1")
		mem.AddRel(graph.RelSameAs, female, one)

		missing, err = v.Presence(ctx, b.g)
		require.NoError(t, err)
		assert.True(t, missing.Empty())
	})
}

func TestValidate_StopsAtStructure(t *testing.T) {
	mem := graphtest.New()
	v := NewValidator(mem, nopLogger)

	b := &builder{g: validDefinition()}
	b.action("x1", "teleport")

	missing, err := v.Validate(context.Background(), "derive_height", b.g)
	require.Error(t, err)
	assert.True(t, missing.Empty())
	assert.Equal(t, []string{`x1: unknown action kind "teleport"`}, issueMessages(t, err))
}
