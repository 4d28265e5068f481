package composite

import (
	"context"
	"testing"

	"github.com/Gobusters/ectolinq"
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
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/transform"
)

var (
	height = graph.ClassRef{Label: "Height", ShortLabel: "HGT"}
	count  = graph.ClassRef{Label: "Number of observations", ShortLabel: "n"}
	mean   = graph.ClassRef{Label: "Mean", ShortLabel: "mean"}
	sex    = graph.ClassRef{Label: "Sex", ShortLabel: "SEX"}
	visit  = graph.ClassRef{Label: "Visit", ShortLabel: "VISIT"}
	arm    = graph.ClassRef{Label: "Arm", ShortLabel: "ARM"}
)

func testEnv(store *graphtest.Memory) actions.Env {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	registry := scripts.NewRegistry()
	return actions.Env{
		PipelineID: "height_stats",
		Root:       "height_stats",
		Store:      store,
		Ledger:     ledger.NewMemory(),
		Transform:  transform.NewLocal(registry, logger),
		Scripts:    registry,
		Branches:   actions.NewBranches(),
		Logger:     logger,
	}
}

func applyStatNode(params map[string]any, edges ...definition.ActionEdge) definition.ActionNode {
	if params == nil {
		params = map[string]any{}
	}
	return definition.ActionNode{ID: "stat1", Kind: KindApplyStat, ParentID: "height_stats", Params: params, Edges: edges}
}

func dimensionEdge(c graph.ClassRef, flags ...string) definition.ActionEdge {
	props := map[string]any{}
	for _, f := range flags {
		props[f] = true
	}
	return definition.ActionEdge{Type: actions.EdgeDimension, Properties: props, Target: classTarget(c)}
}

func ids(nodes []definition.ActionNode) []string {
	return ectolinq.Map(nodes, func(n definition.ActionNode) string { return n.ID })
}

func ofKind(nodes []definition.ActionNode, kind string) []definition.ActionNode {
	return ectolinq.Filter(nodes, func(n definition.ActionNode) bool { return n.Kind == kind })
}

func TestDimensionCombinations(t *testing.T) {
	a := Dimension{Class: sex, Required: true}
	b := Dimension{Class: visit}
	c := Dimension{Class: arm}

	combos := DimensionCombinations([]Dimension{a, b, c})
	require.Len(t, combos, 4)
	assert.Equal(t, []Dimension{a}, combos[0])
	assert.Equal(t, []Dimension{a, b}, combos[1])
	assert.Equal(t, []Dimension{a, c}, combos[2])
	assert.Equal(t, []Dimension{a, b, c}, combos[3])

	b.Required = true
	assert.Len(t, DimensionCombinations([]Dimension{a, b, c}), 2)

	assert.Len(t, DimensionCombinations([]Dimension{{Class: sex}, {Class: visit}, {Class: arm}}), 8)
}

func TestExpand_ApplyStat(t *testing.T) {
	snap := Snapshot{
		Results:    []graph.ClassRef{height},
		Statistics: []graph.ClassRef{count, mean},
		Dimensions: []Dimension{{Class: sex, Required: true}, {Class: visit}, {Class: arm}},
	}

	t.Run("one statistic chain per dimension combination", func(t *testing.T) {
		nodes, err := Expand(applyStatNode(nil), snap)
		require.NoError(t, err)

		assert.Len(t, ofKind(nodes, actions.KindLinkStat), 4)
		assert.Len(t, ofKind(nodes, actions.KindBuildURI), 4)
		assert.Len(t, ofKind(nodes, actions.KindBranchLoad), 3)
		assert.Equal(t, "stat1_branch1", nodes[0].ID)
		assert.Equal(t, "stat1_branch1", nodes[0].Param("branch"))
		for _, n := range nodes {
			assert.Equal(t, "height_stats", n.ParentID)
			assert.Empty(t, n.NodeID)
		}

		script := nodes[1]
		assert.Equal(t, "stat1_run_script_0", script.ID)
		assert.Equal(t, actions.KindCallAPI, script.Kind)
		assert.Equal(t, scripts.BasicPackage, script.Param("package"))
		assert.Equal(t, "group_by", script.Param("script"))
		params := script.Params["params"].(map[string]any)
		assert.Equal(t, []any{"_id_SEX", "SEX"}, params["by"])
		assert.Equal(t, []any{"n", "mean"}, params["agg"])
	})

	t.Run("required dimensions reduce the combinations", func(t *testing.T) {
		s := snap
		s.Dimensions = []Dimension{{Class: sex, Required: true}, {Class: visit, Required: true}, {Class: arm}}
		nodes, err := Expand(applyStatNode(nil), s)
		require.NoError(t, err)
		assert.Len(t, ofKind(nodes, actions.KindLinkStat), 2)
	})

	t.Run("distinct terms and controlled terms add leading steps", func(t *testing.T) {
		s := snap
		s.DistinctTerms = true
		s.DimensionCT = []scripts.DimensionTerms{{ShortLabel: "SEX", Terms: []scripts.CTTerm{{ID: 1, Label: "F"}}}}
		nodes, err := Expand(applyStatNode(nil), s)
		require.NoError(t, err)
		assert.Equal(t, []string{"stat1_run_cypher", "stat1_run_script_ct_cartesian_product", "stat1_branch1"}, ids(nodes[:3]))
		assert.Equal(t, true, nodes[0].Params["update_df"])
	})

	t.Run("exactly one result class", func(t *testing.T) {
		s := snap
		s.Results = []graph.ClassRef{height, {Label: "Weight", ShortLabel: "WGT"}}
		_, err := Expand(applyStatNode(nil), s)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindValidationFailure))

		perr, ok := errors.AsPipelineError(err)
		require.True(t, ok)
		assert.Equal(t, "stat1", perr.ActionID)
		assert.Equal(t, KindApplyStat, perr.ActionKind)
	})

	t.Run("no statistics", func(t *testing.T) {
		s := snap
		s.Statistics = nil
		_, err := Expand(applyStatNode(nil), s)
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
	})

	t.Run("no dimensions", func(t *testing.T) {
		s := snap
		s.Dimensions = nil
		_, err := Expand(applyStatNode(nil), s)
		assert.True(t, errors.IsKind(err, errors.KindValidationFailure))
	})
}

func TestExpand_ApplyStatPercentage(t *testing.T) {
	snap := Snapshot{
		Results:    []graph.ClassRef{height},
		Statistics: []graph.ClassRef{count},
		Dimensions: []Dimension{{Class: sex, Required: true, Denominator: true}, {Class: visit, Required: true}},
	}

	nodes, err := Expand(applyStatNode(map[string]any{"percentage_dp": "2"}), snap)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"stat1_branch1",
		"stat1_run_script_0",
		"stat1_build_uri_0",
		"stat1_link_stat_0",
		"stat1_numerator_0",
		"stat1_branch1_reload_0",
		"stat1_run_script_denom_0",
		"stat1_build_denom_uri_0",
		"stat1_link_denom_counts_0",
		"stat1_run_script_rename_denom_0",
		"stat1_denominator_0",
		"stat1_branch_combine_0",
		"stat1_run_script_divide_0",
		"stat1_run_script_multiply_0",
		"stat1_build_uri_for_pct_0",
		"stat1_link_pct_0",
		"stat1_link_pct_numerator_0",
		"stat1_link_pct_denominator_0",
	}, ids(nodes))

	byID := map[string]definition.ActionNode{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	denom := byID["stat1_run_script_denom_0"].Params["params"].(map[string]any)
	assert.Equal(t, []any{"_id_SEX", "SEX"}, denom["by"])

	multiply := byID["stat1_run_script_multiply_0"].Params["params"].(map[string]any)
	assert.Equal(t, int64(2), multiply["decimal_places"])

	combine := byID["stat1_branch_combine_0"]
	assert.Equal(t, []any{"stat1_numerator_0", "stat1_denominator_0"}, combine.Params["branches"])

	pctURI := byID["stat1_build_uri_for_pct_0"]
	assert.Equal(t, "HGT(n)", pctURI.Param("prefix"))

	link := byID["stat1_link_pct_denominator_0"].Edges[0]
	assert.Equal(t, DenominatorColumn, link.Prop("from_column"))
	assert.Equal(t, "Denominator of", link.Target.Prop(definition.PropRelationshipType))

	t.Run("only denominators skips percentages", func(t *testing.T) {
		s := snap
		s.Dimensions = []Dimension{{Class: sex, Required: true, Denominator: true}}
		nodes, err := Expand(applyStatNode(nil), s)
		require.NoError(t, err)
		assert.Len(t, nodes, 4)
	})

	t.Run("two percentage statistics", func(t *testing.T) {
		s := snap
		s.Statistics = []graph.ClassRef{count, {Label: "Number of distinct", ShortLabel: "n_distinct"}}
		_, err := Expand(applyStatNode(nil), s)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindValidationFailure))
	})
}

func TestExpand_ApplyStatChecksReads(t *testing.T) {
	snap := Snapshot{
		Results:    []graph.ClassRef{height},
		Statistics: []graph.ClassRef{count},
		Dimensions: []Dimension{{Class: sex, Required: true, Denominator: true}, {Class: visit}},
		Reads: []graph.DataRequest{{
			Classes: []graph.ClassRef{sex, visit, height},
			Relationships: []graph.RelationshipRef{
				{From: sex, To: height, Type: "Height"},
				{From: visit, To: height, Type: "Height"},
			},
			Where: map[string]graph.Filter{"Visit": {}},
		}},
	}

	_, err := Expand(applyStatNode(nil), snap)
	require.Error(t, err)
	perr, ok := errors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindValidationFailure, perr.Kind)
	require.Len(t, perr.Issues, 2)
	assert.Equal(t, "Visit", perr.Issues[0].Field)
	assert.Equal(t, "Visit-[Height]->Height", perr.Issues[1].Field)

	snap.Dimensions[1].Required = true
	snap.Reads[0].Relationships[1].Optional = true
	_, err = Expand(applyStatNode(nil), snap)
	assert.NoError(t, err)
}

func TestExpand_Decode(t *testing.T) {
	node := definition.ActionNode{ID: "decode1", Kind: KindDecode, Params: map[string]any{"remove_unmapped_rows": "false"}}
	snap := Snapshot{
		From:      graph.ClassRef{Label: "Test Code", ShortLabel: "TESTCD"},
		To:        graph.ClassRef{Label: "Test", ShortLabel: "TEST"},
		TermPairs: []graph.TermPair{{From: "HGT", To: "Height"}},
	}

	nodes, err := Expand(node, snap)
	require.NoError(t, err)
	require.Equal(t, []string{"decode1_run_script", "decode1_link"}, ids(nodes))

	params := nodes[0].Params["params"].(map[string]any)
	assert.Equal(t, "remap_term_values", nodes[0].Param("script"))
	assert.Equal(t, "TESTCD", params["original_col"])
	assert.Equal(t, "TEST", params["new_col"])
	assert.Equal(t, false, params["remove_unmapped_rows"])

	link := nodes[1].Edges[0]
	assert.Equal(t, "Test", link.Target.Prop(definition.PropRelationshipType))
	assert.Equal(t, "merge", link.Prop("how"))

	snap.TermPairs = nil
	_, err = Expand(node, snap)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestExpand_SubjectLevelLink(t *testing.T) {
	node := definition.ActionNode{ID: "sl1", Kind: KindSubjectLevelLink}
	snap := Snapshot{
		Class:     graph.Class{Label: "Age", ShortLabel: "AGE", DataType: "float"},
		ParamTerm: "Age at baseline",
	}

	nodes, err := Expand(node, snap)
	require.NoError(t, err)
	require.Equal(t, []string{"sl1_assign_class", "sl1_build_uri", "sl1_record_link", "sl1_param_link", "sl1_record_aval_link"}, ids(nodes))

	class := nodes[0].EdgesOfType(actions.EdgeClass)
	require.Len(t, class, 1)
	assert.Equal(t, AnalysisValueClass.Label, class[0].Target.Prop(definition.PropLabel))
	assert.Equal(t, "Subject_level_Age at baseline_", nodes[1].Param("prefix"))
	assert.Equal(t, "merge_on_uri", nodes[2].Edges[0].Prop("how"))

	term := nodes[3].EdgesOfType(actions.EdgeToValue)
	require.Len(t, term, 1)
	assert.Equal(t, "Age at baseline", term[0].Target.Prop(definition.PropRDFSLabel))
	assert.Equal(t, ParameterClass.Label, term[0].Owner.Prop(definition.PropLabel))

	snap.Class.DataType = "str"
	nodes, err = Expand(node, snap)
	require.NoError(t, err)
	assert.Equal(t, AnalysisValueCClass.Label, nodes[0].EdgesOfType(actions.EdgeClass)[0].Target.Prop(definition.PropLabel))
}

func TestExpand_Nested(t *testing.T) {
	children := []definition.ActionNode{{ID: "a", Kind: actions.KindRunScript}, {ID: "b", Kind: actions.KindLink}}
	nodes, err := Expand(definition.ActionNode{ID: "sub", Children: children}, Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, children, nodes)

	_, err = Expand(definition.ActionNode{ID: "x", Kind: "transmogrify"}, Snapshot{})
	assert.True(t, errors.IsKind(err, errors.KindUnknownActionKind))
}

func TestComposite_ApplyStatAgainstStore(t *testing.T) {
	ctx := context.Background()
	mem := graphtest.New()
	mem.AddClass(graph.Class{Label: height.Label, ShortLabel: height.ShortLabel})
	mem.AddClass(graph.Class{Label: count.Label, ShortLabel: count.ShortLabel})
	mem.AddClass(graph.Class{Label: sex.Label, ShortLabel: sex.ShortLabel})
	female := mem.AddNode([]string{"Sex"}, map[string]any{graph.PropRDFSLabel: "F"})
	male := mem.AddNode([]string{"Sex"}, map[string]any{graph.PropRDFSLabel: "M"})
	env := testEnv(mem)

	node := applyStatNode(nil,
		definition.ActionEdge{Type: actions.EdgeResult, Target: classTarget(height)},
		definition.ActionEdge{Type: actions.EdgeStatistic, Target: classTarget(count)},
		dimensionEdge(sex, "required"),
	)
	a, err := New(node, env)
	require.NoError(t, err)

	data := table.New("_id_SEX", "SEX", "HGT")
	require.NoError(t, data.AppendRow(female, "F", 160.0))
	require.NoError(t, data.AppendRow(female, "F", 170.0))
	require.NoError(t, data.AppendRow(male, "M", 180.0))

	out, err := a.Apply(ctx, data, actions.Options{ApplyMutations: true})
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())

	comp := a.(*Composite)
	assert.Len(t, comp.Children(), 4)
	assert.False(t, comp.Snapshot().DistinctTerms)

	stats := mem.NodesWithLabel(count.Label)
	require.Len(t, stats, 2)
	labels := ectolinq.Map(stats, func(n graphtest.Node) any { return n.Props[graph.PropRDFSLabel] })
	assert.ElementsMatch(t, []any{int64(2), int64(1)}, labels)
	assert.Len(t, mem.NodesWithLabel(PercentClass.Label), 0)

	_, err = a.Rollback(ctx)
	require.NoError(t, err)
	assert.Empty(t, mem.NodesWithLabel(count.Label))
}

func TestComposite_PreviewSkipsLinking(t *testing.T) {
	mem := graphtest.New()
	mem.AddClass(graph.Class{Label: height.Label, ShortLabel: height.ShortLabel})
	mem.AddClass(graph.Class{Label: count.Label, ShortLabel: count.ShortLabel})
	mem.AddClass(graph.Class{Label: sex.Label, ShortLabel: sex.ShortLabel})
	female := mem.AddNode([]string{"Sex"}, map[string]any{graph.PropRDFSLabel: "F"})

	node := applyStatNode(nil,
		definition.ActionEdge{Type: actions.EdgeResult, Target: classTarget(height)},
		definition.ActionEdge{Type: actions.EdgeStatistic, Target: classTarget(count)},
		dimensionEdge(sex, "required"),
	)
	a, err := New(node, testEnv(mem))
	require.NoError(t, err)

	data := table.New("_id_SEX", "SEX", "HGT")
	require.NoError(t, data.AppendRow(female, "F", 160.0))

	out, err := a.Apply(context.Background(), data, actions.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())
	assert.True(t, out.HasColumn("_uri_n"))
	assert.Empty(t, mem.NodesWithLabel(count.Label))
}

func TestComposite_EmptyTableIsBypassed(t *testing.T) {
	mem := graphtest.New()
	mem.AddClass(graph.Class{Label: "Age", ShortLabel: "AGE", DataType: "int"})
	node := definition.ActionNode{
		ID:    "sl1",
		Kind:  KindSubjectLevelLink,
		Edges: []definition.ActionEdge{{Type: EdgeSubjectLevel, Target: classTarget(graph.ClassRef{Label: "Age", ShortLabel: "AGE"})}},
	}
	a, err := New(node, testEnv(mem))
	require.NoError(t, err)

	in := table.New("_id_AGE", "AGE")
	out, err := a.Apply(context.Background(), in, actions.Options{ApplyMutations: true})
	require.NoError(t, err)
	assert.Same(t, in, out)
	assert.Equal(t, "Age", a.(*Composite).Snapshot().ParamTerm)
}

func TestComposite_NestedFragment(t *testing.T) {
	node := definition.ActionNode{
		ID:     "sub",
		NodeID: "n_sub",
		Children: []definition.ActionNode{
			{ID: "a", NodeID: "n_a", Kind: actions.KindRunScript},
			{ID: "b", NodeID: "n_b", Kind: actions.KindRunScript},
		},
	}
	a, err := New(node, testEnv(graphtest.New()))
	require.NoError(t, err)

	g := a.Fragment()
	var methodActions, next []definition.Edge
	for _, e := range g.Edges {
		switch e.Type {
		case definition.EdgeMethodAction:
			methodActions = append(methodActions, e)
		case definition.EdgeNext:
			next = append(next, e)
		}
	}
	assert.Len(t, methodActions, 2)
	require.Len(t, next, 1)
	assert.Equal(t, "n_a", next[0].FromID)
	assert.Equal(t, "n_b", next[0].ToID)
}
