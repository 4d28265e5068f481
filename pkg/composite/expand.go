package composite

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/scripts"
	"github.com/Ramsey-B/fern/pkg/table"
)

// Kind tags of composite actions.
const (
	KindApplyStat        = "apply_stat"
	KindDecode           = "decode"
	KindSubjectLevelLink = "subject_level_link"
	// KindNested is a Method node without a kind, holding its own chain.
	KindNested = ""
)

// Outgoing edge types of composite nodes.
const (
	EdgeSubjectLevel = "SUBJECT_LEVEL"
	EdgeTerm         = "TERM"
	EdgeFromClass    = "FROM_CLASS"
	EdgeToClass      = "TO_CLASS"
)

// Classes written by the expansions.
var (
	ParameterClass      = graph.ClassRef{Label: "Parameter", ShortLabel: "PARAM"}
	AnalysisValueClass  = graph.ClassRef{Label: "Analysis Value", ShortLabel: "AVAL"}
	AnalysisValueCClass = graph.ClassRef{Label: "Analysis Value (C)", ShortLabel: "AVALC"}
	RecordClass         = graph.ClassRef{Label: "Record", ShortLabel: "RECORD"}
	SubjectClass        = graph.ClassRef{Label: "Subject", ShortLabel: "USUBJID"}
	PercentClass        = graph.ClassRef{Label: "Number of observations (Percent)", ShortLabel: "npct"}
)

const (
	DenominatorColumn = "denominator"
	defaultScript     = "group_by"
	defaultLang       = "python"
)

// percentStatistics can be turned into percentages.
var percentStatistics = []string{"n", "n_distinct"}

// termIDsQuery swaps the dimension value ids of each row for the ids of the
// terms the values were collapsed onto.
const termIDsQuery = `
UNWIND $data AS row
OPTIONAL MATCH (node)-[:Term]->(term:Term)<-[:HAS_CONTROLLED_TERM]-(class:Class)
WHERE id(node) IN [c IN $class_labels | row['_id_' + c.short_label]]
WITH row, [p IN collect(['_id_' + class.short_label, id(term)]) WHERE p[1] IS NOT NULL] AS pairs
RETURN apoc.map.merge(row, apoc.map.fromPairs(pairs)) AS new_row
`

// Dimension is a class a statistic is broken down by.
type Dimension struct {
	Class       graph.ClassRef
	Required    bool
	Denominator bool
	AllCT       bool
}

// Snapshot is the schema state an expansion depends on. The composite
// gathers it from the store; Expand never touches the store.
type Snapshot struct {
	// apply_stat
	Results    []graph.ClassRef
	Statistics []graph.ClassRef
	Dimensions []Dimension
	// DistinctTerms is set when dimension values were collapsed onto terms and
	// the table ids have to be swapped for term ids.
	DistinctTerms bool
	DimensionCT   []scripts.DimensionTerms
	// Reads are the requests of the GetData actions before the composite.
	Reads []graph.DataRequest

	// subject_level_link
	Class     graph.Class
	ParamTerm string

	// decode
	From             graph.ClassRef
	To               graph.ClassRef
	RelationshipType string
	TermPairs        []graph.TermPair
}

// Expand builds the actions a composite node stands for. The result depends
// only on node and snap.
func Expand(node definition.ActionNode, snap Snapshot) ([]definition.ActionNode, error) {
	var (
		nodes []definition.ActionNode
		err   error
	)
	switch node.Kind {
	case KindApplyStat:
		nodes, err = expandApplyStat(node, snap)
	case KindDecode:
		nodes, err = expandDecode(node, snap)
	case KindSubjectLevelLink:
		nodes, err = expandSubjectLevelLink(node, snap)
	case KindNested:
		return node.Children, nil
	default:
		err = errors.Newf(errors.KindUnknownActionKind, "unknown composite kind %q", node.Kind)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err).AddAction(node.ID).AddActionKind(node.Kind)
	}
	return nodes, nil
}

// DimensionCombinations returns the required dimensions joined with every
// subset of the optional ones, smallest subsets first.
func DimensionCombinations(dims []Dimension) [][]Dimension {
	required := ectolinq.Filter(dims, func(d Dimension) bool { return d.Required })
	optional := ectolinq.Filter(dims, func(d Dimension) bool { return !d.Required })

	var out [][]Dimension
	for size := 0; size <= len(optional); size++ {
		for _, idx := range combinations(len(optional), size) {
			combo := append([]Dimension(nil), required...)
			for _, i := range idx {
				combo = append(combo, optional[i])
			}
			out = append(out, combo)
		}
	}
	return out
}

// combinations lists the k-element index subsets of 0..n-1 in lexicographic
// order.
func combinations(n, k int) [][]int {
	if k == 0 {
		return [][]int{{}}
	}
	var out [][]int
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		out = append(out, append([]int(nil), idx...))
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return out
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// expansion accumulates the generated nodes of one composite.
type expansion struct {
	parent definition.ActionNode
	nodes  []definition.ActionNode
}

func (x *expansion) add(suffix, kind string, params map[string]any, edges ...definition.ActionEdge) {
	if params == nil {
		params = map[string]any{}
	}
	x.nodes = append(x.nodes, definition.ActionNode{
		ID:       x.parent.ID + "_" + suffix,
		Kind:     kind,
		ParentID: x.parent.ParentID,
		Params:   params,
		Edges:    edges,
	})
}

// callAPI adds a transformation service call. Source repository settings of
// the composite are passed on.
func (x *expansion) callAPI(suffix, pkg, script string, params map[string]any) {
	p := map[string]any{
		"script":  script,
		"package": pkg,
		"lang":    defaultLang,
		"params":  params,
	}
	for _, key := range []string{"lang", "version", "github_repo", "repo_scripts_path"} {
		if v := x.parent.Param(key); v != "" {
			p[key] = v
		}
	}
	x.add(suffix, actions.KindCallAPI, p)
}

func (x *expansion) branch(suffix, kind, name string) {
	x.add(suffix, kind, map[string]any{"branch": name})
}

func classTarget(c graph.ClassRef) definition.Node {
	return definition.Node{
		ID:     c.Label,
		Labels: []string{definition.LabelClass},
		Properties: map[string]any{
			definition.PropLabel:      c.Label,
			definition.PropShortLabel: c.ShortLabel,
		},
	}
}

func classEdges(edgeType string, refs ...graph.ClassRef) []definition.ActionEdge {
	return ectolinq.Map(refs, func(c graph.ClassRef) definition.ActionEdge {
		return definition.ActionEdge{
			Type:       edgeType,
			Properties: map[string]any{definition.PropShortLabel: c.ShortLabel},
			Target:     classTarget(c),
		}
	})
}

func linkEdge(from, to graph.ClassRef, relType, how, fromColumn string) definition.ActionEdge {
	f, t := classTarget(from), classTarget(to)
	props := map[string]any{}
	if how != "" {
		props["how"] = how
	}
	if fromColumn != "" {
		props["from_column"] = fromColumn
	}
	return definition.ActionEdge{
		Type:       actions.EdgeLink,
		Properties: props,
		Target: definition.Node{
			ID:         from.Label + "_" + relType + "_" + to.Label,
			Labels:     []string{definition.LabelRelationship},
			Properties: map[string]any{definition.PropRelationshipType: relType},
		},
		From: &f,
		To:   &t,
	}
}

func termEdge(edgeType string, owner graph.ClassRef, rdfsLabel string) definition.ActionEdge {
	o := classTarget(owner)
	return definition.ActionEdge{
		Type: edgeType,
		Target: definition.Node{
			ID:         owner.ShortLabel + "_" + rdfsLabel,
			Labels:     []string{definition.LabelTerm},
			Properties: map[string]any{definition.PropRDFSLabel: rdfsLabel},
		},
		Owner: &o,
	}
}

func shortLabels(refs []graph.ClassRef) []string {
	return ectolinq.Map(refs, func(c graph.ClassRef) string { return c.ShortLabel })
}

func dimensionRefs(dims []Dimension) []graph.ClassRef {
	return ectolinq.Map(dims, func(d Dimension) graph.ClassRef { return d.Class })
}

func toAny[T any](values []T) []any {
	return ectolinq.Map(values, func(v T) any { return v })
}

func groupByParams(result graph.ClassRef, dims []Dimension, stats []string) map[string]any {
	by := make([]any, 0, 2*len(dims))
	for _, d := range dims {
		by = append(by, table.IDColumn(d.Class.ShortLabel), d.Class.ShortLabel)
	}
	return map[string]any{
		"value_cols": []any{result.ShortLabel},
		"by":         by,
		"agg":        toAny(stats),
	}
}

func statEdges(result graph.ClassRef, stats []graph.ClassRef, dims []Dimension) []definition.ActionEdge {
	edges := classEdges(actions.EdgeResult, result)
	edges = append(edges, classEdges(actions.EdgeStatistic, stats...)...)
	return append(edges, classEdges(actions.EdgeDimension, dimensionRefs(dims)...)...)
}

func uriEdges(fors []graph.ClassRef, dims []Dimension) []definition.ActionEdge {
	return append(classEdges(actions.EdgeURIFor, fors...), classEdges(actions.EdgeURIBy, dimensionRefs(dims)...)...)
}

func expandApplyStat(node definition.ActionNode, snap Snapshot) ([]definition.ActionNode, error) {
	if len(snap.Results) != 1 {
		return nil, errors.Newf(errors.KindValidationFailure, "apply_stat supports exactly one result class, got %d", len(snap.Results))
	}
	if len(snap.Statistics) == 0 {
		return nil, errors.New(errors.KindNotFound, "apply_stat has no statistic classes")
	}
	if len(snap.Dimensions) == 0 {
		return nil, errors.New(errors.KindValidationFailure, "apply_stat has no dimension classes")
	}
	if err := validateReads(snap); err != nil {
		return nil, err
	}

	result := snap.Results[0]
	stats := snap.Statistics
	statShorts := shortLabels(stats)
	prefix := strings.Join(shortLabels(snap.Results), ",")
	pct := ectolinq.Filter(stats, func(s graph.ClassRef) bool {
		return ectolinq.Contains(percentStatistics, s.ShortLabel)
	})

	pkg := node.Param("package")
	if pkg == "" {
		pkg = scripts.BasicPackage
	}
	script := node.Param("script")
	if script == "" {
		script = defaultScript
	}
	dp := int64(0)
	if v, ok := table.ToInt64(node.Params["percentage_dp"]); ok {
		dp = v
	} else if v, err := strconv.ParseInt(node.Param("percentage_dp"), 10, 64); err == nil {
		dp = v
	}

	x := &expansion{parent: node}
	if snap.DistinctTerms {
		x.add("run_cypher", actions.KindRunQuery, map[string]any{
			"query": termIDsQuery,
			"params": map[string]any{
				"class_labels": ectolinq.Map(snap.Dimensions, func(d Dimension) any {
					return map[string]any{"short_label": d.Class.ShortLabel, "long_label": d.Class.Label}
				}),
			},
			"include_data": true,
			"update_df":    true,
		})
	}
	if len(snap.DimensionCT) > 0 {
		x.callAPI("run_script_ct_cartesian_product", scripts.BasicPackage, "ct_cartesian_product", map[string]any{
			"dimensions":   toAny(shortLabels(dimensionRefs(snap.Dimensions))),
			"dimension_ct": snap.DimensionCT,
		})
	}

	saved := node.ID + "_branch1"
	x.branch("branch1", actions.KindBranchSave, saved)

	for i, dims := range DimensionCombinations(snap.Dimensions) {
		n := strconv.Itoa(i)
		if i > 0 {
			x.branch("branch1_load_"+n, actions.KindBranchLoad, saved)
		}
		x.callAPI("run_script_"+n, pkg, script, groupByParams(result, dims, statShorts))
		x.add("build_uri_"+n, actions.KindBuildURI, map[string]any{"prefix": prefix}, uriEdges(stats, dims)...)
		x.add("link_stat_"+n, actions.KindLinkStat, nil, statEdges(result, stats, dims)...)

		denoms := ectolinq.Filter(dims, func(d Dimension) bool { return d.Denominator })
		if len(pct) == 0 || len(denoms) == 0 || len(denoms) >= len(dims) {
			continue
		}
		if len(pct) > 1 {
			return nil, errors.Newf(errors.KindValidationFailure,
				"cannot calculate percentages from more than one of the statistics %v", percentStatistics)
		}
		stat := pct[0]
		numerator := node.ID + "_numerator_" + n
		denominator := node.ID + "_denominator_" + n

		x.branch("numerator_"+n, actions.KindBranchSave, numerator)
		x.branch("branch1_reload_"+n, actions.KindBranchLoad, saved)
		x.callAPI("run_script_denom_"+n, pkg, script, groupByParams(result, denoms, []string{stat.ShortLabel}))
		x.add("build_denom_uri_"+n, actions.KindBuildURI, map[string]any{"prefix": prefix}, uriEdges([]graph.ClassRef{stat}, denoms)...)
		x.add("link_denom_counts_"+n, actions.KindLinkStat, nil, statEdges(result, []graph.ClassRef{stat}, denoms)...)
		x.callAPI("run_script_rename_denom_"+n, scripts.BasicPackage, "rename_columns", map[string]any{
			"rename_dict": map[string]any{
				stat.ShortLabel:                  DenominatorColumn,
				table.IDColumn(stat.ShortLabel):  table.IDColumn(DenominatorColumn),
				table.URIColumn(stat.ShortLabel): table.URIColumn(DenominatorColumn),
			},
		})
		x.branch("denominator_"+n, actions.KindBranchSave, denominator)
		x.add("branch_combine_"+n, actions.KindBranchCombine, map[string]any{"branches": []any{numerator, denominator}})
		x.callAPI("run_script_divide_"+n, scripts.BasicPackage, "divide", map[string]any{
			"values":  []any{stat.ShortLabel, DenominatorColumn},
			"out_col": PercentClass.ShortLabel,
		})
		x.callAPI("run_script_multiply_"+n, scripts.BasicPackage, "multiply", map[string]any{
			"values":         []any{PercentClass.ShortLabel, "&100"},
			"out_col":        PercentClass.ShortLabel,
			"decimal_places": dp,
		})
		x.add("build_uri_for_pct_"+n, actions.KindBuildURI, map[string]any{
			"prefix": prefix + "(" + strings.Join(statShorts, ",") + ")",
		}, uriEdges([]graph.ClassRef{PercentClass}, dims)...)
		x.add("link_pct_"+n, actions.KindLinkStat, nil, statEdges(result, []graph.ClassRef{PercentClass}, dims)...)
		x.add("link_pct_numerator_"+n, actions.KindLink, nil, linkEdge(stat, PercentClass, "Numerator of", "", ""))
		x.add("link_pct_denominator_"+n, actions.KindLink, nil, linkEdge(stat, PercentClass, "Denominator of", "", DenominatorColumn))
	}
	return x.nodes, nil
}

// validateReads checks the reads feeding an apply_stat: filtered classes must
// be required dimensions, and with denominators every read relationship that
// touches a non-denominator dimension must be optional.
func validateReads(snap Snapshot) error {
	required := map[string]bool{}
	dims := map[string]bool{}
	denoms := map[string]bool{}
	for _, d := range snap.Dimensions {
		dims[d.Class.Label] = true
		required[d.Class.Label] = d.Required
		denoms[d.Class.Label] = d.Denominator
	}

	var issues []errors.Issue
	for _, read := range snap.Reads {
		filtered := make([]string, 0, len(read.Where))
		for class := range read.Where {
			filtered = append(filtered, class)
		}
		sort.Strings(filtered)
		for _, class := range filtered {
			if !required[class] {
				issues = append(issues, errors.Issue{
					Field:   class,
					Message: "filtered classes must also be required dimensions for statistic uris to be accurate",
				})
			}
		}
	}

	if len(ectolinq.Filter(snap.Dimensions, func(d Dimension) bool { return d.Denominator })) > 0 {
		touchesNumerator := func(label string) bool { return dims[label] && !denoms[label] }
		for _, read := range snap.Reads {
			for _, rel := range read.Relationships {
				if rel.Optional || !(touchesNumerator(rel.From.Label) || touchesNumerator(rel.To.Label)) {
					continue
				}
				issues = append(issues, errors.Issue{
					Field:   rel.From.Label + "-[" + rel.Type + "]->" + rel.To.Label,
					Message: "relationship must be optional in get_data since it touches a dimension that is not a denominator",
				})
			}
		}
	}

	if len(issues) > 0 {
		return errors.Validation("apply_stat metadata is inconsistent with the data it reads", issues)
	}
	return nil
}

func expandDecode(node definition.ActionNode, snap Snapshot) ([]definition.ActionNode, error) {
	if snap.From.Label == "" || snap.To.Label == "" {
		return nil, errors.New(errors.KindNotFound, "decode needs a FROM_CLASS and a TO_CLASS class")
	}
	if len(snap.TermPairs) == 0 {
		return nil, errors.Newf(errors.KindNotFound,
			"no SAME_AS relationships between the terms of %s and %s", snap.From.Label, snap.To.Label)
	}
	relType := snap.RelationshipType
	if relType == "" {
		relType = snap.To.Label
	}

	x := &expansion{parent: node}
	x.callAPI("run_script", scripts.BasicPackage, "remap_term_values", map[string]any{
		"original_col": snap.From.ShortLabel,
		"new_col":      snap.To.ShortLabel,
		"term_pairs": ectolinq.Map(snap.TermPairs, func(p graph.TermPair) any {
			return map[string]any{"from": p.From, "to": p.To}
		}),
		"remove_unmapped_rows": actions.FlagParam(node, "remove_unmapped_rows", true),
	})
	x.add("link", actions.KindLink, nil, linkEdge(snap.From, snap.To, relType, "merge", ""))
	return x.nodes, nil
}

func expandSubjectLevelLink(node definition.ActionNode, snap Snapshot) ([]definition.ActionNode, error) {
	if snap.Class.Label == "" {
		return nil, errors.New(errors.KindNotFound, "subject_level_link needs a SUBJECT_LEVEL class")
	}
	term := snap.ParamTerm
	if term == "" {
		term = snap.Class.Label
	}
	value := AnalysisValueCClass
	if snap.Class.DataType == "int" || snap.Class.DataType == "float" {
		value = AnalysisValueClass
	}
	class := graph.ClassRef{Label: snap.Class.Label, ShortLabel: snap.Class.ShortLabel}

	x := &expansion{parent: node}
	x.add("assign_class", actions.KindAssignLabel, nil,
		append(classEdges(actions.EdgeOn, class), classEdges(actions.EdgeClass, value)...)...)
	x.add("build_uri", actions.KindBuildURI, map[string]any{"prefix": "Subject_level_" + term + "_"},
		append(classEdges(actions.EdgeURIFor, RecordClass), classEdges(actions.EdgeURIBy, SubjectClass)...)...)
	x.add("record_link", actions.KindLink, nil, linkEdge(SubjectClass, RecordClass, RecordClass.Label, "merge_on_uri", ""))
	x.add("param_link", actions.KindLink, nil,
		linkEdge(RecordClass, ParameterClass, ParameterClass.Label, "merge", ""),
		termEdge(actions.EdgeToValue, ParameterClass, term))
	x.add("record_aval_link", actions.KindLink, nil, linkEdge(RecordClass, value, value.Label, "", ""))
	return x.nodes, nil
}
