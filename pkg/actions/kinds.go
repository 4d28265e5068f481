package actions

// Action kind tags as stored in the type property of a Method node.
const (
	KindGetData       = "get_data"
	KindFilter        = "filter"
	KindRunScript     = "run_script"
	KindCallAPI       = "call_api"
	KindRunQuery      = "run_cypher"
	KindAssignLabel   = "assign_class"
	KindLink          = "link"
	KindLinkStat      = "link_stat"
	KindBuildURI      = "build_uri"
	KindBranchSave    = "branch_save"
	KindBranchLoad    = "branch_load"
	KindBranchCombine = "branch_combine"
)

// Outgoing edge types of action nodes.
const (
	EdgeSourceClass        = "SOURCE_CLASS"
	EdgeSourceRelationship = "SOURCE_RELATIONSHIP"
	EdgeOn                 = "ON"
	EdgeOnValue            = "ON_VALUE"
	EdgeFilterRelationship = "FILTER_RELATIONSHIP"
	EdgeOnlyRelatedTo      = "ONLY_RELATED_TO"
	EdgeLink               = "LINK"
	EdgeToValue            = "TO_VALUE"
	EdgeFromValue          = "FROM_VALUE"
	EdgeClass              = "CLASS"
	EdgeURIFor             = "URI_FOR"
	EdgeURIBy              = "URI_BY"
	EdgeURILabel           = "URI_LABEL"
	EdgeStatistic          = "Statistic"
	EdgeResult             = "Result"
	EdgeDimension          = "Dimension"
)

// IsGetData reports whether kind reads the working table from the store.
func IsGetData(kind string) bool {
	return kind == KindGetData
}
