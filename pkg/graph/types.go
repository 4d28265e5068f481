package graph

// Reserved names shared by every writer of the graph.
const (
	LabelClass        = "Class"
	LabelRelationship = "Relationship"
	LabelTerm         = "Term"
	LabelResource     = "Resource"
	LabelMethod       = "Method"
	LabelChanges      = "Changes"

	RelIsA               = "IS_A"
	RelTerm              = "Term"
	RelSubclassOf        = "SUBCLASS_OF"
	RelHasControlledTerm = "HAS_CONTROLLED_TERM"
	RelSameAs            = "SAME_AS"
	RelFrom              = "FROM"
	RelTo                = "TO"

	PropLabel            = "label"
	PropShortLabel       = "short_label"
	PropRDFSLabel        = "rdfs:label"
	PropURI              = "uri"
	PropTermCode         = "Term Code"
	PropCodelist         = "Codelist Code"
	PropRelationshipType = "relationship_type"

	// NaNSentinel stands in for a missing value while endpoint nodes are
	// merged so that every missing value collapses onto one node.
	NaNSentinel = "CLD_NAN"
)

// Class is a schema class.
type Class struct {
	Label         string `json:"label"`
	ShortLabel    string `json:"short_label"`
	DataType      string `json:"data_type,omitempty"`
	Derived       bool   `json:"derived,omitempty"`
	ClassesForURI string `json:"classes_for_uri,omitempty"`
	SubjectLevel  bool   `json:"subject_level,omitempty"`
}

// Term is a controlled term of a class codelist.
type Term struct {
	ID        int64  `json:"id"`
	Label     string `json:"rdfs:label"`
	TermCode  string `json:"Term Code"`
	Codelist  string `json:"Codelist Code"`
	ClassName string `json:"class"`
}

// SchemaRelationship is a schema Relationship node between two classes.
type SchemaRelationship struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Type       string `json:"relationship_type"`
	ShortLabel string `json:"short_label,omitempty"`
}

// ClassRef names a class and the table column its values live in.
type ClassRef struct {
	Label      string `json:"label"`
	ShortLabel string `json:"short_label"`
	Optional   bool   `json:"optional,omitempty"`
}

// RelationshipRef is a relationship to traverse when reading data.
type RelationshipRef struct {
	From     ClassRef `json:"from"`
	To       ClassRef `json:"to"`
	Type     string   `json:"type"`
	Optional bool     `json:"optional,omitempty"`
}

// Filter restricts the values of a class when reading data.
type Filter struct {
	Equals []any `json:"equals,omitempty"`
	Min    any   `json:"min,omitempty"`
	Max    any   `json:"max,omitempty"`
	NotIn  []any `json:"not_in,omitempty"`
}

// DataRequest describes the rows a GetData action reads.
type DataRequest struct {
	Classes       []ClassRef
	Relationships []RelationshipRef
	// Where filters values per class label.
	Where map[string]Filter
	// OnlyRelatedTo keeps instances of a class label only when every node they
	// are related to is a schema node or carries one of the listed labels.
	OnlyRelatedTo      map[string][]string
	InferRelationships bool
	AllowUnrelated     bool
	Limit              int
}

// Pair is a (from, to) pair of node ids.
type Pair struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Link is a relationship written by an action.
type Link struct {
	ID   int64 `json:"id"`
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// StatRequest merges statistic nodes for each row of a table and links them to
// their result class and dimension instances.
type StatRequest struct {
	Statistics []ClassRef
	Result     ClassRef
	Dimensions []ClassRef
	Rows       []map[string]any
}

// StatRow is a row of a StatRequest that was linked, with the statistic node ids
// keyed by statistic short label.
type StatRow struct {
	Index   int
	NodeIDs map[string]int64
}

// TermRef identifies a controlled term by its class and codes.
type TermRef struct {
	Class    string `json:"class"`
	Codelist string `json:"Codelist Code,omitempty"`
	TermCode string `json:"Term Code"`
}

// TermPair is a pair of rdfs:label values of terms joined by SAME_AS.
type TermPair struct {
	From any `json:"from"`
	To   any `json:"to"`
}
