// Package validation checks pipeline definitions before they are loaded: the
// structural rules of the definition graph and the presence of every
// referenced schema entity in the store. Problems are collected, never
// repaired.
package validation

import (
	"context"
	"fmt"
	"sort"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/composite"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// LabelStudySpecificTerm marks terms that may be absent from the schema.
const LabelStudySpecificTerm = "Study Specific Term"

// allowed maps an outgoing edge type to the label its target must carry. An
// empty label leaves the target unchecked.
type allowed map[string]string

// Outgoing edges permitted per action kind, besides NEXT.
var outgoing = map[string]allowed{
	actions.KindGetData: {
		actions.EdgeSourceClass:        definition.LabelClass,
		actions.EdgeSourceRelationship: definition.LabelRelationship,
	},
	actions.KindFilter: {
		actions.EdgeOn:                 definition.LabelClass,
		actions.EdgeOnValue:            definition.LabelTerm,
		actions.EdgeFilterRelationship: "",
		actions.EdgeOnlyRelatedTo:      "",
	},
	actions.KindLink: {
		actions.EdgeLink:      definition.LabelRelationship,
		actions.EdgeToValue:   definition.LabelTerm,
		actions.EdgeFromValue: definition.LabelTerm,
	},
	actions.KindAssignLabel: {
		actions.EdgeOn:    definition.LabelClass,
		actions.EdgeClass: definition.LabelClass,
	},
	actions.KindBuildURI: {
		actions.EdgeURIFor:   definition.LabelClass,
		actions.EdgeURIBy:    definition.LabelClass,
		actions.EdgeURILabel: definition.LabelClass,
	},
	actions.KindLinkStat: {
		actions.EdgeStatistic: definition.LabelClass,
		actions.EdgeResult:    definition.LabelClass,
		actions.EdgeDimension: definition.LabelClass,
	},
	actions.KindRunScript:     {},
	actions.KindCallAPI:       {},
	actions.KindRunQuery:      {},
	actions.KindBranchSave:    {},
	actions.KindBranchLoad:    {},
	actions.KindBranchCombine: {},
	composite.KindApplyStat: {
		actions.EdgeStatistic: definition.LabelClass,
		actions.EdgeResult:    definition.LabelClass,
		actions.EdgeDimension: definition.LabelClass,
	},
	composite.KindDecode: {
		composite.EdgeFromClass: definition.LabelClass,
		composite.EdgeToClass:   definition.LabelClass,
	},
	composite.KindSubjectLevelLink: {
		composite.EdgeSubjectLevel: definition.LabelClass,
		composite.EdgeTerm:         definition.LabelTerm,
	},
	composite.KindNested: {
		definition.EdgeMethodAction: definition.LabelMethod,
	},
}

// Edges any action node may receive.
var incoming = []string{definition.EdgeNext, definition.EdgeMethodAction}

// Kinds that write to the store. A definition without any of them is
// suspicious but valid.
var writeKinds = []string{
	actions.KindLink,
	actions.KindAssignLabel,
	composite.KindApplyStat,
	composite.KindDecode,
	composite.KindSubjectLevelLink,
}

// Store answers the schema-presence checks.
type Store interface {
	MissingClasses(ctx context.Context, labels []string) ([]string, error)
	MissingRelationships(ctx context.Context, rels []graph.SchemaRelationship) ([]graph.SchemaRelationship, error)
	MissingTerms(ctx context.Context, terms []graph.TermRef) ([]graph.TermRef, error)
	SameAsTermPairs(ctx context.Context, from, to string) ([]graph.TermPair, error)
}

type Validator struct {
	store  Store
	logger ectologger.Logger
}

func NewValidator(store Store, logger ectologger.Logger) *Validator {
	return &Validator{store: store, logger: logger}
}

// Structural checks the shape of the definition of the pipeline name. Every
// problem found is returned in one ValidationFailure.
func (v *Validator) Structural(ctx context.Context, name string, def *definition.Graph) error {
	_, span := tracing.StartSpan(ctx, "validation.Validator.Structural")
	defer span.End()

	log := v.logger.WithContext(ctx).WithFields(map[string]any{"pipeline": name})

	issues := structuralIssues(name, def)
	if def != nil {
		kinds := ectolinq.Map(def.NodesWithLabel(definition.LabelMethod), func(n definition.Node) string { return n.Kind() })
		if !ectolinq.Contains(kinds, actions.KindGetData) {
			log.Warn("Pipeline has no get_data action")
		}
		if len(ectolinq.Filter(kinds, func(k string) bool { return ectolinq.Contains(writeKinds, k) })) == 0 {
			log.WithFields(map[string]any{"write_kinds": writeKinds}).Warn("Pipeline has no action that writes data")
		}
	}

	if len(issues) > 0 {
		log.WithFields(map[string]any{"issues": len(issues)}).Warn("Definition failed structural validation")
		return errors.Validation(fmt.Sprintf("definition of %q is malformed", name), issues)
	}
	return nil
}

func structuralIssues(name string, def *definition.Graph) []errors.Issue {
	if def == nil {
		return []errors.Issue{{Message: "definition is empty"}}
	}

	var issues []errors.Issue
	add := func(field, format string, args ...any) {
		issues = append(issues, errors.Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	labels := make(map[string][]string, len(def.Nodes))
	seenNodes := map[string]bool{}
	for i, n := range def.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			add(field, "node has no id")
			continue
		}
		if seenNodes[n.ID] {
			add(n.ID, "duplicate node id")
		}
		seenNodes[n.ID] = true
		if len(n.Labels) == 0 {
			add(n.ID, "node has no labels")
		}
		if n.Properties == nil {
			add(n.ID, "node has no properties")
		}
		labels[n.ID] = n.Labels
	}
	hasLabel := func(id, label string) bool {
		return ectolinq.Contains(labels[id], label)
	}

	for i, e := range def.Edges {
		if _, ok := labels[e.FromID]; !ok {
			add(fmt.Sprintf("edges[%d]", i), "%s edge starts at unknown node %q", e.Type, e.FromID)
		}
		if _, ok := labels[e.ToID]; !ok {
			add(fmt.Sprintf("edges[%d]", i), "%s edge ends at unknown node %q", e.Type, e.ToID)
		}
	}

	methodIDs := map[string]int{}
	coreFound := false
	for _, n := range def.NodesWithLabel(definition.LabelMethod) {
		id := n.Prop(definition.PropID)
		if id == "" {
			add(n.ID, "Method node has no id property")
			continue
		}
		methodIDs[id]++

		kind := n.Kind()
		if kind == composite.KindNested && id == name && len(def.Incoming(n.ID, definition.EdgeMethodAction)) == 0 {
			coreFound = true
		}

		rules, known := outgoing[kind]
		if !known {
			add(id, "unknown action kind %q", kind)
			continue
		}
		for _, e := range def.Outgoing(n.ID) {
			if e.Type == definition.EdgeNext {
				continue
			}
			want, ok := rules[e.Type]
			if !ok {
				add(id, "unexpected outgoing %s edge %q on %s node", e.Type, e.ID, kindName(kind))
				continue
			}
			if want != "" && !hasLabel(e.ToID, want) {
				add(id, "%s edge %q must point at a %s node", e.Type, e.ID, want)
			}
		}
		for _, e := range def.Incoming(n.ID) {
			if !ectolinq.Contains(incoming, e.Type) {
				add(id, "unexpected incoming %s edge %q on %s node", e.Type, e.ID, kindName(kind))
			}
		}
	}

	dups := make([]string, 0)
	for id, count := range methodIDs {
		if count > 1 {
			dups = append(dups, id)
		}
	}
	sort.Strings(dups)
	for _, id := range dups {
		add(id, "duplicate Method id")
	}
	if !coreFound {
		add(name, "core Method node with id %q not found", name)
	}

	for _, n := range def.NodesWithLabel(definition.LabelRelationship) {
		for _, edgeType := range []string{definition.EdgeFrom, definition.EdgeTo} {
			ends := def.Outgoing(n.ID, edgeType)
			if len(ends) != 1 {
				add(n.ID, "Relationship must have exactly 1 %s class, found %d", edgeType, len(ends))
				continue
			}
			if !hasLabel(ends[0].ToID, definition.LabelClass) {
				add(n.ID, "Relationship %s must point at a Class", edgeType)
			}
		}
	}
	return issues
}

func kindName(kind string) string {
	if kind == composite.KindNested {
		return "method"
	}
	return kind
}
