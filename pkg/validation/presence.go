package validation

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/composite"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ClassPair names the classes of a decode whose terms must be joined by
// SAME_AS.
type ClassPair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Missing lists the schema entities a definition references that the store
// does not hold.
type Missing struct {
	Classes           []string                   `json:"classes"`
	Relationships     []graph.SchemaRelationship `json:"relationships"`
	Terms             []graph.TermRef            `json:"terms"`
	TermRelationships []ClassPair                `json:"term_relationships"`
}

func (m Missing) Empty() bool {
	return len(m.Classes) == 0 && len(m.Relationships) == 0 && len(m.Terms) == 0 && len(m.TermRelationships) == 0
}

// Issues renders every missing entity as a validation issue.
func (m Missing) Issues() []errors.Issue {
	var out []errors.Issue
	for _, c := range m.Classes {
		out = append(out, errors.Issue{Field: "classes", Message: fmt.Sprintf("class %q not found", c)})
	}
	for _, r := range m.Relationships {
		out = append(out, errors.Issue{
			Field:   "relationships",
			Message: fmt.Sprintf("relationship (%s)-[%s]->(%s) not found", r.From, r.Type, r.To),
		})
	}
	for _, t := range m.Terms {
		out = append(out, errors.Issue{
			Field:   "terms",
			Message: fmt.Sprintf("term %q (codelist %q) of class %q not found", t.TermCode, t.Codelist, t.Class),
		})
	}
	for _, p := range m.TermRelationships {
		out = append(out, errors.Issue{
			Field:   "term_relationships",
			Message: fmt.Sprintf("no SAME_AS terms between %q and %q", p.From, p.To),
		})
	}
	return out
}

// referenced collects the schema entities named by a definition.
type referenced struct {
	classes       []string
	relationships []graph.SchemaRelationship
	terms         []graph.TermRef
	decodes       []ClassPair
	// issues are references the definition itself leaves incomplete.
	issues []errors.Issue
}

func collect(def *definition.Graph) referenced {
	var ref referenced
	label := func(id string) string {
		n, ok := def.Node(id)
		if !ok {
			return ""
		}
		return n.Prop(definition.PropLabel)
	}
	endpoint := func(id, edgeType string) string {
		ends := def.Outgoing(id, edgeType)
		if len(ends) == 0 {
			return ""
		}
		return label(ends[0].ToID)
	}

	seenClass := map[string]bool{}
	for _, n := range def.Nodes {
		switch {
		case n.HasLabel(definition.LabelMethod):
			if n.Kind() != composite.KindDecode {
				continue
			}
			pair := ClassPair{From: endpoint(n.ID, composite.EdgeFromClass), To: endpoint(n.ID, composite.EdgeToClass)}
			if pair.From == "" || pair.To == "" {
				ref.issues = append(ref.issues, errors.Issue{Field: n.Prop(definition.PropID), Message: "decode needs a FROM_CLASS and a TO_CLASS class"})
				continue
			}
			ref.decodes = append(ref.decodes, pair)

		case n.HasLabel(definition.LabelClass):
			l := n.Prop(definition.PropLabel)
			if l == "" {
				ref.issues = append(ref.issues, errors.Issue{Field: n.ID, Message: "Class node has no label"})
				continue
			}
			if !seenClass[l] {
				seenClass[l] = true
				ref.classes = append(ref.classes, l)
			}

		case n.HasLabel(definition.LabelTerm):
			if n.HasLabel(LabelStudySpecificTerm) {
				continue
			}
			owners := def.Incoming(n.ID, definition.EdgeHasControlledTerm)
			if len(owners) == 0 {
				ref.issues = append(ref.issues, errors.Issue{Field: n.ID, Message: "Term node has no owning class"})
				continue
			}
			ref.terms = append(ref.terms, graph.TermRef{
				Class:    label(owners[0].FromID),
				Codelist: n.Prop(definition.PropCodelistCode),
				TermCode: n.Prop(definition.PropTermCode),
			})

		case n.HasLabel(definition.LabelRelationship):
			rel := graph.SchemaRelationship{
				From: endpoint(n.ID, definition.EdgeFrom),
				To:   endpoint(n.ID, definition.EdgeTo),
				Type: n.Prop(definition.PropRelationshipType),
			}
			if rel.From == "" || rel.To == "" {
				// Reported by the structural check.
				continue
			}
			if rel.Type == "" {
				rel.Type = rel.To
			}
			ref.relationships = append(ref.relationships, rel)
		}
	}
	return ref
}

// Presence checks that every class, relationship, controlled term and
// decode term mapping the definition references exists in the store. All
// missing entities are collected; a non-empty result is also returned as a
// ValidationFailure.
func (v *Validator) Presence(ctx context.Context, def *definition.Graph) (Missing, error) {
	ctx, span := tracing.StartSpan(ctx, "validation.Validator.Presence")
	defer span.End()

	log := v.logger.WithContext(ctx)
	log.Info("Checking schema is present in the store")

	missing := Missing{
		Classes:           []string{},
		Relationships:     []graph.SchemaRelationship{},
		Terms:             []graph.TermRef{},
		TermRelationships: []ClassPair{},
	}
	if def == nil {
		return missing, errors.New(errors.KindValidationFailure, "definition is empty")
	}
	ref := collect(def)

	if len(ref.classes) > 0 {
		classes, err := v.store.MissingClasses(ctx, ref.classes)
		if err != nil {
			return missing, errors.Wrap(errors.KindInternal, err)
		}
		missing.Classes = append(missing.Classes, classes...)
	}
	if len(ref.relationships) > 0 {
		rels, err := v.store.MissingRelationships(ctx, ref.relationships)
		if err != nil {
			return missing, errors.Wrap(errors.KindInternal, err)
		}
		missing.Relationships = append(missing.Relationships, rels...)
	}
	if len(ref.terms) > 0 {
		terms, err := v.store.MissingTerms(ctx, ref.terms)
		if err != nil {
			return missing, errors.Wrap(errors.KindInternal, err)
		}
		missing.Terms = append(missing.Terms, terms...)
	}
	for _, pair := range ref.decodes {
		pairs, err := v.store.SameAsTermPairs(ctx, pair.From, pair.To)
		if err != nil {
			return missing, errors.Wrap(errors.KindInternal, err)
		}
		if len(pairs) == 0 {
			missing.TermRelationships = append(missing.TermRelationships, pair)
		}
	}

	issues := append(ref.issues, missing.Issues()...)
	if len(issues) == 0 {
		return missing, nil
	}
	log.WithFields(map[string]any{
		"missing_classes":            missing.Classes,
		"missing_relationships":      missing.Relationships,
		"missing_terms":              missing.Terms,
		"missing_term_relationships": missing.TermRelationships,
	}).Error("Some of the schema required by the definition could not be found in the store")
	return missing, errors.Validation("schema referenced by the definition is missing", issues)
}

// Validate runs the structural check and, when it passes, the presence
// check.
func (v *Validator) Validate(ctx context.Context, name string, def *definition.Graph) (Missing, error) {
	if err := v.Structural(ctx, name, def); err != nil {
		return Missing{}, err
	}
	return v.Presence(ctx, def)
}
