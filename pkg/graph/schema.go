package graph

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const classReturn = `
	c.label AS label,
	c.short_label AS short_label,
	c.data_type AS data_type,
	toString(c.derived) = 'true' AS derived,
	c.classes_for_uri AS classes_for_uri,
	c.aval_repr IS NOT NULL AND toString(c.aval_repr) <> 'false' AS subject_level
`

func classFromRecord(r Record) Class {
	derived, _ := r["derived"].(bool)
	subjectLevel, _ := r["subject_level"].(bool)
	return Class{
		Label:         r.String("label"),
		ShortLabel:    r.String("short_label"),
		DataType:      r.String("data_type"),
		Derived:       derived,
		ClassesForURI: r.String("classes_for_uri"),
		SubjectLevel:  subjectLevel,
	}
}

// Class returns the schema class with label.
func (s *CypherStore) Class(ctx context.Context, label string) (Class, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.Class")
	defer span.End()

	cypher := fmt.Sprintf("MATCH (c:%s {label: $label}) RETURN %s LIMIT 1", quote(LabelClass), classReturn)
	params := map[string]any{"label": label}
	records, err := s.read(ctx, cypher, params)
	if err != nil {
		return Class{}, err
	}
	if len(records) == 0 {
		return Class{}, errors.Newf(errors.KindNotFound, "class %q not found", label).AddQuery(cypher, params)
	}
	return classFromRecord(records[0]), nil
}

// ClassesByShortLabel returns the schema classes whose short label is listed.
func (s *CypherStore) ClassesByShortLabel(ctx context.Context, shortLabels []string) ([]Class, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.ClassesByShortLabel")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (c:%s)
		WHERE c.short_label IN $short_labels
		RETURN %s
		ORDER BY label
	`, quote(LabelClass), classReturn)
	records, err := s.read(ctx, cypher, map[string]any{"short_labels": shortLabels})
	if err != nil {
		return nil, err
	}
	out := make([]Class, 0, len(records))
	for _, r := range records {
		out = append(out, classFromRecord(r))
	}
	return out, nil
}

// ParentClasses returns the SUBCLASS_OF ancestors of label, nearest first.
func (s *CypherStore) ParentClasses(ctx context.Context, label string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.ParentClasses")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH path = (c:%[1]s {label: $class})-[:%[2]s*1..50]->(top:%[1]s)
		WHERE NOT exists((top)-[:%[2]s]->(:%[1]s))
		RETURN [n IN tail(nodes(path)) | n.label] AS parents
	`, quote(LabelClass), quote(RelSubclassOf))
	records, err := s.read(ctx, cypher, map[string]any{"class": label})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		for _, p := range r.Strings("parents") {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// ControlledTerms returns the terms of the codelist of class.
func (s *CypherStore) ControlledTerms(ctx context.Context, class string) ([]Term, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.ControlledTerms")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (c:%s {label: $class})-[:%s]->(t:%s)
		RETURN id(t) AS id, %s AS label, %s AS term_code, %s AS codelist
		ORDER BY id
	`, quote(LabelClass), quote(RelHasControlledTerm), quote(LabelTerm),
		prop("t", PropRDFSLabel), prop("t", PropTermCode), prop("t", PropCodelist))
	records, err := s.read(ctx, cypher, map[string]any{"class": class})
	if err != nil {
		return nil, err
	}
	out := make([]Term, 0, len(records))
	for _, r := range records {
		id, _ := r.Int64("id")
		out = append(out, Term{
			ID:        id,
			Label:     r.String("label"),
			TermCode:  r.String("term_code"),
			Codelist:  r.String("codelist"),
			ClassName: class,
		})
	}
	return out, nil
}

// TermExists reports whether class has a controlled term with the rdfs:label.
func (s *CypherStore) TermExists(ctx context.Context, class, rdfsLabel string) (bool, error) {
	terms, err := s.ControlledTerms(ctx, class)
	if err != nil {
		return false, err
	}
	for _, t := range terms {
		if t.Label == rdfsLabel {
			return true, nil
		}
	}
	return false, nil
}

// SchemaRelationships returns the schema relationships that start or end at
// class.
func (s *CypherStore) SchemaRelationships(ctx context.Context, class string) ([]SchemaRelationship, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.SchemaRelationships")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (f:%[1]s)<-[:%[2]s]-(r:%[3]s)-[:%[4]s]->(t:%[1]s)
		WHERE f.label = $class OR t.label = $class
		RETURN f.label AS from_label, t.label AS to_label, r.relationship_type AS rel_type, r.short_label AS short_label
		ORDER BY from_label, to_label, rel_type
	`, quote(LabelClass), quote(RelFrom), quote(LabelRelationship), quote(RelTo))
	records, err := s.read(ctx, cypher, map[string]any{"class": class})
	if err != nil {
		return nil, err
	}
	out := make([]SchemaRelationship, 0, len(records))
	for _, r := range records {
		out = append(out, SchemaRelationship{
			From:       r.String("from_label"),
			To:         r.String("to_label"),
			Type:       r.String("rel_type"),
			ShortLabel: r.String("short_label"),
		})
	}
	return out, nil
}

// SameAsTermPairs returns the rdfs:label pairs of terms of from linked by
// SAME_AS to terms of to.
func (s *CypherStore) SameAsTermPairs(ctx context.Context, from, to string) ([]TermPair, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.SameAsTermPairs")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (fc:%[1]s {label: $from})-[:%[2]s]->(ft:%[3]s)-[:%[4]s]->(tt:%[3]s)<-[:%[2]s]-(tc:%[1]s {label: $to})
		RETURN DISTINCT %[5]s AS from_value, %[6]s AS to_value
		ORDER BY from_value
	`, quote(LabelClass), quote(RelHasControlledTerm), quote(LabelTerm), quote(RelSameAs),
		prop("ft", PropRDFSLabel), prop("tt", PropRDFSLabel))
	records, err := s.read(ctx, cypher, map[string]any{"from": from, "to": to})
	if err != nil {
		return nil, err
	}
	out := make([]TermPair, 0, len(records))
	for _, r := range records {
		out = append(out, TermPair{From: r["from_value"], To: r["to_value"]})
	}
	return out, nil
}

// MergeClass merges a schema class by label and sets its remaining fields
// together with extra properties.
func (s *CypherStore) MergeClass(ctx context.Context, c Class, extra map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.MergeClass")
	defer span.End()

	props := map[string]any{PropShortLabel: c.ShortLabel}
	if c.DataType != "" {
		props["data_type"] = c.DataType
	}
	if c.Derived {
		props["derived"] = "true"
	}
	for k, v := range extra {
		props[k] = v
	}
	cypher := fmt.Sprintf("MERGE (c:%s {label: $label}) SET c += $props", quote(LabelClass))
	_, err := s.write(ctx, cypher, map[string]any{"label": c.Label, "props": props})
	return err
}

// MergeSchemaRelationships merges a Relationship node of relType from every
// class in fromLabels to the class to.
func (s *CypherStore) MergeSchemaRelationships(ctx context.Context, fromLabels []string, to, relType string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.MergeSchemaRelationships")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (f:%[1]s), (t:%[1]s {label: $to})
		WHERE f.label IN $from
		MERGE (f)<-[:%[2]s]-(:%[3]s {relationship_type: $rel_type})-[:%[4]s]->(t)
	`, quote(LabelClass), quote(RelFrom), quote(LabelRelationship), quote(RelTo))
	_, err := s.write(ctx, cypher, map[string]any{"from": fromLabels, "to": to, "rel_type": relType})
	return err
}

// BuildDistinctTerms merges a controlled term for every distinct rdfs:label of
// class when at least one value is carried by more than one instance, and
// links the instances to it. It reports whether terms were built.
func (s *CypherStore) BuildDistinctTerms(ctx context.Context, class, provenance string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.BuildDistinctTerms")
	defer span.End()

	value := prop("n", PropRDFSLabel)
	check := fmt.Sprintf(`
		MATCH (n%s)
		WHERE toString(%s) <> 'NaN'
		WITH %s AS value, count(n) AS instances
		WHERE instances > 1
		RETURN count(value) AS duplicated
	`, labels(class), value, value)
	records, err := s.read(ctx, check, nil)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	if n, _ := records[0].Int64("duplicated"); n == 0 {
		return false, nil
	}

	build := fmt.Sprintf(`
		MATCH (n%[1]s)
		WHERE toString(%[2]s) <> 'NaN'
		WITH %[2]s AS value, collect(n) AS instances
		MATCH (class:%[3]s {label: $class})
		MERGE (class)-[:%[4]s]->(term:%[5]s {%[6]s: value})
		ON CREATE SET term.provenance = $provenance,
			term.%[7]s = class.short_label,
			term.%[8]s = toString(value),
			term%[1]s
		WITH term, instances
		UNWIND instances AS n
		MERGE (n)-[:%[5]s]->(term)
		RETURN count(DISTINCT term) AS terms
	`, labels(class), value, quote(LabelClass), quote(RelHasControlledTerm), quote(LabelTerm),
		quote(PropRDFSLabel), quote(PropCodelist), quote(PropTermCode))
	if _, err := s.write(ctx, build, map[string]any{"class": class, "provenance": provenance}); err != nil {
		return false, err
	}
	return true, nil
}

// MissingClasses returns the labels that have no schema class.
func (s *CypherStore) MissingClasses(ctx context.Context, labels []string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.MissingClasses")
	defer span.End()

	cypher := fmt.Sprintf(`
		UNWIND $labels AS label
		OPTIONAL MATCH (c:%s {label: label})
		WITH label, c
		WHERE c IS NULL
		RETURN DISTINCT label
	`, quote(LabelClass))
	records, err := s.read(ctx, cypher, map[string]any{"labels": labels})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.String("label"))
	}
	return out, nil
}

// MissingRelationships returns the listed schema relationships that do not exist.
func (s *CypherStore) MissingRelationships(ctx context.Context, rels []SchemaRelationship) ([]SchemaRelationship, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.MissingRelationships")
	defer span.End()

	var out []SchemaRelationship
	cypher := fmt.Sprintf(`
		MATCH (f:%[1]s {label: $from})<-[:%[2]s]-(r:%[3]s)-[:%[4]s]->(t:%[1]s {label: $to})
		WHERE r.relationship_type = $rel_type
		RETURN count(r) AS found
	`, quote(LabelClass), quote(RelFrom), quote(LabelRelationship), quote(RelTo))
	for _, rel := range rels {
		records, err := s.read(ctx, cypher, map[string]any{"from": rel.From, "to": rel.To, "rel_type": rel.Type})
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			out = append(out, rel)
			continue
		}
		if n, _ := records[0].Int64("found"); n == 0 {
			out = append(out, rel)
		}
	}
	return out, nil
}

// MissingTerms returns the listed terms that are not controlled terms of their class.
func (s *CypherStore) MissingTerms(ctx context.Context, terms []TermRef) ([]TermRef, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.MissingTerms")
	defer span.End()

	var out []TermRef
	cypher := fmt.Sprintf(`
		MATCH (c:%s {label: $class})-[:%s]->(t:%s)
		WHERE %s = $term_code AND ($codelist = '' OR %s = $codelist)
		RETURN count(t) AS found
	`, quote(LabelClass), quote(RelHasControlledTerm), quote(LabelTerm), prop("t", PropTermCode), prop("t", PropCodelist))
	for _, term := range terms {
		records, err := s.read(ctx, cypher, map[string]any{"class": term.Class, "term_code": term.TermCode, "codelist": term.Codelist})
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			out = append(out, term)
			continue
		}
		if n, _ := records[0].Int64("found"); n == 0 {
			out = append(out, term)
		}
	}
	return out, nil
}
