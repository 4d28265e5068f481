package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// dataQuery accumulates the clauses of a ReadTable query.
type dataQuery struct {
	vars     map[string]string
	matches  []string
	optional []string
	where    []string
	returns  []string
	columns  []string
	params   map[string]any
}

func newDataQuery() *dataQuery {
	return &dataQuery{vars: make(map[string]string), params: make(map[string]any)}
}

func (q *dataQuery) variable(label string) string {
	if v, ok := q.vars[label]; ok {
		return v
	}
	v := fmt.Sprintf("c%d", len(q.vars))
	q.vars[label] = v
	return v
}

// ReadTable reads the rows described by req. Each class contributes an
// _id_<short_label> column with the node id and a <short_label> column with
// its rdfs:label.
func (s *CypherStore) ReadTable(ctx context.Context, req DataRequest) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.ReadTable")
	defer span.End()

	if len(req.Classes) == 0 && len(req.Relationships) == 0 {
		return nil, errors.New(errors.KindValidationFailure, "no classes or relationships to read")
	}

	if req.InferRelationships && len(req.Relationships) == 0 && len(req.Classes) > 1 {
		inferred, err := s.inferRelationships(ctx, req.Classes)
		if err != nil {
			return nil, err
		}
		if len(inferred) == 0 && !req.AllowUnrelated {
			return nil, errors.Newf(errors.KindValidationFailure, "no schema relationships connect the requested classes")
		}
		req.Relationships = inferred
	}

	cypher, params, columns := buildDataQuery(req)
	records, err := s.read(ctx, cypher, params)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, len(records))
	for i, r := range records {
		rows[i] = r
	}
	return table.FromRecords(rows, columns...), nil
}

func buildDataQuery(req DataRequest) (string, map[string]any, []string) {
	q := newDataQuery()
	seen := make(map[string]bool)
	refs := make([]ClassRef, 0, len(req.Classes)+2*len(req.Relationships))
	addRef := func(c ClassRef) {
		if seen[c.Label] {
			return
		}
		seen[c.Label] = true
		refs = append(refs, c)
	}

	bound := make(map[string]bool)
	introducedBy := make(map[string]int)
	for _, rel := range req.Relationships {
		addRef(rel.From)
		addRef(rel.To)
		from, to := q.variable(rel.From.Label), q.variable(rel.To.Label)
		fromPattern, toPattern := from, to
		if !bound[rel.From.Label] {
			fromPattern += labels(rel.From.Label)
		}
		if !bound[rel.To.Label] {
			toPattern += labels(rel.To.Label)
		}
		clause := fmt.Sprintf("(%s)-[:%s]->(%s)", fromPattern, quote(rel.Type), toPattern)
		if rel.Optional || rel.To.Optional {
			q.optional = append(q.optional, clause)
			for _, label := range []string{rel.From.Label, rel.To.Label} {
				if !bound[label] {
					introducedBy[label] = len(q.optional)
				}
			}
		} else {
			q.matches = append(q.matches, clause)
		}
		bound[rel.From.Label] = true
		bound[rel.To.Label] = true
	}
	for _, c := range req.Classes {
		addRef(c)
		if bound[c.Label] {
			continue
		}
		clause := fmt.Sprintf("(%s%s)", q.variable(c.Label), labels(c.Label))
		if c.Optional {
			q.optional = append(q.optional, clause)
			introducedBy[c.Label] = len(q.optional)
		} else {
			q.matches = append(q.matches, clause)
		}
		bound[c.Label] = true
	}

	optionalWhere := make([][]string, len(q.optional))
	for i, c := range refs {
		v := q.variable(c.Label)
		value := prop(v, PropRDFSLabel)
		var conditions []string
		if f, ok := req.Where[c.Label]; ok {
			conditions = append(conditions, filterClauses(q, fmt.Sprintf("w%d", i), value, f)...)
		}
		if allowed, ok := req.OnlyRelatedTo[c.Label]; ok {
			name := fmt.Sprintf("w%d_only", i)
			q.params[name] = append(append([]string(nil), allowed...), LabelClass, LabelTerm)
			conditions = append(conditions, fmt.Sprintf(
				"NOT exists { MATCH (%s)--(peer) WHERE none(l IN labels(peer) WHERE l IN $%s) }", v, name))
		}
		if n, ok := introducedBy[c.Label]; ok {
			optionalWhere[n-1] = append(optionalWhere[n-1], conditions...)
		} else {
			q.where = append(q.where, conditions...)
		}
		idCol, valueCol := table.IDColumn(c.ShortLabel), c.ShortLabel
		q.returns = append(q.returns,
			fmt.Sprintf("id(%s) AS %s", v, quote(idCol)),
			fmt.Sprintf("%s AS %s", value, quote(valueCol)))
		q.columns = append(q.columns, idCol, valueCol)
	}

	var b strings.Builder
	if len(q.matches) > 0 {
		b.WriteString("MATCH ")
		b.WriteString(strings.Join(q.matches, ", "))
		b.WriteString("\n")
	}
	if len(q.where) > 0 {
		b.WriteString("WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
		b.WriteString("\n")
	}
	for i, clause := range q.optional {
		b.WriteString("OPTIONAL MATCH ")
		b.WriteString(clause)
		if len(optionalWhere[i]) > 0 {
			b.WriteString(" WHERE ")
			b.WriteString(strings.Join(optionalWhere[i], " AND "))
		}
		b.WriteString("\n")
	}
	b.WriteString("RETURN DISTINCT ")
	b.WriteString(strings.Join(q.returns, ", "))
	if req.Limit > 0 {
		b.WriteString("\nLIMIT $limit")
		q.params["limit"] = req.Limit
	}
	return b.String(), q.params, q.columns
}

func filterClauses(q *dataQuery, name, value string, f Filter) []string {
	var out []string
	if len(f.Equals) > 0 {
		q.params[name+"_in"] = f.Equals
		out = append(out, fmt.Sprintf("%s IN $%s_in", value, name))
	}
	if f.Min != nil {
		q.params[name+"_min"] = f.Min
		out = append(out, fmt.Sprintf("%s >= $%s_min", value, name))
	}
	if f.Max != nil {
		q.params[name+"_max"] = f.Max
		out = append(out, fmt.Sprintf("%s <= $%s_max", value, name))
	}
	if len(f.NotIn) > 0 {
		q.params[name+"_not_in"] = f.NotIn
		out = append(out, fmt.Sprintf("NOT %s IN $%s_not_in", value, name))
	}
	return out
}

func (s *CypherStore) inferRelationships(ctx context.Context, classes []ClassRef) ([]RelationshipRef, error) {
	byLabel := make(map[string]ClassRef, len(classes))
	names := make([]any, 0, len(classes))
	for _, c := range classes {
		byLabel[c.Label] = c
		names = append(names, c.Label)
	}

	cypher := fmt.Sprintf(`
		MATCH (f:%[1]s)<-[:%[2]s]-(r:%[3]s)-[:%[4]s]->(t:%[1]s)
		WHERE f.label IN $labels AND t.label IN $labels
		RETURN f.label AS from_label, t.label AS to_label, r.relationship_type AS rel_type
		ORDER BY from_label, to_label, rel_type
	`, quote(LabelClass), quote(RelFrom), quote(LabelRelationship), quote(RelTo))
	records, err := s.read(ctx, cypher, map[string]any{"labels": names})
	if err != nil {
		return nil, err
	}

	var out []RelationshipRef
	for _, r := range records {
		from, to := byLabel[r.String("from_label")], byLabel[r.String("to_label")]
		out = append(out, RelationshipRef{
			From:     from,
			To:       to,
			Type:     r.String("rel_type"),
			Optional: to.Optional,
		})
	}
	return out, nil
}
