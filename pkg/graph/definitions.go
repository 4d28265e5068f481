package graph

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// PropParentID scopes Method nodes to the study or parent pipeline they belong to.
const PropParentID = "parent_id"

const coreMatch = `
	MATCH (core:Method {id: $name, parent_id: $scope})
	WHERE core.type IS NULL AND NOT exists((:Method)-[:METHOD_ACTION]->(core))
`

// SaveDefinition writes the Method nodes of g under scope and links them to the
// schema nodes they reference. Schema nodes are matched, never created: Class
// by label, Term by codes, Relationship by its endpoints and type.
func (s *CypherStore) SaveDefinition(ctx context.Context, scope string, g *definition.Graph) error {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.SaveDefinition")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{"scope": scope})

	resolved := make(map[string]int64, len(g.Nodes))
	for _, n := range g.Nodes {
		if !n.HasLabel(definition.LabelMethod) {
			continue
		}
		props := make(map[string]any, len(n.Properties)+1)
		for k, v := range n.Properties {
			props[k] = v
		}
		props[PropParentID] = scope
		records, err := s.write(ctx, "CREATE (m:Method) SET m = $props RETURN id(m) AS id", map[string]any{"props": props})
		if err != nil {
			return err
		}
		if len(records) > 0 {
			resolved[n.ID], _ = records[0].Int64("id")
		}
	}

	for _, n := range g.Nodes {
		if n.HasLabel(definition.LabelMethod) {
			continue
		}
		id, ok, err := s.resolveSchemaNode(ctx, g, n)
		if err != nil {
			return err
		}
		if !ok {
			log.WithFields(map[string]any{"node_id": n.ID, "labels": n.Labels}).Warn("Definition references a schema node that does not exist")
			continue
		}
		resolved[n.ID] = id
	}

	byType := make(map[string][]any)
	for _, e := range g.Edges {
		from, okFrom := g.Node(e.FromID)
		if !okFrom || !from.HasLabel(definition.LabelMethod) {
			continue
		}
		fromID, ok1 := resolved[e.FromID]
		toID, ok2 := resolved[e.ToID]
		if !ok1 || !ok2 {
			continue
		}
		props := e.Properties
		if props == nil {
			props = map[string]any{}
		}
		byType[e.Type] = append(byType[e.Type], map[string]any{"from": fromID, "to": toID, "props": props})
	}

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		cypher := fmt.Sprintf(`
			UNWIND $edges AS edge
			MATCH (a), (b)
			WHERE id(a) = edge.from AND id(b) = edge.to
			MERGE (a)-[r:%s]->(b)
			SET r += edge.props
		`, quote(t))
		if _, err := s.write(ctx, cypher, map[string]any{"edges": byType[t]}); err != nil {
			return err
		}
	}
	return nil
}

func (s *CypherStore) resolveSchemaNode(ctx context.Context, g *definition.Graph, n definition.Node) (int64, bool, error) {
	var (
		cypher string
		params map[string]any
	)
	switch {
	case n.HasLabel(definition.LabelClass):
		cypher = fmt.Sprintf("MATCH (x:%s {label: $label}) RETURN id(x) AS id LIMIT 1", quote(LabelClass))
		params = map[string]any{"label": n.Prop(definition.PropLabel)}
	case n.HasLabel(definition.LabelTerm):
		cypher = fmt.Sprintf(`
			MATCH (x:%s)
			WHERE %s = $term_code AND ($codelist = '' OR %s = $codelist)
			RETURN id(x) AS id LIMIT 1
		`, quote(LabelTerm), prop("x", PropTermCode), prop("x", PropCodelist))
		params = map[string]any{"term_code": n.Prop(definition.PropTermCode), "codelist": n.Prop(definition.PropCodelistCode)}
	case n.HasLabel(definition.LabelRelationship):
		var from, to string
		if edges := g.Outgoing(n.ID, definition.EdgeFrom); len(edges) > 0 {
			if c, ok := g.Node(edges[0].ToID); ok {
				from = c.Prop(definition.PropLabel)
			}
		}
		if edges := g.Outgoing(n.ID, definition.EdgeTo); len(edges) > 0 {
			if c, ok := g.Node(edges[0].ToID); ok {
				to = c.Prop(definition.PropLabel)
			}
		}
		cypher = fmt.Sprintf(`
			MATCH (f:%[1]s {label: $from})<-[:%[2]s]-(x:%[3]s)-[:%[4]s]->(t:%[1]s {label: $to})
			WHERE x.relationship_type = $rel_type
			RETURN id(x) AS id LIMIT 1
		`, quote(LabelClass), quote(RelFrom), quote(LabelRelationship), quote(RelTo))
		params = map[string]any{"from": from, "to": to, "rel_type": n.Prop(definition.PropRelationshipType)}
	default:
		return 0, false, nil
	}

	records, err := s.read(ctx, cypher, params)
	if err != nil || len(records) == 0 {
		return 0, false, err
	}
	id, ok := records[0].Int64("id")
	return id, ok, nil
}

// LoadDefinition reads the definition of the pipeline name under scope: its core
// Method, every Method below it and the schema nodes they point at.
func (s *CypherStore) LoadDefinition(ctx context.Context, name, scope string) (*definition.Graph, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.LoadDefinition")
	defer span.End()

	params := map[string]any{"name": name, "scope": scope}
	cypher := coreMatch + `
		OPTIONAL MATCH (core)-[:METHOD_ACTION*1..10]->(member:Method)
		WITH core, collect(DISTINCT member) AS members
		UNWIND [core] + members AS m
		OPTIONAL MATCH (m)-[r]->(target)
		WHERE NOT type(r) IN ['METHOD_INPUT', 'METHOD_OUTPUT', 'METHOD_PREREQ']
		RETURN m, collect({rel: r, target: target}) AS outgoing
	`
	records, err := s.read(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.Newf(errors.KindNotFound, "pipeline %q not found in %q", name, scope).AddQuery(cypher, params)
	}

	g := &definition.Graph{}
	seen := make(map[int64]bool)
	addNode := func(v NodeValue) {
		if seen[v.ID] {
			return
		}
		seen[v.ID] = true
		props := make(map[string]any, len(v.Properties))
		for k, p := range v.Properties {
			if k == PropParentID {
				continue
			}
			props[k] = p
		}
		g.Nodes = append(g.Nodes, definition.Node{ID: nodeKey(v.ID), Labels: v.Labels, Properties: props})
	}
	addEdge := func(r RelationshipValue) {
		g.Edges = append(g.Edges, definition.Edge{
			ID:         "r" + strconv.FormatInt(r.ID, 10),
			Type:       r.Type,
			FromID:     nodeKey(r.StartID),
			ToID:       nodeKey(r.EndID),
			Properties: r.Properties,
		})
	}

	var relationships, terms []any
	for _, rec := range records {
		m, ok := rec["m"].(NodeValue)
		if !ok {
			continue
		}
		addNode(m)
	}
	for _, rec := range records {
		outgoing, _ := rec["outgoing"].([]any)
		for _, item := range outgoing {
			pair, _ := item.(map[string]any)
			rel, ok := pair["rel"].(RelationshipValue)
			if !ok {
				continue
			}
			target, ok := pair["target"].(NodeValue)
			if !ok {
				continue
			}
			addNode(target)
			addEdge(rel)
			for _, l := range target.Labels {
				switch l {
				case LabelRelationship:
					relationships = append(relationships, target.ID)
				case LabelTerm:
					terms = append(terms, target.ID)
				}
			}
		}
	}

	if len(relationships) > 0 {
		cypher := fmt.Sprintf(`
			MATCH (r:%s)-[e:%s|%s]->(c:%s)
			WHERE id(r) IN $ids
			RETURN e, c
		`, quote(LabelRelationship), quote(RelFrom), quote(RelTo), quote(LabelClass))
		if err := s.loadNeighbours(ctx, cypher, relationships, addNode, addEdge); err != nil {
			return nil, err
		}
	}
	if len(terms) > 0 {
		cypher := fmt.Sprintf(`
			MATCH (c:%s)-[e:%s]->(t:%s)
			WHERE id(t) IN $ids
			RETURN e, c
		`, quote(LabelClass), quote(RelHasControlledTerm), quote(LabelTerm))
		if err := s.loadNeighbours(ctx, cypher, terms, addNode, addEdge); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (s *CypherStore) loadNeighbours(ctx context.Context, cypher string, ids []any, addNode func(NodeValue), addEdge func(RelationshipValue)) error {
	records, err := s.read(ctx, cypher, map[string]any{"ids": ids})
	if err != nil {
		return err
	}
	for _, rec := range records {
		if c, ok := rec["c"].(NodeValue); ok {
			addNode(c)
		}
		if e, ok := rec["e"].(RelationshipValue); ok {
			addEdge(e)
		}
	}
	return nil
}

func nodeKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// DeleteDefinition removes the Method nodes of the pipeline and returns how many
// were deleted.
func (s *CypherStore) DeleteDefinition(ctx context.Context, name, scope string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.DeleteDefinition")
	defer span.End()

	cypher := coreMatch + `
		OPTIONAL MATCH (core)-[:METHOD_ACTION*1..10]->(member:Method)
		WITH core, collect(DISTINCT member) AS members
		WITH [core] + members AS methods
		FOREACH (m IN methods | DETACH DELETE m)
		RETURN size(methods) AS deleted
	`
	records, err := s.write(ctx, cypher, map[string]any{"name": name, "scope": scope})
	if err != nil || len(records) == 0 {
		return 0, err
	}
	n, _ := records[0].Int64("deleted")
	return int(n), nil
}

// DefinitionNames returns the ids of every core Method under scope.
func (s *CypherStore) DefinitionNames(ctx context.Context, scope string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.DefinitionNames")
	defer span.End()

	cypher := `
		MATCH (m:Method {parent_id: $scope})
		WHERE m.type IS NULL AND NOT exists((:Method)-[:METHOD_ACTION]->(m))
		RETURN m.id AS name
		ORDER BY name
	`
	records, err := s.read(ctx, cypher, map[string]any{"scope": scope})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.String("name"))
	}
	return out, nil
}

// Prerequisites returns (prerequisite, pipeline) pairs from the METHOD_PREREQ
// edges between core Methods under scope.
func (s *CypherStore) Prerequisites(ctx context.Context, scope string) ([]definition.Pair, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.Prerequisites")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (m:Method {parent_id: $scope})-[:%s]->(prereq:Method {parent_id: $scope})
		WHERE m <> prereq
		RETURN prereq.id AS prereq, m.id AS name
	`, quote(definition.EdgePrereq))
	records, err := s.read(ctx, cypher, map[string]any{"scope": scope})
	if err != nil {
		return nil, err
	}
	out := make([]definition.Pair, 0, len(records))
	for _, r := range records {
		out = append(out, definition.Pair{From: r.String("prereq"), To: r.String("name")})
	}
	return out, nil
}

// DeclareIO merges METHOD_INPUT edges from the pipeline core to the classes and
// relationships its GetData actions read, METHOD_OUTPUT edges to what its
// AssignLabel and Link actions write, and METHOD_PREREQ edges to the pipelines
// producing its inputs.
func (s *CypherStore) DeclareIO(ctx context.Context, name, scope string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.DeclareIO")
	defer span.End()

	params := map[string]any{"name": name, "scope": scope}
	inputs := coreMatch + `
		MATCH (core)-[:METHOD_ACTION*1..10]->(action:Method {type: 'get_data'})
		MATCH (action)-[:SOURCE_CLASS|SOURCE_RELATIONSHIP]->(input)
		MERGE (core)-[:METHOD_INPUT]->(input)
	`
	outputs := coreMatch + `
		MATCH (core)-[:METHOD_ACTION*1..10]->(action:Method)
		WHERE action.type IN ['assign_class', 'link']
		MATCH (action)-[e]->(output)
		WHERE type(e) IN ['CLASS', 'LINK', 'TO_VALUE', 'FROM_VALUE']
		MERGE (core)-[:METHOD_OUTPUT]->(output)
	`
	prereqs := coreMatch + `
		MATCH (core)-[:METHOD_INPUT]->(input)
		MATCH (prereq:Method {parent_id: $scope})-[:METHOD_OUTPUT]->()<-[:FROM|TO*0..1]-(input)
		WHERE prereq.type IS NULL AND prereq <> core AND NOT exists((:Method)-[:METHOD_ACTION]->(prereq))
		MERGE (core)-[:METHOD_PREREQ]->(prereq)
	`
	for _, cypher := range []string{inputs, outputs, prereqs} {
		if _, err := s.write(ctx, cypher, params); err != nil {
			return err
		}
	}
	return nil
}
