package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// CypherStore is the backing graph store used by actions, pipelines, the
// validator and the predictor.
type CypherStore struct {
	client *Client
	logger ectologger.Logger
}

// NewCypherStore creates a new store over client
func NewCypherStore(client *Client, logger ectologger.Logger) *CypherStore {
	return &CypherStore{
		client: client,
		logger: logger,
	}
}

func (s *CypherStore) read(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	records, err := s.client.Read(ctx, cypher, params)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err).AddQuery(cypher, params)
	}
	return records, nil
}

func (s *CypherStore) write(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	records, err := s.client.Write(ctx, cypher, params)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err).AddQuery(cypher, params)
	}
	return records, nil
}

// Query runs a caller supplied statement in a write transaction.
func (s *CypherStore) Query(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.Query")
	defer span.End()

	return s.write(ctx, cypher, params)
}

// MergeNodes writes one node of label per row and returns the node ids in row
// order. With merge the node is matched on key and rows sharing a key value
// share a node; otherwise every row creates a node.
func (s *CypherStore) MergeNodes(ctx context.Context, label, key string, rows []map[string]any, merge bool) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.MergeNodes")
	defer span.End()

	if len(rows) == 0 {
		return nil, nil
	}

	write := fmt.Sprintf("CREATE (n%s) SET n = row", labels(label))
	if merge {
		write = fmt.Sprintf("MERGE (n%s {%s: row[$key]}) SET n += row", labels(label), quote(key))
	}
	cypher := fmt.Sprintf(`
		UNWIND range(0, size($rows) - 1) AS i
		WITH i, $rows[i] AS row
		%s
		RETURN i AS index, id(n) AS node_id
		ORDER BY index
	`, write)
	params := map[string]any{"rows": toAnyMaps(rows), "key": key}

	records, err := s.write(ctx, cypher, params)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(rows))
	for _, r := range records {
		i, _ := r.Int64("index")
		id, _ := r.Int64("node_id")
		ids[i] = id
	}
	return ids, nil
}

// ClearSentinel nulls prop on the given nodes where it still holds the missing
// value sentinel and returns those node ids.
func (s *CypherStore) ClearSentinel(ctx context.Context, ids []int64, key string) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.ClearSentinel")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (n)
		WHERE id(n) IN $ids AND %[1]s = $sentinel
		SET %[1]s = NULL
		RETURN collect(DISTINCT id(n)) AS ids
	`, prop("n", key))
	records, err := s.write(ctx, cypher, map[string]any{"ids": idList(uniqueIDs(ids)), "sentinel": NaNSentinel})
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0].Int64s("ids"), nil
}

// SetParentLabels adds the labels of every SUBCLASS_OF ancestor of class to the
// instances of class.
func (s *CypherStore) SetParentLabels(ctx context.Context, class string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.SetParentLabels")
	defer span.End()

	parents, err := s.ParentClasses(ctx, class)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		cypher := fmt.Sprintf("MATCH (x%s) SET x%s", labels(class), labels(parent))
		if _, err := s.write(ctx, cypher, nil); err != nil {
			return err
		}
	}
	return nil
}

// LinkInstances links every instance of each class to its Class node with IS_A
// and to the controlled term carrying the same rdfs:label with Term.
func (s *CypherStore) LinkInstances(ctx context.Context, classes ...string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.LinkInstances")
	defer span.End()

	for _, class := range classes {
		cypher := fmt.Sprintf(`
			MATCH (c:%[1]s {label: $class}), (instance%[2]s)
			MERGE (instance)-[:%[3]s]->(c)
			WITH c, instance
			MATCH (c)-[:%[4]s]->(term:%[5]s)
			WHERE %[6]s = %[7]s
			MERGE (instance)-[:%[5]s]->(term)
		`, quote(LabelClass), labels(class), quote(RelIsA), quote(RelHasControlledTerm), quote(LabelTerm),
			prop("term", PropRDFSLabel), prop("instance", PropRDFSLabel))
		if _, err := s.write(ctx, cypher, map[string]any{"class": class}); err != nil {
			return err
		}
	}
	return nil
}

// MergeRelationships merges one relationship of relType per pair and returns the
// distinct relationships with their endpoints.
func (s *CypherStore) MergeRelationships(ctx context.Context, relType string, pairs []Pair) ([]Link, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.MergeRelationships")
	defer span.End()

	rows := make([]any, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, []any{p.From, p.To})
	}
	cypher := fmt.Sprintf(`
		UNWIND $pairs AS pair
		MATCH (from), (to)
		WHERE id(from) = pair[0] AND id(to) = pair[1]
		MERGE (from)-[r:%s]->(to)
		RETURN DISTINCT id(r) AS rel_id, id(from) AS from_id, id(to) AS to_id
	`, quote(relType))
	records, err := s.write(ctx, cypher, map[string]any{"pairs": rows})
	if err != nil {
		return nil, err
	}

	links := make([]Link, 0, len(records))
	for _, r := range records {
		var l Link
		l.ID, _ = r.Int64("rel_id")
		l.From, _ = r.Int64("from_id")
		l.To, _ = r.Int64("to_id")
		links = append(links, l)
	}
	return links, nil
}

// DeleteRelationships deletes relationships by id and returns the endpoints they
// detached.
func (s *CypherStore) DeleteRelationships(ctx context.Context, ids []int64) ([]Pair, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.DeleteRelationships")
	defer span.End()

	cypher := `
		MATCH (from)-[r]->(to)
		WHERE id(r) IN $ids
		DELETE r
		RETURN id(from) AS from_id, id(to) AS to_id
	`
	records, err := s.write(ctx, cypher, map[string]any{"ids": idList(ids)})
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, len(records))
	for _, r := range records {
		var p Pair
		p.From, _ = r.Int64("from_id")
		p.To, _ = r.Int64("to_id")
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// DeleteEmptyNodes deletes the given nodes that carry no properties and have no
// relationship left other than IS_A and Term.
func (s *CypherStore) DeleteEmptyNodes(ctx context.Context, ids []int64) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.DeleteEmptyNodes")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (n)
		WHERE id(n) IN $ids AND size(keys(n)) = 0
		  AND NOT exists { MATCH (n)-[r]-() WHERE NOT type(r) IN ['%s', '%s'] }
		WITH collect(n) AS nodes, collect(id(n)) AS ids
		FOREACH (n IN nodes | DETACH DELETE n)
		RETURN ids
	`, RelIsA, RelTerm)
	records, err := s.write(ctx, cypher, map[string]any{"ids": idList(ids)})
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0].Int64s("ids"), nil
}

// AddLabel sets label on the instances of onLabel with the given ids and returns
// how many were tagged.
func (s *CypherStore) AddLabel(ctx context.Context, onLabel, label string, ids []int64) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.AddLabel")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (on%s)
		WHERE id(on) IN $ids
		SET on%s
		RETURN count(on) AS tagged
	`, labels(onLabel), labels(label))
	records, err := s.write(ctx, cypher, map[string]any{"ids": idList(uniqueIDs(ids))})
	if err != nil || len(records) == 0 {
		return 0, err
	}
	n, _ := records[0].Int64("tagged")
	return int(n), nil
}

// RemoveLabel removes label from the listed instances still carrying both
// onLabel and label, deletes their IS_A links to the class and its ancestors,
// and returns the ids it changed.
func (s *CypherStore) RemoveLabel(ctx context.Context, onLabel, label string, ids []int64) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.RemoveLabel")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (instance%[1]s%[2]s)
		WHERE id(instance) IN $ids
		REMOVE instance%[2]s
		WITH instance
		OPTIONAL MATCH (instance)-[is_a:%[3]s]->(c:%[4]s)
		WHERE c.label = $label OR exists((:%[4]s {label: $label})-[:%[5]s*1..10]->(c))
		DELETE is_a
		RETURN DISTINCT id(instance) AS id
	`, labels(onLabel), labels(label), quote(RelIsA), quote(LabelClass), quote(RelSubclassOf))
	records, err := s.write(ctx, cypher, map[string]any{"ids": idList(ids), "label": label})
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(records))
	for _, r := range records {
		if id, ok := r.Int64("id"); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// SetProperty sets key on each node id to its value.
func (s *CypherStore) SetProperty(ctx context.Context, key string, values map[int64]any) error {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.SetProperty")
	defer span.End()

	rows := make([]any, 0, len(values))
	for id, v := range values {
		rows = append(rows, map[string]any{"id": id, "value": v})
	}
	cypher := fmt.Sprintf(`
		UNWIND $rows AS row
		MATCH (n)
		WHERE id(n) = row.id
		SET %s = row.value
	`, prop("n", key))
	_, err := s.write(ctx, cypher, map[string]any{"rows": rows})
	return err
}

// MergeStatistics merges one statistic node per row and statistic, keyed by the
// row's _uri_ column, and links it from the result class and from every
// dimension instance of the row. Rows missing a dimension id are skipped.
func (s *CypherStore) MergeStatistics(ctx context.Context, req StatRequest) ([]StatRow, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.MergeStatistics")
	defer span.End()

	dims := make([]any, len(req.Dimensions))
	for i, d := range req.Dimensions {
		dims[i] = d.ShortLabel
	}

	byIndex := make(map[int]map[string]int64)
	for _, stat := range req.Statistics {
		link := `
			WITH i, node
			RETURN i AS index, id(node) AS node_id
		`
		if len(dims) > 0 {
			link = fmt.Sprintf(`
			WITH i, row, node
			UNWIND $dims AS d
			MATCH (dim)
			WHERE id(dim) = row['_id_' + d]
			MERGE (dim)-[:%s]->(node)
			WITH i, node, count(DISTINCT dim) AS linked
			WHERE linked = size($dims)
			RETURN i AS index, id(node) AS node_id
		`, quote(stat.Label))
		}
		cypher := fmt.Sprintf(`
			MATCH (res_c:%[1]s {label: $result})
			UNWIND range(0, size($rows) - 1) AS i
			WITH res_c, i, $rows[i] AS row
			WHERE row[$uri_col] IS NOT NULL AND all(d IN $dims WHERE row['_id_' + d] IS NOT NULL)
			MERGE (node%[2]s {uri: row[$uri_col]})
			ON CREATE SET %[3]s = row[$value_col]
			MERGE (res_c)-[:%[4]s]->(node)
			%[5]s
		`, quote(LabelClass), labels(LabelResource, stat.Label), prop("node", PropRDFSLabel), quote(stat.Label), link)
		params := map[string]any{
			"result":    req.Result.Label,
			"rows":      toAnyMaps(req.Rows),
			"dims":      dims,
			"uri_col":   "_uri_" + stat.ShortLabel,
			"value_col": stat.ShortLabel,
		}
		records, err := s.write(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			i, _ := r.Int64("index")
			id, _ := r.Int64("node_id")
			if byIndex[int(i)] == nil {
				byIndex[int(i)] = make(map[string]int64)
			}
			byIndex[int(i)][stat.ShortLabel] = id
		}
	}

	out := make([]StatRow, 0, len(byIndex))
	for i, ids := range byIndex {
		if len(ids) != len(req.Statistics) {
			continue
		}
		out = append(out, StatRow{Index: i, NodeIDs: ids})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}

// DeleteByProperty detach-deletes every node whose key holds one of values and
// returns the deleted ids.
func (s *CypherStore) DeleteByProperty(ctx context.Context, key string, values []any) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.DeleteByProperty")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (n)
		WHERE %s IN $values
		WITH collect(n) AS nodes, collect(id(n)) AS ids
		FOREACH (n IN nodes | DETACH DELETE n)
		RETURN ids
	`, prop("n", key))
	records, err := s.write(ctx, cypher, map[string]any{"values": values})
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0].Int64s("ids"), nil
}

// DeleteOrphans deletes the listed nodes that are not controlled terms and have
// no relationship left other than IS_A. It returns the deleted ids and the ids
// that still exist afterwards.
func (s *CypherStore) DeleteOrphans(ctx context.Context, ids []int64) (deleted, remaining []int64, err error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CypherStore.DeleteOrphans")
	defer span.End()

	params := map[string]any{"ids": idList(uniqueIDs(ids))}
	cypher := fmt.Sprintf(`
		MATCH (n)
		WHERE id(n) IN $ids AND NOT n:%s
		OPTIONAL MATCH (n)-[r]-()
		WHERE type(r) <> '%s'
		WITH n, count(r) AS rels
		WHERE rels = 0
		WITH collect(n) AS nodes, collect(id(n)) AS ids
		FOREACH (n IN nodes | DETACH DELETE n)
		RETURN ids
	`, quote(LabelTerm), RelIsA)
	records, err := s.write(ctx, cypher, params)
	if err != nil {
		return nil, nil, err
	}
	if len(records) > 0 {
		deleted = records[0].Int64s("ids")
	}

	records, err = s.read(ctx, "MATCH (n) WHERE id(n) IN $ids RETURN collect(id(n)) AS ids", params)
	if err != nil {
		return deleted, nil, err
	}
	if len(records) > 0 {
		remaining = records[0].Int64s("ids")
	}
	return deleted, remaining, nil
}

func toAnyMaps(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
