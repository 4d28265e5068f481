package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Runner executes Cypher. *graph.Client satisfies it.
type Runner interface {
	Read(ctx context.Context, cypher string, params map[string]any) ([]graph.Record, error)
	Write(ctx context.Context, cypher string, params map[string]any) ([]graph.Record, error)
}

// Graph stores entries as Changes nodes in the backing graph.
type Graph struct {
	db     Runner
	logger ectologger.Logger
}

func NewGraph(db Runner, logger ectologger.Logger) *Graph {
	return &Graph{db: db, logger: logger}
}

var changesLabel = "`" + graph.LabelChanges + "`"

func (g *Graph) Record(ctx context.Context, e Entry) (Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Graph.Record")
	defer span.End()

	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	cypher := fmt.Sprintf(`
		CREATE (c:%s)
		SET c = $props
		RETURN id(c) AS id
	`, changesLabel)
	params := map[string]any{"props": toProps(e)}

	records, err := g.db.Write(ctx, cypher, params)
	if err != nil {
		g.logger.WithContext(ctx).WithFields(map[string]any{
			"pipeline_id": e.PipelineID,
			"action_id":   e.ActionID,
		}).WithError(err).Error("Failed to record change entry")
		return Entry{}, errors.Wrap(errors.KindInternal, err).AddQuery(cypher, params)
	}
	if len(records) == 0 {
		return Entry{}, errors.New(errors.KindInternal, "change entry was not created")
	}
	e.ID, _ = records[0].Int64("id")

	g.logger.WithContext(ctx).WithFields(map[string]any{
		"pipeline_id": e.PipelineID,
		"action_id":   e.ActionID,
		"entry_id":    e.ID,
	}).Debug("Recorded change entry")

	return e, nil
}

func (g *Graph) Entries(ctx context.Context, pipelineID, actionID string) ([]Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Graph.Entries")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (c:%s)
		WHERE c.pipeline_id = $pipeline_id AND c.action_id = $action_id
		RETURN id(c) AS id, properties(c) AS props
		ORDER BY id
	`, changesLabel)
	return g.query(ctx, cypher, map[string]any{"pipeline_id": pipelineID, "action_id": actionID})
}

func (g *Graph) List(ctx context.Context, pipelineID string) ([]Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Graph.List")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (c:%s)
		WHERE c.pipeline_id = $pipeline_id
		RETURN id(c) AS id, properties(c) AS props
		ORDER BY id
	`, changesLabel)
	return g.query(ctx, cypher, map[string]any{"pipeline_id": pipelineID})
}

func (g *Graph) Delete(ctx context.Context, e Entry) error {
	ctx, span := tracing.StartSpan(ctx, "ledger.Graph.Delete")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (c:%s)
		WHERE id(c) = $id
		DETACH DELETE c
	`, changesLabel)
	params := map[string]any{"id": e.ID}
	if _, err := g.db.Write(ctx, cypher, params); err != nil {
		return errors.Wrap(errors.KindInternal, err).AddQuery(cypher, params)
	}
	return nil
}

func (g *Graph) Any(ctx context.Context, pipelineID string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Graph.Any")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (c:%s)
		WHERE c.pipeline_id = $pipeline_id
		RETURN count(c) AS n
	`, changesLabel)
	params := map[string]any{"pipeline_id": pipelineID}
	records, err := g.db.Read(ctx, cypher, params)
	if err != nil {
		return false, errors.Wrap(errors.KindInternal, err).AddQuery(cypher, params)
	}
	if len(records) == 0 {
		return false, nil
	}
	n, _ := records[0].Int64("n")
	return n > 0, nil
}

func (g *Graph) Clear(ctx context.Context, pipelineID string) error {
	ctx, span := tracing.StartSpan(ctx, "ledger.Graph.Clear")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (c:%s)
		WHERE c.pipeline_id = $pipeline_id
		DETACH DELETE c
	`, changesLabel)
	params := map[string]any{"pipeline_id": pipelineID}
	if _, err := g.db.Write(ctx, cypher, params); err != nil {
		return errors.Wrap(errors.KindInternal, err).AddQuery(cypher, params)
	}
	return nil
}

func (g *Graph) query(ctx context.Context, cypher string, params map[string]any) ([]Entry, error) {
	records, err := g.db.Read(ctx, cypher, params)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err).AddQuery(cypher, params)
	}
	out := make([]Entry, 0, len(records))
	for _, r := range records {
		e := fromProps(graph.Record(r.Map("props")))
		e.ID, _ = r.Int64("id")
		out = append(out, e)
	}
	return out, nil
}

func toProps(e Entry) map[string]any {
	props := map[string]any{
		"pipeline_id": e.PipelineID,
		"action_id":   e.ActionID,
		"kind":        e.Kind,
		"date":        e.RecordedAt.Format(time.RFC3339Nano),
	}
	setStrings(props, "cols_before", e.ColumnsBefore)
	setStrings(props, "cols_after", e.ColumnsAfter)
	setStrings(props, "created_uris", e.URIs)
	setInts(props, "id_on", e.NodeIDs)
	setInts(props, "id_rel", e.RelationshipIDs)
	setInts(props, "nan_node_ids", e.NaNNodeIDs)
	if e.CommitID != "" {
		props["commit_id"] = e.CommitID
	}
	if e.RelationshipType != "" {
		props["relationship_type"] = e.RelationshipType
	}
	return props
}

func fromProps(r graph.Record) Entry {
	e := Entry{
		PipelineID:       r.String("pipeline_id"),
		ActionID:         r.String("action_id"),
		Kind:             r.String("kind"),
		CommitID:         r.String("commit_id"),
		RelationshipType: r.String("relationship_type"),
		ColumnsBefore:    nilIfEmpty(r.Strings("cols_before")),
		ColumnsAfter:     nilIfEmpty(r.Strings("cols_after")),
		URIs:             nilIfEmpty(r.Strings("created_uris")),
		NodeIDs:          nilIfEmpty(r.Int64s("id_on")),
		RelationshipIDs:  nilIfEmpty(r.Int64s("id_rel")),
		NaNNodeIDs:       nilIfEmpty(r.Int64s("nan_node_ids")),
	}
	if t, err := time.Parse(time.RFC3339Nano, r.String("date")); err == nil {
		e.RecordedAt = t
	}
	return e
}

// Graph stores empty lists as missing properties on some backends.
func setStrings(props map[string]any, key string, values []string) {
	if len(values) == 0 {
		return
	}
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = v
	}
	props[key] = list
}

func setInts(props map[string]any, key string, values []int64) {
	if len(values) == 0 {
		return
	}
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = v
	}
	props[key] = list
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}
