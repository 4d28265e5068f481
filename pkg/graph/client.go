// Package graph is the Bolt client and the Cypher implementation of the
// backing graph store: schema lookups, entity writes issued by actions,
// pipeline definitions and the change ledger all go through it.
package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Client wraps the Neo4j driver. Memgraph speaks the same protocol.
type Client struct {
	driver   neo4j.DriverWithContext
	logger   ectologger.Logger
	database string
}

// Config holds graph database configuration
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// NewClient creates a new graph database client
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	uri := fmt.Sprintf("bolt://%s:%d", cfg.Host, cfg.Port)

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}

	return &Client{
		driver:   driver,
		logger:   logger,
		database: cfg.Database,
	}, nil
}

// Close closes the driver connection
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// VerifyConnectivity checks if the database is reachable
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) session(ctx context.Context, accessMode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   accessMode,
		DatabaseName: c.database,
	})
}

// Read runs cypher in a read transaction and collects every record.
func (c *Client) Read(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Client.Read")
	defer span.End()

	return c.execute(ctx, neo4j.AccessModeRead, cypher, params)
}

// Write runs cypher in a write transaction and collects every record.
func (c *Client) Write(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Client.Write")
	defer span.End()

	return c.execute(ctx, neo4j.AccessModeWrite, cypher, params)
}

func (c *Client) execute(ctx context.Context, mode neo4j.AccessMode, cypher string, params map[string]any) ([]Record, error) {
	session := c.session(ctx, mode)
	defer session.Close(ctx)

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}

		var records []Record
		for result.Next(ctx) {
			record := result.Record()
			row := make(Record, len(record.Keys))
			for _, key := range record.Keys {
				val, _ := record.Get(key)
				row[key] = extractValue(val)
			}
			records = append(records, row)
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		return records, nil
	}

	var (
		out any
		err error
	)
	if mode == neo4j.AccessModeRead {
		out, err = session.ExecuteRead(ctx, work)
	} else {
		out, err = session.ExecuteWrite(ctx, work)
	}
	if err != nil {
		c.logger.WithContext(ctx).WithFields(map[string]any{
			"query_len": len(cypher),
		}).WithError(err).Error("Failed to execute graph query")
		return nil, err
	}
	records, _ := out.([]Record)
	return records, nil
}

// Record is one result row keyed by column name.
type Record map[string]any

// Int64 returns the integer at key, false when absent or not an integer.
func (r Record) Int64(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// String returns the value at key rendered as a string, "" when absent.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int64s returns the list at key as integers, skipping non-integers.
func (r Record) Int64s(key string) []int64 {
	list, _ := r[key].([]any)
	out := make([]int64, 0, len(list))
	for _, item := range list {
		if v, ok := (Record{"v": item}).Int64("v"); ok {
			out = append(out, v)
		}
	}
	return out
}

// Strings returns the list at key as strings, skipping nulls.
func (r Record) Strings(key string) []string {
	list, _ := r[key].([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item == nil {
			continue
		}
		out = append(out, (Record{"v": item}).String("v"))
	}
	return out
}

// Map returns the map at key, nil when absent.
func (r Record) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

// NodeValue is a node returned by a query.
type NodeValue struct {
	ID         int64          `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// RelationshipValue is a relationship returned by a query.
type RelationshipValue struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	StartID    int64          `json:"start_id"`
	EndID      int64          `json:"end_id"`
	Properties map[string]any `json:"properties"`
}

// extractValue converts neo4j types to plain Go values
func extractValue(val any) any {
	if val == nil {
		return nil
	}

	switch v := val.(type) {
	case neo4j.Node:
		return NodeValue{ID: v.Id, Labels: v.Labels, Properties: v.Props}

	case neo4j.Relationship:
		return RelationshipValue{ID: v.Id, Type: v.Type, StartID: v.StartId, EndID: v.EndId, Properties: v.Props}

	case neo4j.Path:
		nodes := make([]any, len(v.Nodes))
		for i, node := range v.Nodes {
			nodes[i] = extractValue(node)
		}
		rels := make([]any, len(v.Relationships))
		for i, rel := range v.Relationships {
			rels[i] = extractValue(rel)
		}
		return map[string]any{"nodes": nodes, "relationships": rels}

	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = extractValue(item)
		}
		return result

	case map[string]any:
		result := make(map[string]any, len(v))
		for k, item := range v {
			result[k] = extractValue(item)
		}
		return result

	default:
		return v
	}
}
