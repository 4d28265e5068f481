// Package actions implements the units of work of a derivation pipeline. Each
// action reads its metadata once, applies itself to the working table, and
// rolls back exactly what its ledger entry says it changed.
package actions

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/scripts"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/transform"
)

// Action is one step of a pipeline.
type Action interface {
	ID() string
	Kind() string
	Node() definition.ActionNode
	// Mutating reports whether the action writes instance data and is skipped
	// when a run does not apply mutations.
	Mutating() bool
	FetchMetadata(ctx context.Context) error
	Apply(ctx context.Context, t *table.Table, opts Options) (*table.Table, error)
	// Rollback removes the action's own contribution and returns the node ids
	// it detached, for the orphan sweep.
	Rollback(ctx context.Context) ([]int64, error)
	Fragment() *definition.Graph
}

// Options are the per-run settings passed to every Apply.
type Options struct {
	// Limit caps the rows read by GetData. Zero reads everything.
	Limit int
	// ApplyMutations is false for a preview: mutating actions are skipped.
	ApplyMutations bool
	// Branches overrides the source-repository branch per repository.
	Branches map[string]string
}

// Store is the backing graph as used by actions and composites.
type Store interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]graph.Record, error)
	ReadTable(ctx context.Context, req graph.DataRequest) (*table.Table, error)

	MergeNodes(ctx context.Context, label, key string, rows []map[string]any, merge bool) ([]int64, error)
	ClearSentinel(ctx context.Context, ids []int64, key string) ([]int64, error)
	SetParentLabels(ctx context.Context, class string) error
	LinkInstances(ctx context.Context, classes ...string) error
	MergeRelationships(ctx context.Context, relType string, pairs []graph.Pair) ([]graph.Link, error)
	DeleteRelationships(ctx context.Context, ids []int64) ([]graph.Pair, error)
	DeleteEmptyNodes(ctx context.Context, ids []int64) ([]int64, error)
	AddLabel(ctx context.Context, onLabel, label string, ids []int64) (int, error)
	RemoveLabel(ctx context.Context, onLabel, label string, ids []int64) ([]int64, error)
	SetProperty(ctx context.Context, key string, values map[int64]any) error
	MergeStatistics(ctx context.Context, req graph.StatRequest) ([]graph.StatRow, error)
	DeleteByProperty(ctx context.Context, key string, values []any) ([]int64, error)

	Class(ctx context.Context, label string) (graph.Class, error)
	ClassesByShortLabel(ctx context.Context, shortLabels []string) ([]graph.Class, error)
	ControlledTerms(ctx context.Context, class string) ([]graph.Term, error)
	TermExists(ctx context.Context, class, rdfsLabel string) (bool, error)
	SchemaRelationships(ctx context.Context, class string) ([]graph.SchemaRelationship, error)
	SameAsTermPairs(ctx context.Context, from, to string) ([]graph.TermPair, error)
	MergeClass(ctx context.Context, c graph.Class, extra map[string]any) error
	MergeSchemaRelationships(ctx context.Context, fromLabels []string, to, relType string) error
	BuildDistinctTerms(ctx context.Context, class, provenance string) (bool, error)
}

// Transformer calls functions on the external transformation service.
type Transformer interface {
	Call(ctx context.Context, req transform.Request) (*transform.Response, error)
	CommitID(ctx context.Context, req transform.CommitRequest) (string, error)
}

// GitConfig locates the source repository of CallAPI scripts.
type GitConfig struct {
	BaseURL string
	Branch  string
	Token   string
}

// Env carries the collaborators of the actions of one pipeline.
type Env struct {
	// PipelineID keys the pipeline's ledger entries.
	PipelineID string
	// Root is the id of the core method the actions belong to.
	Root      string
	Store     Store
	Ledger    ledger.Ledger
	Transform Transformer
	Scripts   *scripts.Registry
	// Branches is only read by the Branch actions.
	Branches *Branches
	// Registry builds the children of composite actions.
	Registry Registry
	// Renames maps a class short label to the short label a GetData
	// relationship gave it in the working table.
	Renames map[string]string
	Git     GitConfig
	Logger  ectologger.Logger
}

// Core holds what every action variant shares: the declared node and the
// pipeline environment.
type Core struct {
	node definition.ActionNode
	env  Env
}

// NewCore builds the shared part of an action variant defined outside this
// package.
func NewCore(node definition.ActionNode, env Env) Core {
	return newCore(node, env)
}

func newCore(node definition.ActionNode, env Env) Core {
	if env.Renames == nil {
		env.Renames = map[string]string{}
	}
	return Core{node: node, env: env}
}

func (c *Core) ID() string {
	return c.node.ID
}

func (c *Core) Kind() string {
	return c.node.Kind
}

func (c *Core) Node() definition.ActionNode {
	return c.node
}

func (c *Core) Env() Env {
	return c.env
}

func (c *Core) Mutating() bool {
	return false
}

func (c *Core) Fragment() *definition.Graph {
	return NodeFragment(c.node)
}

func (c *Core) Logger(ctx context.Context) ectologger.Logger {
	return c.env.Logger.WithContext(ctx).WithFields(map[string]any{
		"pipeline_id": c.env.PipelineID,
		"action_id":   c.node.ID,
		"action_kind": c.node.Kind,
	})
}

// Fail tags err with the action id and kind.
func (c *Core) Fail(kind errors.Kind, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(kind, err).AddAction(c.node.ID).AddActionKind(c.node.Kind)
}

func (c *Core) Failf(kind errors.Kind, format string, args ...any) error {
	return errors.Newf(kind, format, args...).AddAction(c.node.ID).AddActionKind(c.node.Kind)
}

// ledgerKey is the action id the ledger knows this action by. Actions nested
// under a sub-method are qualified by the sub-method path.
func (c *Core) ledgerKey() string {
	parent := c.node.ParentID
	if parent == "" || parent == c.env.Root {
		return c.node.ID
	}
	parent = strings.TrimPrefix(parent, c.env.Root+"_")
	return parent + "_" + c.node.ID
}

func (c *Core) record(ctx context.Context, e ledger.Entry) error {
	e.PipelineID = c.env.PipelineID
	e.ActionID = c.ledgerKey()
	e.Kind = c.node.Kind
	if _, err := c.env.Ledger.Record(ctx, e); err != nil {
		return c.Fail(errors.KindInternal, err)
	}
	return nil
}

// entries returns the ledger entries of this action. More than one entry is
// an inconsistency that is logged and rolled back as a whole.
func (c *Core) entries(ctx context.Context) ([]ledger.Entry, error) {
	entries, err := c.env.Ledger.Entries(ctx, c.env.PipelineID, c.ledgerKey())
	if err != nil {
		return nil, c.Fail(errors.KindInternal, err)
	}
	if len(entries) > 1 {
		c.Logger(ctx).WithFields(map[string]any{
			"entries": len(entries),
			"kind":    errors.KindRollbackInconsistency,
		}).Warn("More than one ledger entry found for action, rolling back all of them")
	}
	return entries, nil
}

// forget deletes the action's ledger entries.
func (c *Core) forget(ctx context.Context, entries []ledger.Entry) error {
	for _, e := range entries {
		if err := c.env.Ledger.Delete(ctx, e); err != nil {
			return c.Fail(errors.KindInternal, err)
		}
	}
	return nil
}

// shortLabel returns the working-table name of a class short label.
func (c *Core) shortLabel(short string) string {
	if renamed, ok := c.env.Renames[short]; ok && renamed != "" {
		return renamed
	}
	return short
}
