// Package composite implements actions that stand for a generated chain of
// plain actions: apply_stat, decode, subject_level_link and nested methods.
package composite

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Composite drives the actions its node expands into. The expansion is done
// once, in FetchMetadata, against the schema state at that time.
type Composite struct {
	actions.Core
	previous []actions.Action
	snapshot *Snapshot
	children []actions.Action
}

func New(node definition.ActionNode, env actions.Env) (actions.Action, error) {
	return &Composite{Core: actions.NewCore(node, env)}, nil
}

// Registry returns the composite kinds.
func Registry() actions.Registry {
	return actions.Registry{
		KindApplyStat:        New,
		KindDecode:           New,
		KindSubjectLevelLink: New,
		KindNested:           New,
	}
}

// AllKinds returns the plain and composite kinds together.
func AllKinds() actions.Registry {
	return actions.Builtin().With(Registry())
}

func (c *Composite) SetPrevious(previous []actions.Action) {
	c.previous = previous
}

// Children returns the generated actions, nil before FetchMetadata.
func (c *Composite) Children() []actions.Action {
	return c.children
}

// Snapshot returns the schema state the children were expanded from.
func (c *Composite) Snapshot() Snapshot {
	if c.snapshot == nil {
		return Snapshot{}
	}
	return *c.snapshot
}

func (c *Composite) FetchMetadata(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "composite.Composite.FetchMetadata")
	defer span.End()

	if c.children != nil {
		return nil
	}

	var (
		snap Snapshot
		err  error
	)
	switch c.Kind() {
	case KindApplyStat:
		snap, err = c.applyStatSnapshot(ctx)
	case KindDecode:
		snap, err = c.decodeSnapshot(ctx)
	case KindSubjectLevelLink:
		snap, err = c.subjectLevelSnapshot(ctx)
	}
	if err != nil {
		return err
	}

	nodes, err := Expand(c.Node(), snap)
	if err != nil {
		return err
	}
	if c.Kind() == KindApplyStat {
		if err := c.linkStatisticsToDimensions(ctx, snap); err != nil {
			return err
		}
	}

	env := c.Env()
	if env.Registry == nil {
		env.Registry = AllKinds()
	}
	children, err := actions.Build(nodes, env)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := child.FetchMetadata(ctx); err != nil {
			return err
		}
	}

	c.Logger(ctx).WithFields(map[string]any{"actions": len(children)}).Debug("Expanded composite action")
	c.snapshot = &snap
	c.children = children
	return nil
}

func (c *Composite) Apply(ctx context.Context, t *table.Table, opts actions.Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "composite.Composite.Apply")
	defer span.End()

	if err := c.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	log := c.Logger(ctx).WithFields(map[string]any{"actions": len(c.children)})
	if t.Empty() && c.Kind() != KindNested {
		log.Info("Bypassing composite action, no records in data")
		return t, nil
	}

	log.Info("Applying composite action")
	for i, child := range c.children {
		childLog := log.WithFields(map[string]any{
			"child_id":   child.ID(),
			"child_kind": child.Kind(),
			"step":       fmt.Sprintf("%d/%d", i+1, len(c.children)),
		})
		if child.Mutating() && !opts.ApplyMutations {
			childLog.Debug("Skipping mutating action")
			continue
		}
		childLog.Debug("Applying action")
		out, err := child.Apply(ctx, t, opts)
		if err != nil {
			return nil, err
		}
		if out == nil {
			childLog.Warn("Action returned no table, keeping the previous one")
			continue
		}
		t = out
	}
	return t, nil
}

// Rollback rolls the children back in order. A failing child does not stop
// the others; the first error is returned after all of them ran.
func (c *Composite) Rollback(ctx context.Context) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "composite.Composite.Rollback")
	defer span.End()

	if err := c.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	log := c.Logger(ctx)

	var (
		detached []int64
		first    error
	)
	for _, child := range c.children {
		ids, err := child.Rollback(ctx)
		if err != nil {
			log.WithError(err).WithFields(map[string]any{"child_id": child.ID()}).Error("Failed to roll back action")
			if first == nil {
				first = err
			}
			continue
		}
		detached = append(detached, ids...)
	}
	return detached, first
}

// Fragment of a nested method carries its children, chained by NEXT.
func (c *Composite) Fragment() *definition.Graph {
	g := actions.NodeFragment(c.Node())
	if c.Kind() != KindNested {
		return g
	}

	methodID := func(n definition.ActionNode) string {
		if n.NodeID != "" {
			return n.NodeID
		}
		return n.ID
	}
	parent := methodID(c.Node())
	previous := ""
	for _, child := range c.Node().Children {
		id := methodID(child)
		for _, n := range actions.NodeFragment(child).Nodes {
			if _, ok := g.Node(n.ID); !ok {
				g.Nodes = append(g.Nodes, n)
			}
		}
		g.Edges = append(g.Edges, actions.NodeFragment(child).Edges...)
		g.Edges = append(g.Edges, definition.Edge{
			ID: "ma_rel_" + id, Type: definition.EdgeMethodAction, FromID: parent, ToID: id,
		})
		if previous != "" {
			g.Edges = append(g.Edges, definition.Edge{
				ID: "next_rel_" + id, Type: definition.EdgeNext, FromID: previous, ToID: id,
			})
		}
		previous = id
	}
	return g
}
