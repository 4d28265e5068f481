package pipeline

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Step is the state after one action of a run.
type Step struct {
	Index  int
	Action actions.Action
	Table  *table.Table
	// Skipped is set when the action was mutating and the run does not apply
	// mutations.
	Skipped bool
}

// Cursor walks a run one action at a time. A caller that stops calling Next
// abandons the run; the actions already applied keep their effects.
type Cursor struct {
	p     *Pipeline
	opts  actions.Options
	next  int
	table *table.Table
	step  Step
	err   error
}

// Start begins a new run. Every call starts from the first action with an
// empty set of branches.
func (p *Pipeline) Start(opts actions.Options) *Cursor {
	p.branches.Reset()
	return &Cursor{p: p, opts: opts}
}

// Next applies the next action. It returns false when every action ran or an
// action failed; Err tells the two apart.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil || c.next >= len(c.p.actions) {
		return false
	}
	i := c.next
	a := c.p.actions[i]
	c.next++

	ctx, span := tracing.StartSpan(ctx, "pipeline.Cursor.Next")
	defer span.End()

	log := c.p.logger(ctx).WithFields(map[string]any{
		"action_id":   a.ID(),
		"action_kind": a.Kind(),
		"step":        fmt.Sprintf("%d/%d", i+1, len(c.p.actions)),
	})

	if a.Mutating() && !c.opts.ApplyMutations {
		log.Debug("Skipping mutating action")
		c.step = Step{Index: i, Action: a, Table: c.table, Skipped: true}
		return true
	}

	log.Info("Applying action")
	start := time.Now()
	out, err := a.Apply(ctx, c.table, c.opts)
	if err != nil {
		metrics.RecordActionApply(a.Kind(), "failed", time.Since(start).Seconds())
		log.WithError(err).Error("Failed to apply action")
		c.err = err
		return false
	}
	metrics.RecordActionApply(a.Kind(), "applied", time.Since(start).Seconds())
	if out == nil {
		log.Warn("Action returned no table, keeping the previous one")
	} else {
		c.table = out
	}
	c.step = Step{Index: i, Action: a, Table: c.table}
	return true
}

// Step returns the state after the last successful Next.
func (c *Cursor) Step() Step {
	return c.step
}

// Table returns the working table as it stands.
func (c *Cursor) Table() *table.Table {
	return c.table
}

func (c *Cursor) Err() error {
	return c.err
}

// Steps yields the state after each action of a new run. Breaking out of the
// loop stops the run after the current action.
func (p *Pipeline) Steps(ctx context.Context, opts actions.Options) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		c := p.Start(opts)
		for c.Next(ctx) {
			if !yield(c.Step(), nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(Step{Index: c.next - 1, Table: c.table}, err)
		}
	}
}

// Apply runs every action and returns the final working table.
func (p *Pipeline) Apply(ctx context.Context, opts actions.Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Apply")
	defer span.End()

	log := p.logger(ctx).WithFields(map[string]any{
		"limit":           opts.Limit,
		"apply_mutations": opts.ApplyMutations,
	})
	log.Info("Applying pipeline")

	c := p.Start(opts)
	for c.Next(ctx) {
	}
	if err := c.Err(); err != nil {
		return c.Table(), err
	}
	log.WithFields(map[string]any{"rows": c.Table().Len()}).Info("Applied pipeline")
	return c.Table(), nil
}

// PreviewLimit bounds the rows read by a preview.
const PreviewLimit = 10

// PreviewDeps returns deps with a throwaway in-memory ledger. A pipeline
// built on them can be previewed without touching the ledger of the real
// pipeline.
func PreviewDeps(deps Deps) Deps {
	deps.Ledger = ledger.NewMemory()
	return deps
}

// Preview runs the pipeline on at most PreviewLimit rows without mutating
// actions. The run uses a copy of p built on PreviewDeps; the returned ledger
// holds what that copy recorded and p's own ledger is left untouched.
func (p *Pipeline) Preview(ctx context.Context) (*table.Table, ledger.Ledger, error) {
	deps := PreviewDeps(p.deps)
	pv, err := FromDefinition(ctx, deps, p.name, p.scope, p.definition)
	if err != nil {
		return nil, nil, err
	}
	t, err := pv.Apply(ctx, actions.Options{Limit: PreviewLimit})
	return t, deps.Ledger, err
}
