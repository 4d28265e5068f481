// Package pipeline loads a stored or in-memory definition into runnable
// actions, applies them one step at a time and rolls them back.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/composite"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/scripts"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Store is the backing graph as used by pipelines: the action store plus the
// stored definitions and the orphan sweep.
type Store interface {
	actions.Store
	LoadDefinition(ctx context.Context, name, scope string) (*definition.Graph, error)
	SaveDefinition(ctx context.Context, scope string, g *definition.Graph) error
	DeleteDefinition(ctx context.Context, name, scope string) (int, error)
	DefinitionNames(ctx context.Context, scope string) ([]string, error)
	Prerequisites(ctx context.Context, scope string) ([]definition.Pair, error)
	DeclareIO(ctx context.Context, name, scope string) error
	DeleteOrphans(ctx context.Context, ids []int64) (deleted, remaining []int64, err error)
}

// Deps are the collaborators shared by every action of a pipeline.
type Deps struct {
	Store     Store
	Ledger    ledger.Ledger
	Transform actions.Transformer
	Scripts   *scripts.Registry
	// Registry defaults to the plain and composite kinds.
	Registry actions.Registry
	Git      actions.GitConfig
	Logger   ectologger.Logger
}

// Pipeline is the loaded, ordered action list of one core method.
type Pipeline struct {
	name       string
	scope      string
	deps       Deps
	definition *definition.Graph
	branches   *actions.Branches
	actions    []actions.Action
}

// ID is the key a pipeline's ledger entries are stored under.
func ID(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + "/" + name
}

// Load reads the definition of the core method name under scope from the
// store and builds it.
func Load(ctx context.Context, deps Deps, name, scope string) (*Pipeline, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Load")
	defer span.End()

	g, err := deps.Store.LoadDefinition(ctx, name, scope)
	if err != nil {
		return nil, errors.Wrap(errors.KindNotFound, err)
	}
	return FromDefinition(ctx, deps, name, scope, g)
}

// FromDefinition builds the pipeline rooted at the core method name of g.
// Every action fetches its metadata here, so a definition that does not fit
// the schema fails before anything is applied.
func FromDefinition(ctx context.Context, deps Deps, name, scope string, g *definition.Graph) (*Pipeline, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.FromDefinition")
	defer span.End()

	if g == nil {
		return nil, errors.Newf(errors.KindNotFound, "pipeline %q has no definition", name)
	}
	if _, err := g.CoreNode(name); err != nil {
		return nil, errors.Wrap(errors.KindNotFound, err)
	}
	nodes, err := g.Actions(name)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidationFailure, err)
	}
	if err := CheckNodes(nodes); err != nil {
		return nil, err
	}

	registry := deps.Registry
	if registry == nil {
		registry = composite.AllKinds()
	}
	p := &Pipeline{
		name:       name,
		scope:      scope,
		deps:       deps,
		definition: g,
		branches:   actions.NewBranches(),
	}
	env := actions.Env{
		PipelineID: p.ID(),
		Root:       name,
		Store:      deps.Store,
		Ledger:     deps.Ledger,
		Transform:  deps.Transform,
		Scripts:    deps.Scripts,
		Branches:   p.branches,
		Registry:   registry,
		Renames:    actions.ShortLabelRenames(nodes),
		Git:        deps.Git,
		Logger:     deps.Logger,
	}
	built, err := actions.Build(nodes, env)
	if err != nil {
		return nil, err
	}
	for _, a := range built {
		if err := a.FetchMetadata(ctx); err != nil {
			return nil, err
		}
	}
	p.actions = built

	p.logger(ctx).WithFields(map[string]any{"actions": len(built)}).Info("Loaded pipeline")
	return p, nil
}

// CheckNodes rejects a chain with duplicate action ids, or where a GetData is
// last or directly followed by another GetData. A filter belongs to the
// GetData before it and is skipped by the order check.
func CheckNodes(nodes []definition.ActionNode) error {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			return errors.Newf(errors.KindValidationFailure, "action id %q is used more than once", n.ID).
				AddAction(n.ID).AddActionKind(n.Kind)
		}
		seen[n.ID] = true
	}

	chain := ectolinq.Filter(nodes, func(n definition.ActionNode) bool { return n.Kind != actions.KindFilter })
	for i, n := range chain {
		if n.Kind != actions.KindGetData {
			continue
		}
		if i == len(chain)-1 {
			return errors.New(errors.KindValidationFailure, "get_data cannot be the last action").
				AddAction(n.ID).AddActionKind(n.Kind)
		}
		if next := chain[i+1]; next.Kind == actions.KindGetData {
			return errors.Newf(errors.KindValidationFailure, "get_data cannot be directly followed by get_data %q", next.ID).
				AddAction(n.ID).AddActionKind(n.Kind)
		}
	}
	return nil
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) Scope() string {
	return p.scope
}

func (p *Pipeline) ID() string {
	return ID(p.scope, p.name)
}

// Actions returns the built actions in execution order.
func (p *Pipeline) Actions() []actions.Action {
	return p.actions
}

// Definition returns the graph the pipeline was built from.
func (p *Pipeline) Definition() *definition.Graph {
	return p.definition
}

// Ledger is the ledger the pipeline's actions record into.
func (p *Pipeline) Ledger() ledger.Ledger {
	return p.deps.Ledger
}

// Fragment rebuilds the definition from the actions: every action fragment
// merged, in order, under a new core method.
func (p *Pipeline) Fragment() (*definition.Graph, error) {
	fragments := ectolinq.Map(p.actions, func(a actions.Action) *definition.Graph { return a.Fragment() })
	return definition.NewMerger().Merge(p.name, nil, fragments...)
}

// Applied reports whether any action of the pipeline has a ledger entry.
func (p *Pipeline) Applied(ctx context.Context) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Applied")
	defer span.End()

	applied, err := p.deps.Ledger.Any(ctx, p.ID())
	if err != nil {
		return false, errors.Wrap(errors.KindInternal, err)
	}
	return applied, nil
}

// RollbackFailure is the error of one action's rollback.
type RollbackFailure struct {
	ActionID string
	Err      error
}

// RollbackReport summarizes a rollback.
type RollbackReport struct {
	Detached []int64
	Deleted  []int64
	Failures []RollbackFailure
}

// Rollback rolls every action back in execution order and then deletes the
// detached nodes left with no relationship but IS_A. A failing action does
// not stop the others; the first failure is returned with the full report.
func (p *Pipeline) Rollback(ctx context.Context) (RollbackReport, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Rollback")
	defer span.End()

	var report RollbackReport
	applied, err := p.Applied(ctx)
	if err != nil {
		return report, err
	}
	if !applied {
		return report, errors.Newf(errors.KindNotFound, "pipeline %q is not applied", p.ID())
	}

	log := p.logger(ctx)
	log.Info("Rolling back pipeline")
	for _, a := range p.actions {
		ids, err := a.Rollback(ctx)
		if err != nil {
			log.WithError(err).WithFields(map[string]any{
				"action_id":   a.ID(),
				"action_kind": a.Kind(),
			}).Error("Failed to roll back action")
			metrics.RecordRollbackFailure(a.Kind())
			report.Failures = append(report.Failures, RollbackFailure{ActionID: a.ID(), Err: err})
			continue
		}
		report.Detached = append(report.Detached, ids...)
	}

	if err := p.sweep(ctx, &report); err != nil {
		report.Failures = append(report.Failures, RollbackFailure{Err: err})
	}
	if len(report.Failures) > 0 {
		return report, report.Failures[0].Err
	}
	log.WithFields(map[string]any{"deleted_orphans": len(report.Deleted)}).Info("Rolled back pipeline")
	return report, nil
}

func (p *Pipeline) sweep(ctx context.Context, report *RollbackReport) error {
	if len(report.Detached) == 0 {
		return nil
	}
	unique := make(map[int64]bool, len(report.Detached))
	for _, id := range report.Detached {
		unique[id] = true
	}
	ids := make([]int64, 0, len(unique))
	for id := range unique {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	deleted, remaining, err := p.deps.Store.DeleteOrphans(ctx, ids)
	if err != nil {
		p.logger(ctx).WithError(err).Error("Failed to delete orphaned nodes")
		return errors.Wrap(errors.KindInternal, err)
	}
	report.Deleted = deleted
	metrics.RecordOrphansDeleted(len(deleted))

	log := p.logger(ctx).WithFields(map[string]any{
		"detached":  len(ids),
		"deleted":   len(deleted),
		"remaining": len(remaining),
	})
	if len(deleted)+len(remaining) != len(ids) {
		log.Warn("Orphan sweep did not account for every detached node")
		return nil
	}
	log.Debug("Deleted orphaned nodes")
	return nil
}

// Delete removes the stored definition and the ledger of the pipeline.
func (p *Pipeline) Delete(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Delete")
	defer span.End()

	n, err := p.deps.Store.DeleteDefinition(ctx, p.name, p.scope)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err)
	}
	if err := p.deps.Ledger.Clear(ctx, p.ID()); err != nil {
		return errors.Wrap(errors.KindInternal, err)
	}
	p.logger(ctx).WithFields(map[string]any{"methods": n}).Info("Deleted pipeline")
	return nil
}

// DeclareIO records in the store the classes the pipeline reads and writes,
// and the pipelines it depends on.
func (p *Pipeline) DeclareIO(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.DeclareIO")
	defer span.End()

	if err := p.deps.Store.DeclareIO(ctx, p.name, p.scope); err != nil {
		return errors.Wrap(errors.KindInternal, err)
	}
	return nil
}

// ResolveOrder returns the pipelines under scope in an order that runs every
// prerequisite before the pipelines depending on it. Pipelines without
// prerequisites come first, by name. A prerequisite cycle is a
// ValidationFailure naming its members.
func ResolveOrder(ctx context.Context, store Store, scope string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.ResolveOrder")
	defer span.End()

	names, err := store.DefinitionNames(ctx, scope)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	pairs, err := store.Prerequisites(ctx, scope)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}

	ordered, cyclic := definition.Order(pairs)
	if len(cyclic) > 0 {
		issues := ectolinq.Map(cyclic, func(name string) errors.Issue {
			return errors.Issue{Field: name, Message: "pipeline is part of a prerequisite cycle"}
		})
		return nil, errors.Validation(fmt.Sprintf("pipelines under %q have cyclic prerequisites", scope), issues)
	}

	inPairs := make(map[string]bool, len(ordered))
	for _, n := range ordered {
		inPairs[n] = true
	}
	free := ectolinq.Filter(names, func(n string) bool { return !inPairs[n] })
	sort.Strings(free)
	return append(free, ordered...), nil
}

func (p *Pipeline) logger(ctx context.Context) ectologger.Logger {
	return p.deps.Logger.WithContext(ctx).WithFields(map[string]any{
		"pipeline": p.name,
		"scope":    p.scope,
	})
}
