package runner

import (
	"context"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/run"
	"github.com/Ramsey-B/fern/pkg/actions"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graph/graphtest"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/redis"
)

const (
	scope = "study1"
	name  = "copy_labels"
)

var nopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type recorder struct {
	mu     sync.Mutex
	events []*kafka.RunEvent
}

func (r *recorder) PublishRunEvents(_ context.Context, events ...*kafka.RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func seed(mem *graphtest.Memory, labels ...string) {
	subjectClass := mem.AddClass(graph.Class{Label: "Subject", ShortLabel: "SUBJ"})
	mem.AddClass(graph.Class{Label: "Initials", ShortLabel: "INIT"})
	mem.AddSchemaRelationship("Subject", "Initials", "Initials")
	study := mem.AddNode([]string{"Study"}, map[string]any{graph.PropRDFSLabel: "S-001"})
	for _, l := range labels {
		id := mem.AddNode([]string{"Subject"}, map[string]any{graph.PropRDFSLabel: l})
		mem.AddRel(graph.RelIsA, id, subjectClass)
		mem.AddRel("Study", id, study)
	}
}

func node(id string, labels []string, props map[string]any) definition.Node {
	return definition.Node{ID: id, Labels: labels, Properties: props}
}

func edge(edgeType, from, to string, props map[string]any) definition.Edge {
	return definition.Edge{ID: from + "_" + edgeType + "_" + to, Type: edgeType, FromID: from, ToID: to, Properties: props}
}

func class(label, short string) definition.Node {
	return node("c_"+short, []string{definition.LabelClass}, map[string]any{definition.PropLabel: label, definition.PropShortLabel: short})
}

// copyLabels reads subjects and creates an Initials node per subject.
func copyLabels() *definition.Graph {
	method := func(id, kind string) definition.Node {
		return node("a_"+id, []string{definition.LabelMethod}, map[string]any{definition.PropID: id, definition.PropKind: kind})
	}
	return &definition.Graph{
		Nodes: []definition.Node{
			node("core", []string{definition.LabelMethod}, map[string]any{definition.PropID: name}),
			method("get1", actions.KindGetData),
			method("link1", actions.KindLink),
			class("Subject", "SUBJ"),
			class("Initials", "INIT"),
			node("r_link1", []string{definition.LabelRelationship}, map[string]any{}),
		},
		Edges: []definition.Edge{
			edge(definition.EdgeMethodAction, "core", "a_get1", nil),
			edge(definition.EdgeMethodAction, "core", "a_link1", nil),
			edge(definition.EdgeNext, "a_get1", "a_link1", nil),
			edge(actions.EdgeSourceClass, "a_get1", "c_SUBJ", nil),
			edge(actions.EdgeLink, "a_link1", "r_link1", map[string]any{"how": "create", "to_column": "SUBJ"}),
			edge(definition.EdgeFrom, "r_link1", "c_SUBJ", nil),
			edge(definition.EdgeTo, "r_link1", "c_INIT", nil),
		},
	}
}

type fixture struct {
	mem    *graphtest.Memory
	runs   *run.Memory
	locker *MemoryLocker
	events *recorder
	runner *Runner
}

func newFixture(t *testing.T, subjects ...string) *fixture {
	t.Helper()
	f := &fixture{
		mem:    graphtest.New(),
		runs:   run.NewMemory(),
		locker: NewMemoryLocker(),
		events: &recorder{},
	}
	seed(f.mem, subjects...)
	f.runner = NewRunner(Params{
		Store:   f.mem,
		Ledger:  ledger.NewMemory(),
		Locker:  f.locker,
		Runs:    f.runs,
		Emitter: events.NewEmitter(f.events, nopLogger),
		Logger:  nopLogger,
	})
	require.NoError(t, f.runner.Save(context.Background(), name, scope, copyLabels()))
	return f
}

func TestApply(t *testing.T) {
	ctx := appctx.SetUserID(appctx.SetRequestID(context.Background(), "req-1"), "alice")
	f := newFixture(t, "S1", "S2")

	res, err := f.runner.Apply(ctx, name, scope, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.Len(t, f.mem.NodesWithLabel("Initials"), 2)
	assert.Equal(t, []string{
		events.EventTypeActionApplied,
		events.EventTypeActionApplied,
		events.EventTypePipelineApplied,
	}, f.events.types())

	rec, err := f.runner.Run(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, rec.Status)
	assert.Equal(t, OperationApply, rec.Operation)
	assert.Equal(t, 2, rec.Rows)
	assert.NotNil(t, rec.FinishedAt)
	assert.Equal(t, "req-1", rec.Options.Data["request_id"])
	assert.Equal(t, "alice", rec.Options.Data["triggered_by"])

	t.Run("applied pipeline is refused", func(t *testing.T) {
		f.events.reset()
		_, err := f.runner.Apply(ctx, name, scope, ApplyOptions{})
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindConflict))
		assert.Len(t, f.mem.NodesWithLabel("Initials"), 2)
		assert.Equal(t, []string{events.EventTypePipelineFailed}, f.events.types())

		failed, err := f.runner.Runs(ctx, run.Filter{Status: run.StatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, string(errors.KindConflict), failed[0].ErrorKind)
	})

	t.Run("overwrite rolls back first", func(t *testing.T) {
		res, err := f.runner.Apply(ctx, name, scope, ApplyOptions{Overwrite: true})
		require.NoError(t, err)
		require.NotNil(t, res.Rolled)
		assert.Len(t, res.Rolled.Deleted, 2)
		assert.Len(t, f.mem.NodesWithLabel("Initials"), 2)
	})
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "S1", "S2")
	nodes, rels := f.mem.Counts()

	_, err := f.runner.Rollback(ctx, name, scope)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = f.runner.Apply(ctx, name, scope, ApplyOptions{})
	require.NoError(t, err)
	f.events.reset()

	report, err := f.runner.Rollback(ctx, name, scope)
	require.NoError(t, err)
	assert.Len(t, report.Deleted, 2)
	assert.Empty(t, f.mem.NodesWithLabel("Initials"))
	assert.Equal(t, []string{events.EventTypePipelineRolledBack}, f.events.types())

	n, r := f.mem.Counts()
	assert.Equal(t, nodes, n)
	assert.Equal(t, rels, r)

	runs, err := f.runner.Runs(ctx, run.Filter{Pipeline: name})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestApply_Locked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "S1")

	lock, err := f.locker.Acquire(ctx, scope+"/"+name)
	require.NoError(t, err)

	_, err = f.runner.Apply(ctx, name, scope, ApplyOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	assert.Empty(t, f.mem.NodesWithLabel("Initials"))

	runs, err := f.runner.Runs(ctx, run.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	require.NoError(t, lock.Release(ctx))
	_, err = f.runner.Apply(ctx, name, scope, ApplyOptions{})
	require.NoError(t, err)

	// The runner released its lock.
	again, err := f.locker.Acquire(ctx, scope+"/"+name)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestApply_FailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.runner.Apply(ctx, name, scope, ApplyOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindEmptyResult))

	runs, err := f.runner.Runs(ctx, run.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.StatusFailed, runs[0].Status)
	assert.Equal(t, string(errors.KindEmptyResult), runs[0].ErrorKind)
	assert.Equal(t, "get1", runs[0].ActionID)
	assert.Equal(t, []string{events.EventTypePipelineFailed}, f.events.types())
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "S1", "S2", "S3")
	nodes, rels := f.mem.Counts()

	out, err := f.runner.Preview(ctx, name, scope, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())

	n, r := f.mem.Counts()
	assert.Equal(t, nodes, n)
	assert.Equal(t, rels, r)

	// A preview leaves the pipeline unapplied.
	_, err = f.runner.Apply(ctx, name, scope, ApplyOptions{})
	require.NoError(t, err)
}

func TestSave_RejectsInvalidDefinitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "S1")

	bad := copyLabels()
	bad.Edges = append(bad.Edges, edge(actions.EdgeClass, "a_link1", "c_INIT", nil))
	err := f.runner.Save(ctx, "copy_labels", scope, bad)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailure))

	missing := copyLabels()
	missing.Nodes = append(missing.Nodes, class("Weight", "WGT"))
	err = f.runner.Save(ctx, "copy_labels", scope, missing)
	require.Error(t, err)
	pe, ok := errors.AsPipelineError(err)
	require.True(t, ok)
	require.Len(t, pe.Issues, 1)
	assert.Equal(t, "classes", pe.Issues[0].Field)
}

func TestOrderAndRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "S1")

	order, err := f.runner.Order(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, order)

	_, err = f.runner.Run(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "S1")

	_, err := f.runner.Apply(ctx, name, scope, ApplyOptions{})
	require.NoError(t, err)
	err = f.runner.Delete(ctx, name, scope)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	_, err = f.runner.Rollback(ctx, name, scope)
	require.NoError(t, err)
	require.NoError(t, f.runner.Delete(ctx, name, scope))

	_, err = f.runner.Preview(ctx, name, scope, 0)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	lock, err := l.Acquire(ctx, "a")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "a")
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	other, err := l.Acquire(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Release(ctx), redis.ErrLockNotHeld)
}
