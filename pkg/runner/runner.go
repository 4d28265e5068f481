// Package runner drives pipelines for the service and the CLI: it serializes
// writers, records run history, emits lifecycle events and metrics, and
// exposes previews, predictions, validation, merging and ordering.
package runner

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/run"
	"github.com/Ramsey-B/fern/pkg/actions"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/predict"
	"github.com/Ramsey-B/fern/pkg/scripts"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/validation"
)

// Operation names recorded in run history, events and metrics.
const (
	OperationApply    = "apply"
	OperationRollback = "rollback"
	OperationPreview  = "preview"
	OperationPredict  = "predict"
)

// Store is the backing graph as used by the runner.
type Store interface {
	pipeline.Store
	validation.Store
}

type Params struct {
	Store     Store
	Ledger    ledger.Ledger
	Transform actions.Transformer
	Scripts   *scripts.Registry
	Git       actions.GitConfig
	// Locker defaults to an in-process locker.
	Locker Locker
	// Runs defaults to in-memory history.
	Runs run.RunRepository
	// Emitter may be nil.
	Emitter *events.Emitter
	Logger  ectologger.Logger
}

type Runner struct {
	store     Store
	deps      pipeline.Deps
	locker    Locker
	runs      run.RunRepository
	emitter   *events.Emitter
	validator *validation.Validator
	predictor *predict.Predictor
	logger    ectologger.Logger
}

func NewRunner(p Params) *Runner {
	if p.Locker == nil {
		p.Locker = NewMemoryLocker()
	}
	if p.Runs == nil {
		p.Runs = run.NewMemory()
	}
	if p.Scripts == nil {
		p.Scripts = scripts.NewRegistry()
	}
	return &Runner{
		store: p.Store,
		deps: pipeline.Deps{
			Store:     p.Store,
			Ledger:    p.Ledger,
			Transform: p.Transform,
			Scripts:   p.Scripts,
			Git:       p.Git,
			Logger:    p.Logger,
		},
		locker:    p.Locker,
		runs:      p.Runs,
		emitter:   p.Emitter,
		validator: validation.NewValidator(p.Store, p.Logger),
		predictor: predict.NewPredictor(p.Store, p.Logger),
		logger:    p.Logger,
	}
}

// ApplyOptions tune Apply.
type ApplyOptions struct {
	// Overwrite rolls an applied pipeline back before applying it again.
	Overwrite bool `json:"overwrite"`
	// Limit caps the rows read by GetData. Zero reads everything.
	Limit int `json:"limit"`
	// Branches overrides the source-repository branch per repository.
	Branches map[string]string `json:"branches,omitempty"`
}

func (o ApplyOptions) record() map[string]any {
	out := map[string]any{"overwrite": o.Overwrite, "limit": o.Limit}
	if len(o.Branches) > 0 {
		out["branches"] = o.Branches
	}
	return out
}

// Result is the outcome of an Apply.
type Result struct {
	RunID   string                   `json:"run_id"`
	Rows    int                      `json:"rows"`
	Actions []events.ActionResult    `json:"-"`
	Table   *table.Table             `json:"-"`
	Rolled  *pipeline.RollbackReport `json:"-"`
}

// Apply runs every action of the stored pipeline name under scope with
// mutations on. An applied pipeline is refused unless opts.Overwrite is set,
// in which case it is rolled back first.
func (r *Runner) Apply(ctx context.Context, name, scope string, opts ApplyOptions) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.Runner.Apply")
	defer span.End()

	var result *Result
	err := r.locked(ctx, OperationApply, name, scope, opts.record(), func(ctx context.Context, rec *run.Run) error {
		p, err := pipeline.Load(ctx, r.deps, name, scope)
		if err != nil {
			return err
		}

		applied, err := p.Applied(ctx)
		if err != nil {
			return err
		}
		result = &Result{RunID: rec.ID}
		if applied {
			if !opts.Overwrite {
				return errors.Newf(errors.KindConflict, "pipeline %q is already applied, roll it back or overwrite it", p.ID())
			}
			r.logger.WithContext(ctx).WithFields(map[string]any{"pipeline": p.ID()}).Info("Overwriting applied pipeline")
			report, err := p.Rollback(ctx)
			result.Rolled = &report
			if err != nil {
				return err
			}
		}

		c := p.Start(actions.Options{Limit: opts.Limit, ApplyMutations: true, Branches: opts.Branches})
		for c.Next(ctx) {
			step := c.Step()
			if step.Skipped {
				continue
			}
			rows := 0
			if step.Table != nil {
				rows = step.Table.Len()
			}
			result.Actions = append(result.Actions, events.ActionResult{ID: step.Action.ID(), Kind: step.Action.Kind(), Rows: rows})
		}
		result.Table = c.Table()
		if result.Table != nil {
			result.Rows = result.Table.Len()
		}
		rec.Rows = result.Rows
		return c.Err()
	}, func(ctx context.Context, ev events.Run) {
		if result != nil {
			r.emitter.EmitApplied(ctx, ev, result.Actions, result.Rows)
		}
	})
	return result, err
}

// Rollback undoes every action of the stored pipeline and sweeps the nodes
// left orphaned. Per-action failures do not stop the rollback; the report
// lists them.
func (r *Runner) Rollback(ctx context.Context, name, scope string) (pipeline.RollbackReport, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.Runner.Rollback")
	defer span.End()

	var report pipeline.RollbackReport
	err := r.locked(ctx, OperationRollback, name, scope, nil, func(ctx context.Context, rec *run.Run) error {
		p, err := pipeline.Load(ctx, r.deps, name, scope)
		if err != nil {
			return err
		}
		report, err = p.Rollback(ctx)
		rec.Deleted = len(report.Deleted)
		return err
	}, func(ctx context.Context, ev events.Run) {
		r.emitter.EmitRolledBack(ctx, ev, len(report.Deleted))
	})
	return report, err
}

// Preview applies the stored pipeline on at most limit rows (the preview
// default when limit is not positive) without mutating actions and without
// touching its ledger.
func (r *Runner) Preview(ctx context.Context, name, scope string, limit int) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.Runner.Preview")
	defer span.End()

	start := time.Now()
	if limit <= 0 {
		limit = pipeline.PreviewLimit
	}
	p, err := pipeline.Load(ctx, pipeline.PreviewDeps(r.deps), name, scope)
	if err != nil {
		metrics.RecordRun(OperationPreview, run.StatusFailed, time.Since(start).Seconds())
		return nil, err
	}
	out, err := p.Apply(ctx, actions.Options{Limit: limit})
	metrics.RecordRun(OperationPreview, status(err), time.Since(start).Seconds())
	return out, err
}

// Prediction is a definition extended with the predicted steps.
type Prediction struct {
	Outputs    predict.Outputs   `json:"outputs"`
	Definition *definition.Graph `json:"definition"`
}

// Predict previews the stored pipeline and returns its definition extended
// with the links and URI actions its outputs call for. The stored definition
// is not changed; Save the returned one to keep it.
func (r *Runner) Predict(ctx context.Context, name, scope string) (*Prediction, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.Runner.Predict")
	defer span.End()

	start := time.Now()
	p, err := pipeline.Load(ctx, pipeline.PreviewDeps(r.deps), name, scope)
	if err != nil {
		metrics.RecordRun(OperationPredict, run.StatusFailed, time.Since(start).Seconds())
		return nil, err
	}
	extended, out, err := r.predictor.Extend(ctx, p)
	metrics.RecordRun(OperationPredict, status(err), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &Prediction{Outputs: out, Definition: extended}, nil
}

// Validate checks a definition's structure and the presence of the schema it
// references.
func (r *Runner) Validate(ctx context.Context, name string, def *definition.Graph) (validation.Missing, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.Runner.Validate")
	defer span.End()

	return r.validator.Validate(ctx, name, def)
}

// Save validates def, stores it under scope and declares the classes it
// reads and writes.
func (r *Runner) Save(ctx context.Context, name, scope string, def *definition.Graph) error {
	ctx, span := tracing.StartSpan(ctx, "runner.Runner.Save")
	defer span.End()

	if _, err := r.Validate(ctx, name, def); err != nil {
		return err
	}
	// Building the pipeline checks the chain and every action's metadata.
	if _, err := pipeline.FromDefinition(ctx, pipeline.PreviewDeps(r.deps), name, scope, def); err != nil {
		return err
	}
	if err := r.store.SaveDefinition(ctx, scope, def); err != nil {
		return errors.Wrap(errors.KindInternal, err)
	}
	p, err := pipeline.Load(ctx, r.deps, name, scope)
	if err != nil {
		return err
	}
	if err := p.DeclareIO(ctx); err != nil {
		return err
	}
	r.logger.WithContext(ctx).WithFields(map[string]any{"pipeline": p.ID()}).Info("Saved pipeline definition")
	return nil
}

// Delete removes a stored pipeline that is not applied.
func (r *Runner) Delete(ctx context.Context, name, scope string) error {
	ctx, span := tracing.StartSpan(ctx, "runner.Runner.Delete")
	defer span.End()

	lock, err := r.acquire(ctx, pipeline.ID(scope, name))
	if err != nil {
		return err
	}
	defer r.release(ctx, lock)

	p, err := pipeline.Load(ctx, r.deps, name, scope)
	if err != nil {
		return err
	}
	applied, err := p.Applied(ctx)
	if err != nil {
		return err
	}
	if applied {
		return errors.Newf(errors.KindConflict, "pipeline %q is applied, roll it back before deleting it", p.ID())
	}
	return p.Delete(ctx)
}

// Merge folds fragments into base in order under the core method name.
func (r *Runner) Merge(name string, base *definition.Graph, fragments ...*definition.Graph) (*definition.Graph, error) {
	merged, err := definition.NewMerger().Merge(name, base, fragments...)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidationFailure, err)
	}
	return merged, nil
}

// Order returns the stored pipelines under scope with every prerequisite
// before its dependents.
func (r *Runner) Order(ctx context.Context, scope string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.Runner.Order")
	defer span.End()

	return pipeline.ResolveOrder(ctx, r.store, scope)
}

// Runs lists recorded runs, newest first.
func (r *Runner) Runs(ctx context.Context, f run.Filter) ([]run.Run, error) {
	runs, err := r.runs.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	return runs, nil
}

func (r *Runner) Run(ctx context.Context, id string) (*run.Run, error) {
	rec, err := r.runs.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	if rec == nil {
		return nil, errors.Newf(errors.KindNotFound, "run %q not found", id)
	}
	return rec, nil
}

// locked runs fn under the pipeline's lock with a run record. fn fills in
// the record's counts; the outcome is written to history, metrics and
// events. succeeded emits the success event.
func (r *Runner) locked(
	ctx context.Context,
	operation, name, scope string,
	options map[string]any,
	fn func(ctx context.Context, rec *run.Run) error,
	succeeded func(ctx context.Context, ev events.Run),
) error {
	start := time.Now()
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"operation": operation,
		"pipeline":  name,
		"scope":     scope,
	})

	lock, err := r.acquire(ctx, pipeline.ID(scope, name))
	if err != nil {
		metrics.RecordRun(operation, run.StatusFailed, time.Since(start).Seconds())
		return err
	}
	defer r.release(ctx, lock)

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	rec := &run.Run{Pipeline: name, Scope: scope, Operation: operation}
	rec.Options.Data = map[string]any{}
	for k, v := range options {
		rec.Options.Data[k] = v
	}
	if id := appctx.GetRequestID(ctx); id != "" {
		rec.Options.Data["request_id"] = id
	}
	if user := appctx.GetUserID(ctx); user != "" {
		rec.Options.Data["triggered_by"] = user
	}
	if err := r.runs.Start(ctx, rec); err != nil {
		log.WithError(err).Error("Failed to record run start")
		return errors.Wrap(errors.KindInternal, err)
	}
	ev := events.Run{ID: rec.ID, Pipeline: name, Scope: scope, Operation: operation}
	log = log.WithFields(map[string]any{"run_id": rec.ID})
	log.Info("Starting run")

	runErr := fn(ctx, rec)

	rec.Status = status(runErr)
	if runErr != nil {
		rec.Error = runErr.Error()
		if pe, ok := errors.AsPipelineError(runErr); ok {
			rec.ErrorKind = string(pe.Kind)
			rec.ActionID = pe.ActionID
		}
	}
	if err := r.runs.Finish(ctx, rec); err != nil {
		log.WithError(err).Error("Failed to record run outcome")
	}
	metrics.RecordRun(operation, rec.Status, time.Since(start).Seconds())

	if runErr != nil {
		log.WithError(runErr).Error("Run failed")
		r.emitter.EmitFailed(ctx, ev, runErr)
		return runErr
	}
	log.WithFields(map[string]any{"rows": rec.Rows, "deleted": rec.Deleted}).Info("Run finished")
	succeeded(ctx, ev)
	return nil
}

func (r *Runner) acquire(ctx context.Context, key string) (Lock, error) {
	lock, err := r.locker.Acquire(ctx, key)
	if err != nil {
		if errors.IsKind(err, errors.KindConflict) {
			metrics.LockContentions.Inc()
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"pipeline": key}).Warn("Could not lock pipeline")
		return nil, err
	}
	return lock, nil
}

func (r *Runner) release(ctx context.Context, lock Lock) {
	if err := lock.Release(ctx); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to release pipeline lock")
	}
}

func status(err error) string {
	if err != nil {
		return run.StatusFailed
	}
	return run.StatusSucceeded
}
