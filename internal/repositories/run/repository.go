package run

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RunRepository records the history of runner operations.
type RunRepository interface {
	Start(ctx context.Context, r *Run) error
	Finish(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, f Filter) ([]Run, error)
}

// Repository implements RunRepository on Postgres
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "pipeline_runs"

var columns = []string{
	"id", "pipeline", "scope", "operation", "status", "rows", "deleted",
	"action_id", "error_kind", "error", "options", "started_at", "finished_at",
}

// Start inserts r as running and fills in its id and start time.
func (r *Repository) Start(ctx context.Context, run *Run) error {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.Start")
	defer span.End()

	prepareStart(run)

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols("id", "pipeline", "scope", "operation", "status", "options", "started_at")
	ib.Values(run.ID, run.Pipeline, run.Scope, run.Operation, run.Status, run.Options, run.StartedAt)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to record run start")
		return fmt.Errorf("failed to record run start: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":    run.ID,
		"pipeline":  run.Pipeline,
		"operation": run.Operation,
	}).Debug("recorded run start")
	return nil
}

// Finish stores the outcome of a started run.
func (r *Repository) Finish(ctx context.Context, run *Run) error {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.Finish")
	defer span.End()

	prepareFinish(run)

	ub := database.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(
		ub.Assign("status", run.Status),
		ub.Assign("rows", run.Rows),
		ub.Assign("deleted", run.Deleted),
		ub.Assign("action_id", run.ActionID),
		ub.Assign("error_kind", run.ErrorKind),
		ub.Assign("error", run.Error),
		ub.Assign("finished_at", *run.FinishedAt),
	)
	ub.Where(ub.Equal("id", run.ID))

	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to record run outcome")
		return fmt.Errorf("failed to record run outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s was never started", run.ID)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Run, error) {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()

	var run Run
	if err := r.db.GetContext(ctx, &run, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get run by ID")
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// List returns the newest runs first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Run, error) {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	if f.Pipeline != "" {
		sb.Where(sb.Equal("pipeline", f.Pipeline))
	}
	if f.Scope != "" {
		sb.Where(sb.Equal("scope", f.Scope))
	}
	if f.Status != "" {
		sb.Where(sb.Equal("status", f.Status))
	}
	sb.OrderBy("started_at").Desc()
	sb.Limit(f.limit())

	query, args := sb.Build()

	var runs []Run
	if err := r.db.SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list runs")
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func prepareStart(run *Run) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Options.Data == nil {
		run.Options.Data = map[string]any{}
	}
}

func prepareFinish(run *Run) {
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
}
