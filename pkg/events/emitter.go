// Package events emits pipeline lifecycle events
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	EventTypePipelineApplied    = "pipeline.applied"
	EventTypePipelineRolledBack = "pipeline.rolled_back"
	EventTypePipelineFailed     = "pipeline.failed"
	EventTypeActionApplied      = "action.applied"
)

// Publisher delivers events to the broker
type Publisher interface {
	PublishRunEvents(ctx context.Context, events ...*kafka.RunEvent) error
}

// Run identifies the run an event belongs to
type Run struct {
	ID        string
	Pipeline  string
	Scope     string
	Operation string
}

func (r Run) event(eventType string) *kafka.RunEvent {
	return &kafka.RunEvent{
		EventType: eventType,
		RunID:     r.ID,
		Pipeline:  r.Pipeline,
		Scope:     r.Scope,
		Operation: r.Operation,
	}
}

// Emitter turns run outcomes into events. A nil Emitter emits nothing.
// Emission failures are logged and never fail the run.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

// EmitApplied emits one action.applied event per applied action followed by
// pipeline.applied.
func (e *Emitter) EmitApplied(ctx context.Context, run Run, actions []ActionResult, rows int) {
	if e == nil {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitApplied")
	defer span.End()

	batch := make([]*kafka.RunEvent, 0, len(actions)+1)
	for _, a := range actions {
		ev := run.event(EventTypeActionApplied)
		ev.ActionID = a.ID
		ev.ActionKind = a.Kind
		ev.Rows = a.Rows
		batch = append(batch, ev)
	}
	done := run.event(EventTypePipelineApplied)
	done.Rows = rows
	batch = append(batch, done)

	e.publish(ctx, batch)
}

// EmitRolledBack emits pipeline.rolled_back with the orphan count.
func (e *Emitter) EmitRolledBack(ctx context.Context, run Run, deleted int) {
	if e == nil {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitRolledBack")
	defer span.End()

	ev := run.event(EventTypePipelineRolledBack)
	ev.Deleted = deleted
	e.publish(ctx, []*kafka.RunEvent{ev})
}

// EmitFailed emits pipeline.failed naming the failing action when known.
func (e *Emitter) EmitFailed(ctx context.Context, run Run, err error) {
	if e == nil || err == nil {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitFailed")
	defer span.End()

	ev := run.event(EventTypePipelineFailed)
	ev.Error = err.Error()
	if pe, ok := errors.AsPipelineError(err); ok {
		ev.ErrorKind = string(pe.Kind)
		ev.ActionID = pe.ActionID
		ev.ActionKind = pe.ActionKind
	}
	e.publish(ctx, []*kafka.RunEvent{ev})
}

// ActionResult is the outcome of one applied action.
type ActionResult struct {
	ID   string
	Kind string
	Rows int
}

func (e *Emitter) publish(ctx context.Context, batch []*kafka.RunEvent) {
	if err := e.publisher.PublishRunEvents(ctx, batch...); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": batch[len(batch)-1].EventType,
			"run_id":     batch[0].RunID,
		}).Error("Failed to emit run events")
	}
}
