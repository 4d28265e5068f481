package run

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one runner operation on one pipeline.
type Run struct {
	ID         string                         `db:"id" json:"id"`
	Pipeline   string                         `db:"pipeline" json:"pipeline"`
	Scope      string                         `db:"scope" json:"scope"`
	Operation  string                         `db:"operation" json:"operation"`
	Status     string                         `db:"status" json:"status"`
	Rows       int                            `db:"rows" json:"rows"`
	Deleted    int                            `db:"deleted" json:"deleted"`
	ActionID   string                         `db:"action_id" json:"action_id,omitempty"`
	ErrorKind  string                         `db:"error_kind" json:"error_kind,omitempty"`
	Error      string                         `db:"error" json:"error,omitempty"`
	Options    database.JSONB[map[string]any] `db:"options" json:"options"`
	StartedAt  time.Time                      `db:"started_at" json:"started_at"`
	FinishedAt *time.Time                     `db:"finished_at" json:"finished_at,omitempty"`
}

// Filter selects runs for List. Empty fields match everything.
type Filter struct {
	Pipeline string
	Scope    string
	Status   string
	Limit    int
}

func (f Filter) limit() int {
	if f.Limit < 1 {
		return 20
	}
	if f.Limit > 100 {
		return 100
	}
	return f.Limit
}
