// Package ledger records what each applied action changed in the backing
// store so that rollback can undo exactly that.
package ledger

import (
	"context"
	"time"
)

// Entry is the change record of one applied action.
type Entry struct {
	ID         int64  `json:"id"`
	PipelineID string `json:"pipeline_id"`
	ActionID   string `json:"action_id"`
	Kind       string `json:"kind"`

	ColumnsBefore []string `json:"cols_before,omitempty"`
	ColumnsAfter  []string `json:"cols_after,omitempty"`
	CommitID      string   `json:"commit_id,omitempty"`

	NodeIDs          []int64  `json:"id_on,omitempty"`
	RelationshipIDs  []int64  `json:"id_rel,omitempty"`
	RelationshipType string   `json:"relationship_type,omitempty"`
	NaNNodeIDs       []int64  `json:"nan_node_ids,omitempty"`
	URIs             []string `json:"created_uris,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// NewColumns returns the columns present after the action that were not
// present before it.
func (e Entry) NewColumns() []string {
	before := make(map[string]bool, len(e.ColumnsBefore))
	for _, c := range e.ColumnsBefore {
		before[c] = true
	}
	var out []string
	for _, c := range e.ColumnsAfter {
		if !before[c] {
			out = append(out, c)
		}
	}
	return out
}

// Ledger stores change entries per pipeline. Entries of an action are returned
// in the order they were recorded.
type Ledger interface {
	Record(ctx context.Context, e Entry) (Entry, error)
	Entries(ctx context.Context, pipelineID, actionID string) ([]Entry, error)
	List(ctx context.Context, pipelineID string) ([]Entry, error)
	Delete(ctx context.Context, e Entry) error
	Any(ctx context.Context, pipelineID string) (bool, error)
	Clear(ctx context.Context, pipelineID string) error
}
