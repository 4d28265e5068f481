package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Ledger. Previews record into one so that nothing
// they do marks the stored pipeline as applied.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Record(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	e.ID = m.nextID
	if e.RecordedAt.IsZero() {
		e.RecordedAt = m.now().UTC()
	}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *Memory) Entries(_ context.Context, pipelineID, actionID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.PipelineID == pipelineID && e.ActionID == actionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) List(_ context.Context, pipelineID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.PipelineID == pipelineID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.entries {
		if existing.ID == e.ID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) Any(_ context.Context, pipelineID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.PipelineID == pipelineID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Clear(_ context.Context, pipelineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.PipelineID != pipelineID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}
