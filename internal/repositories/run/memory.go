package run

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory keeps run history in process. It backs the CLI and tests when no
// database is configured.
type Memory struct {
	mu   sync.Mutex
	runs map[string]Run
}

func NewMemory() *Memory {
	return &Memory{runs: map[string]Run{}}
}

func (m *Memory) Start(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareStart(run)
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *Memory) Finish(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return fmt.Errorf("run %s was never started", run.ID)
	}
	prepareFinish(run)
	m.runs[run.ID] = *run
	return nil
}

func (m *Memory) GetByID(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Run
	for _, run := range m.runs {
		if f.Pipeline != "" && run.Pipeline != f.Pipeline {
			continue
		}
		if f.Scope != "" && run.Scope != f.Scope {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}
