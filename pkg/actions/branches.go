package actions

import (
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/pkg/table"
)

// Branches holds the named working-table snapshots of one pipeline run.
type Branches struct {
	mu     sync.Mutex
	tables map[string]*table.Table
}

func NewBranches() *Branches {
	return &Branches{tables: make(map[string]*table.Table)}
}

// Save stores a copy of t under name, replacing any earlier snapshot.
func (b *Branches) Save(name string, t *table.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == nil {
		t = table.New()
	}
	b.tables[name] = t.Copy()
}

// Load returns a copy of the snapshot saved under name.
func (b *Branches) Load(name string) (*table.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[name]
	if !ok {
		return nil, false
	}
	return t.Copy(), true
}

func (b *Branches) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.tables))
	for name := range b.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reset drops every snapshot.
func (b *Branches) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables = make(map[string]*table.Table)
}
