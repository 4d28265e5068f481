// Package graphtest provides an in-memory backing graph with the same
// behaviour as graph.CypherStore, for tests that exercise actions, pipelines
// and prediction without a database.
package graphtest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/table"
)

// Node is a stored node.
type Node struct {
	ID     int64
	Labels []string
	Props  map[string]any
}

func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func (n *Node) addLabel(label string) {
	if !n.HasLabel(label) {
		n.Labels = append(n.Labels, label)
	}
}

// Rel is a stored relationship.
type Rel struct {
	ID    int64
	Type  string
	From  int64
	To    int64
	Props map[string]any
}

// Memory is an in-memory graph. The zero value is not usable; call New.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	nodes  map[int64]*Node
	rels   map[int64]*Rel

	definitions map[string]*definition.Graph
	prereqs     map[string][]definition.Pair
	declared    []string

	// QueryFunc answers Query calls. Without it Query returns no rows.
	QueryFunc func(ctx context.Context, cypher string, params map[string]any) ([]graph.Record, error)
	// Queries records every statement passed to Query.
	Queries []string
}

func New() *Memory {
	return &Memory{
		nodes:       make(map[int64]*Node),
		rels:        make(map[int64]*Rel),
		definitions: make(map[string]*definition.Graph),
		prereqs:     make(map[string][]definition.Pair),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddNode stores a node and returns its id.
func (m *Memory) AddNode(labels []string, props map[string]any) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addNode(labels, props)
}

func (m *Memory) addNode(labels []string, props map[string]any) int64 {
	n := &Node{ID: m.id(), Labels: append([]string(nil), labels...), Props: make(map[string]any, len(props))}
	for k, v := range props {
		if v != nil {
			n.Props[k] = v
		}
	}
	m.nodes[n.ID] = n
	return n.ID
}

// AddRel stores a relationship and returns its id.
func (m *Memory) AddRel(relType string, from, to int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addRel(relType, from, to)
}

func (m *Memory) addRel(relType string, from, to int64) int64 {
	r := &Rel{ID: m.id(), Type: relType, From: from, To: to, Props: map[string]any{}}
	m.rels[r.ID] = r
	return r.ID
}

func (m *Memory) mergeRel(relType string, from, to int64) int64 {
	for _, r := range m.sortedRels() {
		if r.Type == relType && r.From == from && r.To == to {
			return r.ID
		}
	}
	return m.addRel(relType, from, to)
}

// AddClass stores a schema class node.
func (m *Memory) AddClass(c graph.Class) int64 {
	props := map[string]any{graph.PropLabel: c.Label, graph.PropShortLabel: c.ShortLabel}
	if c.DataType != "" {
		props["data_type"] = c.DataType
	}
	if c.Derived {
		props["derived"] = "true"
	}
	if c.ClassesForURI != "" {
		props["classes_for_uri"] = c.ClassesForURI
	}
	if c.SubjectLevel {
		props["aval_repr"] = "true"
	}
	return m.AddNode([]string{graph.LabelClass}, props)
}

// AddTerm stores a controlled term of class.
func (m *Memory) AddTerm(class, rdfsLabel, termCode string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.classNode(class)
	id := m.addNode([]string{graph.LabelTerm}, map[string]any{
		graph.PropRDFSLabel: rdfsLabel,
		graph.PropTermCode:  termCode,
	})
	if c != nil {
		m.addRel(graph.RelHasControlledTerm, c.ID, id)
	}
	return id
}

// AddSchemaRelationship stores a Relationship node between two classes.
func (m *Memory) AddSchemaRelationship(from, to, relType string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeSchemaRelationship(from, to, relType)
}

func (m *Memory) mergeSchemaRelationship(from, to, relType string) int64 {
	f, t := m.classNode(from), m.classNode(to)
	if f == nil || t == nil {
		return 0
	}
	for _, r := range m.schemaRelationships() {
		if r.from.ID == f.ID && r.to.ID == t.ID && r.node.Props[graph.PropRelationshipType] == relType {
			return r.node.ID
		}
	}
	id := m.addNode([]string{graph.LabelRelationship}, map[string]any{graph.PropRelationshipType: relType})
	m.addRel(graph.RelFrom, id, f.ID)
	m.addRel(graph.RelTo, id, t.ID)
	return id
}

// Node returns a copy of the node with id.
func (m *Memory) Node(id int64) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// NodesWithLabel returns the nodes carrying label ordered by id.
func (m *Memory) NodesWithLabel(label string) []Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Node
	for _, n := range m.sortedNodes() {
		if n.HasLabel(label) {
			out = append(out, *n)
		}
	}
	return out
}

// RelsOfType returns the relationships of relType ordered by id.
func (m *Memory) RelsOfType(relType string) []Rel {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Rel
	for _, r := range m.sortedRels() {
		if r.Type == relType {
			out = append(out, *r)
		}
	}
	return out
}

// Counts returns the number of nodes and relationships.
func (m *Memory) Counts() (nodes, rels int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes), len(m.rels)
}

// Declared returns the definition names passed to DeclareIO.
func (m *Memory) Declared() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.declared...)
}

func (m *Memory) sortedNodes() []*Node {
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) sortedRels() []*Rel {
	out := make([]*Rel, 0, len(m.rels))
	for _, r := range m.rels {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// linked reports whether id has a relationship of a type not in ignore.
func (m *Memory) linked(id int64, ignore ...string) bool {
	for _, r := range m.rels {
		if (r.From == id || r.To == id) && !slices.Contains(ignore, r.Type) {
			return true
		}
	}
	return false
}

func (m *Memory) deleteNode(id int64) {
	for rid, r := range m.rels {
		if r.From == id || r.To == id {
			delete(m.rels, rid)
		}
	}
	delete(m.nodes, id)
}

func (m *Memory) classNode(label string) *Node {
	for _, n := range m.sortedNodes() {
		if n.HasLabel(graph.LabelClass) && n.Props[graph.PropLabel] == label {
			return n
		}
	}
	return nil
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := table.ToFloat(a); ok {
		if fb, ok := table.ToFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Query records cypher and delegates to QueryFunc.
func (m *Memory) Query(ctx context.Context, cypher string, params map[string]any) ([]graph.Record, error) {
	m.mu.Lock()
	m.Queries = append(m.Queries, cypher)
	fn := m.QueryFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, cypher, params)
}

func (m *Memory) MergeNodes(_ context.Context, label, key string, rows []map[string]any, merge bool) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, len(rows))
	for i, row := range rows {
		if merge {
			var found *Node
			for _, n := range m.sortedNodes() {
				if n.HasLabel(label) && row[key] != nil && equal(n.Props[key], row[key]) {
					found = n
					break
				}
			}
			if found != nil {
				for k, v := range row {
					if v == nil {
						delete(found.Props, k)
					} else {
						found.Props[k] = v
					}
				}
				ids[i] = found.ID
				continue
			}
		}
		ids[i] = m.addNode([]string{label}, row)
	}
	return ids, nil
}

func (m *Memory) ClearSentinel(_ context.Context, ids []int64, key string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]bool)
	var out []int64
	for _, id := range ids {
		n, ok := m.nodes[id]
		if !ok || seen[id] || n.Props[key] != graph.NaNSentinel {
			continue
		}
		seen[id] = true
		delete(n.Props, key)
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) SetParentLabels(ctx context.Context, class string) error {
	parents, err := m.ParentClasses(ctx, class)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if !n.HasLabel(class) {
			continue
		}
		for _, p := range parents {
			n.addLabel(p)
		}
	}
	return nil
}

func (m *Memory) LinkInstances(_ context.Context, classes ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, class := range classes {
		c := m.classNode(class)
		if c == nil {
			continue
		}
		terms := m.termsOf(c.ID)
		for _, n := range m.sortedNodes() {
			if !n.HasLabel(class) {
				continue
			}
			m.mergeRel(graph.RelIsA, n.ID, c.ID)
			for _, t := range terms {
				if n.Props[graph.PropRDFSLabel] != nil && equal(t.Props[graph.PropRDFSLabel], n.Props[graph.PropRDFSLabel]) {
					m.mergeRel(graph.RelTerm, n.ID, t.ID)
				}
			}
		}
	}
	return nil
}

func (m *Memory) termsOf(classID int64) []*Node {
	var out []*Node
	for _, r := range m.sortedRels() {
		if r.Type == graph.RelHasControlledTerm && r.From == classID {
			if t, ok := m.nodes[r.To]; ok && t.HasLabel(graph.LabelTerm) {
				out = append(out, t)
			}
		}
	}
	return out
}

func (m *Memory) MergeRelationships(_ context.Context, relType string, pairs []graph.Pair) ([]graph.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]bool)
	var out []graph.Link
	for _, p := range pairs {
		if m.nodes[p.From] == nil || m.nodes[p.To] == nil {
			continue
		}
		id := m.mergeRel(relType, p.From, p.To)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, graph.Link{ID: id, From: p.From, To: p.To})
	}
	return out, nil
}

func (m *Memory) DeleteRelationships(_ context.Context, ids []int64) ([]graph.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []graph.Pair
	for _, id := range ids {
		r, ok := m.rels[id]
		if !ok {
			continue
		}
		delete(m.rels, id)
		out = append(out, graph.Pair{From: r.From, To: r.To})
	}
	return out, nil
}

func (m *Memory) DeleteEmptyNodes(_ context.Context, ids []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int64
	for _, id := range ids {
		n, ok := m.nodes[id]
		if !ok || len(n.Props) > 0 || m.linked(id, graph.RelIsA, graph.RelTerm) {
			continue
		}
		m.deleteNode(id)
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) AddLabel(_ context.Context, onLabel, label string, ids []int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]bool)
	tagged := 0
	for _, id := range ids {
		n, ok := m.nodes[id]
		if !ok || seen[id] || !n.HasLabel(onLabel) {
			continue
		}
		seen[id] = true
		n.addLabel(label)
		tagged++
	}
	return tagged, nil
}

func (m *Memory) RemoveLabel(ctx context.Context, onLabel, label string, ids []int64) ([]int64, error) {
	m.mu.Lock()
	classes := map[int64]bool{}
	if c := m.classNode(label); c != nil {
		classes[c.ID] = true
	}
	m.mu.Unlock()

	parents, err := m.ParentClasses(ctx, label)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range parents {
		if c := m.classNode(p); c != nil {
			classes[c.ID] = true
		}
	}

	seen := make(map[int64]bool)
	var out []int64
	for _, id := range ids {
		n, ok := m.nodes[id]
		if !ok || seen[id] || !n.HasLabel(onLabel) || !n.HasLabel(label) {
			continue
		}
		seen[id] = true
		kept := n.Labels[:0]
		for _, l := range n.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		n.Labels = kept
		for rid, r := range m.rels {
			if r.Type == graph.RelIsA && r.From == id && classes[r.To] {
				delete(m.rels, rid)
			}
		}
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) SetProperty(_ context.Context, key string, values map[int64]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, v := range values {
		if n, ok := m.nodes[id]; ok {
			n.Props[key] = v
		}
	}
	return nil
}

func (m *Memory) MergeStatistics(_ context.Context, req graph.StatRequest) ([]graph.StatRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.classNode(req.Result.Label)
	if result == nil {
		return nil, nil
	}

	byIndex := make(map[int]map[string]int64)
	for _, stat := range req.Statistics {
		uriCol := table.URIColumn(stat.ShortLabel)
		for i, row := range req.Rows {
			uri := row[uriCol]
			if uri == nil {
				continue
			}
			dims := make([]int64, 0, len(req.Dimensions))
			for _, d := range req.Dimensions {
				id, ok := table.ToInt64(row[table.IDColumn(d.ShortLabel)])
				if !ok || m.nodes[id] == nil {
					break
				}
				dims = append(dims, id)
			}
			if len(dims) != len(req.Dimensions) {
				continue
			}

			var node *Node
			for _, n := range m.sortedNodes() {
				if n.HasLabel(stat.Label) && n.HasLabel(graph.LabelResource) && equal(n.Props[graph.PropURI], uri) {
					node = n
					break
				}
			}
			if node == nil {
				id := m.addNode([]string{graph.LabelResource, stat.Label}, map[string]any{
					graph.PropURI:       uri,
					graph.PropRDFSLabel: row[stat.ShortLabel],
				})
				node = m.nodes[id]
			}
			m.mergeRel(stat.Label, result.ID, node.ID)
			for _, d := range dims {
				m.mergeRel(stat.Label, d, node.ID)
			}
			if byIndex[i] == nil {
				byIndex[i] = make(map[string]int64)
			}
			byIndex[i][stat.ShortLabel] = node.ID
		}
	}

	out := make([]graph.StatRow, 0, len(byIndex))
	for i, ids := range byIndex {
		if len(ids) == len(req.Statistics) {
			out = append(out, graph.StatRow{Index: i, NodeIDs: ids})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}

func (m *Memory) DeleteByProperty(_ context.Context, key string, values []any) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int64
	for _, n := range m.sortedNodes() {
		for _, v := range values {
			if n.Props[key] != nil && equal(n.Props[key], v) {
				m.deleteNode(n.ID)
				out = append(out, n.ID)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) DeleteOrphans(_ context.Context, ids []int64) (deleted, remaining []int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]bool)
	for _, id := range ids {
		n, ok := m.nodes[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		if n.HasLabel(graph.LabelTerm) {
			continue
		}
		rels := 0
		for _, r := range m.rels {
			if (r.From == id || r.To == id) && r.Type != graph.RelIsA {
				rels++
			}
		}
		if rels == 0 {
			m.deleteNode(id)
			deleted = append(deleted, id)
		}
	}
	for id := range seen {
		if _, ok := m.nodes[id]; ok {
			remaining = append(remaining, id)
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
	return deleted, remaining, nil
}

// SaveDefinition stores a copy of g under its core name and scope.
func (m *Memory) SaveDefinition(_ context.Context, scope string, g *definition.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range g.NodesWithLabel(definition.LabelMethod) {
		if n.Kind() != "" {
			continue
		}
		if len(g.Incoming(n.ID, definition.EdgeMethodAction)) > 0 {
			continue
		}
		m.definitions[definitionKey(scope, n.Prop(definition.PropID))] = g.Clone()
	}
	return nil
}

func (m *Memory) LoadDefinition(_ context.Context, name, scope string) (*definition.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.definitions[definitionKey(scope, name)]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "pipeline %q not found in %q", name, scope)
	}
	return g.Clone(), nil
}

func (m *Memory) DeleteDefinition(_ context.Context, name, scope string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := definitionKey(scope, name)
	g, ok := m.definitions[key]
	if !ok {
		return 0, nil
	}
	delete(m.definitions, key)
	return len(g.NodesWithLabel(definition.LabelMethod)), nil
}

func (m *Memory) DefinitionNames(_ context.Context, scope string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := scope + "\x1f"
	var out []string
	for key := range m.definitions {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key[len(prefix):])
		}
	}
	sort.Strings(out)
	return out, nil
}

// AddPrerequisite declares that pipeline must run after prereq.
func (m *Memory) AddPrerequisite(scope, prereq, pipeline string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prereqs[scope] = append(m.prereqs[scope], definition.Pair{From: prereq, To: pipeline})
}

func (m *Memory) Prerequisites(_ context.Context, scope string) ([]definition.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]definition.Pair(nil), m.prereqs[scope]...), nil
}

func (m *Memory) DeclareIO(_ context.Context, name, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.definitions[definitionKey(scope, name)]; !ok {
		return errors.Newf(errors.KindNotFound, "pipeline %q not found in %q", name, scope)
	}
	m.declared = append(m.declared, name)
	return nil
}

func definitionKey(scope, name string) string {
	return scope + "\x1f" + name
}
