package graphtest

import (
	"context"
	"fmt"
	"sort"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/table"
)

type schemaRel struct {
	node     *Node
	from, to *Node
}

func (m *Memory) schemaRelationships() []schemaRel {
	var out []schemaRel
	for _, n := range m.sortedNodes() {
		if !n.HasLabel(graph.LabelRelationship) {
			continue
		}
		r := schemaRel{node: n}
		for _, rel := range m.sortedRels() {
			if rel.From != n.ID {
				continue
			}
			switch rel.Type {
			case graph.RelFrom:
				r.from = m.nodes[rel.To]
			case graph.RelTo:
				r.to = m.nodes[rel.To]
			}
		}
		if r.from != nil && r.to != nil {
			out = append(out, r)
		}
	}
	return out
}

func classOf(n *Node) graph.Class {
	c := graph.Class{
		Label:         fmt.Sprint(n.Props[graph.PropLabel]),
		ShortLabel:    fmt.Sprint(n.Props[graph.PropShortLabel]),
		Derived:       fmt.Sprint(n.Props["derived"]) == "true",
		SubjectLevel:  n.Props["aval_repr"] != nil && fmt.Sprint(n.Props["aval_repr"]) != "false",
		DataType:      stringProp(n, "data_type"),
		ClassesForURI: stringProp(n, "classes_for_uri"),
	}
	return c
}

func stringProp(n *Node, key string) string {
	if v, ok := n.Props[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func (m *Memory) Class(_ context.Context, label string) (graph.Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.classNode(label)
	if n == nil {
		return graph.Class{}, errors.Newf(errors.KindNotFound, "class %q not found", label)
	}
	return classOf(n), nil
}

func (m *Memory) ClassesByShortLabel(_ context.Context, shortLabels []string) ([]graph.Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(shortLabels))
	for _, s := range shortLabels {
		wanted[s] = true
	}
	var out []graph.Class
	for _, n := range m.sortedNodes() {
		if n.HasLabel(graph.LabelClass) && wanted[stringProp(n, graph.PropShortLabel)] {
			out = append(out, classOf(n))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *Memory) ParentClasses(_ context.Context, label string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	seen := map[int64]bool{}
	current := m.classNode(label)
	for current != nil && !seen[current.ID] {
		seen[current.ID] = true
		var next *Node
		for _, r := range m.sortedRels() {
			if r.Type == graph.RelSubclassOf && r.From == current.ID {
				next = m.nodes[r.To]
				break
			}
		}
		if next != nil && !seen[next.ID] {
			out = append(out, stringProp(next, graph.PropLabel))
		}
		current = next
	}
	return out, nil
}

func (m *Memory) ControlledTerms(_ context.Context, class string) ([]graph.Term, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.classNode(class)
	if c == nil {
		return nil, nil
	}
	var out []graph.Term
	for _, t := range m.termsOf(c.ID) {
		out = append(out, graph.Term{
			ID:        t.ID,
			Label:     stringProp(t, graph.PropRDFSLabel),
			TermCode:  stringProp(t, graph.PropTermCode),
			Codelist:  stringProp(t, graph.PropCodelist),
			ClassName: class,
		})
	}
	return out, nil
}

func (m *Memory) TermExists(ctx context.Context, class, rdfsLabel string) (bool, error) {
	terms, err := m.ControlledTerms(ctx, class)
	if err != nil {
		return false, err
	}
	for _, t := range terms {
		if t.Label == rdfsLabel {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) SchemaRelationships(_ context.Context, class string) ([]graph.SchemaRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []graph.SchemaRelationship
	for _, r := range m.schemaRelationships() {
		from, to := stringProp(r.from, graph.PropLabel), stringProp(r.to, graph.PropLabel)
		if from != class && to != class {
			continue
		}
		out = append(out, graph.SchemaRelationship{
			From:       from,
			To:         to,
			Type:       stringProp(r.node, graph.PropRelationshipType),
			ShortLabel: stringProp(r.node, graph.PropShortLabel),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (m *Memory) SameAsTermPairs(_ context.Context, from, to string) ([]graph.TermPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fc, tc := m.classNode(from), m.classNode(to)
	if fc == nil || tc == nil {
		return nil, nil
	}
	toTerms := map[int64]bool{}
	for _, t := range m.termsOf(tc.ID) {
		toTerms[t.ID] = true
	}
	var out []graph.TermPair
	for _, ft := range m.termsOf(fc.ID) {
		for _, r := range m.sortedRels() {
			if r.Type == graph.RelSameAs && r.From == ft.ID && toTerms[r.To] {
				out = append(out, graph.TermPair{From: ft.Props[graph.PropRDFSLabel], To: m.nodes[r.To].Props[graph.PropRDFSLabel]})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return fmt.Sprint(out[i].From) < fmt.Sprint(out[j].From) })
	return out, nil
}

func (m *Memory) MergeClass(_ context.Context, c graph.Class, extra map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.classNode(c.Label)
	if n == nil {
		id := m.addNode([]string{graph.LabelClass}, map[string]any{graph.PropLabel: c.Label})
		n = m.nodes[id]
	}
	n.Props[graph.PropShortLabel] = c.ShortLabel
	if c.DataType != "" {
		n.Props["data_type"] = c.DataType
	}
	if c.Derived {
		n.Props["derived"] = "true"
	}
	for k, v := range extra {
		n.Props[k] = v
	}
	return nil
}

func (m *Memory) MergeSchemaRelationships(_ context.Context, fromLabels []string, to, relType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, from := range fromLabels {
		m.mergeSchemaRelationship(from, to, relType)
	}
	return nil
}

func (m *Memory) BuildDistinctTerms(_ context.Context, class, provenance string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.classNode(class)
	if c == nil {
		return false, nil
	}
	groups := map[string][]*Node{}
	var values []string
	duplicated := false
	for _, n := range m.sortedNodes() {
		if !n.HasLabel(class) || n.Props[graph.PropRDFSLabel] == nil {
			continue
		}
		v := fmt.Sprint(n.Props[graph.PropRDFSLabel])
		if v == "NaN" {
			continue
		}
		if _, ok := groups[v]; !ok {
			values = append(values, v)
		}
		groups[v] = append(groups[v], n)
		if len(groups[v]) > 1 {
			duplicated = true
		}
	}
	if !duplicated {
		return false, nil
	}

	existing := map[string]*Node{}
	for _, t := range m.termsOf(c.ID) {
		existing[stringProp(t, graph.PropRDFSLabel)] = t
	}
	for _, v := range values {
		term := existing[v]
		if term == nil {
			id := m.addNode([]string{graph.LabelTerm, class}, map[string]any{
				graph.PropRDFSLabel: groups[v][0].Props[graph.PropRDFSLabel],
				graph.PropCodelist:  stringProp(c, graph.PropShortLabel),
				graph.PropTermCode:  v,
				"provenance":        provenance,
			})
			m.addRel(graph.RelHasControlledTerm, c.ID, id)
			term = m.nodes[id]
		}
		for _, n := range groups[v] {
			m.mergeRel(graph.RelTerm, n.ID, term.ID)
		}
	}
	return true, nil
}

func (m *Memory) MissingClasses(_ context.Context, labels []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	var out []string
	for _, l := range labels {
		if seen[l] {
			continue
		}
		seen[l] = true
		if m.classNode(l) == nil {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) MissingRelationships(_ context.Context, rels []graph.SchemaRelationship) ([]graph.SchemaRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.schemaRelationships()
	var out []graph.SchemaRelationship
	for _, want := range rels {
		found := false
		for _, r := range existing {
			if stringProp(r.from, graph.PropLabel) == want.From && stringProp(r.to, graph.PropLabel) == want.To &&
				stringProp(r.node, graph.PropRelationshipType) == want.Type {
				found = true
				break
			}
		}
		if !found {
			out = append(out, want)
		}
	}
	return out, nil
}

func (m *Memory) MissingTerms(_ context.Context, terms []graph.TermRef) ([]graph.TermRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []graph.TermRef
	for _, want := range terms {
		found := false
		if c := m.classNode(want.Class); c != nil {
			for _, t := range m.termsOf(c.ID) {
				if stringProp(t, graph.PropTermCode) == want.TermCode &&
					(want.Codelist == "" || stringProp(t, graph.PropCodelist) == want.Codelist) {
					found = true
					break
				}
			}
		}
		if !found {
			out = append(out, want)
		}
	}
	return out, nil
}

// ReadTable walks the stored instances the way the Cypher data query does:
// relationships are followed in order, unbound classes are crossed in, and
// optional parts keep rows with missing values.
func (m *Memory) ReadTable(_ context.Context, req graph.DataRequest) (*table.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(req.Classes) == 0 && len(req.Relationships) == 0 {
		return nil, errors.New(errors.KindValidationFailure, "no classes or relationships to read")
	}

	if req.InferRelationships && len(req.Relationships) == 0 && len(req.Classes) > 1 {
		byLabel := map[string]graph.ClassRef{}
		for _, c := range req.Classes {
			byLabel[c.Label] = c
		}
		for _, r := range m.schemaRelationships() {
			from, okFrom := byLabel[stringProp(r.from, graph.PropLabel)]
			to, okTo := byLabel[stringProp(r.to, graph.PropLabel)]
			if okFrom && okTo {
				req.Relationships = append(req.Relationships, graph.RelationshipRef{
					From: from, To: to, Type: stringProp(r.node, graph.PropRelationshipType), Optional: to.Optional,
				})
			}
		}
		if len(req.Relationships) == 0 && !req.AllowUnrelated {
			return nil, errors.New(errors.KindValidationFailure, "no schema relationships connect the requested classes")
		}
	}

	var refs []graph.ClassRef
	seen := map[string]bool{}
	addRef := func(c graph.ClassRef) {
		if !seen[c.Label] {
			seen[c.Label] = true
			refs = append(refs, c)
		}
	}

	rows := []map[string]int64{{}}
	bound := map[string]bool{}
	for _, rel := range req.Relationships {
		addRef(rel.From)
		addRef(rel.To)
		optional := rel.Optional || rel.To.Optional
		var next []map[string]int64
		for _, row := range rows {
			pairs := m.relPairs(rel, row, bound)
			if len(pairs) == 0 && optional {
				extended := copyRow(row)
				for _, l := range []string{rel.From.Label, rel.To.Label} {
					if !bound[l] {
						extended[l] = 0
					}
				}
				next = append(next, extended)
				continue
			}
			for _, p := range pairs {
				extended := copyRow(row)
				extended[rel.From.Label] = p.From
				extended[rel.To.Label] = p.To
				next = append(next, extended)
			}
		}
		rows = next
		bound[rel.From.Label] = true
		bound[rel.To.Label] = true
	}
	for _, c := range req.Classes {
		addRef(c)
		if bound[c.Label] {
			continue
		}
		instances := m.instances(c.Label)
		var next []map[string]int64
		for _, row := range rows {
			if len(instances) == 0 && c.Optional {
				extended := copyRow(row)
				extended[c.Label] = 0
				next = append(next, extended)
			}
			for _, id := range instances {
				extended := copyRow(row)
				extended[c.Label] = id
				next = append(next, extended)
			}
		}
		rows = next
		bound[c.Label] = true
	}

	columns := make([]string, 0, 2*len(refs))
	for _, c := range refs {
		columns = append(columns, table.IDColumn(c.ShortLabel), c.ShortLabel)
	}
	out := table.New(columns...)
	distinct := map[string]bool{}
	for _, row := range rows {
		if !m.keep(req, refs, row) {
			continue
		}
		rec := make(map[string]any, len(columns))
		key := ""
		for _, c := range refs {
			id := row[c.Label]
			if n, ok := m.nodes[id]; ok && id != 0 {
				rec[table.IDColumn(c.ShortLabel)] = id
				rec[c.ShortLabel] = n.Props[graph.PropRDFSLabel]
			} else {
				rec[table.IDColumn(c.ShortLabel)] = nil
				rec[c.ShortLabel] = nil
			}
			key += fmt.Sprintf("%d|", id)
		}
		if distinct[key] {
			continue
		}
		distinct[key] = true
		out.AppendRecord(rec)
		if req.Limit > 0 && out.Len() >= req.Limit {
			break
		}
	}
	return out, nil
}

func copyRow(row map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(row)+2)
	for k, v := range row {
		out[k] = v
	}
	return out
}

func (m *Memory) instances(label string) []int64 {
	var out []int64
	for _, n := range m.sortedNodes() {
		if n.HasLabel(label) {
			out = append(out, n.ID)
		}
	}
	return out
}

func (m *Memory) relPairs(rel graph.RelationshipRef, row map[string]int64, bound map[string]bool) []graph.Pair {
	var out []graph.Pair
	for _, r := range m.sortedRels() {
		if r.Type != rel.Type {
			continue
		}
		from, to := m.nodes[r.From], m.nodes[r.To]
		if from == nil || to == nil || !from.HasLabel(rel.From.Label) || !to.HasLabel(rel.To.Label) {
			continue
		}
		if bound[rel.From.Label] && row[rel.From.Label] != r.From {
			continue
		}
		if bound[rel.To.Label] && row[rel.To.Label] != r.To {
			continue
		}
		out = append(out, graph.Pair{From: r.From, To: r.To})
	}
	return out
}

func (m *Memory) keep(req graph.DataRequest, refs []graph.ClassRef, row map[string]int64) bool {
	for _, c := range refs {
		n, ok := m.nodes[row[c.Label]]
		if !ok {
			continue
		}
		value := n.Props[graph.PropRDFSLabel]
		if f, ok := req.Where[c.Label]; ok && !matches(f, value) {
			return false
		}
		if allowed, ok := req.OnlyRelatedTo[c.Label]; ok && !m.onlyRelatedTo(n, allowed) {
			return false
		}
	}
	return true
}

func (m *Memory) onlyRelatedTo(n *Node, allowed []string) bool {
	allowed = append(append([]string(nil), allowed...), graph.LabelClass, graph.LabelTerm)
	for _, r := range m.rels {
		var peer *Node
		if r.From == n.ID {
			peer = m.nodes[r.To]
		} else if r.To == n.ID {
			peer = m.nodes[r.From]
		}
		if peer == nil {
			continue
		}
		ok := false
		for _, l := range allowed {
			if peer.HasLabel(l) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func matches(f graph.Filter, value any) bool {
	if len(f.Equals) > 0 {
		found := false
		for _, v := range f.Equals {
			if equal(v, value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Min != nil {
		a, okA := table.ToFloat(value)
		b, okB := table.ToFloat(f.Min)
		if !okA || !okB || a < b {
			return false
		}
	}
	if f.Max != nil {
		a, okA := table.ToFloat(value)
		b, okB := table.ToFloat(f.Max)
		if !okA || !okB || a > b {
			return false
		}
	}
	for _, v := range f.NotIn {
		if equal(v, value) {
			return false
		}
	}
	return true
}
