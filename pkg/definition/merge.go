package definition

import (
	"fmt"
)

// DefaultCoreID is the node id given to the core method of a new definition.
const DefaultCoreID = "core0"

// Merger composes fragments into one pipeline definition.
type Merger struct {
	Identity IdentityTable
}

func NewMerger() *Merger {
	return &Merger{Identity: DefaultIdentity}
}

// Merge folds fragments into base in order. A nil base starts a new definition
// whose core method has id name. Every new action node is attached to the core
// with METHOD_ACTION and chained after the previously last action with NEXT,
// nodes equal under the identity table collapse onto the first one seen, and
// edges are de-duplicated on (from, type, to). base and fragments are not modified.
func (m *Merger) Merge(name string, base *Graph, fragments ...*Graph) (*Graph, error) {
	identity := m.Identity
	if identity == nil {
		identity = DefaultIdentity
	}

	var out *Graph
	if base == nil {
		out = &Graph{Nodes: []Node{{
			ID:         DefaultCoreID,
			Labels:     []string{LabelMethod},
			Properties: map[string]any{PropID: name},
		}}}
	} else {
		out = base.Clone()
	}
	if len(fragments) == 0 {
		return out, nil
	}

	core, err := out.CoreNode("")
	if err != nil {
		return nil, err
	}

	last, err := lastAction(out, core.ID)
	if err != nil {
		return nil, err
	}

	known := make(map[string]string, len(out.Nodes))
	ids := make(map[string]bool, len(out.Nodes))
	for _, n := range out.Nodes {
		ids[n.ID] = true
		if key, ok := identity.Identify(n, out); ok {
			if _, dup := known[key]; !dup {
				known[key] = n.ID
			}
		}
	}

	for _, fragment := range fragments {
		if fragment == nil {
			continue
		}
		frag := fragment.Clone()

		// identities of Relationship nodes depend on FROM/TO edges that may
		// point at nodes defined in the accumulated graph
		lookup := &Graph{Nodes: append(append([]Node{}, out.Nodes...), frag.Nodes...), Edges: append(append([]Edge{}, out.Edges...), frag.Edges...)}
		keys := make(map[string]string, len(frag.Nodes))
		for _, n := range frag.Nodes {
			if key, ok := identity.Identify(n, lookup); ok {
				keys[n.ID] = key
			}
		}

		var kept []Node
		var added []Edge
		for _, n := range frag.Nodes {
			key, hasKey := keys[n.ID]
			if existing, dup := known[key]; hasKey && dup {
				if existing != n.ID {
					rewriteEndpoints(frag.Edges, n.ID, existing)
				}
				continue
			}
			// nodes without an identity fall back to their id
			if !hasKey && ids[n.ID] {
				continue
			}
			if hasKey {
				known[key] = n.ID
			}
			ids[n.ID] = true
			kept = append(kept, n)

			if !n.HasLabel(LabelMethod) || n.Kind() == "" {
				continue
			}
			added = append(added, Edge{
				ID:     "ma_rel_" + n.ID,
				Type:   EdgeMethodAction,
				FromID: core.ID,
				ToID:   n.ID,
			})
			if last != "" && !hasIncoming(frag.Edges, n.ID, EdgeNext) {
				added = append(added, Edge{
					ID:     "next_rel_" + n.ID,
					Type:   EdgeNext,
					FromID: last,
					ToID:   n.ID,
				})
			}
			last = n.ID
		}

		out.Nodes = append(out.Nodes, kept...)
		out.Edges = append(out.Edges, added...)
		out.Edges = append(out.Edges, frag.Edges...)
		out.Edges = dedupeEdges(out.Edges)

		if last, err = lastAction(out, core.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// lastAction finds the final action under core: the last node in NEXT order,
// or the only action when nothing is chained yet.
func lastAction(g *Graph, coreID string) (string, error) {
	actions := g.Outgoing(coreID, EdgeMethodAction)
	if len(actions) == 0 {
		return "", nil
	}
	member := make(map[string]bool, len(actions))
	for _, e := range actions {
		member[e.ToID] = true
	}

	var pairs []Pair
	for _, p := range g.NextPairs() {
		if member[p.From] && member[p.To] {
			pairs = append(pairs, p)
		}
	}
	if len(pairs) == 0 {
		return actions[len(actions)-1].ToID, nil
	}

	ordered, cyclic := Order(pairs)
	if len(cyclic) > 0 {
		return "", fmt.Errorf("NEXT edges form a cycle through %v", cyclic)
	}
	return ordered[len(ordered)-1], nil
}

func rewriteEndpoints(edges []Edge, from, to string) {
	for i := range edges {
		if edges[i].FromID == from {
			edges[i].FromID = to
		}
		if edges[i].ToID == from {
			edges[i].ToID = to
		}
	}
}

func hasIncoming(edges []Edge, id, edgeType string) bool {
	for _, e := range edges {
		if e.ToID == id && e.Type == edgeType {
			return true
		}
	}
	return false
}

// dedupeEdges drops empty edges and keeps the first edge for each (from, type, to).
func dedupeEdges(edges []Edge) []Edge {
	seen := make(map[string]bool, len(edges))
	out := edges[:0]
	for _, e := range edges {
		if e.empty() {
			continue
		}
		k := e.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}
