package actions

import (
	"fmt"

	"github.com/Ramsey-B/fern/pkg/definition"
)

// NodeFragment rebuilds the declarative form of an action: its Method node, the
// schema nodes its edges point at and, for relationships and terms, the
// classes those hang off.
func NodeFragment(node definition.ActionNode) *definition.Graph {
	g := &definition.Graph{}
	seen := map[string]bool{}
	addNode := func(n definition.Node) {
		if seen[n.ID] {
			return
		}
		seen[n.ID] = true
		g.Nodes = append(g.Nodes, n)
	}
	addEdge := func(edgeType, from, to string, props map[string]any) {
		g.Edges = append(g.Edges, definition.Edge{
			ID:         fmt.Sprintf("%s_%s_%s", from, edgeType, to),
			Type:       edgeType,
			FromID:     from,
			ToID:       to,
			Properties: props,
		})
	}

	id := node.NodeID
	if id == "" {
		id = node.ID
	}
	props := make(map[string]any, len(node.Params)+2)
	for k, v := range node.Params {
		props[k] = v
	}
	props[definition.PropID] = node.ID
	if node.Kind != "" {
		props[definition.PropKind] = node.Kind
	}
	addNode(definition.Node{ID: id, Labels: []string{definition.LabelMethod}, Properties: props})

	for _, e := range node.Edges {
		addNode(e.Target)
		addEdge(e.Type, id, e.Target.ID, e.Properties)
		if e.From != nil {
			addNode(*e.From)
			addEdge(definition.EdgeFrom, e.Target.ID, e.From.ID, nil)
		}
		if e.To != nil {
			addNode(*e.To)
			addEdge(definition.EdgeTo, e.Target.ID, e.To.ID, nil)
		}
		if e.Owner != nil {
			addNode(*e.Owner)
			addEdge(definition.EdgeHasControlledTerm, e.Owner.ID, e.Target.ID, nil)
		}
	}
	return g
}
