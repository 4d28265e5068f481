package definition

import (
	"fmt"
)

// EdgeHasControlledTerm links a Class to the Terms of its codelist.
const EdgeHasControlledTerm = "HAS_CONTROLLED_TERM"

// ActionNode is the runtime form of one Method node of a definition: its kind,
// its parameters and the schema nodes it points at. Composite expansions build
// ActionNodes directly, without a backing graph.
type ActionNode struct {
	ID       string
	NodeID   string
	Kind     string
	ParentID string
	Params   map[string]any
	Edges    []ActionEdge
	// Children holds the actions of a nested pipeline (a Method with no kind).
	Children []ActionNode
}

// ActionEdge is an outgoing edge of an action, resolved to its target.
type ActionEdge struct {
	Type       string
	Properties map[string]any
	Target     Node
	// From and To are the endpoint classes when Target is a Relationship node.
	From *Node
	To   *Node
	// Owner is the class holding Target when Target is a Term.
	Owner *Node
}

// Param returns a parameter rendered as a string, "" when absent.
func (a ActionNode) Param(key string) string {
	return Node{Properties: a.Params}.Prop(key)
}

// EdgesOfType returns the action's edges of the given type in definition order.
func (a ActionNode) EdgesOfType(edgeType string) []ActionEdge {
	var out []ActionEdge
	for _, e := range a.Edges {
		if e.Type == edgeType {
			out = append(out, e)
		}
	}
	return out
}

// Prop returns an edge property rendered as a string, "" when absent.
func (e ActionEdge) Prop(key string) string {
	return Node{Properties: e.Properties}.Prop(key)
}

// Actions returns the actions of the pipeline rooted at the core method name
// in execution order. Actions under the core are ordered by their NEXT edges;
// a definition whose chain branches, loops or leaves an action unreachable is
// rejected.
func (g *Graph) Actions(name string) ([]ActionNode, error) {
	core, err := g.CoreNode(name)
	if err != nil {
		return nil, err
	}
	return g.chain(core, core.Prop(PropID), 0)
}

const maxNesting = 10

func (g *Graph) chain(root Node, parentID string, depth int) ([]ActionNode, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("method %q nests deeper than %d levels", root.Prop(PropID), maxNesting)
	}

	members := g.Outgoing(root.ID, EdgeMethodAction)
	if len(members) == 0 {
		return nil, nil
	}
	inChain := make(map[string]bool, len(members))
	for _, e := range members {
		inChain[e.ToID] = true
	}

	preds := make(map[string]int, len(members))
	succs := make(map[string]int, len(members))
	var pairs []Pair
	for _, p := range g.NextPairs() {
		if !inChain[p.From] || !inChain[p.To] {
			continue
		}
		pairs = append(pairs, p)
		preds[p.To]++
		succs[p.From]++
	}
	for id := range inChain {
		if preds[id] > 1 {
			return nil, fmt.Errorf("action node %q has %d NEXT predecessors", id, preds[id])
		}
		if succs[id] > 1 {
			return nil, fmt.Errorf("action node %q has %d NEXT successors", id, succs[id])
		}
	}

	var order []string
	if len(members) == 1 {
		order = []string{members[0].ToID}
	} else {
		ordered, cyclic := Order(pairs)
		if len(cyclic) > 0 {
			return nil, fmt.Errorf("NEXT edges of method %q form a cycle through %v", root.Prop(PropID), cyclic)
		}
		if len(ordered) != len(members) {
			return nil, fmt.Errorf("method %q has %d actions but only %d are chained by NEXT", root.Prop(PropID), len(members), len(ordered))
		}
		order = ordered
	}

	out := make([]ActionNode, 0, len(order))
	for _, id := range order {
		n, ok := g.Node(id)
		if !ok {
			return nil, fmt.Errorf("METHOD_ACTION edge of method %q points at missing node %q", root.Prop(PropID), id)
		}
		action := g.actionNode(n, parentID)
		if action.Kind == "" {
			children, err := g.chain(n, parentID+"_"+action.ID, depth+1)
			if err != nil {
				return nil, err
			}
			action.Children = children
		}
		out = append(out, action)
	}
	return out, nil
}

func (g *Graph) actionNode(n Node, parentID string) ActionNode {
	params := make(map[string]any, len(n.Properties))
	for k, v := range n.Properties {
		if k == PropID || k == PropKind {
			continue
		}
		params[k] = v
	}

	action := ActionNode{
		ID:       n.Prop(PropID),
		NodeID:   n.ID,
		Kind:     n.Kind(),
		ParentID: parentID,
		Params:   params,
	}
	if action.ID == "" {
		action.ID = n.ID
	}

	for _, e := range g.Outgoing(n.ID) {
		if e.Type == EdgeNext || e.Type == EdgeMethodAction {
			continue
		}
		target, ok := g.Node(e.ToID)
		if !ok {
			continue
		}
		edge := ActionEdge{Type: e.Type, Properties: e.Properties, Target: target}
		if target.HasLabel(LabelRelationship) {
			edge.From = g.endpoint(target.ID, EdgeFrom)
			edge.To = g.endpoint(target.ID, EdgeTo)
		}
		if target.HasLabel(LabelTerm) {
			if owners := g.Incoming(target.ID, EdgeHasControlledTerm); len(owners) > 0 {
				if owner, ok := g.Node(owners[0].FromID); ok {
					edge.Owner = &owner
				}
			}
		}
		action.Edges = append(action.Edges, edge)
	}
	return action
}

func (g *Graph) endpoint(id, edgeType string) *Node {
	edges := g.Outgoing(id, edgeType)
	if len(edges) == 0 {
		return nil
	}
	n, ok := g.Node(edges[0].ToID)
	if !ok {
		return nil
	}
	return &n
}
