// Package definition holds the portable node/edge form of a pipeline, the
// merger that composes independently authored fragments, and the
// topological orderer used to chain actions.
package definition

import (
	"fmt"
	"sort"
)

// Node labels.
const (
	LabelMethod       = "Method"
	LabelClass        = "Class"
	LabelRelationship = "Relationship"
	LabelTerm         = "Term"
)

// Edge types.
const (
	EdgeMethodAction = "METHOD_ACTION"
	EdgeNext         = "NEXT"
	EdgeFrom         = "FROM"
	EdgeTo           = "TO"
	EdgePrereq       = "METHOD_PREREQ"
)

// Well-known node properties.
const (
	PropID               = "id"
	PropKind             = "type"
	PropLabel            = "label"
	PropShortLabel       = "short_label"
	PropRelationshipType = "relationship_type"
	PropTermCode         = "Term Code"
	PropCodelistCode     = "Codelist Code"
	PropRDFSLabel        = "rdfs:label"
)

type Node struct {
	ID         string         `json:"id" yaml:"id"`
	Labels     []string       `json:"labels" yaml:"labels"`
	Properties map[string]any `json:"properties" yaml:"properties"`
}

func (n Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Prop returns a property rendered as a string, "" when absent.
func (n Node) Prop(key string) string {
	v, ok := n.Properties[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Kind is the action kind of a Method node, "" for a core or nested pipeline node.
func (n Node) Kind() string {
	return n.Prop(PropKind)
}

func (n Node) clone() Node {
	out := Node{ID: n.ID, Labels: append([]string(nil), n.Labels...), Properties: make(map[string]any, len(n.Properties))}
	for k, v := range n.Properties {
		out.Properties[k] = v
	}
	return out
}

type Edge struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type" yaml:"type"`
	FromID     string         `json:"fromId" yaml:"fromId"`
	ToID       string         `json:"toId" yaml:"toId"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

func (e Edge) key() string {
	return e.FromID + "\x1f" + e.Type + "\x1f" + e.ToID
}

func (e Edge) empty() bool {
	return e.Type == "" && e.FromID == "" && e.ToID == ""
}

func (e Edge) clone() Edge {
	out := e
	if e.Properties != nil {
		out.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// Graph is a pipeline definition, or a fragment of one.
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Clone deep-copies the graph.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{Nodes: make([]Node, len(g.Nodes)), Edges: make([]Edge, len(g.Edges))}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.clone()
	}
	for i, e := range g.Edges {
		out.Edges[i] = e.clone()
	}
	return out
}

func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns the edges leaving id, optionally restricted to the given types.
func (g *Graph) Outgoing(id string, types ...string) []Edge {
	return g.edges(func(e Edge) bool { return e.FromID == id }, types)
}

// Incoming returns the edges entering id, optionally restricted to the given types.
func (g *Graph) Incoming(id string, types ...string) []Edge {
	return g.edges(func(e Edge) bool { return e.ToID == id }, types)
}

func (g *Graph) edges(match func(Edge) bool, types []string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if !match(e) {
			continue
		}
		if len(types) > 0 && !contains(types, e.Type) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// NodesWithLabel returns nodes carrying the label, in definition order.
func (g *Graph) NodesWithLabel(label string) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.HasLabel(label) {
			out = append(out, n)
		}
	}
	return out
}

// CoreNode returns the Method node that roots the pipeline: a Method without
// a kind that is not the target of a METHOD_ACTION edge. When name is set the
// node's id property must equal it.
func (g *Graph) CoreNode(name string) (Node, error) {
	var found []Node
	for _, n := range g.NodesWithLabel(LabelMethod) {
		if n.Kind() != "" || len(g.Incoming(n.ID, EdgeMethodAction)) > 0 {
			continue
		}
		if name != "" && n.Prop(PropID) != name {
			continue
		}
		found = append(found, n)
	}
	switch len(found) {
	case 0:
		if name == "" {
			return Node{}, fmt.Errorf("definition has no core method node")
		}
		return Node{}, fmt.Errorf("definition has no core method node with id %q", name)
	case 1:
		return found[0], nil
	default:
		ids := make([]string, len(found))
		for i, n := range found {
			ids[i] = n.ID
		}
		sort.Strings(ids)
		return Node{}, fmt.Errorf("definition has %d core method nodes: %v", len(found), ids)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
