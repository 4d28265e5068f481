package definition

// KeyFunc derives the identity key of a node. ok is false when the node has
// no usable identity and must never be merged.
type KeyFunc func(n Node, g *Graph) (key string, ok bool)

// IdentityRule declares how nodes carrying Label are recognised as the same
// entity across fragments.
type IdentityRule struct {
	Label string
	Key   KeyFunc
}

// IdentityTable is consulted in order; the first rule whose label a node
// carries decides its identity.
type IdentityTable []IdentityRule

// DefaultIdentity recognises schema classes by label, controlled terms by
// term code, actions by id and schema relationships by their endpoints and type.
var DefaultIdentity = IdentityTable{
	{Label: LabelClass, Key: PropertyKey(PropLabel)},
	{Label: LabelTerm, Key: PropertyKey(PropTermCode)},
	{Label: LabelMethod, Key: PropertyKey(PropID)},
	{Label: LabelRelationship, Key: RelationshipKey},
}

// PropertyKey identifies nodes by a single property.
func PropertyKey(prop string) KeyFunc {
	return func(n Node, _ *Graph) (string, bool) {
		v := n.Prop(prop)
		return v, v != ""
	}
}

// RelationshipKey identifies a schema Relationship node by FROM class label,
// relationship type and TO class label.
func RelationshipKey(n Node, g *Graph) (string, bool) {
	from, okFrom := endpointLabel(n, g, EdgeFrom)
	to, okTo := endpointLabel(n, g, EdgeTo)
	if !okFrom || !okTo {
		return "", false
	}
	return from + "\x1f" + n.Prop(PropRelationshipType) + "\x1f" + to, true
}

func endpointLabel(n Node, g *Graph, edgeType string) (string, bool) {
	edges := g.Outgoing(n.ID, edgeType)
	if len(edges) == 0 {
		return "", false
	}
	target, ok := g.Node(edges[0].ToID)
	if !ok {
		return "", false
	}
	return target.Prop(PropLabel), true
}

// Identify returns the identity key of n, prefixed by the label of the rule
// that matched so keys of different kinds never collide.
func (t IdentityTable) Identify(n Node, g *Graph) (string, bool) {
	for _, rule := range t {
		if !n.HasLabel(rule.Label) {
			continue
		}
		key, ok := rule.Key(n, g)
		if !ok {
			return "", false
		}
		return rule.Label + ":" + key, true
	}
	return "", false
}
