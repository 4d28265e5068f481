package definition

// Pair is a directed "runs before" edge between two node ids.
type Pair struct {
	From string
	To   string
}

// Order sorts the nodes named by pairs with Kahn's algorithm. Nodes that can
// not be ordered because they sit on, or downstream of, a cycle are returned
// in cyclic and never appear in ordered. Both lists follow first appearance
// in pairs, so the result is deterministic for a given input.
func Order(pairs []Pair) (ordered []string, cyclic []string) {
	inDegree := make(map[string]int)
	successors := make(map[string][]string)
	var nodes []string
	seen := make(map[string]bool)

	visit := func(id string) {
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, id)
		}
	}

	for _, p := range pairs {
		visit(p.From)
		visit(p.To)
		inDegree[p.To]++
		successors[p.From] = append(successors[p.From], p.To)
	}

	for _, n := range nodes {
		if inDegree[n] == 0 {
			ordered = append(ordered, n)
		}
	}

	for i := 0; i < len(ordered); i++ {
		for _, next := range successors[ordered[i]] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ordered = append(ordered, next)
			}
		}
	}

	for _, n := range nodes {
		if inDegree[n] > 0 {
			cyclic = append(cyclic, n)
		}
	}
	return ordered, cyclic
}

// NextPairs returns the NEXT edges of g as pairs.
func (g *Graph) NextPairs() []Pair {
	var out []Pair
	for _, e := range g.Edges {
		if e.Type == EdgeNext {
			out = append(out, Pair{From: e.FromID, To: e.ToID})
		}
	}
	return out
}
