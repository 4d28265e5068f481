package graph

import (
	"strings"
)

// quote wraps a label, relationship type or property key in backticks so
// schema names with spaces or punctuation ("Analysis Value (C)", "rdfs:label")
// can be spliced into a query.
func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// prop renders variable.`key`.
func prop(variable, key string) string {
	return variable + "." + quote(key)
}

func labels(names ...string) string {
	var b strings.Builder
	for _, n := range names {
		if n == "" {
			continue
		}
		b.WriteString(":")
		b.WriteString(quote(n))
	}
	return b.String()
}

func idList(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
