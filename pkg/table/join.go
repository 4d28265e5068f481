package table

import (
	"fmt"
	"strings"
)

// InnerJoin joins two tables on every column they share. Column order is the
// left table's columns followed by the right table's remaining columns.
func InnerJoin(left, right *Table) (*Table, error) {
	var keys []string
	for _, c := range left.columns {
		if right.HasColumn(c) {
			keys = append(keys, c)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("tables share no columns to join on")
	}

	var extra []string
	for _, c := range right.columns {
		if !left.HasColumn(c) {
			extra = append(extra, c)
		}
	}

	out := New(append(left.Columns(), extra...)...)

	buckets := make(map[string][]int, len(right.rows))
	for i := range right.rows {
		k, ok := joinKey(right, i, keys)
		if !ok {
			continue
		}
		buckets[k] = append(buckets[k], i)
	}

	for i, lrow := range left.rows {
		k, ok := joinKey(left, i, keys)
		if !ok {
			continue
		}
		for _, j := range buckets[k] {
			row := make([]any, 0, len(out.columns))
			row = append(row, lrow...)
			for _, c := range extra {
				row = append(row, right.rows[j][right.index[c]])
			}
			out.rows = append(out.rows, row)
		}
	}
	return out, nil
}

// joinKey renders the key columns of a row. Rows with a missing key never match.
func joinKey(t *Table, row int, keys []string) (string, bool) {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := t.rows[row][t.index[k]]
		if IsMissing(v) {
			return "", false
		}
		parts[i] = canonical(v)
	}
	return strings.Join(parts, "\x1f"), true
}

// canonical renders numbers so that 3, int64(3) and 3.0 compare equal.
func canonical(v any) string {
	if f, ok := ToFloat(v); ok {
		return fmt.Sprintf("n:%v", f)
	}
	return fmt.Sprintf("s:%v", v)
}
