// Package table implements the working table threaded through a pipeline run:
// ordered named columns over rows of loosely typed values.
package table

import (
	"fmt"
	"math"
	"sort"
)

const (
	IDPrefix  = "_id_"
	URIPrefix = "_uri_"
)

// IDColumn is the column carrying store identifiers for an entity short label.
func IDColumn(shortLabel string) string {
	return IDPrefix + shortLabel
}

// URIColumn is the column carrying generated uris for an entity short label.
func URIColumn(shortLabel string) string {
	return URIPrefix + shortLabel
}

// IsMissing reports whether v is a null or NaN cell.
func IsMissing(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	}
	return false
}

type Table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

func New(columns ...string) *Table {
	t := &Table{index: make(map[string]int, len(columns))}
	for _, c := range columns {
		t.addColumn(c)
	}
	return t
}

// FromRecords builds a table from row maps. When columns is empty the column
// order is first appearance, with keys of each record taken in sorted order.
func FromRecords(records []map[string]any, columns ...string) *Table {
	if len(columns) == 0 {
		seen := make(map[string]bool)
		for _, rec := range records {
			keys := make([]string, 0, len(rec))
			for k := range rec {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if !seen[k] {
					seen[k] = true
					columns = append(columns, k)
				}
			}
		}
	}

	t := New(columns...)
	for _, rec := range records {
		t.AppendRecord(rec)
	}
	return t
}

func (t *Table) addColumn(name string) {
	if _, ok := t.index[name]; ok {
		return
	}
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	for i := range t.rows {
		t.rows[i] = append(t.rows[i], nil)
	}
}

func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

func (t *Table) Empty() bool {
	return t.Len() == 0
}

func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns a copy of the named column's values.
func (t *Table) Column(name string) ([]any, bool) {
	idx, ok := t.index[name]
	if !ok {
		return nil, false
	}
	out := make([]any, len(t.rows))
	for i, row := range t.rows {
		out[i] = row[idx]
	}
	return out, true
}

func (t *Table) Value(row int, column string) any {
	idx, ok := t.index[column]
	if !ok || row < 0 || row >= len(t.rows) {
		return nil
	}
	return t.rows[row][idx]
}

// Row returns row i as a map.
func (t *Table) Row(i int) map[string]any {
	out := make(map[string]any, len(t.columns))
	for j, c := range t.columns {
		out[c] = t.rows[i][j]
	}
	return out
}

// AppendRow appends positional values in column order.
func (t *Table) AppendRow(values ...any) error {
	if len(values) != len(t.columns) {
		return fmt.Errorf("row has %d values, table has %d columns", len(values), len(t.columns))
	}
	row := make([]any, len(values))
	copy(row, values)
	t.rows = append(t.rows, row)
	return nil
}

// AppendRecord appends a row by column name, adding unknown columns.
func (t *Table) AppendRecord(rec map[string]any) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if !t.HasColumn(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.addColumn(k)
	}

	row := make([]any, len(t.columns))
	for k, v := range rec {
		row[t.index[k]] = v
	}
	t.rows = append(t.rows, row)
}

// SetColumn adds or replaces a column. On a table without rows the values
// define the row count.
func (t *Table) SetColumn(name string, values []any) error {
	if len(t.rows) == 0 && len(values) > 0 {
		for range values {
			t.rows = append(t.rows, make([]any, len(t.columns)))
		}
	}
	if len(values) != len(t.rows) {
		return fmt.Errorf("column %q has %d values, table has %d rows", name, len(values), len(t.rows))
	}
	t.addColumn(name)
	idx := t.index[name]
	for i := range t.rows {
		t.rows[i][idx] = values[i]
	}
	return nil
}

// Fill sets every row of the column to v.
func (t *Table) Fill(name string, v any) {
	t.addColumn(name)
	idx := t.index[name]
	for i := range t.rows {
		t.rows[i][idx] = v
	}
}

// Rename renames columns; names not present are ignored.
func (t *Table) Rename(mapping map[string]string) {
	for from, to := range mapping {
		idx, ok := t.index[from]
		if !ok || from == to {
			continue
		}
		if _, clash := t.index[to]; clash {
			t.Drop(to)
			idx = t.index[from]
		}
		delete(t.index, from)
		t.index[to] = idx
		t.columns[idx] = to
	}
}

// Drop removes the named columns.
func (t *Table) Drop(columns ...string) {
	drop := make(map[string]bool, len(columns))
	for _, c := range columns {
		if t.HasColumn(c) {
			drop[c] = true
		}
	}
	if len(drop) == 0 {
		return
	}

	keep := make([]int, 0, len(t.columns))
	newCols := make([]string, 0, len(t.columns))
	for i, c := range t.columns {
		if !drop[c] {
			keep = append(keep, i)
			newCols = append(newCols, c)
		}
	}
	for r, row := range t.rows {
		newRow := make([]any, len(keep))
		for j, i := range keep {
			newRow[j] = row[i]
		}
		t.rows[r] = newRow
	}
	t.columns = newCols
	t.index = make(map[string]int, len(newCols))
	for i, c := range newCols {
		t.index[c] = i
	}
}

// Select returns a new table with only the named columns, in the given order.
func (t *Table) Select(columns ...string) (*Table, error) {
	out := New(columns...)
	idx := make([]int, len(columns))
	for i, c := range columns {
		j, ok := t.index[c]
		if !ok {
			return nil, fmt.Errorf("column %q not in table", c)
		}
		idx[i] = j
	}
	for _, row := range t.rows {
		newRow := make([]any, len(idx))
		for i, j := range idx {
			newRow[i] = row[j]
		}
		out.rows = append(out.rows, newRow)
	}
	return out, nil
}

// Copy returns a deep copy of the table structure. Cell values are shared.
func (t *Table) Copy() *Table {
	if t == nil {
		return nil
	}
	out := New(t.columns...)
	out.rows = make([][]any, len(t.rows))
	for i, row := range t.rows {
		r := make([]any, len(row))
		copy(r, row)
		out.rows[i] = r
	}
	return out
}

// Head returns a copy holding at most n rows. n <= 0 copies every row.
func (t *Table) Head(n int) *Table {
	out := t.Copy()
	if n > 0 && n < len(out.rows) {
		out.rows = out.rows[:n]
	}
	return out
}

// Records returns every row as a map.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.rows))
	for i := range t.rows {
		out[i] = t.Row(i)
	}
	return out
}

// Filter returns a new table with the rows for which keep returns true.
func (t *Table) Filter(keep func(row map[string]any) bool) *Table {
	out := New(t.columns...)
	for i, row := range t.rows {
		if keep(t.Row(i)) {
			r := make([]any, len(row))
			copy(r, row)
			out.rows = append(out.rows, r)
		}
	}
	return out
}

// Unique returns the distinct non-missing values of a column in first-seen order.
func (t *Table) Unique(column string) []any {
	values, ok := t.Column(column)
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]any, 0, len(values))
	for _, v := range values {
		if IsMissing(v) {
			continue
		}
		key := fmt.Sprintf("%T:%v", v, v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}
