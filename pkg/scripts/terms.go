package scripts

import (
	"context"
	"strings"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// TermPair maps a value of one codelist onto its SAME_AS counterpart.
type TermPair struct {
	From any `json:"from"`
	To   any `json:"to"`
}

type RemapTermValuesArguments struct {
	OriginalCol        string     `json:"original_col" validate:"required"`
	NewCol             string     `json:"new_col" validate:"required"`
	TermPairs          []TermPair `json:"term_pairs" validate:"required,min=1"`
	RemoveUnmappedRows *bool      `json:"remove_unmapped_rows"`
}

// RemapTermValues writes the mapped value of original_col to new_col. Rows
// without a mapping are dropped unless remove_unmapped_rows is false, in
// which case new_col is left missing.
func RemapTermValues(_ context.Context, t *table.Table, params map[string]any) (*table.Table, error) {
	args, err := utils.ValidateArguments[RemapTermValuesArguments](params)
	if err != nil {
		return nil, err
	}
	if !t.HasColumn(args.OriginalCol) {
		return nil, errors.Newf(errors.KindValidationFailure, "remap_term_values: column %q not in table", args.OriginalCol)
	}

	mapping := make(map[string]any, len(args.TermPairs))
	for _, p := range args.TermPairs {
		mapping[canonical(p.From)] = p.To
	}

	values, _ := t.Column(args.OriginalCol)
	mapped := make([]any, len(values))
	for i, v := range values {
		if table.IsMissing(v) {
			continue
		}
		mapped[i] = mapping[canonical(v)]
	}
	if err := t.SetColumn(args.NewCol, mapped); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}

	if args.RemoveUnmappedRows != nil && !*args.RemoveUnmappedRows {
		return t, nil
	}
	return t.Filter(func(row map[string]any) bool {
		return !table.IsMissing(row[args.NewCol])
	}), nil
}

// CTTerm is a controlled term of a dimension: its node id and rdfs:label.
type CTTerm struct {
	ID    any `json:"id"`
	Label any `json:"label"`
}

type DimensionTerms struct {
	ShortLabel string   `json:"short_label" validate:"required"`
	Terms      []CTTerm `json:"terms"`
}

type CTCartesianProductArguments struct {
	Dimensions  []string         `json:"dimensions" validate:"required,min=1"`
	DimensionCT []DimensionTerms `json:"dimension_ct" validate:"required,min=1,dive"`
}

// CTCartesianProduct completes the table so that every controlled term of the
// listed dimensions appears with every combination of the other dimensions
// already present. Added rows carry only dimension columns, so counts over
// them come out as zero.
func CTCartesianProduct(_ context.Context, t *table.Table, params map[string]any) (*table.Table, error) {
	args, err := utils.ValidateArguments[CTCartesianProductArguments](params)
	if err != nil {
		return nil, err
	}

	ct := make(map[string][]CTTerm, len(args.DimensionCT))
	for _, d := range args.DimensionCT {
		ct[d.ShortLabel] = d.Terms
	}
	var ctDims, otherDims []string
	for _, d := range args.Dimensions {
		if _, ok := ct[d]; ok {
			ctDims = append(ctDims, d)
		} else {
			otherDims = append(otherDims, d)
		}
	}

	rowKey := func(rec map[string]any) string {
		parts := make([]string, len(args.Dimensions))
		for i, d := range args.Dimensions {
			v, ok := rec[table.IDColumn(d)]
			if !ok || table.IsMissing(v) {
				v = rec[d]
			}
			parts[i] = canonical(v)
		}
		return strings.Join(parts, "\x1f")
	}

	existing := make(map[string]bool, t.Len())
	var tuples []map[string]any
	seenTuple := make(map[string]bool)
	for i := 0; i < t.Len(); i++ {
		row := t.Row(i)
		existing[rowKey(row)] = true

		tuple := make(map[string]any, 2*len(otherDims))
		parts := make([]string, 0, 2*len(otherDims))
		for _, d := range otherDims {
			for _, c := range []string{table.IDColumn(d), d} {
				tuple[c] = row[c]
				parts = append(parts, canonical(row[c]))
			}
		}
		k := strings.Join(parts, "\x1f")
		if !seenTuple[k] {
			seenTuple[k] = true
			tuples = append(tuples, tuple)
		}
	}
	if len(tuples) == 0 {
		tuples = []map[string]any{{}}
	}

	combos := []map[string]any{{}}
	for _, d := range ctDims {
		var next []map[string]any
		for _, combo := range combos {
			for _, term := range ct[d] {
				rec := make(map[string]any, len(combo)+2)
				for k, v := range combo {
					rec[k] = v
				}
				rec[table.IDColumn(d)] = term.ID
				rec[d] = term.Label
				next = append(next, rec)
			}
		}
		combos = next
	}

	for _, tuple := range tuples {
		for _, combo := range combos {
			rec := make(map[string]any, len(tuple)+len(combo))
			for k, v := range tuple {
				rec[k] = v
			}
			for k, v := range combo {
				rec[k] = v
			}
			k := rowKey(rec)
			if existing[k] {
				continue
			}
			existing[k] = true
			t.AppendRecord(rec)
		}
	}
	return t, nil
}
