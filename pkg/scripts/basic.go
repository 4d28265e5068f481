package scripts

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type GroupByArguments struct {
	ValueCols []string `json:"value_cols" validate:"required,min=1"`
	By        []string `json:"by"`
	Agg       []string `json:"agg" validate:"required,min=1"`
}

// GroupBy aggregates the value columns per distinct combination of the by
// columns. With one value column each statistic lands in a column named after
// it; with several the column is <value>_<statistic>. Rows missing a by value
// are dropped.
func GroupBy(_ context.Context, t *table.Table, params map[string]any) (*table.Table, error) {
	args, err := utils.ValidateArguments[GroupByArguments](params)
	if err != nil {
		return nil, err
	}
	for _, c := range append(append([]string(nil), args.By...), args.ValueCols...) {
		if !t.HasColumn(c) {
			return nil, errors.Newf(errors.KindValidationFailure, "group_by: column %q not in table", c)
		}
	}
	for _, a := range args.Agg {
		if _, ok := aggregations[a]; !ok {
			return nil, errors.Newf(errors.KindValidationFailure, "group_by: unknown statistic %q", a)
		}
	}

	type group struct {
		by     []any
		values map[string][]any
	}
	var order []string
	groups := make(map[string]*group)
	for i := 0; i < t.Len(); i++ {
		by := make([]any, len(args.By))
		parts := make([]string, len(args.By))
		missing := false
		for j, c := range args.By {
			v := t.Value(i, c)
			if table.IsMissing(v) {
				missing = true
				break
			}
			by[j] = v
			parts[j] = canonical(v)
		}
		if missing {
			continue
		}
		k := strings.Join(parts, "\x1f")
		g, ok := groups[k]
		if !ok {
			g = &group{by: by, values: make(map[string][]any)}
			groups[k] = g
			order = append(order, k)
		}
		for _, c := range args.ValueCols {
			g.values[c] = append(g.values[c], t.Value(i, c))
		}
	}

	columns := append([]string(nil), args.By...)
	for _, c := range args.ValueCols {
		for _, a := range args.Agg {
			columns = append(columns, statColumn(args.ValueCols, c, a))
		}
	}
	out := table.New(columns...)
	for _, k := range order {
		g := groups[k]
		row := append([]any(nil), g.by...)
		for _, c := range args.ValueCols {
			for _, a := range args.Agg {
				row = append(row, aggregations[a](g.values[c]))
			}
		}
		if err := out.AppendRow(row...); err != nil {
			return nil, errors.Wrap(errors.KindInternal, err)
		}
	}
	return out, nil
}

func statColumn(valueCols []string, col, stat string) string {
	if len(valueCols) == 1 {
		return stat
	}
	return col + "_" + stat
}

type RenameColumnsArguments struct {
	RenameDict map[string]string `json:"rename_dict" validate:"required"`
}

func RenameColumns(_ context.Context, t *table.Table, params map[string]any) (*table.Table, error) {
	args, err := utils.ValidateArguments[RenameColumnsArguments](params)
	if err != nil {
		return nil, err
	}
	t.Rename(args.RenameDict)
	return t, nil
}

type DivideArguments struct {
	Values []string `json:"values" validate:"required,len=2"`
	OutCol string   `json:"out_col" validate:"required"`
}

// Divide writes values[0] / values[1] to out_col. Division by zero or a
// missing operand yields a missing cell.
func Divide(_ context.Context, t *table.Table, params map[string]any) (*table.Table, error) {
	args, err := utils.ValidateArguments[DivideArguments](params)
	if err != nil {
		return nil, err
	}

	out := make([]any, t.Len())
	for i := range out {
		num, ok1, err := operand(t, i, args.Values[0])
		if err != nil {
			return nil, err
		}
		den, ok2, err := operand(t, i, args.Values[1])
		if err != nil {
			return nil, err
		}
		if !ok1 || !ok2 || den == 0 {
			continue
		}
		out[i] = num / den
	}
	if err := t.SetColumn(args.OutCol, out); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	return t, nil
}

type MultiplyArguments struct {
	Values        []string `json:"values" validate:"required,min=1"`
	OutCol        string   `json:"out_col" validate:"required"`
	DecimalPlaces *int     `json:"decimal_places" validate:"omitempty,min=0"`
}

// Multiply writes the product of values to out_col, rounded to decimal_places
// when given. A value of the form &<number> is a literal.
func Multiply(_ context.Context, t *table.Table, params map[string]any) (*table.Table, error) {
	args, err := utils.ValidateArguments[MultiplyArguments](params)
	if err != nil {
		return nil, err
	}
	return multiply(t, args.Values, args.OutCol, args.DecimalPlaces)
}

type MultiplyColumnsArguments struct {
	Values []string `json:"values" validate:"required,min=1"`
	OutCol string   `json:"out_col" validate:"required"`
}

func MultiplyColumns(_ context.Context, t *table.Table, params map[string]any) (*table.Table, error) {
	args, err := utils.ValidateArguments[MultiplyColumnsArguments](params)
	if err != nil {
		return nil, err
	}
	return multiply(t, args.Values, args.OutCol, nil)
}

func multiply(t *table.Table, values []string, outCol string, dp *int) (*table.Table, error) {
	out := make([]any, t.Len())
	for i := range out {
		product := 1.0
		complete := true
		for _, v := range values {
			f, ok, err := operand(t, i, v)
			if err != nil {
				return nil, err
			}
			if !ok {
				complete = false
				break
			}
			product *= f
		}
		if !complete {
			continue
		}
		if dp != nil {
			scale := math.Pow(10, float64(*dp))
			product = math.Round(product*scale) / scale
		}
		out[i] = product
	}
	if err := t.SetColumn(outCol, out); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	return t, nil
}

// operand resolves a column value or an &<number> literal for row i.
func operand(t *table.Table, i int, name string) (float64, bool, error) {
	if strings.HasPrefix(name, "&") {
		f, err := strconv.ParseFloat(strings.TrimPrefix(name, "&"), 64)
		if err != nil {
			return 0, false, errors.Newf(errors.KindValidationFailure, "invalid literal %q", name)
		}
		return f, true, nil
	}
	if !t.HasColumn(name) {
		return 0, false, errors.Newf(errors.KindValidationFailure, "column %q not in table", name)
	}
	f, ok := table.ToFloat(t.Value(i, name))
	return f, ok, nil
}

// canonical renders numbers so that 3, int64(3) and 3.0 group together.
func canonical(v any) string {
	if f, ok := table.ToFloat(v); ok {
		return fmt.Sprintf("n:%v", f)
	}
	return fmt.Sprintf("s:%v", v)
}
