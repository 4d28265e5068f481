package scripts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/table"
)

func visits() *table.Table {
	return table.FromRecords([]map[string]any{
		{"_id_VISIT": int64(1), "VISIT": "Week 1", "_id_SEX": int64(10), "SEX": "F", "AVAL": 3.0},
		{"_id_VISIT": int64(1), "VISIT": "Week 1", "_id_SEX": int64(10), "SEX": "F", "AVAL": 5.0},
		{"_id_VISIT": int64(1), "VISIT": "Week 1", "_id_SEX": int64(11), "SEX": "M", "AVAL": nil},
		{"_id_VISIT": int64(2), "VISIT": "Week 2", "_id_SEX": int64(10), "SEX": "F", "AVAL": 4.0},
	}, "_id_VISIT", "VISIT", "_id_SEX", "SEX", "AVAL")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Contains(t, r.Names(), "basic_df_ops.group_by")
	assert.Contains(t, r.Names(), "expressions.filter_rows")

	_, err := r.Run(context.Background(), "basic_df_ops", "nope", table.New(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestGroupBy(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates per group in first-seen order", func(t *testing.T) {
		out, err := GroupBy(ctx, visits(), map[string]any{
			"value_cols": []string{"AVAL"},
			"by":         []string{"_id_VISIT", "VISIT", "_id_SEX", "SEX"},
			"agg":        []string{"n", "mean"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"_id_VISIT", "VISIT", "_id_SEX", "SEX", "n", "mean"}, out.Columns())
		require.Equal(t, 3, out.Len())
		assert.Equal(t, int64(2), out.Value(0, "n"))
		assert.Equal(t, 4.0, out.Value(0, "mean"))
		assert.Equal(t, int64(0), out.Value(1, "n"))
		assert.Nil(t, out.Value(1, "mean"))
		assert.Equal(t, "Week 2", out.Value(2, "VISIT"))
	})

	t.Run("unknown statistic", func(t *testing.T) {
		_, err := GroupBy(ctx, visits(), map[string]any{"value_cols": []string{"AVAL"}, "agg": []string{"mode"}})
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindValidationFailure))
	})

	t.Run("missing arguments", func(t *testing.T) {
		_, err := GroupBy(ctx, visits(), map[string]any{"by": []string{"VISIT"}})
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindValidationFailure))
	})
}

func TestStatistics(t *testing.T) {
	values := []any{2.0, int64(4), nil, 4.0, 5.0, 7.0, 9.0}
	assert.Equal(t, int64(6), aggregations["n"](values))
	assert.Equal(t, int64(5), aggregations["n_distinct"](values))
	assert.Equal(t, 31.0, aggregations["sum"](values))
	assert.Equal(t, 4.5, aggregations["median"](values))
	assert.Equal(t, 2.0, aggregations["min"](values))
	assert.Equal(t, 9.0, aggregations["max"](values))
	assert.Nil(t, aggregations["sd"]([]any{1.0}))
	assert.InDelta(t, 2.5166, aggregations["sd"]([]any{2.0, 4.0, 4.0, 8.0}), 1e-4)
}

func TestPercentages(t *testing.T) {
	ctx := context.Background()
	tbl := table.FromRecords([]map[string]any{
		{"n": int64(1), "denominator": int64(3)},
		{"n": int64(2), "denominator": int64(0)},
	}, "n", "denominator")

	tbl, err := Divide(ctx, tbl, map[string]any{"values": []string{"n", "denominator"}, "out_col": "npct"})
	require.NoError(t, err)
	assert.InDelta(t, 0.3333, tbl.Value(0, "npct"), 1e-4)
	assert.Nil(t, tbl.Value(1, "npct"))

	tbl, err = Multiply(ctx, tbl, map[string]any{"values": []string{"npct", "&100"}, "out_col": "npct", "decimal_places": 1})
	require.NoError(t, err)
	assert.Equal(t, 33.3, tbl.Value(0, "npct"))
	assert.Nil(t, tbl.Value(1, "npct"))

	_, err = Multiply(ctx, tbl, map[string]any{"values": []string{"&x"}, "out_col": "y"})
	assert.True(t, errors.IsKind(err, errors.KindValidationFailure))
}

func TestRenameColumns(t *testing.T) {
	tbl := table.FromRecords([]map[string]any{{"n": 1, "_id_n": 2}}, "n", "_id_n")
	out, err := RenameColumns(context.Background(), tbl, map[string]any{
		"rename_dict": map[string]string{"n": "denominator", "_id_n": "_id_denominator"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"denominator", "_id_denominator"}, out.Columns())
}

func TestRemapTermValues(t *testing.T) {
	ctx := context.Background()
	params := func(remove bool) map[string]any {
		return map[string]any{
			"original_col":         "SEX",
			"new_col":              "SEXN",
			"term_pairs":           []map[string]any{{"from": "F", "to": "Female"}},
			"remove_unmapped_rows": remove,
		}
	}

	out, err := RemapTermValues(ctx, visits(), params(true))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Len())
	assert.Equal(t, "Female", out.Value(0, "SEXN"))

	out, err = RemapTermValues(ctx, visits(), params(false))
	require.NoError(t, err)
	assert.Equal(t, 4, out.Len())
	assert.Nil(t, out.Value(2, "SEXN"))
}

func TestCTCartesianProduct(t *testing.T) {
	out, err := CTCartesianProduct(context.Background(), visits(), map[string]any{
		"dimensions": []string{"VISIT", "SEX"},
		"dimension_ct": []map[string]any{{
			"short_label": "SEX",
			"terms":       []map[string]any{{"id": 10, "label": "F"}, {"id": 11, "label": "M"}, {"id": 12, "label": "U"}},
		}},
	})
	require.NoError(t, err)

	// 2 visits x 3 terms = 6 combinations, 3 present
	assert.Equal(t, 4+3, out.Len())
	added := out.Filter(func(row map[string]any) bool { return row["AVAL"] == nil && row["SEX"] != "M" })
	assert.Equal(t, 2, added.Len())

	grouped, err := GroupBy(context.Background(), out, map[string]any{
		"value_cols": []string{"AVAL"},
		"by":         []string{"VISIT", "SEX"},
		"agg":        []string{"n"},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, grouped.Len())
}

func TestExpressions(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator()

	out, err := e.FilterRows(ctx, visits(), map[string]any{"expression": "AVAL > `3`"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())

	out, err = e.DeriveColumn(ctx, visits(), map[string]any{"expression": "join(' ', [VISIT, SEX])", "out_col": "LABEL"})
	require.NoError(t, err)
	assert.Equal(t, "Week 1 F", out.Value(0, "LABEL"))

	_, err = e.FilterRows(ctx, visits(), map[string]any{"expression": "AVAL >"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailure))
}

func TestExpressions_RuntimeErrorIsScriptFailure(t *testing.T) {
	_, err := NewEvaluator().DeriveColumn(context.Background(), visits(), map[string]any{"expression": "abs(VISIT)", "out_col": "X"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindScriptFailure))
}

func TestRegistry_RecoversPanics(t *testing.T) {
	r := NewRegistry()
	r.Register("custom", "boom", func(context.Context, *table.Table, map[string]any) (*table.Table, error) {
		panic("index out of range")
	})

	_, err := r.Run(context.Background(), "custom", "boom", table.New(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindScriptFailure))
	assert.Contains(t, err.Error(), "index out of range")
}
