package scripts

import (
	"math"
	"sort"

	"github.com/Ramsey-B/fern/pkg/table"
)

type aggregation func(values []any) any

// Statistic names understood by group_by.
var aggregations = map[string]aggregation{
	"n":          count,
	"n_distinct": countDistinct,
	"sum":        numeric(sum),
	"mean":       numeric(mean),
	"sd":         numeric(stddev),
	"median":     numeric(median),
	"min":        numeric(minimum),
	"max":        numeric(maximum),
}

func count(values []any) any {
	var n int64
	for _, v := range values {
		if !table.IsMissing(v) {
			n++
		}
	}
	return n
}

func countDistinct(values []any) any {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if !table.IsMissing(v) {
			seen[canonical(v)] = true
		}
	}
	return int64(len(seen))
}

// numeric adapts fn to the non-missing numeric cells. A group without numeric
// cells, or one fn declines, aggregates to nil.
func numeric(fn func([]float64) (float64, bool)) aggregation {
	return func(values []any) any {
		nums := make([]float64, 0, len(values))
		for _, v := range values {
			if f, ok := table.ToFloat(v); ok && !math.IsNaN(f) {
				nums = append(nums, f)
			}
		}
		if len(nums) == 0 {
			return nil
		}
		out, ok := fn(nums)
		if !ok {
			return nil
		}
		return out
	}
}

func sum(nums []float64) (float64, bool) {
	var s float64
	for _, f := range nums {
		s += f
	}
	return s, true
}

func mean(nums []float64) (float64, bool) {
	s, _ := sum(nums)
	return s / float64(len(nums)), true
}

// stddev is the sample standard deviation.
func stddev(nums []float64) (float64, bool) {
	if len(nums) < 2 {
		return 0, false
	}
	m, _ := mean(nums)
	var ss float64
	for _, f := range nums {
		ss += (f - m) * (f - m)
	}
	return math.Sqrt(ss / float64(len(nums)-1)), true
}

func median(nums []float64) (float64, bool) {
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}

func minimum(nums []float64) (float64, bool) {
	m := nums[0]
	for _, f := range nums[1:] {
		m = math.Min(m, f)
	}
	return m, true
}

func maximum(nums []float64) (float64, bool) {
	m := nums[0]
	for _, f := range nums[1:] {
		m = math.Max(m, f)
	}
	return m, true
}
