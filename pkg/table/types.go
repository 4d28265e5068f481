package table

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Column type names exchanged with the transformation service.
const (
	TypeInt      = "int64"
	TypeFloat    = "float64"
	TypeBool     = "bool"
	TypeString   = "string"
	TypeDate     = "date"
	TypeDateTime = "datetime64[ns]"
	TypeNone     = "None"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// ToFloat converts numeric cells (including json.Number) to float64.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToInt64 converts integral numeric cells to int64.
func ToInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return int64(x), true
		}
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil && f == math.Trunc(f) {
			return int64(f), true
		}
	}
	return 0, false
}

// TypeOf names the type of a single non-missing cell.
func TypeOf(v any) string {
	switch x := v.(type) {
	case int, int32, int64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return TypeInt
		}
		return TypeFloat
	case bool:
		return TypeBool
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return TypeDate
		}
		return TypeDateTime
	case string:
		return TypeString
	}
	return TypeString
}

// InferTypes samples each column. Numeric columns are float64 as soon as one
// value is fractional; other columns take the type of their first non-missing
// value; all-missing columns are None.
func (t *Table) InferTypes() map[string]string {
	out := make(map[string]string, len(t.columns))
	for j, c := range t.columns {
		kind := TypeNone
		for _, row := range t.rows {
			v := row[j]
			if IsMissing(v) {
				continue
			}
			vt := TypeOf(v)
			switch {
			case kind == TypeNone:
				kind = vt
			case kind == TypeInt && vt == TypeFloat:
				kind = TypeFloat
			}
			if kind != TypeInt {
				break
			}
		}
		out[c] = kind
	}
	return out
}

// Coerce converts v to the named type. ok is false when v does not fit; v is
// then returned unchanged.
func Coerce(v any, typ string) (any, bool) {
	if IsMissing(v) {
		return nil, true
	}
	switch typ {
	case TypeInt:
		if i, ok := ToInt64(v); ok {
			return i, true
		}
		if s, ok := v.(string); ok {
			if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return i, true
			}
		}
	case TypeFloat:
		if f, ok := ToFloat(v); ok {
			return f, true
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, true
			}
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, true
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, true
		case json.Number:
			return x.String(), true
		}
	case TypeDate:
		return parseTime(v, true)
	case TypeDateTime:
		return parseTime(v, false)
	case TypeNone:
		return v, false
	default:
		return v, true
	}
	return v, false
}

func parseTime(v any, dateOnly bool) (any, bool) {
	switch x := v.(type) {
	case time.Time:
		if dateOnly {
			return x.Truncate(24 * time.Hour), true
		}
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, dateTimeLayout, dateLayout} {
			if ts, err := time.Parse(layout, x); err == nil {
				if dateOnly {
					return ts.Truncate(24 * time.Hour), true
				}
				return ts, true
			}
		}
	case json.Number, float64, int64:
		// epoch milliseconds, as emitted by record-oriented JSON writers
		if ms, ok := ToInt64(x); ok {
			ts := time.UnixMilli(ms).UTC()
			if dateOnly {
				return ts.Truncate(24 * time.Hour), true
			}
			return ts, true
		}
	}
	return v, false
}

// JSONValue renders a cell for JSON transport: dates as yyyy-mm-dd, NaN as null.
func JSONValue(v any) any {
	if IsMissing(v) {
		return nil
	}
	if ts, ok := v.(time.Time); ok {
		if TypeOf(ts) == TypeDate {
			return ts.Format(dateLayout)
		}
		return ts.Format(dateTimeLayout)
	}
	return v
}

// JSONRecords returns the rows as maps ready for JSON encoding.
func (t *Table) JSONRecords() []map[string]any {
	out := make([]map[string]any, len(t.rows))
	for i, row := range t.rows {
		rec := make(map[string]any, len(t.columns))
		for j, c := range t.columns {
			rec[c] = JSONValue(row[j])
		}
		out[i] = rec
	}
	return out
}
