package consumer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

// cellExtractor renders row r of an arrow.Array column as text, along
// with whether the value is SQL NULL.
type cellExtractor func(col arrow.Array, row int) (value string, isNull bool)

// extractorFor returns the cellExtractor for a column's logical type,
// mirroring the type coverage of schema.MapField.
func extractorFor(dt arrow.DataType) cellExtractor {
	switch t := dt.(type) {
	case *arrow.StringType:
		return stringExtractor
	case *arrow.LargeStringType:
		return largeStringExtractor
	case *arrow.Int8Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatInt(int64(col.(*array.Int8).Value(row)), 10), false
		}
	case *arrow.Int16Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatInt(int64(col.(*array.Int16).Value(row)), 10), false
		}
	case *arrow.Int32Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatInt(int64(col.(*array.Int32).Value(row)), 10), false
		}
	case *arrow.Int64Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatInt(col.(*array.Int64).Value(row), 10), false
		}
	case *arrow.Uint8Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatUint(uint64(col.(*array.Uint8).Value(row)), 10), false
		}
	case *arrow.Uint16Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatUint(uint64(col.(*array.Uint16).Value(row)), 10), false
		}
	case *arrow.Uint32Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatUint(uint64(col.(*array.Uint32).Value(row)), 10), false
		}
	case *arrow.Uint64Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatUint(col.(*array.Uint64).Value(row), 10), false
		}
	case *arrow.Float32Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatFloat(float64(col.(*array.Float32).Value(row)), 'g', -1, 32), false
		}
	case *arrow.Float64Type:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			return strconv.FormatFloat(col.(*array.Float64).Value(row), 'g', -1, 64), false
		}
	case *arrow.BooleanType:
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			if col.(*array.Boolean).Value(row) {
				return "true", false
			}
			return "false", false
		}
	case *arrow.TimestampType:
		unit := t.Unit
		tz := t.TimeZone
		return func(col arrow.Array, row int) (string, bool) {
			if col.IsNull(row) {
				return "", true
			}
			ts := col.(*array.Timestamp).Value(row)
			tm := ts.ToTime(unit)
			if tz != "" {
				return tm.UTC().Format("2006-01-02 15:04:05.999999-07"), false
			}
			return tm.Format("2006-01-02 15:04:05.999999"), false
		}
	case *arrow.ListType:
		if _, ok := t.Elem().(*arrow.StringType); ok {
			return stringListExtractor
		}
		return unsupportedExtractor(dt)
	default:
		return unsupportedExtractor(dt)
	}
}

func stringExtractor(col arrow.Array, row int) (string, bool) {
	if col.IsNull(row) {
		return "", true
	}
	return col.(*array.String).Value(row), false
}

func largeStringExtractor(col arrow.Array, row int) (string, bool) {
	if col.IsNull(row) {
		return "", true
	}
	return col.(*array.LargeString).Value(row), false
}

// stringListExtractor renders a list<string> as a PostgreSQL array
// literal: {a,b,c}, with elements quoted when they contain a comma,
// quote, or brace.
func stringListExtractor(col arrow.Array, row int) (string, bool) {
	if col.IsNull(row) {
		return "", true
	}
	list := col.(*array.List)
	start, end := list.ValueOffsets(row)
	values := list.ListValues().(*array.String)

	parts := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		if values.IsNull(int(i)) {
			parts = append(parts, "NULL")
			continue
		}
		v := values.Value(int(i))
		if strings.ContainsAny(v, `,"{}`) || v == "" {
			v = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
		}
		parts = append(parts, v)
	}
	return "{" + strings.Join(parts, ",") + "}", false
}

func unsupportedExtractor(dt arrow.DataType) cellExtractor {
	return func(col arrow.Array, row int) (string, bool) {
		return fmt.Sprintf("<unsupported:%s>", dt), false
	}
}
