// Package schema translates an Arrow-shaped record schema into the
// PostgreSQL column/type list the consumer's COPY target is built from.
package schema

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
)

// Field is one destination column: a name and a PostgreSQL type.
type Field struct {
	Name   string
	PgType string
}

// KnownJSONColumns is the set of string-typed source fields that must be
// mapped to JSONB rather than TEXT.
var KnownJSONColumns = map[string]bool{
	"properties":        true,
	"set":                true,
	"set_once":           true,
	"person_properties": true,
	"elements":           true,
}

// UnsupportedTypeError is returned when a source logical type has no
// PostgreSQL mapping.
type UnsupportedTypeError struct {
	FieldName string
	Type      arrow.DataType
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type for field %q: %s", e.FieldName, e.Type)
}

// MapField derives the PostgreSQL type for one source field, honoring
// the known-JSON-column override for string fields.
func MapField(name string, dt arrow.DataType, knownJSONColumns map[string]bool) (string, error) {
	switch t := dt.(type) {
	case *arrow.StringType, *arrow.LargeStringType:
		if knownJSONColumns[name] {
			return "JSONB", nil
		}
		return "TEXT", nil
	case *arrow.Int8Type, *arrow.Int16Type, *arrow.Int32Type:
		return "INTEGER", nil
	case *arrow.Int64Type:
		return "BIGINT", nil
	case *arrow.Uint8Type, *arrow.Uint16Type, *arrow.Uint32Type:
		return "INTEGER", nil
	case *arrow.Uint64Type:
		return "BIGINT", nil
	case *arrow.Float32Type:
		return "REAL", nil
	case *arrow.Float64Type:
		return "DOUBLE PRECISION", nil
	case *arrow.BooleanType:
		return "BOOLEAN", nil
	case *arrow.TimestampType:
		if t.TimeZone != "" {
			return "TIMESTAMPTZ", nil
		}
		return "TIMESTAMP", nil
	case *arrow.ListType:
		if _, ok := t.Elem().(*arrow.StringType); ok {
			return "TEXT[]", nil
		}
		return "", &UnsupportedTypeError{FieldName: name, Type: dt}
	default:
		return "", &UnsupportedTypeError{FieldName: name, Type: dt}
	}
}

// FieldsFromSchema maps every field in sc to a destination Field,
// returning the first UnsupportedTypeError encountered.
func FieldsFromSchema(sc *arrow.Schema, knownJSONColumns map[string]bool) ([]Field, error) {
	fields := make([]Field, 0, sc.NumFields())
	for _, f := range sc.Fields() {
		pgType, err := MapField(f.Name, f.Type, knownJSONColumns)
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Name: f.Name, PgType: pgType})
	}
	return fields, nil
}

// EventsDefaultFields is the fixed canonical column list for the "events"
// model, overriding schema-derived mapping entirely. team_id is narrowed
// to 32-bit INTEGER because the legacy Postgres events schema predates
// 64-bit team ids.
func EventsDefaultFields() []Field {
	return []Field{
		{Name: "uuid", PgType: "VARCHAR(200)"},
		{Name: "event", PgType: "VARCHAR(200)"},
		{Name: "properties", PgType: "JSONB"},
		{Name: "elements", PgType: "JSONB"},
		{Name: "set", PgType: "JSONB"},
		{Name: "set_once", PgType: "JSONB"},
		{Name: "distinct_id", PgType: "VARCHAR(200)"},
		{Name: "team_id", PgType: "INTEGER"},
		{Name: "ip", PgType: "VARCHAR(200)"},
		{Name: "site_url", PgType: "VARCHAR(200)"},
		{Name: "timestamp", PgType: "TIMESTAMPTZ"},
	}
}

// NormalizeSchema forces every field nullable and drops the
// "_inserted_at" ordering column that the source appends purely to
// establish watermark order.
func NormalizeSchema(sc *arrow.Schema) *arrow.Schema {
	fields := make([]arrow.Field, 0, sc.NumFields())
	for _, f := range sc.Fields() {
		if f.Name == "_inserted_at" {
			continue
		}
		f.Nullable = true
		fields = append(fields, f)
	}
	return arrow.NewSchema(fields, nil)
}

// IntersectWithLiveColumns keeps only the fields present in liveColumns,
// preserving the order of fields. When liveColumns is nil (table doesn't
// exist yet, or introspection was denied), fields is returned unchanged.
func IntersectWithLiveColumns(fields []Field, liveColumns []string) []Field {
	if liveColumns == nil {
		return fields
	}
	live := make(map[string]bool, len(liveColumns))
	for _, c := range liveColumns {
		live[c] = true
	}
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if live[f.Name] {
			out = append(out, f)
		}
	}
	return out
}
