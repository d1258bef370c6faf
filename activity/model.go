// Package activity wires the producer, consumer, managed tables, and
// heartbeat together into one export-window run, mirroring the
// orchestrator activity this module implements.
package activity

import (
	"github.com/posthog/batchexport-postgres/pgclient"
	"github.com/posthog/batchexport-postgres/schema"
)

// ModelConfig captures how one batch-export model is handled: whether
// it uses the canonical "events" column list, and whether it requires
// a staging-table merge on completion.
type ModelConfig struct {
	Name          string
	IsEvents      bool
	RequiresMerge bool
	MergeKey      []pgclient.MergeColumn
	UpdateKey     []pgclient.MergeColumn
}

// ResolveModel maps a batch-export model name to its handling
// configuration. Unknown models are treated as direct-insert, matching
// the "custom model" case: no merge, schema-derived fields.
func ResolveModel(name string) ModelConfig {
	switch name {
	case "events":
		return ModelConfig{Name: name, IsEvents: true}
	case "persons":
		return ModelConfig{
			Name:          name,
			RequiresMerge: true,
			MergeKey:      []pgclient.MergeColumn{{Name: "team_id"}, {Name: "distinct_id"}},
			UpdateKey:     []pgclient.MergeColumn{{Name: "person_version"}, {Name: "person_distinct_id_version"}},
		}
	case "sessions":
		return ModelConfig{
			Name:          name,
			RequiresMerge: true,
			MergeKey:      []pgclient.MergeColumn{{Name: "team_id"}, {Name: "session_id"}},
			UpdateKey:     []pgclient.MergeColumn{{Name: "end_timestamp"}},
		}
	default:
		return ModelConfig{Name: name}
	}
}

// PrimaryKeyFields resolves a model's merge key column names to their
// Field entries (with PgType) from the destination's computed field
// list, so CreateTable can declare the final table's primary key.
func PrimaryKeyFields(mergeKey []pgclient.MergeColumn, fields []schema.Field) []schema.Field {
	if len(mergeKey) == 0 {
		return nil
	}
	byName := make(map[string]schema.Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	pk := make([]schema.Field, 0, len(mergeKey))
	for _, k := range mergeKey {
		if f, ok := byName[k.Name]; ok {
			pk = append(pk, f)
		}
	}
	return pk
}

// withTypes resolves the PgType of each named merge/update column from
// the destination's computed field list, so MergeTables can be handed
// fully-typed MergeColumn values (the type itself is not used in the
// generated SQL, but keeps the column descriptors self-contained).
func withTypes(cols []pgclient.MergeColumn, fields []schema.Field) []pgclient.MergeColumn {
	byName := make(map[string]string, len(fields))
	for _, f := range fields {
		byName[f.Name] = f.PgType
	}
	out := make([]pgclient.MergeColumn, len(cols))
	for i, c := range cols {
		out[i] = pgclient.MergeColumn{Name: c.Name, PgType: byName[c.Name]}
	}
	return out
}
