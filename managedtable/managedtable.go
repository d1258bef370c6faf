// Package managedtable scopes the lifetime of a destination table (or
// staging table) to a function call: create on entry, run the body,
// drop on exit unless told to keep it.
package managedtable

import (
	"context"

	"github.com/posthog/batchexport-postgres/schema"
)

// TableClient is the subset of pgclient.Client a managed table needs.
type TableClient interface {
	CreateTable(ctx context.Context, schemaName, tableName string, fields []schema.Field, existsOk bool, primaryKey []schema.Field) error
	DropTable(ctx context.Context, schemaName, tableName string, notFoundOk bool) error
}

// Descriptor describes one managed table acquisition.
type Descriptor struct {
	Schema     string
	Table      string
	Fields     []schema.Field
	PrimaryKey []schema.Field
	Create     bool
	ExistsOk   bool
	Delete     bool
}

// Acquire creates the described table (if Create is set), runs body, and
// drops the table on the way out (if Delete is set) regardless of
// whether body returned an error. The body never observes a
// partially-created table: creation fully completes, or Acquire returns
// its error, before body runs.
func Acquire(ctx context.Context, client TableClient, d Descriptor, body func(ctx context.Context) error) error {
	if d.Create {
		if err := client.CreateTable(ctx, d.Schema, d.Table, d.Fields, d.ExistsOk, d.PrimaryKey); err != nil {
			return err
		}
	}

	bodyErr := body(ctx)

	if d.Delete {
		if dropErr := client.DropTable(ctx, d.Schema, d.Table, true); dropErr != nil {
			if bodyErr != nil {
				return bodyErr
			}
			return dropErr
		}
	}
	return bodyErr
}
