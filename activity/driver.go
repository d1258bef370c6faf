package activity

import (
	"context"
	"io"
	"time"

	"github.com/posthog/batchexport-postgres/consumer"
	"github.com/posthog/batchexport-postgres/heartbeat"
	"github.com/posthog/batchexport-postgres/logging"
	"github.com/posthog/batchexport-postgres/managedtable"
	"github.com/posthog/batchexport-postgres/metrics"
	"github.com/posthog/batchexport-postgres/pgclient"
	"github.com/posthog/batchexport-postgres/producer"
	"github.com/posthog/batchexport-postgres/recordbatch"
	"github.com/posthog/batchexport-postgres/schema"
	"github.com/posthog/batchexport-postgres/workflow"
)

// PgClient is the subset of pgclient.Client the driver needs: DDL,
// column introspection, COPY, and merge. Defined here as an interface
// so the driver can be exercised against a fake in tests.
type PgClient interface {
	CreateTable(ctx context.Context, schemaName, tableName string, fields []schema.Field, existsOk bool, primaryKey []schema.Field) error
	DropTable(ctx context.Context, schemaName, tableName string, notFoundOk bool) error
	GetTableColumns(ctx context.Context, schemaName, tableName string) ([]string, error)
	CopyTsvToPostgres(ctx context.Context, r io.Reader, schemaName, tableName string, columns []string) error
	MergeTables(ctx context.Context, schemaName, final, stage string, fields []schema.Field, mergeKey, updateKey []pgclient.MergeColumn) error
}

// Driver is the top-level orchestration of one export window: it wires
// the producer and consumer around the shared queue, decides whether a
// staging-table merge is required, and acquires/releases the managed
// tables around the consumer's run.
type Driver struct {
	pg      PgClient
	source  producer.SourceClient
	logger  *logging.ComponentLogger
	metrics *metrics.Collector

	queueMaxBytes     int64
	chunkSizeBytes    int64
	heartbeatInterval time.Duration
}

// New creates a Driver bound to one connected PgClient and source.
func New(pg PgClient, source producer.SourceClient, logger *logging.ComponentLogger, coll *metrics.Collector, queueMaxBytes, chunkSizeBytes int64, heartbeatInterval time.Duration) *Driver {
	return &Driver{
		pg:                pg,
		source:            source,
		logger:            logger,
		metrics:           coll,
		queueMaxBytes:     queueMaxBytes,
		chunkSizeBytes:    chunkSizeBytes,
		heartbeatInterval: heartbeatInterval,
	}
}

// Run executes the full export-window procedure and returns the total
// records completed, including any completed before this attempt.
func (d *Driver) Run(ctx context.Context, inputs workflow.PostgresInsertInputs, sender heartbeat.Sender) (uint64, error) {
	logger := d.logger.Bind(inputs.TeamID, inputs.RunID, inputs.BatchExportModel)

	hb := heartbeat.NewHeartbeater(sender, d.heartbeatInterval, logger)
	hb.Start(ctx)
	defer hb.Stop()

	if err := hb.Resume(ctx); err != nil {
		return 0, err
	}

	model := ResolveModel(inputs.BatchExportModel)

	queue := recordbatch.NewQueue(d.queueMaxBytes)
	prod := producer.New(d.source, queue, logger)

	full := producer.Range{End: inputs.DataIntervalEnd}
	if inputs.DataIntervalStart != nil {
		full.Start = *inputs.DataIntervalStart
	}

	prod.Start(ctx, producer.QueryParams{
		TeamID:          inputs.TeamID,
		Model:           inputs.BatchExportModel,
		ExcludeEvents:   inputs.ExcludeEvents,
		IncludeEvents:   inputs.IncludeEvents,
		IsBackfill:      inputs.IsBackfill,
		BackfillDetails: inputs.BackfillDetails,
	}, full, hb.Details().DoneRanges)

	select {
	case <-prod.SchemaReady():
	case <-ctx.Done():
		return hb.Details().RecordsCompleted, ctx.Err()
	}

	sourceSchema := prod.Schema()
	if sourceSchema == nil {
		<-prod.Done()
		return hb.Details().RecordsCompleted, prod.Err()
	}

	normalized := schema.NormalizeSchema(sourceSchema)

	var tableFields []schema.Field
	var err error
	if model.IsEvents {
		tableFields = schema.EventsDefaultFields()
	} else {
		tableFields, err = schema.FieldsFromSchema(normalized, schema.KnownJSONColumns)
		if err != nil {
			return hb.Details().RecordsCompleted, err
		}
	}

	liveColumns, err := d.pg.GetTableColumns(ctx, inputs.Schema, inputs.TableName)
	if err != nil {
		return hb.Details().RecordsCompleted, err
	}
	tableFields = schema.IntersectWithLiveColumns(tableFields, liveColumns)

	columns := make([]string, len(tableFields))
	for i, f := range tableFields {
		columns[i] = f.Name
	}

	finalPK := PrimaryKeyFields(model.MergeKey, tableFields)

	stagingName := StagingTableName(inputs.TableName, time.Now(), inputs.TeamID)

	var recordsCompleted uint64
	runErr := managedtable.Acquire(ctx, d.pg, managedtable.Descriptor{
		Schema: inputs.Schema, Table: inputs.TableName, Fields: tableFields,
		PrimaryKey: finalPK, Create: true, ExistsOk: true, Delete: false,
	}, func(ctx context.Context) error {
		if !model.RequiresMerge {
			return d.runConsumer(ctx, queue, hb, inputs, columns, inputs.TableName, &recordsCompleted)
		}

		return managedtable.Acquire(ctx, d.pg, managedtable.Descriptor{
			Schema: inputs.Schema, Table: stagingName, Fields: tableFields,
			Create: true, ExistsOk: true, Delete: true,
		}, func(ctx context.Context) error {
			consumerErr := d.runConsumer(ctx, queue, hb, inputs, columns, stagingName, &recordsCompleted)

			mergeErr := d.pg.MergeTables(ctx, inputs.Schema, inputs.TableName, stagingName, tableFields,
				withTypes(model.MergeKey, tableFields), withTypes(model.UpdateKey, tableFields))
			if consumerErr != nil {
				return consumerErr
			}
			return mergeErr
		})
	})

	if runErr != nil {
		return hb.Details().RecordsCompleted, runErr
	}
	return hb.Details().RecordsCompleted, nil
}

func (d *Driver) runConsumer(ctx context.Context, queue *recordbatch.Queue, hb *heartbeat.Heartbeater, inputs workflow.PostgresInsertInputs, columns []string, targetTable string, recordsCompleted *uint64) error {
	con := consumer.New(queue, d.pg, hb, d.metrics, d.logger, columns, d.chunkSizeBytes)
	flushed, err := con.Run(ctx, inputs.Schema, targetTable, inputs.DataIntervalStart)
	*recordsCompleted = flushed
	return err
}
