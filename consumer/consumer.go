// Package consumer drains the record-batch queue, spills rows to a
// delimited text file, and flushes them to PostgreSQL via COPY,
// advancing the heartbeat after each successful flush.
package consumer

import (
	"context"
	"io"
	"time"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/posthog/batchexport-postgres/heartbeat"
	"github.com/posthog/batchexport-postgres/logging"
	"github.com/posthog/batchexport-postgres/metrics"
	"github.com/posthog/batchexport-postgres/recordbatch"
)

// CopyClient is the subset of pgclient.Client the consumer needs to
// flush a spill file.
type CopyClient interface {
	CopyTsvToPostgres(ctx context.Context, r io.Reader, schemaName, tableName string, columns []string) error
}

// Dequeuer is the subset of recordbatch.Queue the consumer drains from.
type Dequeuer interface {
	Get(ctx context.Context) (recordbatch.Batch, bool, error)
}

// Consumer drains batches from a queue and flushes them to PostgreSQL.
type Consumer struct {
	queue   Dequeuer
	pg      CopyClient
	hb      *heartbeat.Heartbeater
	metrics *metrics.Collector
	logger  *logging.ComponentLogger

	columns        []string
	chunkSizeBytes int64
}

// New creates a Consumer. columns is the destination column list, used
// both as the spill file's header row and as the COPY target's column
// list. chunkSizeBytes is the flush threshold
// (BATCH_EXPORT_POSTGRES_UPLOAD_CHUNK_SIZE_BYTES).
func New(queue Dequeuer, pg CopyClient, hb *heartbeat.Heartbeater, coll *metrics.Collector, logger *logging.ComponentLogger, columns []string, chunkSizeBytes int64) *Consumer {
	return &Consumer{
		queue:          queue,
		pg:             pg,
		hb:             hb,
		metrics:        coll,
		logger:         logger,
		columns:        columns,
		chunkSizeBytes: chunkSizeBytes,
	}
}

// Run drains the queue until the producer signals end-of-stream,
// flushing to schemaName.tableName whenever the spill file reaches
// chunkSizeBytes or the stream ends. dataIntervalStart clamps the
// open left edge of the first tracked done range (earliest-backfill).
// It returns the total rows flushed. If the queue yields zero batches
// and the producer completed cleanly, it returns 0 rows with a nil
// error.
func (c *Consumer) Run(ctx context.Context, schemaName, tableName string, dataIntervalStart *time.Time) (uint64, error) {
	var totalRows uint64
	extractors := map[string]cellExtractor{}

	spill, err := newSpillFile(c.columns)
	if err != nil {
		return 0, err
	}
	defer func() {
		if spill != nil {
			spill.cleanup()
		}
	}()

	for {
		b, ok, err := c.queue.Get(ctx)
		if err != nil {
			return totalRows, err
		}
		if !ok {
			if spill.rows > 0 {
				flushed, err := c.flush(ctx, spill, schemaName, tableName, dataIntervalStart)
				if err != nil {
					return totalRows, err
				}
				totalRows += flushed
			}
			return totalRows, nil
		}

		if err := c.writeBatch(spill, b, extractors); err != nil {
			b.Record.Release()
			return totalRows, err
		}
		b.Record.Release()

		if spill.bytesWritten >= c.chunkSizeBytes {
			flushed, err := c.flush(ctx, spill, schemaName, tableName, dataIntervalStart)
			if err != nil {
				return totalRows, err
			}
			totalRows += flushed

			spill, err = newSpillFile(c.columns)
			if err != nil {
				return totalRows, err
			}
		}
	}
}

func (c *Consumer) writeBatch(spill *spillFile, b recordbatch.Batch, extractors map[string]cellExtractor) error {
	rec := b.Record
	sc := rec.Schema()
	cols := make([]arrow.Array, len(c.columns))
	for i, name := range c.columns {
		idx := sc.FieldIndices(name)
		if len(idx) == 0 {
			continue
		}
		cols[i] = rec.Column(idx[0])
		if _, ok := extractors[name]; !ok {
			extractors[name] = extractorFor(sc.Field(idx[0]).Type)
		}
	}

	row := make([]string, len(c.columns))
	for r := 0; r < int(rec.NumRows()); r++ {
		for i, name := range c.columns {
			col := cols[i]
			if col == nil {
				row[i] = ""
				continue
			}
			value, isNull := extractors[name](col, r)
			row[i] = encodeField(value, isNull)
		}
		if err := spill.writeRow(row); err != nil {
			return err
		}
	}
	spill.lastRange = widenRange(spill.lastRange, b.Range)
	return nil
}

func (c *Consumer) flush(ctx context.Context, spill *spillFile, schemaName, tableName string, dataIntervalStart *time.Time) (uint64, error) {
	if err := spill.rewindForRead(); err != nil {
		return 0, err
	}

	startTime := spill.openedAt
	var flushErr error
	c.metrics.TimeFlush(func() {
		flushErr = c.pg.CopyTsvToPostgres(ctx, spill.file, schemaName, tableName, c.columns)
	})
	if flushErr != nil {
		return 0, flushErr
	}

	rows := uint64(spill.rows)
	c.metrics.RecordFlush(int64(rows), spill.bytesWritten)
	c.logger.LogFlushCompleted(int64(rows), spill.bytesWritten, time.Since(startTime))

	c.hb.Update(func(d *heartbeat.Details) {
		d.RecordsCompleted += rows
		d.TrackDoneRange(spill.lastRange, dataIntervalStart)
	})

	spill.close()
	return rows, nil
}
