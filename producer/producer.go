// Package producer issues the time-ranged source query and streams the
// resulting record batches into a bounded queue, publishing the shared
// schema once observed.
package producer

import (
	"context"
	"sort"
	"time"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/posthog/batchexport-postgres/heartbeat"
	"github.com/posthog/batchexport-postgres/logging"
	"github.com/posthog/batchexport-postgres/recordbatch"
	"github.com/posthog/batchexport-postgres/resilience"
)

// Range is a half-open-on-entry, closed-on-exit sub-interval of the
// export window: (Start, End]. A zero Start means "open/earliest".
type Range struct {
	Start time.Time
	End   time.Time
}

// QueryParams describes one source query: the model, the sub-range to
// read, and the filters/extras the source-store query layer needs.
// Its shape models the source-store contract; the contract's
// implementation lives entirely outside this module.
type QueryParams struct {
	TeamID          int64
	Model           string
	Range           Range
	ExcludeEvents   []string
	IncludeEvents   []string
	IsBackfill      bool
	BackfillDetails string
	Extra           map[string]string
}

// SourceClient is the out-of-scope source-store query layer. Query
// streams record batches for one sub-range; the schema channel carries
// the batch schema exactly once, before or alongside the first batch.
type SourceClient interface {
	Query(ctx context.Context, params QueryParams) (batches <-chan recordbatch.Batch, schemaCh <-chan *arrow.Schema, errCh <-chan error)
}

// Producer drives one or more sub-range queries against a SourceClient
// and forwards their batches into a shared Queue in ascending order,
// preserving the source's monotone watermark ordering.
type Producer struct {
	source SourceClient
	queue  *recordbatch.Queue
	logger *logging.ComponentLogger
	retry  *resilience.RetryManager

	schema    *arrow.Schema
	schemaSet chan struct{}

	done chan struct{}
	err  error
}

// New creates a Producer that reads through source and writes into queue.
func New(source SourceClient, queue *recordbatch.Queue, logger *logging.ComponentLogger) *Producer {
	return &Producer{
		source:    source,
		queue:     queue,
		logger:    logger,
		retry:     resilience.NewRetryManager(resilience.DefaultRetryPolicy(), logger),
		schemaSet: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SubtractDoneRanges returns the sub-ranges of full not yet covered by
// doneRanges, in ascending order. A doneRanges entry with a zero Start
// is treated as covering from the beginning of full.
func SubtractDoneRanges(full Range, doneRanges []heartbeat.DateRange) []Range {
	if len(doneRanges) == 0 {
		return []Range{full}
	}

	sorted := append([]heartbeat.DateRange{}, doneRanges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var remaining []Range
	cursor := full.Start
	for _, d := range sorted {
		start, end := d.Start, d.End
		if start.Before(full.Start) {
			start = full.Start
		}
		if end.After(full.End) {
			end = full.End
		}
		if end.Before(cursor) || end.Equal(cursor) {
			continue
		}
		if start.After(cursor) {
			remaining = append(remaining, Range{Start: cursor, End: start})
		}
		if end.After(cursor) {
			cursor = end
		}
	}
	if cursor.Before(full.End) {
		remaining = append(remaining, Range{Start: cursor, End: full.End})
	}
	return remaining
}

// Start launches the producer in its own goroutine and returns
// immediately. base carries the team/model/filter fields shared by
// every sub-range query; its Range field is overwritten per sub-range.
func (p *Producer) Start(ctx context.Context, base QueryParams, full Range, doneRanges []heartbeat.DateRange) {
	go p.run(ctx, base, full, doneRanges)
}

func (p *Producer) run(ctx context.Context, base QueryParams, full Range, doneRanges []heartbeat.DateRange) {
	defer close(p.done)

	ranges := SubtractDoneRanges(full, doneRanges)
	if len(ranges) == 0 {
		close(p.schemaSet)
		p.queue.CloseProducer(nil)
		return
	}

	for _, r := range ranges {
		params := base
		params.Range = r

		if err := p.runOneRange(ctx, params); err != nil {
			p.err = err
			p.closeSchemaSetOnce()
			p.queue.CloseProducer(err)
			return
		}
	}
	p.closeSchemaSetOnce()
	p.queue.CloseProducer(nil)
}

func (p *Producer) runOneRange(ctx context.Context, params QueryParams) error {
	return p.retry.Execute(ctx, "producer_query", func() error {
		batches, schemaCh, errCh := p.source.Query(ctx, params)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sc, ok := <-schemaCh:
				if !ok {
					schemaCh = nil
					continue
				}
				p.publishSchema(sc)
			case b, ok := <-batches:
				if !ok {
					// An error sent before batches was closed may still
					// be buffered in errCh; report it instead of ending
					// the range cleanly.
					select {
					case err, ok := <-errCh:
						if ok && err != nil {
							return err
						}
					default:
					}
					return nil
				}
				if err := p.queue.Put(ctx, b); err != nil {
					return err
				}
			case err, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}
				if err != nil {
					return err
				}
			}
		}
	})
}

func (p *Producer) publishSchema(sc *arrow.Schema) {
	if p.schema != nil {
		return
	}
	p.schema = sc
	p.closeSchemaSetOnce()
}

func (p *Producer) closeSchemaSetOnce() {
	select {
	case <-p.schemaSet:
	default:
		close(p.schemaSet)
	}
}

// SchemaReady is closed once the first schema has been observed, or the
// producer has finished without ever seeing one.
func (p *Producer) SchemaReady() <-chan struct{} {
	return p.schemaSet
}

// Schema returns the authoritative schema, or nil if the producer ended
// with no data.
func (p *Producer) Schema() *arrow.Schema {
	return p.schema
}

// Done is closed when the producer goroutine has exited, successfully
// or not. Callers should inspect Err after Done closes.
func (p *Producer) Done() <-chan struct{} {
	return p.done
}

// Err returns the terminal error, if any, after Done has closed.
func (p *Producer) Err() error {
	return p.err
}
