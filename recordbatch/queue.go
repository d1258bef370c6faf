// Package recordbatch implements the bounded producer/consumer queue
// record batches flow through: a FIFO sized by cumulative bytes rather
// than item count, so memory stays bounded regardless of row width.
package recordbatch

import (
	"context"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/posthog/batchexport-postgres/heartbeat"
)

// Batch pairs one Arrow record with the schema it was built against and
// the watermark range of source rows it covers. Every batch for one
// export attempt shares the same schema; the producer publishes it
// once, with or before the first batch.
type Batch struct {
	Schema *arrow.Schema
	Record arrow.Record
	Range  heartbeat.DateRange
}

// ByteSize sums the byte length of every buffer backing every column,
// the basis the queue uses to enforce its byte ceiling.
func (b Batch) ByteSize() int64 {
	var total int64
	for _, col := range b.Record.Columns() {
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}

// Queue is a bounded FIFO of Batch, sized by cumulative bytes. Put
// blocks while the queue is non-empty and adding the next batch would
// exceed the configured ceiling; a batch larger than the ceiling is
// still admitted into an empty queue so a single oversized batch cannot
// deadlock the pipeline. Get blocks while the queue is empty and the
// producer has not signaled completion.
type Queue struct {
	maxBytes int64

	mu           sync.Mutex
	items        []Batch
	curBytes     int64
	producerDone bool
	producerErr  error

	changed chan struct{}
}

// NewQueue creates a Queue with the given byte ceiling.
func NewQueue(maxBytes int64) *Queue {
	return &Queue{maxBytes: maxBytes, changed: make(chan struct{}, 1)}
}

func (q *Queue) notify() {
	select {
	case q.changed <- struct{}{}:
	default:
	}
}

// Put enqueues b, blocking until there is room or ctx is done.
func (q *Queue) Put(ctx context.Context, b Batch) error {
	size := b.ByteSize()
	for {
		q.mu.Lock()
		if q.curBytes == 0 || q.curBytes+size <= q.maxBytes {
			q.items = append(q.items, b)
			q.curBytes += size
			q.mu.Unlock()
			q.notify()
			return nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.changed:
		}
	}
}

// CloseProducer signals that no more batches will be put, with err set
// if the producer ended abnormally. Any blocked or future Get call
// observes this once the queue drains.
func (q *Queue) CloseProducer(err error) {
	q.mu.Lock()
	q.producerDone = true
	q.producerErr = err
	q.mu.Unlock()
	q.notify()
}

// Get dequeues the next batch. ok is false once the queue is empty and
// the producer is done; err carries the producer's terminal error, if any.
func (q *Queue) Get(ctx context.Context) (batch Batch, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items = q.items[1:]
			q.curBytes -= b.ByteSize()
			q.mu.Unlock()
			q.notify()
			return b, true, nil
		}
		if q.producerDone {
			perr := q.producerErr
			q.mu.Unlock()
			return Batch{}, false, perr
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Batch{}, false, ctx.Err()
		case <-q.changed:
		}
	}
}

// Bytes returns the current cumulative byte size of enqueued batches.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.curBytes
}
