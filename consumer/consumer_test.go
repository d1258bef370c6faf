package consumer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/posthog/batchexport-postgres/heartbeat"
	"github.com/posthog/batchexport-postgres/logging"
	"github.com/posthog/batchexport-postgres/metrics"
	"github.com/posthog/batchexport-postgres/recordbatch"
)

type fakeQueue struct {
	batches []recordbatch.Batch
	i       int
	err     error
}

func (f *fakeQueue) Get(ctx context.Context) (recordbatch.Batch, bool, error) {
	if f.i >= len(f.batches) {
		return recordbatch.Batch{}, false, f.err
	}
	b := f.batches[f.i]
	f.i++
	return b, true, nil
}

type capturingPg struct {
	lastPayload []byte
	lastColumns []string
}

func (c *capturingPg) CopyTsvToPostgres(ctx context.Context, r io.Reader, schemaName, tableName string, columns []string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.lastPayload = data
	c.lastColumns = columns
	return nil
}

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func makeBatch(t *testing.T, sc *arrow.Schema, ids []int64, names []*string, r heartbeat.DateRange) recordbatch.Batch {
	t.Helper()
	b := array.NewRecordBuilder(memory.NewGoAllocator(), sc)
	defer b.Release()
	idBuilder := b.Field(0).(*array.Int64Builder)
	nameBuilder := b.Field(1).(*array.StringBuilder)
	for i, id := range ids {
		idBuilder.Append(id)
		if names[i] == nil {
			nameBuilder.AppendNull()
		} else {
			nameBuilder.Append(*names[i])
		}
	}
	return recordbatch.Batch{Schema: sc, Record: b.NewRecord(), Range: r}
}

func strp(s string) *string { return &s }

func newTestConsumer(q Dequeuer, pg CopyClient) (*Consumer, *heartbeat.Heartbeater) {
	hb := heartbeat.NewHeartbeater(nil, time.Minute, logging.NewComponentLogger("consumer-test", "test"))
	coll := metrics.NewCollector(logging.NewComponentLogger("consumer-test", "test"))
	c := New(q, pg, hb, coll, logging.NewComponentLogger("consumer-test", "test"), []string{"id", "name"}, 1<<20)
	return c, hb
}

func TestConsumer_FlushesAllRowsAndAdvancesHeartbeat(t *testing.T) {
	sc := testSchema()
	r := heartbeat.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
	}
	batch := makeBatch(t, sc, []int64{1, 2, 3}, []*string{strp("a"), nil, strp("")}, r)

	q := &fakeQueue{batches: []recordbatch.Batch{batch}}
	pg := &capturingPg{}
	c, hb := newTestConsumer(q, pg)

	rows, err := c.Run(context.Background(), "public", "events", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 3 {
		t.Fatalf("expected 3 rows flushed, got %d", rows)
	}

	lines := strings.Split(strings.TrimRight(string(pg.lastPayload), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 rows, got %d lines: %q", len(lines), lines)
	}
	if lines[0] != "id\tname" {
		t.Fatalf("expected header row, got %q", lines[0])
	}
	if lines[1] != "1\ta" {
		t.Fatalf("expected first data row '1\\ta', got %q", lines[1])
	}
	if lines[2] != "2\t" {
		t.Fatalf("expected NULL name rendered as empty, got %q", lines[2])
	}
	if lines[3] != `3\t""` && lines[3] != "3\t\"\"" {
		t.Fatalf("expected empty-string name quoted to distinguish from NULL, got %q", lines[3])
	}

	if hb.Details().RecordsCompleted != 3 {
		t.Fatalf("expected heartbeat records_completed=3, got %d", hb.Details().RecordsCompleted)
	}
	if !hb.Details().Contains(r.Start) || !hb.Details().Contains(r.End) {
		t.Fatal("expected heartbeat done_ranges to cover the flushed batch's range")
	}
}

func TestConsumer_EmptyStreamReturnsZeroRowsNoError(t *testing.T) {
	q := &fakeQueue{}
	pg := &capturingPg{}
	c, _ := newTestConsumer(q, pg)

	rows, err := c.Run(context.Background(), "public", "events", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 0 {
		t.Fatalf("expected 0 rows, got %d", rows)
	}
	if pg.lastPayload != nil {
		t.Fatal("expected no COPY call for an empty stream")
	}
}

func TestConsumer_FlushesAtByteThreshold(t *testing.T) {
	sc := testSchema()
	r := heartbeat.DateRange{Start: time.Now(), End: time.Now()}
	batch := makeBatch(t, sc, []int64{1, 2}, []*string{strp("a"), strp("b")}, r)

	q := &fakeQueue{batches: []recordbatch.Batch{batch}}
	pg := &capturingPg{}
	hb := heartbeat.NewHeartbeater(nil, time.Minute, logging.NewComponentLogger("consumer-test", "test"))
	coll := metrics.NewCollector(logging.NewComponentLogger("consumer-test", "test"))
	c := New(q, pg, hb, coll, logging.NewComponentLogger("consumer-test", "test"), []string{"id", "name"}, 1)

	rows, err := c.Run(context.Background(), "public", "events", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected 2 rows flushed across rotations, got %d", rows)
	}
	if !bytes.Contains(pg.lastPayload, []byte("id\tname")) {
		t.Fatal("expected the flushed spill file to carry its header row")
	}
}
