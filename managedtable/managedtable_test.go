package managedtable

import (
	"context"
	"errors"
	"testing"

	"github.com/posthog/batchexport-postgres/schema"
)

type fakeClient struct {
	created, dropped []string
	createErr        error
	dropErr          error
}

func (f *fakeClient) CreateTable(ctx context.Context, schemaName, tableName string, fields []schema.Field, existsOk bool, primaryKey []schema.Field) error {
	f.created = append(f.created, tableName)
	return f.createErr
}

func (f *fakeClient) DropTable(ctx context.Context, schemaName, tableName string, notFoundOk bool) error {
	f.dropped = append(f.dropped, tableName)
	return f.dropErr
}

func TestAcquire_CreatesAndDrops(t *testing.T) {
	c := &fakeClient{}
	ran := false
	err := Acquire(context.Background(), c, Descriptor{
		Schema: "public", Table: "stage_events_x", Create: true, Delete: true,
	}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("body did not run")
	}
	if len(c.created) != 1 || c.created[0] != "stage_events_x" {
		t.Fatalf("expected create for stage_events_x, got %v", c.created)
	}
	if len(c.dropped) != 1 {
		t.Fatalf("expected one drop, got %v", c.dropped)
	}
}

func TestAcquire_NoCreateNoDeleteForFinalTable(t *testing.T) {
	c := &fakeClient{}
	err := Acquire(context.Background(), c, Descriptor{
		Schema: "public", Table: "events", Create: false, Delete: false,
	}, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.created) != 0 || len(c.dropped) != 0 {
		t.Fatalf("expected no create/drop, got created=%v dropped=%v", c.created, c.dropped)
	}
}

func TestAcquire_DropsEvenWhenBodyFails(t *testing.T) {
	c := &fakeClient{}
	bodyErr := errors.New("flush failed")
	err := Acquire(context.Background(), c, Descriptor{
		Schema: "public", Table: "stage_events_x", Create: true, Delete: true,
	}, func(ctx context.Context) error { return bodyErr })
	if !errors.Is(err, bodyErr) {
		t.Fatalf("expected body error to propagate, got %v", err)
	}
	if len(c.dropped) != 1 {
		t.Fatal("expected drop to still run after body failure")
	}
}

func TestAcquire_CreateErrorSkipsBodyAndDrop(t *testing.T) {
	c := &fakeClient{createErr: errors.New("permission denied")}
	ran := false
	err := Acquire(context.Background(), c, Descriptor{
		Schema: "public", Table: "stage_events_x", Create: true, Delete: true,
	}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err == nil {
		t.Fatal("expected create error to propagate")
	}
	if ran {
		t.Fatal("body must not run when create fails")
	}
	if len(c.dropped) != 0 {
		t.Fatal("drop must not run when create never succeeded")
	}
}
