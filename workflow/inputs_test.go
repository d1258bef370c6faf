package workflow

import (
	"context"
	"errors"
	"testing"
)

func TestPostgresInsertInputs_WithDefaults(t *testing.T) {
	in := PostgresInsertInputs{}.WithDefaults()
	if in.Port != 5432 {
		t.Fatalf("expected default port 5432, got %d", in.Port)
	}
	if in.Schema != "public" {
		t.Fatalf("expected default schema public, got %q", in.Schema)
	}
}

func TestPostgresInsertInputs_WithDefaults_PreservesExplicitValues(t *testing.T) {
	in := PostgresInsertInputs{Port: 6543, Schema: "custom"}.WithDefaults()
	if in.Port != 6543 || in.Schema != "custom" {
		t.Fatalf("expected explicit values preserved, got port=%d schema=%q", in.Port, in.Schema)
	}
}

type fakeRunner struct {
	runID         string
	startErr      error
	execRows      uint64
	execErr       error
	finishErr     error
	finishedRunID string
	finishStatus  RunStatus
	finishCause   error
}

func (f *fakeRunner) StartBatchExportRun(ctx context.Context, inputs PostgresBatchExportInputs) (string, error) {
	return f.runID, f.startErr
}

func (f *fakeRunner) ExecuteInsertActivity(ctx context.Context, inputs PostgresInsertInputs, nonRetryable []string) (uint64, error) {
	return f.execRows, f.execErr
}

func (f *fakeRunner) FinishBatchExportRun(ctx context.Context, runID string, status RunStatus, cause error) error {
	f.finishedRunID = runID
	f.finishStatus = status
	f.finishCause = cause
	return f.finishErr
}

func TestRun_HappyPathReportsCompleted(t *testing.T) {
	runner := &fakeRunner{runID: "run-1", execRows: 42}
	rows, err := Run(context.Background(), runner, PostgresBatchExportInputs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 42 {
		t.Fatalf("expected 42 rows, got %d", rows)
	}
	if runner.finishedRunID != "run-1" {
		t.Fatalf("expected the allocated run id to be reported, got %q", runner.finishedRunID)
	}
	if runner.finishStatus != RunStatusCompleted {
		t.Fatalf("expected Completed status, got %s", runner.finishStatus)
	}
	if runner.finishCause != nil {
		t.Fatal("expected no failure cause on the happy path")
	}
}

func TestRun_ActivityErrorReportsFailedButStillFinishes(t *testing.T) {
	activityErr := errors.New("copy failed")
	runner := &fakeRunner{runID: "run-2", execErr: activityErr}
	_, err := Run(context.Background(), runner, PostgresBatchExportInputs{})
	if !errors.Is(err, activityErr) {
		t.Fatalf("expected the activity error to propagate, got %v", err)
	}
	if runner.finishStatus != RunStatusFailed {
		t.Fatalf("expected Failed status, got %s", runner.finishStatus)
	}
	if runner.finishCause != activityErr {
		t.Fatal("expected the failure cause to be passed to FinishBatchExportRun")
	}
}

func TestRun_StartErrorSkipsActivityAndFinish(t *testing.T) {
	startErr := errors.New("could not allocate run")
	runner := &fakeRunner{startErr: startErr}
	_, err := Run(context.Background(), runner, PostgresBatchExportInputs{})
	if !errors.Is(err, startErr) {
		t.Fatalf("expected the start error to propagate, got %v", err)
	}
	if runner.finishedRunID != "" {
		t.Fatal("expected FinishBatchExportRun not to be called when StartBatchExportRun fails")
	}
}
