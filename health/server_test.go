package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTracker_RecordRunResult_SuccessReportsHealthy(t *testing.T) {
	tr := NewTracker()
	tr.RecordRunStart("run-1", "events")
	tr.RecordRunResult("run-1", 10, nil)

	got := tr.snapshot()
	if got.Status != "healthy" {
		t.Fatalf("expected healthy status, got %q", got.Status)
	}
	if got.RecordsCompleted != 10 {
		t.Fatalf("expected 10 records completed, got %d", got.RecordsCompleted)
	}
	if got.LastError != "" {
		t.Fatalf("expected no error recorded, got %q", got.LastError)
	}
}

func TestTracker_RecordRunResult_FailureReportsFailed(t *testing.T) {
	tr := NewTracker()
	tr.RecordRunStart("run-2", "persons")
	tr.RecordRunResult("run-2", 3, errors.New("copy boom"))

	got := tr.snapshot()
	if got.Status != "failed" {
		t.Fatalf("expected failed status, got %q", got.Status)
	}
	if got.LastError != "copy boom" {
		t.Fatalf("expected the error message to be recorded, got %q", got.LastError)
	}
}

func TestServer_HandleReady_ServiceUnavailableAfterFailure(t *testing.T) {
	tr := NewTracker()
	tr.RecordRunResult("run-3", 0, errors.New("boom"))
	s := &Server{tracker: tr}

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after a failed run, got %d", w.Code)
	}
}

func TestServer_HandleReady_OkWhenIdle(t *testing.T) {
	tr := NewTracker()
	s := &Server{tracker: tr}

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 while idle, got %d", w.Code)
	}
}
