// Package health serves the /health, /ready, and /metrics endpoints a
// running batch export process exposes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/posthog/batchexport-postgres/logging"
	"github.com/posthog/batchexport-postgres/metrics"
)

// Status is the point-in-time state of the most recent (or in-flight)
// activity attempt, surfaced on /health.
type Status struct {
	Status           string `json:"status"`
	LastRunID        string `json:"last_run_id"`
	LastModel        string `json:"last_model"`
	RecordsCompleted uint64 `json:"records_completed"`
	LastError        string `json:"last_error,omitempty"`
	LastUpdated      string `json:"last_updated"`
}

// Tracker accumulates Status across activity attempts. One Tracker is
// shared between the driver loop and the HTTP handlers.
type Tracker struct {
	mu    sync.Mutex
	state Status
}

// NewTracker creates an idle Tracker.
func NewTracker() *Tracker {
	return &Tracker{state: Status{Status: "idle"}}
}

// RecordRunStart marks an attempt as in-flight.
func (t *Tracker) RecordRunStart(runID, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Status{Status: "running", LastRunID: runID, LastModel: model, LastUpdated: now()}
}

// RecordRunResult marks the completion (success or failure) of an attempt.
func (t *Tracker) RecordRunResult(runID string, recordsCompleted uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.RecordsCompleted = recordsCompleted
	t.state.LastUpdated = now()
	if err != nil {
		t.state.Status = "failed"
		t.state.LastError = err.Error()
		return
	}
	t.state.Status = "healthy"
	t.state.LastError = ""
}

func (t *Tracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// now is a seam so tests can avoid depending on wall-clock formatting.
var now = func() string { return time.Now().UTC().Format(time.RFC3339) }

// Server serves /health, /ready, and /metrics over HTTP.
type Server struct {
	tracker *Tracker
	coll    *metrics.Collector
	logger  *logging.ComponentLogger
	port    int

	httpServer *http.Server
}

// New creates a Server bound to tracker and coll, listening on port.
func New(tracker *Tracker, coll *metrics.Collector, logger *logging.ComponentLogger, port int) *Server {
	return &Server{tracker: tracker, coll: coll, logger: logger, port: port}
}

// Start begins serving in the background. Call Stop for graceful shutdown.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", s.coll.Handler())

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	s.logger.Info().Int("port", s.port).Str("endpoints", "/health,/ready,/metrics").Msg("starting health server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Int("port", s.port).Msg("health server failed")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.tracker.snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.tracker.snapshot()
	if status.Status == "failed" {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}
