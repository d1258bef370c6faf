// Package metrics exposes Prometheus counters, gauges, and histograms
// for one batch export activity instance.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/posthog/batchexport-postgres/logging"
)

// Collector manages all metrics for the batch export activity.
type Collector struct {
	logger *logging.ComponentLogger

	// Counters
	rowsExported  prometheus.Counter
	bytesExported prometheus.Counter
	flushesTotal  prometheus.Counter
	retriesTotal  prometheus.Counter
	errorsTotal   prometheus.Counter

	// Gauges
	queueBytes        prometheus.Gauge
	activeConnections prometheus.Gauge

	// Histograms
	flushDuration   prometheus.Histogram
	mergeDuration   prometheus.Histogram
	connectDuration prometheus.Histogram

	// Summary
	batchSizeSummary prometheus.Summary

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector.
func NewCollector(logger *logging.ComponentLogger) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		logger:   logger,
		registry: registry,

		rowsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchexport_postgres_rows_exported_total",
			Help: "Total number of rows COPY'd into PostgreSQL",
		}),

		bytesExported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchexport_postgres_bytes_exported_total",
			Help: "Total bytes written via COPY FROM STDIN",
		}),

		flushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchexport_postgres_flushes_total",
			Help: "Total number of consumer flush cycles",
		}),

		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchexport_postgres_connect_retries_total",
			Help: "Total number of connection retry attempts",
		}),

		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchexport_postgres_errors_total",
			Help: "Total number of activity-level errors",
		}),

		queueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchexport_postgres_queue_bytes",
			Help: "Current cumulative byte size of the record batch queue",
		}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchexport_postgres_active_connections",
			Help: "Number of open PostgreSQL connections owned by this activity",
		}),

		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchexport_postgres_flush_duration_seconds",
			Help:    "Time spent per consumer flush (rewind + COPY)",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchexport_postgres_merge_duration_seconds",
			Help:    "Time spent merging staging into the final table",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchexport_postgres_connect_duration_seconds",
			Help:    "Time spent establishing the PostgreSQL connection, including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		batchSizeSummary: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "batchexport_postgres_record_batch_rows",
			Help:       "Row count of record batches pulled from the queue",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}

	registry.MustRegister(
		c.rowsExported,
		c.bytesExported,
		c.flushesTotal,
		c.retriesTotal,
		c.errorsTotal,
		c.queueBytes,
		c.activeConnections,
		c.flushDuration,
		c.mergeDuration,
		c.connectDuration,
		c.batchSizeSummary,
	)
	registry.MustRegister(prometheus.NewGoCollector())

	logger.Info().Msg("metrics collector initialized")

	return c
}

// Handler returns the HTTP handler serving /metrics for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer starts a standalone Prometheus metrics HTTP server.
func (c *Collector) StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	c.logger.Info().Int("port", port).Msg("starting Prometheus metrics server")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return nil
}

func (c *Collector) RecordFlush(rows int64, bytes int64) {
	c.flushesTotal.Inc()
	c.rowsExported.Add(float64(rows))
	c.bytesExported.Add(float64(bytes))
	c.batchSizeSummary.Observe(float64(rows))
}

func (c *Collector) RecordRetry() { c.retriesTotal.Inc() }
func (c *Collector) RecordError() { c.errorsTotal.Inc() }

func (c *Collector) UpdateQueueBytes(bytes int64)  { c.queueBytes.Set(float64(bytes)) }
func (c *Collector) UpdateActiveConnections(n int) { c.activeConnections.Set(float64(n)) }

func (c *Collector) TimeFlush(f func()) {
	timer := prometheus.NewTimer(c.flushDuration)
	defer timer.ObserveDuration()
	f()
}

func (c *Collector) TimeMerge(f func()) {
	timer := prometheus.NewTimer(c.mergeDuration)
	defer timer.ObserveDuration()
	f()
}

func (c *Collector) TimeConnect(f func()) {
	timer := prometheus.NewTimer(c.connectDuration)
	defer timer.ObserveDuration()
	f()
}

// AttemptMetrics tracks metrics for a single activity attempt, aggregated
// in-process and logged at the end of the run.
type AttemptMetrics struct {
	RunID         string
	StartTime     time.Time
	EndTime       time.Time
	RowsExported  int64
	BytesExported int64
	Errors        int64
	mu            sync.Mutex
}

func NewAttemptMetrics(runID string) *AttemptMetrics {
	return &AttemptMetrics{RunID: runID, StartTime: time.Now()}
}

func (am *AttemptMetrics) IncrementRows(rows, bytes int64) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.RowsExported += rows
	am.BytesExported += bytes
}

func (am *AttemptMetrics) IncrementErrors() {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.Errors++
}

func (am *AttemptMetrics) Finalize() {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.EndTime = time.Now()
}

func (am *AttemptMetrics) Duration() time.Duration {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.EndTime.IsZero() {
		return time.Since(am.StartTime)
	}
	return am.EndTime.Sub(am.StartTime)
}
