// Package logging provides structured, component-scoped logging for the
// batch export activity.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger wraps zerolog with consistent per-component context.
type ComponentLogger struct {
	logger zerolog.Logger
}

// NewComponentLogger creates a component-specific logger with consistent context.
func NewComponentLogger(componentName, version string) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if os.Getenv("ENVIRONMENT") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		})
	}

	logger := log.With().
		Str("component", componentName).
		Str("version", version).
		Logger()

	return &ComponentLogger{logger: logger}
}

func (cl *ComponentLogger) Info() *zerolog.Event  { return cl.logger.Info() }
func (cl *ComponentLogger) Error() *zerolog.Event { return cl.logger.Error() }
func (cl *ComponentLogger) Warn() *zerolog.Event  { return cl.logger.Warn() }
func (cl *ComponentLogger) Debug() *zerolog.Event { return cl.logger.Debug() }

// With returns a zerolog.Context derived from this logger, for building
// a child logger with extra fields; Bind attaches the per-attempt team
// id, run id, and model name.
func (cl *ComponentLogger) With() zerolog.Context { return cl.logger.With() }

// Bind returns a child ComponentLogger carrying the given run context,
// used by the activity driver to scope every subsequent log line to one
// export attempt.
func (cl *ComponentLogger) Bind(teamID int64, runID, model string) *ComponentLogger {
	return &ComponentLogger{
		logger: cl.logger.With().
			Int64("team_id", teamID).
			Str("run_id", runID).
			Str("model", model).
			Logger(),
	}
}

// LogStartup logs activity-driver startup with structured fields.
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Str("model", config.Model).
		Str("destination_table", config.DestinationTable).
		Bool("is_backfill", config.IsBackfill).
		Int("queue_max_bytes", config.QueueMaxBytes).
		Msg("starting batch export activity")
}

// LogFlushCompleted logs one consumer flush cycle.
func (cl *ComponentLogger) LogFlushCompleted(rows int64, bytes int64, duration time.Duration) {
	cl.Info().
		Int64("rows", rows).
		Int64("bytes", bytes).
		Dur("flush_duration", duration).
		Msg("flush completed")
}

// LogMergeCompleted logs a staging-to-final merge.
func (cl *ComponentLogger) LogMergeCompleted(stage, final string, duration time.Duration) {
	cl.Info().
		Str("stage_table", stage).
		Str("final_table", final).
		Dur("merge_duration", duration).
		Msg("merge completed")
}

// LogSchemaValidation logs schema derivation/intersection results.
func (cl *ComponentLogger) LogSchemaValidation(tableName string, fieldCount int, intersected bool) {
	cl.Info().
		Str("table", tableName).
		Int("field_count", fieldCount).
		Bool("intersected_with_live_columns", intersected).
		Msg("destination schema resolved")
}

// LogPerformanceMetrics logs throughput for the completed activity attempt.
func (cl *ComponentLogger) LogPerformanceMetrics(metrics PerformanceMetrics) {
	cl.Info().
		Str("operation", "performance_metrics").
		Float64("rows_per_second", metrics.RowsPerSecond).
		Int64("total_rows", metrics.TotalRows).
		Dur("total_duration", metrics.TotalDuration).
		Int64("bytes_transferred", metrics.BytesTransferred).
		Msg("activity performance metrics")
}

// StartupConfig captures activity-level startup context for LogStartup.
type StartupConfig struct {
	Model            string
	DestinationTable string
	IsBackfill       bool
	QueueMaxBytes    int
}

// PerformanceMetrics captures end-of-attempt throughput figures.
type PerformanceMetrics struct {
	RowsPerSecond    float64
	TotalRows        int64
	TotalDuration    time.Duration
	BytesTransferred int64
}

// NewProductionLogger creates a production-optimized logger bound to a
// fixed service identity, for use outside a per-activity scope (e.g. the
// health server).
func NewProductionLogger(serviceName, version, hostname string) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger := log.With().
		Str("service", serviceName).
		Str("version", version).
		Str("hostname", hostname).
		Logger()

	return &ComponentLogger{logger: logger}
}
