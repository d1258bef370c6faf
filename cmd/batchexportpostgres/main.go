// Command batchexportpostgres runs one PostgreSQL batch export window.
// It wires config, logging, metrics, the PostgreSQL client, and the
// activity driver: load config, start the health server, run the
// workload, wait for shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/posthog/batchexport-postgres/activity"
	"github.com/posthog/batchexport-postgres/config"
	"github.com/posthog/batchexport-postgres/health"
	"github.com/posthog/batchexport-postgres/heartbeat"
	"github.com/posthog/batchexport-postgres/logging"
	"github.com/posthog/batchexport-postgres/metrics"
	"github.com/posthog/batchexport-postgres/pgclient"
	"github.com/posthog/batchexport-postgres/producer"
	"github.com/posthog/batchexport-postgres/recordbatch"
	"github.com/posthog/batchexport-postgres/workflow"
)

func main() {
	configPath := flag.String("config", os.Getenv("BATCHEXPORT_CONFIG_FILE"), "path to an optional YAML config overlay")
	inputsPath := flag.String("inputs", os.Getenv("BATCHEXPORT_INPUTS_FILE"), "path to a JSON-encoded PostgresInsertInputs document for this attempt")
	flag.Parse()

	logger := logging.NewComponentLogger("batchexport-postgres", "v1.0.0")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	coll := metrics.NewCollector(logger)
	tracker := health.NewTracker()
	healthSrv := health.New(tracker, coll, logger, cfg.Service.HealthPort)
	healthSrv.Start()

	pg := pgclient.New(pgclient.ConnectConfig{
		Host:              cfg.Postgres.Host,
		Port:              cfg.Postgres.Port,
		User:              cfg.Postgres.User,
		Password:          cfg.Postgres.Password,
		Database:          cfg.Postgres.Database,
		HasSelfSignedCert: cfg.Postgres.HasSelfSignedCert,
	}, logger, coll)

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pg.Connect(connectCtx); err != nil {
		cancelConnect()
		logger.Error().Err(err).Msg("failed to connect to destination PostgreSQL")
		os.Exit(1)
	}
	cancelConnect()
	defer pg.Close()

	if *inputsPath == "" {
		logger.Info().Msg("no -inputs file given; serving health endpoints only, idle")
		waitForShutdown(healthSrv, logger)
		return
	}

	inputs, err := loadInputs(*inputsPath)
	if err != nil {
		logger.Error().Err(err).Str("path", *inputsPath).Msg("failed to load activity inputs")
		os.Exit(1)
	}
	if inputs.RunID == "" {
		inputs.RunID = uuid.NewString()
	}

	source := unconfiguredSourceClient{}
	driver := activity.New(pg, source, logger, coll,
		cfg.Export.QueueMaxBytes, cfg.Export.UploadChunkSizeBytes,
		time.Duration(cfg.Export.HeartbeatSeconds)*time.Second)

	tracker.RecordRunStart(inputs.RunID, inputs.BatchExportModel)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info().Msg("shutdown signal received, cancelling the in-flight attempt")
		cancel()
	}()

	rows, runErr := driver.Run(ctx, inputs, &standaloneSender{})
	cancel()
	tracker.RecordRunResult(inputs.RunID, rows, runErr)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	if stopErr := healthSrv.Stop(shutdownCtx); stopErr != nil {
		logger.Warn().Err(stopErr).Msg("health server did not shut down cleanly")
	}
	cancelShutdown()

	if runErr != nil {
		logger.Error().Err(runErr).Uint64("records_completed", rows).Msg("activity attempt failed")
		os.Exit(1)
	}
	logger.Info().Uint64("records_completed", rows).Msg("activity attempt completed")
}

func loadInputs(path string) (workflow.PostgresInsertInputs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workflow.PostgresInsertInputs{}, err
	}
	var inputs workflow.PostgresInsertInputs
	if err := json.Unmarshal(data, &inputs); err != nil {
		return workflow.PostgresInsertInputs{}, err
	}
	return inputs.WithDefaults(), nil
}

func waitForShutdown(healthSrv *health.Server, logger *logging.ComponentLogger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("health server did not shut down cleanly")
	}
}

// unconfiguredSourceClient is the wiring point for the ClickHouse-shaped
// source store, which this repository deliberately does not implement
// (out of scope). A real deployment supplies its own producer.SourceClient.
type unconfiguredSourceClient struct{}

func (unconfiguredSourceClient) Query(ctx context.Context, params producer.QueryParams) (<-chan recordbatch.Batch, <-chan *arrow.Schema, <-chan error) {
	errCh := make(chan error, 1)
	errCh <- errors.New("no source client configured: wire a ClickHouse-shaped producer.SourceClient before running this binary")
	close(errCh)
	batches := make(chan recordbatch.Batch)
	close(batches)
	schemaCh := make(chan *arrow.Schema)
	close(schemaCh)
	return batches, schemaCh, errCh
}

// standaloneSender is a no-op heartbeat.Sender for single-process,
// non-orchestrated runs: nothing is persisted across attempts, so a
// restarted attempt always starts from the beginning of its window.
type standaloneSender struct{}

func (standaloneSender) Heartbeat(ctx context.Context, d *heartbeat.Details) error { return nil }
func (standaloneSender) ResumeFromHeartbeat(ctx context.Context) (*heartbeat.Details, error) {
	return heartbeat.New(), nil
}
