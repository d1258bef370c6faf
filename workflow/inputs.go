package workflow

import (
	"context"
	"time"
)

// PostgresInsertInputs is the activity's input record. It is an
// explicit, fully-enumerated struct rather than a pass-through dict of
// connection options.
type PostgresInsertInputs struct {
	TeamID  int64  `json:"team_id"`
	User    string `json:"user"`
	Password string `json:"password"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Database string `json:"database"`
	Schema  string `json:"schema"`
	TableName string `json:"table_name"`
	HasSelfSignedCert bool `json:"has_self_signed_cert"`

	DataIntervalStart *time.Time `json:"data_interval_start,omitempty"`
	DataIntervalEnd   time.Time  `json:"data_interval_end"`

	ExcludeEvents []string `json:"exclude_events,omitempty"`
	IncludeEvents []string `json:"include_events,omitempty"`

	RunID string `json:"run_id"`

	IsBackfill      bool   `json:"is_backfill"`
	BackfillDetails string `json:"backfill_details,omitempty"`

	BatchExportModel  string `json:"batch_export_model"`
	BatchExportSchema string `json:"batch_export_schema,omitempty"`
}

// WithDefaults fills in the documented defaults (port 5432, schema
// "public") when left zero-valued.
func (in PostgresInsertInputs) WithDefaults() PostgresInsertInputs {
	if in.Port == 0 {
		in.Port = 5432
	}
	if in.Schema == "" {
		in.Schema = "public"
	}
	return in
}

// PostgresBatchExportInputs is the workflow's input record: the same
// connection/table fields as PostgresInsertInputs, plus scheduling
// fields the workflow layer owns.
type PostgresBatchExportInputs struct {
	PostgresInsertInputs
	Interval      string `json:"interval"`
	BatchExportID string `json:"batch_export_id"`
}

// RunStatus is the terminal status reported to finish_batch_export_run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "Completed"
	RunStatusFailed     RunStatus = "Failed"
)

// ActivityRunner models the three orchestrator calls the workflow makes
// around the activity: allocating a run id, executing the activity with
// the non-retryable-error-excluding retry policy, and reporting the
// terminal status. The orchestrator implementation itself is out of
// scope; this interface exists so the workflow's control flow can be
// exercised without it.
type ActivityRunner interface {
	StartBatchExportRun(ctx context.Context, inputs PostgresBatchExportInputs) (runID string, err error)
	ExecuteInsertActivity(ctx context.Context, inputs PostgresInsertInputs, nonRetryable []string) (recordsCompleted uint64, err error)
	FinishBatchExportRun(ctx context.Context, runID string, status RunStatus, failureErr error) error
}

// Run drives the workflow-level control flow:
// allocate a run, execute the insert activity, report completion.
func Run(ctx context.Context, runner ActivityRunner, inputs PostgresBatchExportInputs) (uint64, error) {
	runID, err := runner.StartBatchExportRun(ctx, inputs)
	if err != nil {
		return 0, err
	}
	inputs.RunID = runID

	recordsCompleted, execErr := runner.ExecuteInsertActivity(ctx, inputs.PostgresInsertInputs, NonRetryableErrorTypes())

	status := RunStatusCompleted
	if execErr != nil {
		status = RunStatusFailed
	}
	if err := runner.FinishBatchExportRun(ctx, runID, status, execErr); err != nil {
		return recordsCompleted, err
	}
	return recordsCompleted, execErr
}
