// Package workflow models the external interfaces this activity is
// invoked through: its typed inputs, and the error taxonomy the
// orchestrator's retry policy keys off of. The orchestrator itself
// (schedules, workflow state persistence) is out of scope.
package workflow

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ConnectionError is raised after PgClient.Connect exhausts its retry
// budget.
type ConnectionError struct{ Cause error }

func (e *ConnectionError) Error() string { return fmt.Sprintf("postgresql connection error: %v", e.Cause) }
func (e *ConnectionError) Unwrap() error { return e.Cause }

// OperationalError covers a mid-stream disconnect once the connection
// was previously established.
type OperationalError struct{ Cause error }

func (e *OperationalError) Error() string { return fmt.Sprintf("postgresql operational error: %v", e.Cause) }
func (e *OperationalError) Unwrap() error { return e.Cause }

// InvalidSchemaNameError is raised when the destination schema is missing.
type InvalidSchemaNameError struct{ Schema string }

func (e *InvalidSchemaNameError) Error() string { return fmt.Sprintf("invalid schema name: %s", e.Schema) }

// InsufficientPrivilegeError is raised when the connection lacks
// SELECT/INSERT/COPY privilege on the destination.
type InsufficientPrivilegeError struct{ Detail string }

func (e *InsufficientPrivilegeError) Error() string {
	return fmt.Sprintf("insufficient privilege: %s", e.Detail)
}

// UndefinedTableError is raised by operations other than introspection
// when the destination table doesn't exist.
type UndefinedTableError struct{ Table string }

func (e *UndefinedTableError) Error() string { return fmt.Sprintf("undefined table: %s", e.Table) }

// UndefinedColumnError signals destination-schema drift.
type UndefinedColumnError struct{ Column string }

func (e *UndefinedColumnError) Error() string { return fmt.Sprintf("undefined column: %s", e.Column) }

// NotNullViolationError is raised when a row violates a NOT NULL constraint.
type NotNullViolationError struct{ Detail string }

func (e *NotNullViolationError) Error() string { return fmt.Sprintf("not-null violation: %s", e.Detail) }

// UniqueViolationError is raised by a user-added unique constraint.
type UniqueViolationError struct{ Detail string }

func (e *UniqueViolationError) Error() string { return fmt.Sprintf("unique violation: %s", e.Detail) }

// CheckViolationError is raised by a user-managed CHECK constraint.
type CheckViolationError struct{ Detail string }

func (e *CheckViolationError) Error() string { return fmt.Sprintf("check violation: %s", e.Detail) }

// ForeignKeyViolationError is raised by a user-managed foreign key.
type ForeignKeyViolationError struct{ Detail string }

func (e *ForeignKeyViolationError) Error() string {
	return fmt.Sprintf("foreign key violation: %s", e.Detail)
}

// StringDataRightTruncationError is raised when a VARCHAR column is too
// small for the incoming value.
type StringDataRightTruncationError struct{ Detail string }

func (e *StringDataRightTruncationError) Error() string {
	return fmt.Sprintf("string data right truncation: %s", e.Detail)
}

// DiskFullError is raised when the destination runs out of space.
type DiskFullError struct{ Detail string }

func (e *DiskFullError) Error() string { return fmt.Sprintf("disk full: %s", e.Detail) }

// FeatureNotSupportedError is raised against a read-only database.
type FeatureNotSupportedError struct{ Detail string }

func (e *FeatureNotSupportedError) Error() string {
	return fmt.Sprintf("feature not supported: %s", e.Detail)
}

// UntranslatableCharacterError is raised when bytes survive sanitization
// but still can't be represented in the destination encoding.
type UntranslatableCharacterError struct{ Detail string }

func (e *UntranslatableCharacterError) Error() string {
	return fmt.Sprintf("untranslatable character: %s", e.Detail)
}

// MissingPrimaryKeyError is raised when a merge is attempted against a
// final table lacking the primary key the merge key assumes.
type MissingPrimaryKeyError struct {
	Table      string
	PrimaryKey []string
}

func (e *MissingPrimaryKeyError) Error() string {
	return fmt.Sprintf("table %s is missing the expected primary key %v", e.Table, e.PrimaryKey)
}

// ClassifyPgError maps a *pgconn.PgError's SQLSTATE code to the typed
// errors above, grounded on PostgreSQL's published error-code table.
// Errors that aren't *pgconn.PgError (network errors, timeouts) are
// returned unchanged; PgClient.Connect wraps its own failures in
// ConnectionError.
func ClassifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "3F000":
		return &InvalidSchemaNameError{Schema: pgErr.SchemaName}
	case "42501":
		return &InsufficientPrivilegeError{Detail: pgErr.Message}
	case "42P01":
		return &UndefinedTableError{Table: pgErr.TableName}
	case "42703":
		return &UndefinedColumnError{Column: pgErr.ColumnName}
	case "23502":
		return &NotNullViolationError{Detail: pgErr.Message}
	case "23505":
		return &UniqueViolationError{Detail: pgErr.Message}
	case "23514":
		return &CheckViolationError{Detail: pgErr.Message}
	case "23503":
		return &ForeignKeyViolationError{Detail: pgErr.Message}
	case "22001":
		return &StringDataRightTruncationError{Detail: pgErr.Message}
	case "53100":
		return &DiskFullError{Detail: pgErr.Message}
	case "0A000":
		return &FeatureNotSupportedError{Detail: pgErr.Message}
	case "22P05":
		return &UntranslatableCharacterError{Detail: pgErr.Message}
	case "42P10":
		return &MissingPrimaryKeyError{Table: pgErr.TableName}
	default:
		return pgErr
	}
}

// NonRetryableErrorTypes lists the error type names the workflow's retry
// policy excludes from automatic retry, carried over from the original
// PostHog Temporal workflow's non_retryable_error_types.
func NonRetryableErrorTypes() []string {
	return []string{
		"OperationalError",
		"InvalidSchemaNameError",
		"InsufficientPrivilegeError",
		"NotNullViolationError",
		"UniqueViolationError",
		"UndefinedColumnError",
		"StringDataRightTruncationError",
		"DiskFullError",
		"ConnectionError",
		"MissingPrimaryKeyError",
		"FeatureNotSupportedError",
		"CheckViolationError",
		"ForeignKeyViolationError",
		"UntranslatableCharacterError",
	}
}
