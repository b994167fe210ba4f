// Package errs classifies failures into the kinds spec §7 defines, so
// Supervisors can decide retry vs. abort without re-deriving the
// classification at every call site. Grounded on the teacher's
// internal/schema.isDuplicateObjectErr, which already special-cases
// pgconn.PgError codes; this generalizes that single check into a full
// taxonomy.
package errs

import (
	"context"
	"errors"
	"os/exec"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is one of the five error classes from spec §7.
type Kind string

const (
	// Transient: connection reset, deadlock, lock-timeout, serialization
	// failure. Retried up to max-attempts; the Supervisors wait
	// attempt² × 200ms between attempts (200ms, 800ms, ...), a quadratic
	// rather than exponential backoff.
	Transient Kind = "transient"
	// Data: constraint violation during CDC apply. Fails the specific
	// transaction. The Applier does not retry it: the transaction is rolled
	// back and the apply loop returns the error.
	Data Kind = "data"
	// Planning: source missing, permission denied. Immediately fatal.
	Planning Kind = "planning"
	// Tool: non-zero exit from an external dump/restore binary. Fatal
	// unless masked by an explicit skip policy.
	Tool Kind = "tool"
	// Protocol: unparseable replication plugin message. Fatal, logged
	// with the offending LSN.
	Protocol Kind = "protocol"
)

// Error wraps an underlying error with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err and wraps it. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// As reports whether err carries a *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err was classified as kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// transientPgCodes are SQLSTATE codes considered safe to retry: connection
// failures, deadlocks, lock timeouts, and serialization failures under
// REPEATABLE READ / SERIALIZABLE.
var transientPgCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
	"08004": true, // sqlserver_rejected_establishment_of_sqlconnection
}

// duplicateObjectCodes mirrors the teacher's isDuplicateObjectErr check:
// these are not failures at all when applying idempotent DDL.
var duplicateObjectCodes = map[string]bool{
	"42P07": true, // duplicate_table
	"42P16": true, // invalid_table_definition (duplicate partition, etc.)
	"42710": true, // duplicate_object
}

// dataViolationCodes are constraint/data errors surfaced during CDC apply.
var dataViolationCodes = map[string]bool{
	"23505": true, // unique_violation
	"23503": true, // foreign_key_violation
	"23502": true, // not_null_violation
	"23514": true, // check_violation
	"22P02": true, // invalid_text_representation (type mismatch)
}

// IsDuplicateObject reports whether err is a "this DDL object already
// exists" error — safe to skip rather than fail during idempotent schema
// or index application.
func IsDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return duplicateObjectCodes[pgErr.Code]
	}
	return false
}

// Classify inspects err and returns the spec §7 Kind that best describes
// it. Unrecognized pgconn errors default to Planning (fatal), since an
// unrecognized SQLSTATE is safer to treat as non-retryable than to loop on.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Tool
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case transientPgCodes[pgErr.Code]:
			return Transient
		case dataViolationCodes[pgErr.Code]:
			return Data
		case pgErr.Code == "42501" || pgErr.Code == "3D000": // insufficient_privilege, invalid_catalog_name
			return Planning
		}
	}
	return Planning
}
