// Package errs defines the error kinds shared across the orchestration
// core (spec.md §7). Every boundary in the engine returns one of these
// as a value rather than panicking; InvariantViolationError is the sole
// exception reserved for programmer error.
package errs

import "fmt"

// ValidationError reports a malformed input or constraint violation at
// the session or turn boundary. It never mutates state before being
// returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// PolicyDeniedError reports a BLOCK verdict from the policy enforcer.
type PolicyDeniedError struct {
	ReasonCode string
	Detail     string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied (%s): %s", e.ReasonCode, e.Detail)
}

// AdapterTransientError reports a retry-eligible adapter failure.
type AdapterTransientError struct {
	AgentID string
	Cause   error
}

func (e *AdapterTransientError) Error() string {
	return fmt.Sprintf("adapter %s: transient failure: %v", e.AgentID, e.Cause)
}

func (e *AdapterTransientError) Unwrap() error { return e.Cause }

// AdapterPermanentError reports a non-retried adapter failure.
type AdapterPermanentError struct {
	AgentID string
	Cause   error
}

func (e *AdapterPermanentError) Error() string {
	return fmt.Sprintf("adapter %s: permanent failure: %v", e.AgentID, e.Cause)
}

func (e *AdapterPermanentError) Unwrap() error { return e.Cause }

// CancelledError reports a cooperative cancellation honored by an
// adapter or the orchestrator.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// BudgetExceededError reports that a turn's cost pushed the session
// over its budget.
type BudgetExceededError struct {
	SessionID string
	Spent     string
	Budget    string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("session %s: budget exceeded: spent %s of %s", e.SessionID, e.Spent, e.Budget)
}

// DeadlineExceededError reports that a turn or session deadline
// elapsed before completion.
type DeadlineExceededError struct {
	SessionID string
	Deadline  string
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("session %s: deadline exceeded at %s", e.SessionID, e.Deadline)
}

// JournalWriteError reports that an audit record could not be durably
// written. It is fatal to the session that produced it: no progress is
// acknowledged past a record that failed to flush.
type JournalWriteError struct {
	RecordID string
	Cause    error
}

func (e *JournalWriteError) Error() string {
	return fmt.Sprintf("journal write failed for record %s: %v", e.RecordID, e.Cause)
}

func (e *JournalWriteError) Unwrap() error { return e.Cause }

// InvariantViolationError reports a programmer error: a core invariant
// that must never be false was found false. Callers may re-raise this
// as a panic; it is the one error kind in this engine permitted to
// cross a boundary as an exception.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violated: %s: %s", e.Invariant, e.Detail)
}
