/*
errors.go - Centralized error types for the application engine

PURPOSE:
  All core error types in one place. The taxonomy:

  1. Guard violations  - invalid transition for the current
                         status/role/category; rejected before any write
  2. Not found         - missing application/employee/rate entry
  3. Stale state       - optimistic concurrency loss (retryable)
  4. Persistence       - store write failures (surfaced, not retried)

USAGE:
  if errors.Is(err, benefit.ErrGuardViolation) { ... }

  var guard *benefit.GuardViolationError
  if errors.As(err, &guard) { ... }

SEE ALSO:
  - statemachine.go: Produces guard violations
  - ratetable/publish.go: ConflictDecisionRequired lives there
*/
package benefit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrGuardViolation is returned when a transition is not permitted
	// for the current (status, action, role, category) tuple.
	ErrGuardViolation = errors.New("transition not permitted")

	// ErrStaleState is returned when the optimistic version check fails.
	// The caller may re-read and re-invoke; guards are re-validated
	// against the last committed state.
	ErrStaleState = errors.New("stale application state")

	// ErrApplicationNotFound is returned when a referenced application
	// doesn't exist.
	ErrApplicationNotFound = errors.New("application not found")

	// ErrEmployeeNotFound is returned when an employee lookup misses.
	ErrEmployeeNotFound = errors.New("employee not found")

	// ErrNoRateEntry is returned when no rate entry covers the target
	// date during reflection.
	ErrNoRateEntry = errors.New("no active rate entry for date")

	// ErrNoChanges is returned when resubmitting a returned application
	// whose content is unchanged since the last return.
	ErrNoChanges = errors.New("no changes since last return")

	// ErrNotEditable is returned when attempting to edit an application
	// outside an editable status or without edit permission.
	ErrNotEditable = errors.New("application not editable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// GuardViolationError explains exactly which guard rejected a transition.
type GuardViolationError struct {
	ApplicationID ApplicationID
	Action        Action
	Status        Status
	Category      Category
	Role          Role
	Detail        string
}

func (e *GuardViolationError) Error() string {
	return fmt.Sprintf("%s not permitted for %s application in status %q (role %s): %s",
		e.Action, e.Category, e.Status, e.Role, e.Detail)
}

func (e *GuardViolationError) Unwrap() error { return ErrGuardViolation }

// StaleStateError reports an optimistic concurrency conflict.
type StaleStateError struct {
	ApplicationID   ApplicationID
	ExpectedVersion int64
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("application %s changed since version %d", e.ApplicationID, e.ExpectedVersion)
}

func (e *StaleStateError) Unwrap() error { return ErrStaleState }

// PersistenceError wraps a store failure. The operation is not retried
// automatically; the record stays in its last committed state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input
// or a rejected guard (HTTP 4xx territory).
func IsClientError(err error) bool {
	return errors.Is(err, ErrGuardViolation) ||
		errors.Is(err, ErrNoChanges) ||
		errors.Is(err, ErrNotEditable)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrApplicationNotFound) ||
		errors.Is(err, ErrEmployeeNotFound) ||
		errors.Is(err, ErrNoRateEntry)
}

// IsRetryable returns true if re-invoking the same operation might
// succeed (optimistic concurrency losses).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleState)
}
