/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place. The API layer maps them to status codes
  with the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - rejected before any store mutation (client error)
  2. Not-found / ownership errors - rejected before dispatch (client error)
  3. Invariant violations - a metadata record that does not resolve to the
     rows its kind requires; unrecoverable, surfaced as a server error
  4. Store errors - database-level failures, surfaced as server errors

PARTIAL FAILURE:
  Every Manager mutation runs in one store transaction. Any error returned
  from inside it rolls back everything written by that call.

SEE ALSO:
  - manager.go: logs invariant and store failures with entry id, kind, op
  - api/handlers.go: maps errors to HTTP status
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrEntryNotFound is returned when an entry does not exist or is not
	// owned by the caller. The two cases are deliberately indistinguishable.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrRuleNotFound is returned for a missing or foreign recurring rule.
	ErrRuleNotFound = errors.New("recurring rule not found")

	// ErrAccumulationNotFound is returned when no setting exists for an account.
	ErrAccumulationNotFound = errors.New("accumulation setting not found")

	// ErrAccountNotFound is returned when an account id does not resolve.
	ErrAccountNotFound = errors.New("account not found")

	// ErrMetadataNotFound and ErrLinkNotFound are returned by stores. Workers
	// turn them into InvariantErrors when a referenced row is missing.
	ErrMetadataNotFound = errors.New("metadata record not found")
	ErrLinkNotFound     = errors.New("transfer link not found")

	// ErrAccessDenied is returned when a referenced account or tag is not
	// owned by the caller.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidInput is returned for malformed entry input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidFilter is returned for a malformed listing filter.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvalidSteps is returned for a malformed accumulation step list.
	ErrInvalidSteps = errors.New("invalid accumulation steps")

	// ErrInvalidRepeat is returned for a malformed recurring rule schedule.
	ErrInvalidRepeat = errors.New("invalid repeat configuration")

	// ErrKindMismatch is returned when an operation targets an entry of the
	// wrong kind (e.g. a transfer edit on a simple entry).
	ErrKindMismatch = errors.New("entry kind does not support operation")

	// ErrInvariantViolation marks unrecoverable data defects.
	ErrInvariantViolation = errors.New("ledger invariant violated")

	// ErrConcurrentModification is returned when a compare-and-set update
	// finds the row already changed.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // one of the Err* validation sentinels
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.Err, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// InvariantError describes a metadata record that does not resolve to the
// rows its kind requires.
type InvariantError struct {
	EntryID EntryID
	Kind    MetadataKind
	Op      string
	Reason  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violated: %s on entry %d (kind %s): %s",
		e.Op, e.EntryID, e.Kind, e.Reason)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidFilter) ||
		errors.Is(err, ErrInvalidSteps) ||
		errors.Is(err, ErrInvalidRepeat) ||
		errors.Is(err, ErrKindMismatch)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccumulationNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
