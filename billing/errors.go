/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. Validation - bad durations, rates, statuses (InvalidInputError)
  2. Lookup     - client, task or entry missing
  3. State      - entry in the wrong lifecycle state, closed ledger year
  4. Conflict   - concurrent writer on the same client (retried, then
                  RetriesExhaustedError)
  5. Storage    - anything else from the store, propagated wrapped

USAGE:
    if errors.Is(err, billing.ErrClientNotFound) { ... }
    if billing.IsRetryable(err) { ... }
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for durations, rates or other caller
	// supplied values the engine cannot accept. Nothing has been written.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClientNotFound is returned when the owning client cannot be loaded.
	ErrClientNotFound = errors.New("client not found")

	// ErrTaskNotFound is returned when a referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEntryNotFound is returned when a referenced time entry does not exist.
	ErrEntryNotFound = errors.New("time entry not found")

	// ErrAlreadyExists is returned when an ID is reused on create.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState is returned when an entry is not in the lifecycle
	// state an operation requires (e.g. settling a settled entry).
	ErrInvalidState = errors.New("invalid entry state")

	// ErrLedgerYearClosed is returned when editing an entry whose allowance
	// contribution belongs to a calendar year that has since been reset.
	ErrLedgerYearClosed = errors.New("ledger year closed")

	// ErrConcurrentModification is returned by a store when a compare-and-set
	// on the client row detects another writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrRetriesExhausted is returned when conflicts persisted past the retry
	// budget. The mutation was not applied and may be retried by the caller.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

// RetriesExhaustedError reports a ledger update that kept conflicting.
type RetriesExhaustedError struct {
	ClientID ClientID
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("client %s: gave up after %d attempts: %v", e.ClientID, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrRetriesExhausted)
}

// IsClientError returns true if the error is due to the caller's input or
// the entry's state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrLedgerYearClosed) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
