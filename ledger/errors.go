/*
errors.go - Centralized error taxonomy for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Recoverable, user-facing: insufficient balance/capacity, invalid state
  2. Transient: concurrency conflicts (caller retries a bounded number of times)
  3. Fatal: integrity violations (never expected; trips an alert, not a retry)

USAGE:
  Callers branch with errors.Is / errors.As:

    var ib *ledger.InsufficientBalanceError
    if errors.As(err, &ib) {
        // show ib.Required vs ib.Current to the user
    }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a spend exceeds the projected
	// balance. Recoverable; the caller shows required vs current amounts.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientCapacity is returned when seats or reward stock are
	// exhausted. Recoverable.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrInvalidState is returned when operating on a cancelled/completed
	// ride, an inactive reward, or an already-used redemption.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrConcurrencyConflict is returned when an optimistic retry is
	// exhausted. The caller should retry the whole workflow.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrIntegrityViolation indicates a negative balance or oversold
	// inventory was observed. This must never happen; it is not corrected
	// silently.
	ErrIntegrityViolation = errors.New("ledger integrity violation")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Expected behavior for replayed
	// source events; callers treat it as "already credited".
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides the amounts the caller needs to render
// a useful message: what was required and what the account actually holds.
type InsufficientBalanceError struct {
	AccountID AccountID
	Kind      Kind
	Required  decimal.Decimal
	Current   decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, current %s",
		e.Kind, e.Required, e.Current)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InsufficientCapacityError provides details about a seat or stock shortage.
type InsufficientCapacityError struct {
	Resource  string // "seats" or "stock"
	Key       string // ride or reward ID
	Requested int
	Remaining int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient %s for %s: requested %d, remaining %d",
		e.Resource, e.Key, e.Requested, e.Remaining)
}

func (e *InsufficientCapacityError) Unwrap() error {
	return ErrInsufficientCapacity
}

// IntegrityError reports an observed invariant violation with enough
// context to investigate. It always wraps ErrIntegrityViolation.
type IntegrityError struct {
	Key    string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s: %s", e.Key, e.Detail)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrityViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to a recoverable,
// user-facing condition rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
