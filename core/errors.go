/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place so callers (HTTP layer, Kafka consumer,
  scheduler) can classify failures with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation      - malformed event or rule; reject that event only
  2. Not found       - unknown membership / program / policy
  3. Conflict        - duplicate idempotency key; callers treat as success
  4. Rule evaluation - a formula could not be evaluated; skip that rule
  5. Concurrency     - lock or transaction contention; retry with backoff
  6. Persistence     - ledger write failure; aborts the whole accrual

SEE ALSO:
  - ledger.go: uses ErrDuplicateIdempotencyKey
  - store/sqlstore: maps driver errors onto these sentinels
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrRuleEvaluation = errors.New("rule evaluation failed")
	ErrConcurrency    = errors.New("concurrent modification detected")
	ErrPersistence    = errors.New("persistence failure")

	// ErrDuplicateIdempotencyKey is returned when a ledger row with the same
	// (membership, idempotency key) already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = fmt.Errorf("%w: duplicate idempotency key", ErrConflict)

	// ErrInsufficientBalance is returned when a debit would make the balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing aggregate.
type NotFoundError struct {
	Kind string // "membership", "program", "tier_policy", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// RuleEvaluationError reports a rule whose formula could not be evaluated
// against an event. The rule is skipped; the event continues.
type RuleEvaluationError struct {
	RuleID RuleID
	Field  string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("rule %s: field %q: %v", e.RuleID, e.Field, e.Err)
	}
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() []error { return []error{ErrRuleEvaluation, e.Err} }

// PersistenceError wraps a storage failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	MembershipID MembershipID
	Available    Points
	Requested    Points
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Persistence wraps err as a PersistenceError unless it already carries a
// classification callers act on (conflict, concurrency, not found, validation).
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrConcurrency) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPersistence) || errors.Is(err, ErrInsufficientBalance) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing aggregate.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for duplicate-key style conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
