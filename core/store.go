/*
store.go - Persistence ports for ledger rows and memberships

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  LedgerStore:     Append-only ledger rows (insert, lookups, range sums)
  MembershipStore: Membership aggregate with its cached balance and tier
  UnitOfWork:      Per-membership exclusive scope (one database transaction)

APPEND-ONLY CONTRACT:
  LedgerStore has exactly one write method, InsertTransaction. There is
  no Update or Delete. Corrections are REVERSAL or ADJUSTMENT rows.

IDEMPOTENCY:
  InsertTransaction is an insert-or-detect-conflict operation: when a row
  with the same (membership, idempotency key) exists it writes nothing and
  returns ErrDuplicateIdempotencyKey. Check and write are one atomic step
  so concurrent retries cannot both succeed.

UNIT OF WORK:
  WithMembership runs fn with exclusive access to one membership. The
  context handed to fn carries the active transaction; every store method
  called with that context joins it. If fn returns an error nothing fn
  wrote is kept.

IMPLEMENTATIONS:
  - core/store/memory.go: In-memory for testing and dev
  - store/sqlstore: SQLite and PostgreSQL

SEE ALSO:
  - ledger.go: Higher-level ledger using LedgerStore
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Append-only
// =============================================================================

type LedgerStore interface {
	// InsertTransaction persists a row. Returns ErrDuplicateIdempotencyKey
	// (and writes nothing) if the membership already has a row with the key.
	InsertTransaction(ctx context.Context, tx PointsTransaction) error

	// TransactionByKey returns the row with the idempotency key, or nil if none.
	TransactionByKey(ctx context.Context, membershipID MembershipID, key string) (*PointsTransaction, error)

	// TransactionByID returns a NotFoundError if the row does not exist.
	TransactionByID(ctx context.Context, id TransactionID) (PointsTransaction, error)

	// Transactions returns all rows of a membership ordered by EffectiveAt, then ID.
	Transactions(ctx context.Context, membershipID MembershipID) ([]PointsTransaction, error)

	// TransactionsInRange returns rows with EffectiveAt in [from, to).
	TransactionsInRange(ctx context.Context, membershipID MembershipID, from, to time.Time) ([]PointsTransaction, error)

	// EarningsForEvent returns the EARNING rows written for a business
	// event, whatever rule produced them.
	EarningsForEvent(ctx context.Context, membershipID MembershipID, sourceEventID string) ([]PointsTransaction, error)

	// SumEarnedByRule sums EARNING deltas recorded for a rule with
	// EffectiveAt in [from, to). Used for per-period caps.
	SumEarnedByRule(ctx context.Context, membershipID MembershipID, ruleID RuleID, from, to time.Time) (Points, error)
}

// =============================================================================
// MEMBERSHIP STORE
// =============================================================================

type MembershipStore interface {
	// Membership returns a NotFoundError if the membership does not exist.
	Membership(ctx context.Context, id MembershipID) (Membership, error)

	// CreateMembership fails with ErrConflict if the ID is taken.
	CreateMembership(ctx context.Context, m Membership) error

	// ApplyBalanceDelta adds delta to the cached balance and returns the
	// updated membership. Callers must hold the membership's unit of work.
	ApplyBalanceDelta(ctx context.Context, id MembershipID, delta Points, at time.Time) (Membership, error)

	// SetTier records the membership's current tier (nil clears it).
	SetTier(ctx context.Context, id MembershipID, tier *TierID, at time.Time) error
}

// =============================================================================
// UNIT OF WORK - Per-membership exclusive scope
// =============================================================================

type UnitOfWork interface {
	// WithMembership executes fn with exclusive access to the membership.
	// If fn returns error, everything it wrote is rolled back.
	// If fn returns nil, the writes are committed.
	WithMembership(ctx context.Context, id MembershipID, fn func(ctx context.Context) error) error
}

// Store bundles the ports the accrual path needs.
type Store interface {
	LedgerStore
	MembershipStore
	UnitOfWork
}

// Clock returns the current time. Services take one so tests can pin time.
type Clock func() time.Time

// SystemClock returns the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock returns a Clock that always reports t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
