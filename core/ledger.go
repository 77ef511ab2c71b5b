/*
ledger.go - Append-only points ledger

PURPOSE:
  The Ledger is the immutable source of truth for all balance changes.
  Every earning, redemption, adjustment, reversal and expiration is
  recorded here. Membership.Balance is a cached projection and must always
  equal the sum of the ledger deltas; Verify detects drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IMMUTABLE: Once written, rows cannot be modified
  3. IDEMPOTENT: Same (membership, idempotency key) = same row

CORRECTIONS:
  A mistaken earning is not edited. A REVERSAL row with the opposite sign
  is appended; both rows stay in the ledger and the net effect is zero.

EXAMPLE FLOW:
  1. $100 purchase at 0.10/unit:   EARNING   +10
  2. Redeem a coffee:               REDEEM     -8
  3. Purchase refunded:             REVERSAL  -10  (reverses row 1)
  4. Goodwill correction:           ADJUSTMENT +8

  Ledger: [+10, -8, -10, +8] = 0

SEE ALSO:
  - store.go: Low-level persistence interface
  - accrual: the only writer of ledger rows
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger interface {
	// Append adds a row. Returns ErrDuplicateIdempotencyKey if the key exists.
	// This is the ONLY write operation.
	Append(ctx context.Context, tx PointsTransaction) error

	// Existing returns the row recorded under the key, or nil.
	Existing(ctx context.Context, membershipID MembershipID, key string) (*PointsTransaction, error)

	// Transactions returns all rows for the membership, chronologically.
	Transactions(ctx context.Context, membershipID MembershipID) ([]PointsTransaction, error)

	// Balance sums every delta.
	Balance(ctx context.Context, membershipID MembershipID) (Points, error)

	// BalanceAt sums deltas of rows written (CreatedAt) at or before at.
	BalanceAt(ctx context.Context, membershipID MembershipID, at time.Time) (Points, error)

	// SumInWindow sums deltas with EffectiveAt in [from, to).
	SumInWindow(ctx context.Context, membershipID MembershipID, from, to time.Time) (Points, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using LedgerStore
// =============================================================================

type DefaultLedger struct {
	Store LedgerStore
}

func NewLedger(store LedgerStore) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, tx PointsTransaction) error {
	switch {
	case tx.IdempotencyKey == "":
		return &ValidationError{Field: "idempotency_key", Reason: "required"}
	case !tx.Type.Valid():
		return &ValidationError{Field: "type", Reason: "unknown transaction type " + string(tx.Type)}
	case tx.Delta == 0:
		return &ValidationError{Field: "delta", Reason: "must not be zero"}
	}
	return l.Store.InsertTransaction(ctx, tx)
}

func (l *DefaultLedger) Existing(ctx context.Context, membershipID MembershipID, key string) (*PointsTransaction, error) {
	return l.Store.TransactionByKey(ctx, membershipID, key)
}

func (l *DefaultLedger) Transactions(ctx context.Context, membershipID MembershipID) ([]PointsTransaction, error) {
	return l.Store.Transactions(ctx, membershipID)
}

func (l *DefaultLedger) Balance(ctx context.Context, membershipID MembershipID) (Points, error) {
	txs, err := l.Store.Transactions(ctx, membershipID)
	if err != nil {
		return 0, err
	}
	return SumDeltas(txs), nil
}

func (l *DefaultLedger) BalanceAt(ctx context.Context, membershipID MembershipID, at time.Time) (Points, error) {
	txs, err := l.Store.Transactions(ctx, membershipID)
	if err != nil {
		return 0, err
	}
	var balance Points
	for _, tx := range txs {
		if !tx.CreatedAt.After(at) {
			balance += tx.Delta
		}
	}
	return balance, nil
}

func (l *DefaultLedger) SumInWindow(ctx context.Context, membershipID MembershipID, from, to time.Time) (Points, error) {
	txs, err := l.Store.TransactionsInRange(ctx, membershipID, from, to)
	if err != nil {
		return 0, err
	}
	return SumDeltas(txs), nil
}

// SumDeltas adds up the deltas of txs.
func SumDeltas(txs []PointsTransaction) Points {
	var sum Points
	for _, tx := range txs {
		sum += tx.Delta
	}
	return sum
}

// =============================================================================
// CONSISTENCY CHECK
// =============================================================================

// BalanceCheck compares the cached membership balance with the ledger sum.
type BalanceCheck struct {
	MembershipID MembershipID
	Cached       Points
	Ledger       Points
	Rows         int
}

func (c BalanceCheck) Drift() Points   { return c.Cached - c.Ledger }
func (c BalanceCheck) Consistent() bool { return c.Cached == c.Ledger }

// Verify recomputes the ledger sum for m.
func (l *DefaultLedger) Verify(ctx context.Context, m Membership) (BalanceCheck, error) {
	txs, err := l.Store.Transactions(ctx, m.ID)
	if err != nil {
		return BalanceCheck{}, err
	}
	return BalanceCheck{
		MembershipID: m.ID,
		Cached:       m.Balance,
		Ledger:       SumDeltas(txs),
		Rows:         len(txs),
	}, nil
}
