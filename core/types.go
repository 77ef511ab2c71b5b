/*
Package core provides the loyalty engine's shared vocabulary: identifiers,
point amounts, ledger entries, memberships, business events and the storage
ports every other package builds on.

PURPOSE:
  Rules, accrual and tier evaluation all speak about the same things: a
  membership earning points from a business event, recorded as an immutable
  ledger entry. This package owns those types so the domain packages stay
  decoupled from each other and from storage.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: signed whole-point amounts (ledger deltas and balances)
  - PointsTransaction: an immutable ledger entry
  - Membership: a customer's account in a tenant, caching the ledger balance
  - Event: the business event (purchase, visit, ...) handed to the core

DESIGN PRINCIPLES:
  1. Immutability: values are copied, "updates" return new values
  2. Integer points: fractional arithmetic happens in formulas (decimal),
     the ledger only ever sees whole points
  3. Type Safety: distinct ID types prevent mixing tenants, rules, tiers
  4. Auditability: every ledger row carries reason, provenance metadata
     and an idempotency key

SEE ALSO:
  - ledger.go: append-only ledger over the LedgerStore port
  - store.go: storage ports and the per-membership unit of work
  - errors.go: error taxonomy
*/
package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type ProgramID string
type MembershipID string
type RuleID string
type TierID string
type TransactionID string

// TierRef returns a pointer to a copy of id, for optional tier fields.
func TierRef(id TierID) *TierID { return &id }

// SameTier reports whether two optional tier references name the same tier.
func SameTier(a, b *TierID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// =============================================================================
// POINTS
// =============================================================================

// Points is a signed whole-point amount.
type Points int64

func (p Points) IsZero() bool     { return p == 0 }
func (p Points) IsNegative() bool { return p < 0 }
func (p Points) Neg() Points      { return -p }

func (p Points) Min(o Points) Points {
	if p < o {
		return p
	}
	return o
}

func (p Points) Max(o Points) Points {
	if p > o {
		return p
	}
	return o
}

// PointsFromDecimal floors d to whole points.
func PointsFromDecimal(d decimal.Decimal) Points {
	return Points(d.Floor().IntPart())
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxEarning    TransactionType = "EARNING"    // Points awarded by a reward rule
	TxRedeem     TransactionType = "REDEEM"     // Points spent on a reward
	TxAdjustment TransactionType = "ADJUSTMENT" // Manual correction
	TxReversal   TransactionType = "REVERSAL"   // Undo of a previous row
	TxExpiration TransactionType = "EXPIRATION" // Earned points that aged out
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxEarning, TxRedeem, TxAdjustment, TxReversal, TxExpiration:
		return true
	}
	return false
}

// Metadata keys written on ledger rows.
const (
	MetaRuleID        = "rule_id"
	MetaRuleVersion   = "rule_version"
	MetaProgramID     = "program_id"
	MetaSourceEventID = "source_event_id"
	MetaTrigger       = "trigger"
	MetaReverses      = "reverses"
	MetaActor         = "actor"
	MetaCapped        = "capped"
)

// PointsTransaction is one ledger row. Rows are never updated or deleted;
// corrections are new REVERSAL or ADJUSTMENT rows.
type PointsTransaction struct {
	ID             TransactionID
	TenantID       TenantID
	MembershipID   MembershipID
	Type           TransactionType
	Delta          Points
	ReasonCode     string
	IdempotencyKey string
	Metadata       map[string]string

	// EffectiveAt is the business time (the event's occurredAt); CreatedAt
	// is when the row was written.
	EffectiveAt time.Time
	CreatedAt   time.Time
}

// RuleID returns the rule provenance recorded on the row, if any.
func (tx PointsTransaction) RuleID() RuleID {
	return RuleID(tx.Metadata[MetaRuleID])
}

// ProgramID returns the program provenance recorded on the row, if any.
func (tx PointsTransaction) ProgramID() ProgramID {
	return ProgramID(tx.Metadata[MetaProgramID])
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

// Membership is a customer's account within a tenant. Balance is a cached
// projection of the ledger and must always equal the sum of the membership's
// ledger deltas; only the accrual package writes it.
type Membership struct {
	ID        MembershipID
	TenantID  TenantID
	UserID    string
	Balance   Points
	TierID    *TierID
	Timezone  string // IANA zone for tenant-local buckets, empty = UTC
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WithBalance returns a copy with delta applied to the balance.
func (m Membership) WithBalance(delta Points, at time.Time) Membership {
	m.Balance += delta
	m.UpdatedAt = at
	return m
}

// WithTier returns a copy assigned to tier (nil clears it).
func (m Membership) WithTier(tier *TierID, at time.Time) Membership {
	if tier != nil {
		tier = TierRef(*tier)
	}
	m.TierID = tier
	m.UpdatedAt = at
	return m
}

// Location resolves the membership's timezone, falling back to UTC.
func (m Membership) Location() *time.Location {
	if m.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// =============================================================================
// BUSINESS EVENT - Input handed to the core by upstream systems
// =============================================================================

// Trigger is the category of business event a reward rule responds to.
type Trigger string

const (
	TriggerVisit        Trigger = "VISIT"
	TriggerPurchase     Trigger = "PURCHASE"
	TriggerReferral     Trigger = "REFERRAL"
	TriggerSubscription Trigger = "SUBSCRIPTION"
	TriggerRetention    Trigger = "RETENTION"
	TriggerCustom       Trigger = "CUSTOM"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerVisit, TriggerPurchase, TriggerReferral,
		TriggerSubscription, TriggerRetention, TriggerCustom:
		return true
	}
	return false
}

// ParseTrigger accepts any letter case.
func ParseTrigger(s string) (Trigger, error) {
	t := Trigger(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ValidationError{Field: "trigger", Reason: "unknown trigger " + s}
	}
	return t, nil
}

// FieldAmount is the name formulas use for Event.Amount.
const FieldAmount = "amount"

// Event is a business event: a purchase, a visit, a referral...
type Event struct {
	SourceEventID string
	TenantID      TenantID
	ProgramID     ProgramID // empty = every program the membership is enrolled in
	MembershipID  MembershipID
	Trigger       Trigger
	CustomTrigger string // name of the custom trigger when Trigger is CUSTOM

	Amount decimal.Decimal
	Fields map[string]decimal.Decimal

	StoreID  string
	BranchID string
	Channel  string

	Metadata   map[string]string
	OccurredAt time.Time
}

// Field looks up a numeric field; "amount" (or empty) is Event.Amount.
func (e Event) Field(name string) (decimal.Decimal, bool) {
	if name == "" || name == FieldAmount {
		return e.Amount, true
	}
	v, ok := e.Fields[name]
	return v, ok
}

// Validate rejects malformed events. A rejected event never affects others.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.SourceEventID) == "":
		return &ValidationError{Field: "source_event_id", Reason: "required"}
	case e.TenantID == "":
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	case e.MembershipID == "":
		return &ValidationError{Field: "membership_id", Reason: "required"}
	case !e.Trigger.Valid():
		return &ValidationError{Field: "trigger", Reason: "unknown trigger " + string(e.Trigger)}
	case e.OccurredAt.IsZero():
		return &ValidationError{Field: "occurred_at", Reason: "required"}
	case e.Amount.IsNegative():
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	return nil
}
