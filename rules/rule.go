/*
Package rules defines reward rules and the two pure steps that decide which
rules apply to a business event: matching and conflict resolution.

PURPOSE:
  A reward rule says "when a member does X, in scope Y, while holding tier
  Z, award points computed by formula F, at most N per period". The
  accrual service loads candidate rules, asks Match which ones apply to the
  event, then asks Resolve which of the matched rules actually pay out.

KEY CONCEPTS:
  Rule:         Versioned, immutable rule definition
  Formula:      Closed set of point formulas (formula.go)
  Match:        Pure filter over candidate rules (matcher.go)
  Resolve:      Conflict groups and cross-program stacking (resolver.go)

IMMUTABILITY:
  A Rule value is never edited in place. Activate and Deactivate return
  copies with a new status; Revise returns a copy with Version+1 for any
  semantic change. Ledger rows record the rule version that produced them.

SEE ALSO:
  - accrual: applies formulas, caps and idempotency to the selected rules
  - factory: JSON encoding of rules
*/
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// ENUMS
// =============================================================================

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusDraft    Status = "DRAFT"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive || s == StatusDraft
}

type StackPolicy string

const (
	StackExclusive StackPolicy = "EXCLUSIVE" // one winner per group
	StackAll       StackPolicy = "STACK"     // every member contributes
)

func (p StackPolicy) Valid() bool { return p == StackExclusive || p == StackAll }

// IdempotencyStrategy decides how the ledger key for an award is derived.
type IdempotencyStrategy string

const (
	// IdemEvent: one award per rule per source event.
	IdemEvent IdempotencyStrategy = "EVENT"
	// IdemEventBucket: one award per rule per source event per bucket.
	IdemEventBucket IdempotencyStrategy = "EVENT_BUCKET"
	// IdemMembershipBucket: one award per rule per bucket, whatever the event.
	IdemMembershipBucket IdempotencyStrategy = "MEMBERSHIP_BUCKET"
)

func (s IdempotencyStrategy) Valid() bool {
	switch s {
	case IdemEvent, IdemEventBucket, IdemMembershipBucket:
		return true
	}
	return false
}

// =============================================================================
// RULE COMPONENTS
// =============================================================================

// Scope restricts a rule. Empty store/branch/channel match any value.
type Scope struct {
	TenantID  core.TenantID
	ProgramID core.ProgramID
	StoreID   string
	BranchID  string
	Channel   string
}

// Eligibility is a tier-range gate. Bounds are compared by threshold rank
// in the tenant's tier policy.
type Eligibility struct {
	MinTier *core.TierID
	MaxTier *core.TierID
}

func (e Eligibility) Unrestricted() bool { return e.MinTier == nil && e.MaxTier == nil }

// Limits caps what a single rule can award.
type Limits struct {
	PerEventCap  *core.Points
	PerPeriodCap *core.Points
	CapPeriod    core.Granularity
}

// Conflict places a rule in a conflict group.
type Conflict struct {
	Group        string
	Policy       StackPolicy
	PriorityRank int
}

// IdempotencyScope selects the key strategy and, for bucket strategies,
// the bucket size.
type IdempotencyScope struct {
	Strategy    IdempotencyStrategy
	Granularity core.Granularity
}

// =============================================================================
// RULE
// =============================================================================

type Rule struct {
	ID      core.RuleID
	Version int
	Name    string

	Scope         Scope
	Trigger       core.Trigger
	CustomTrigger string

	Eligibility Eligibility
	Formula     Formula
	Limits      Limits
	Conflict    Conflict
	Idempotency IdempotencyScope

	ActiveFrom time.Time
	ActiveTo   *time.Time
	Status     Status
}

// Validate checks structural invariants. It does not check tier names
// against a policy; unknown tiers simply never match.
func (r Rule) Validate() error {
	invalid := func(field, reason string) error {
		return &core.ValidationError{Field: "rule." + field, Reason: fmt.Sprintf("%s: %s", r.ID, reason)}
	}
	switch {
	case r.ID == "":
		return &core.ValidationError{Field: "rule.id", Reason: "required"}
	case r.Version < 1:
		return invalid("version", "must be at least 1")
	case r.Scope.TenantID == "":
		return invalid("tenant_id", "required")
	case r.Scope.ProgramID == "":
		return invalid("program_id", "required")
	case !r.Trigger.Valid():
		return invalid("trigger", "unknown trigger "+string(r.Trigger))
	case r.CustomTrigger != "" && r.Trigger != core.TriggerCustom:
		return invalid("custom_trigger", "only allowed with CUSTOM trigger")
	case r.Formula == nil:
		return invalid("formula", "required")
	case !r.Status.Valid():
		return invalid("status", "unknown status "+string(r.Status))
	case r.ActiveFrom.IsZero():
		return invalid("active_from", "required")
	case r.ActiveTo != nil && !r.ActiveTo.After(r.ActiveFrom):
		return invalid("active_to", "must be after active_from")
	}
	if err := r.Formula.validate(); err != nil {
		return invalid("formula", err.Error())
	}
	if err := r.Limits.validate(); err != nil {
		return invalid("limits", err.Error())
	}
	if r.Conflict.Group != "" && !r.Conflict.Policy.Valid() {
		return invalid("conflict.policy", "unknown stack policy "+string(r.Conflict.Policy))
	}
	switch {
	case !r.Idempotency.Strategy.Valid():
		return invalid("idempotency.strategy", "unknown strategy "+string(r.Idempotency.Strategy))
	case r.Idempotency.Strategy != IdemEvent && !r.Idempotency.Granularity.Valid():
		return invalid("idempotency.granularity", "required for bucket strategies")
	}
	return nil
}

func (l Limits) validate() error {
	if l.PerEventCap != nil && *l.PerEventCap < 0 {
		return fmt.Errorf("per_event_cap must not be negative")
	}
	if l.PerPeriodCap != nil {
		if *l.PerPeriodCap < 0 {
			return fmt.Errorf("per_period_cap must not be negative")
		}
		if !l.CapPeriod.Valid() {
			return fmt.Errorf("cap_period required with per_period_cap")
		}
	}
	return nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (r Rule) Activate() Rule {
	r.Status = StatusActive
	return r
}

func (r Rule) Deactivate() Rule {
	r.Status = StatusInactive
	return r
}

// Revise applies edit to a copy of the rule, bumps the version and
// validates the result. The receiver is left untouched.
func (r Rule) Revise(edit func(*Rule)) (Rule, error) {
	next := r
	if r.ActiveTo != nil {
		to := *r.ActiveTo
		next.ActiveTo = &to
	}
	edit(&next)
	next.ID = r.ID
	next.Version = r.Version + 1
	if err := next.Validate(); err != nil {
		return Rule{}, err
	}
	return next, nil
}

// ActiveAt reports whether t falls in [ActiveFrom, ActiveTo).
func (r Rule) ActiveAt(t time.Time) bool {
	if t.Before(r.ActiveFrom) {
		return false
	}
	return r.ActiveTo == nil || t.Before(*r.ActiveTo)
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

// IdempotencyKey derives the ledger key of an award for this rule. Buckets
// are computed on the membership's wall clock (loc).
func (r Rule) IdempotencyKey(e core.Event, loc *time.Location) string {
	switch r.Idempotency.Strategy {
	case IdemEventBucket:
		b := core.BucketFor(e.OccurredAt, r.Idempotency.Granularity, loc)
		return fmt.Sprintf("evt:%s:%s:rule:%s", e.SourceEventID, b.Key(), r.ID)
	case IdemMembershipBucket:
		b := core.BucketFor(e.OccurredAt, r.Idempotency.Granularity, loc)
		return fmt.Sprintf("rule:%s:%s", r.ID, b.Key())
	default:
		return fmt.Sprintf("evt:%s:rule:%s", e.SourceEventID, r.ID)
	}
}

// ReasonCode is written on EARNING rows produced by this rule.
func (r Rule) ReasonCode() string {
	return "rule:" + strings.ToLower(string(r.Trigger))
}
