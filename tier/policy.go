/*
Package tier evaluates which status level a membership holds and moves it
between levels.

PURPOSE:
  A tenant's tier policy maps point thresholds to tiers ("silver from 500,
  gold from 2000"). Upgrades are immediate. Downgrades follow the policy's
  strategy: never, immediately, or after a grace period during which the
  member keeps the old tier and can recover. A minimum tier duration keeps
  freshly reached tiers from flapping.

KEY CONCEPTS:
  Policy:      Thresholds plus downgrade configuration (policy.go)
  State:       NoTier | Active | GracePeriod (state.go)
  Transition:  Pure state machine step (transition.go)
  Service:     Loads balance and status under the membership lock,
               applies Transition, persists, emits events (service.go)

SEE ALSO:
  - accrual: triggers Evaluate after each committed accrual
  - api/scheduler.go: triggers EvaluateDue on a timer
*/
package tier

import (
	"fmt"
	"sort"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// POLICY ENUMS
// =============================================================================

type WindowKind string

const (
	WindowContinuous WindowKind = "CONTINUOUS" // running balance
	WindowRolling    WindowKind = "ROLLING"    // ledger sum over the last Days
)

// Window selects the qualifying balance.
type Window struct {
	Kind WindowKind
	Days int
}

type EvaluationType string

const (
	EvaluationFixed EvaluationType = "FIXED"
	// EvaluationRelative (percentile ranking against other members) is not
	// supported and rejected by Validate.
	EvaluationRelative EvaluationType = "RELATIVE"
)

type DowngradeStrategy string

const (
	DowngradeNever       DowngradeStrategy = "NEVER"
	DowngradeImmediate   DowngradeStrategy = "IMMEDIATE"
	DowngradeGracePeriod DowngradeStrategy = "GRACE_PERIOD"
)

type PolicyStatus string

const (
	PolicyActive   PolicyStatus = "ACTIVE"
	PolicyInactive PolicyStatus = "INACTIVE"
)

// =============================================================================
// POLICY
// =============================================================================

// Threshold is the minimum qualifying balance for a tier.
type Threshold struct {
	Tier      core.TierID
	MinPoints core.Points
}

type Policy struct {
	ID                  string
	TenantID            core.TenantID
	Name                string
	Window              Window
	EvaluationType      EvaluationType
	Thresholds          []Threshold // ascending by MinPoints after Normalize
	GracePeriodDays     int
	MinTierDurationDays int
	Downgrade           DowngradeStrategy
	ReevaluateEveryDays int
	Status              PolicyStatus
}

// Normalize returns a copy with thresholds sorted ascending. Rank relies
// on this order.
func (p Policy) Normalize() Policy {
	ts := make([]Threshold, len(p.Thresholds))
	copy(ts, p.Thresholds)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].MinPoints < ts[j].MinPoints })
	p.Thresholds = ts
	if p.Window.Kind == "" {
		p.Window.Kind = WindowContinuous
	}
	if p.EvaluationType == "" {
		p.EvaluationType = EvaluationFixed
	}
	return p
}

func (p Policy) Validate() error {
	invalid := func(field, reason string) error {
		return &core.ValidationError{Field: "tier_policy." + field, Reason: reason}
	}
	switch {
	case p.ID == "":
		return invalid("id", "required")
	case p.TenantID == "":
		return invalid("tenant_id", "required")
	case len(p.Thresholds) == 0:
		return invalid("thresholds", "at least one threshold required")
	case p.GracePeriodDays < 0:
		return invalid("grace_period_days", "must not be negative")
	case p.MinTierDurationDays < 0:
		return invalid("min_tier_duration_days", "must not be negative")
	case p.ReevaluateEveryDays < 0:
		return invalid("reevaluate_every_days", "must not be negative")
	case p.Status != PolicyActive && p.Status != PolicyInactive:
		return invalid("status", "unknown status "+string(p.Status))
	}
	switch p.Window.Kind {
	case WindowContinuous:
	case WindowRolling:
		if p.Window.Days <= 0 {
			return invalid("window.days", "rolling window needs a positive day count")
		}
	default:
		return invalid("window.kind", "unknown window "+string(p.Window.Kind))
	}
	switch p.EvaluationType {
	case EvaluationFixed:
	case EvaluationRelative:
		return invalid("evaluation_type", "RELATIVE evaluation is not supported")
	default:
		return invalid("evaluation_type", "unknown evaluation type "+string(p.EvaluationType))
	}
	switch p.Downgrade {
	case DowngradeNever, DowngradeImmediate, DowngradeGracePeriod:
	default:
		return invalid("downgrade_strategy", "unknown strategy "+string(p.Downgrade))
	}

	tiers := make(map[core.TierID]bool)
	mins := make(map[core.Points]bool)
	for _, t := range p.Thresholds {
		switch {
		case t.Tier == "":
			return invalid("thresholds", "tier name required")
		case t.MinPoints < 0:
			return invalid("thresholds", fmt.Sprintf("tier %s: minimum must not be negative", t.Tier))
		case tiers[t.Tier]:
			return invalid("thresholds", fmt.Sprintf("tier %s listed twice", t.Tier))
		case mins[t.MinPoints]:
			return invalid("thresholds", fmt.Sprintf("minimum %d used by two tiers", t.MinPoints))
		}
		tiers[t.Tier] = true
		mins[t.MinPoints] = true
	}
	return nil
}

// =============================================================================
// EVALUATOR - balance -> tier
// =============================================================================

// TierFor returns the tier with the highest threshold <= balance, or nil.
func (p Policy) TierFor(balance core.Points) *core.TierID {
	var best *core.TierID
	var bestMin core.Points
	for _, t := range p.Thresholds {
		if t.MinPoints <= balance && (best == nil || t.MinPoints > bestMin) {
			best = core.TierRef(t.Tier)
			bestMin = t.MinPoints
		}
	}
	return best
}

// Rank returns the tier's position in ascending threshold order.
func (p Policy) Rank(tier core.TierID) (int, bool) {
	for i, t := range p.Thresholds {
		if t.Tier == tier {
			return i, true
		}
	}
	return 0, false
}

// RankOf ranks an optional tier; no tier and unknown tiers rank -1.
func (p Policy) RankOf(tier *core.TierID) int {
	if tier == nil {
		return -1
	}
	if r, ok := p.Rank(*tier); ok {
		return r
	}
	return -1
}
