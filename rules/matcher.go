package rules

import (
	"sort"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// MATCHER - Pure filter over the candidate rule set
// =============================================================================

// TierRanker ranks tiers by threshold order. tier.Policy implements it.
type TierRanker interface {
	Rank(tier core.TierID) (int, bool)
}

// Member is the membership state eligibility is checked against.
type Member struct {
	Tier  *core.TierID
	Ranks TierRanker // nil when the tenant has no tier policy
}

func (m Member) rank() int {
	if m.Tier == nil || m.Ranks == nil {
		return -1
	}
	if r, ok := m.Ranks.Rank(*m.Tier); ok {
		return r
	}
	return -1
}

// Match returns the candidates that apply to the event, ordered by
// PriorityRank descending then rule ID ascending. Non-matching rules are
// silently excluded; only a malformed event is an error.
func Match(e core.Event, candidates []Rule, m Member) ([]Rule, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var matched []Rule
	for _, r := range candidates {
		if r.Matches(e, m) {
			matched = append(matched, r)
		}
	}
	SortByPriority(matched)
	return matched, nil
}

// Matches applies every match condition to a single rule. The event's
// program is not checked when it is empty; the caller decides which
// programs are in play.
func (r Rule) Matches(e core.Event, m Member) bool {
	switch {
	case r.Status != StatusActive:
		return false
	case r.Scope.TenantID != e.TenantID:
		return false
	case e.ProgramID != "" && r.Scope.ProgramID != e.ProgramID:
		return false
	case r.Trigger != e.Trigger:
		return false
	case r.Trigger == core.TriggerCustom && r.CustomTrigger != "" && r.CustomTrigger != e.CustomTrigger:
		return false
	case !scopeMatches(r.Scope.StoreID, e.StoreID),
		!scopeMatches(r.Scope.BranchID, e.BranchID),
		!scopeMatches(r.Scope.Channel, e.Channel):
		return false
	case !r.ActiveAt(e.OccurredAt):
		return false
	}
	return r.Eligibility.admits(m)
}

func scopeMatches(ruleValue, eventValue string) bool {
	return ruleValue == "" || ruleValue == eventValue
}

func (e Eligibility) admits(m Member) bool {
	if e.Unrestricted() {
		return true
	}
	if m.Ranks == nil {
		return false
	}
	current := m.rank()
	if e.MinTier != nil {
		lo, ok := m.Ranks.Rank(*e.MinTier)
		if !ok || current < lo {
			return false
		}
	}
	if e.MaxTier != nil {
		hi, ok := m.Ranks.Rank(*e.MaxTier)
		if !ok || current > hi {
			return false
		}
	}
	return true
}

// SortByPriority orders rules by PriorityRank descending, then ID ascending.
func SortByPriority(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Conflict.PriorityRank != rs[j].Conflict.PriorityRank {
			return rs[i].Conflict.PriorityRank > rs[j].Conflict.PriorityRank
		}
		return rs[i].ID < rs[j].ID
	})
}
