package rules

import (
	"sort"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// CONFLICT RESOLVER
// =============================================================================
//
// Within a program, matched rules are partitioned by Conflict.Group:
//   - no group:         every rule is kept
//   - all STACK:        every rule is kept, contributions are summed
//   - any EXCLUSIVE:    one winner, highest PriorityRank, then lowest ID
//
// A group mixing EXCLUSIVE and STACK is resolved as EXCLUSIVE and reported
// as a ReviewFlag so operators can fix the configuration.
//
// Across programs, contributions stack only if every program that produced
// a winner allows stacking. Otherwise the program with the highest
// PriorityRank (then lowest ID) takes the event alone.

// ProgramRules is the matched rule set of one program.
type ProgramRules struct {
	ProgramID       core.ProgramID
	StackingAllowed bool
	PriorityRank    int
	Rules           []Rule
}

// ReviewFlag reports a configuration smell found while resolving.
type ReviewFlag struct {
	ProgramID core.ProgramID
	Group     string
	Reason    string
	RuleIDs   []core.RuleID
}

const ReasonMixedStackPolicy = "conflict group mixes EXCLUSIVE and STACK rules; resolved as EXCLUSIVE"

// Resolution is the outcome of conflict resolution.
type Resolution struct {
	Selected []Rule
	Programs []core.ProgramID // programs whose rules pay out
	Flags    []ReviewFlag
}

// ResolveGroups applies group policies to the matched rules of one program.
// The result keeps priority order.
func ResolveGroups(programID core.ProgramID, matched []Rule) ([]Rule, []ReviewFlag) {
	groups := make(map[string][]Rule)
	var order []string
	var selected []Rule
	for _, r := range matched {
		g := r.Conflict.Group
		if g == "" {
			selected = append(selected, r)
			continue
		}
		if _, seen := groups[g]; !seen {
			order = append(order, g)
		}
		groups[g] = append(groups[g], r)
	}

	var flags []ReviewFlag
	for _, g := range order {
		members := groups[g]
		exclusive, stack := 0, 0
		for _, r := range members {
			if r.Conflict.Policy == StackExclusive {
				exclusive++
			} else {
				stack++
			}
		}
		if exclusive == 0 {
			selected = append(selected, members...)
			continue
		}
		if stack > 0 {
			ids := make([]core.RuleID, len(members))
			for i, r := range members {
				ids[i] = r.ID
			}
			flags = append(flags, ReviewFlag{ProgramID: programID, Group: g, Reason: ReasonMixedStackPolicy, RuleIDs: ids})
		}
		selected = append(selected, winner(members))
	}
	SortByPriority(selected)
	return selected, flags
}

func winner(rs []Rule) Rule {
	best := rs[0]
	for _, r := range rs[1:] {
		if r.Conflict.PriorityRank > best.Conflict.PriorityRank ||
			(r.Conflict.PriorityRank == best.Conflict.PriorityRank && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

// Resolve applies group resolution per program, then cross-program stacking.
func Resolve(programs []ProgramRules) Resolution {
	type resolved struct {
		program ProgramRules
		rules   []Rule
	}
	var res Resolution
	var winners []resolved
	for _, p := range programs {
		rs, flags := ResolveGroups(p.ProgramID, p.Rules)
		res.Flags = append(res.Flags, flags...)
		if len(rs) > 0 {
			winners = append(winners, resolved{program: p, rules: rs})
		}
	}
	if len(winners) == 0 {
		return res
	}

	stackAll := true
	for _, w := range winners {
		if !w.program.StackingAllowed {
			stackAll = false
			break
		}
	}
	if !stackAll {
		sort.SliceStable(winners, func(i, j int) bool {
			pi, pj := winners[i].program, winners[j].program
			if pi.PriorityRank != pj.PriorityRank {
				return pi.PriorityRank > pj.PriorityRank
			}
			return pi.ProgramID < pj.ProgramID
		})
		winners = winners[:1]
	}

	for _, w := range winners {
		res.Selected = append(res.Selected, w.rules...)
		res.Programs = append(res.Programs, w.program.ProgramID)
	}
	return res
}
