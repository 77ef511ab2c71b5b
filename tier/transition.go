package tier

import (
	"time"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// TRANSITION - Pure state machine step
// =============================================================================
//
//   NoTier --(qualifies)--> Active(t, now)
//   Active(t) --(higher tier)--> Active(t', now)
//   Active(t) --(lower, NEVER)--> unchanged
//   Active(t) --(lower, IMMEDIATE or grace 0)--> Active(t'|NoTier, now)
//                                               deferred inside min duration
//   Active(t) --(lower, GRACE_PERIOD)--> GracePeriod(t, since, now+grace)
//   GracePeriod(t) --(back to t or higher)--> Active(.., now)
//   GracePeriod(t) --(now >= graceUntil, still lower)--> Active(t'|NoTier, now)
//                                               deferred inside min duration
//
// Upgrades are never delayed by the minimum tier duration.

type Outcome string

const (
	OutcomeUnchanged    Outcome = "UNCHANGED"
	OutcomeUpgraded     Outcome = "UPGRADED"
	OutcomeDowngraded   Outcome = "DOWNGRADED"
	OutcomeEnteredGrace Outcome = "ENTERED_GRACE"
	OutcomeRecovered    Outcome = "RECOVERED"
	OutcomeDeferred     Outcome = "DEFERRED"
)

// Decision is the result of one Transition step.
type Decision struct {
	Outcome    Outcome
	From       State
	To         State
	NextEvalAt *time.Time
}

// Changed reports whether the persisted state moves.
func (d Decision) Changed() bool {
	switch d.Outcome {
	case OutcomeUnchanged, OutcomeDeferred:
		return false
	}
	return true
}

// Transition computes the next tier state from the current state and the
// qualifying balance.
func Transition(current State, p Policy, balance core.Points, now time.Time) Decision {
	if current == nil {
		current = NoTier{}
	}
	target := p.TierFor(balance)
	targetRank := p.RankOf(target)
	currentTier := current.Tier()
	currentRank := p.RankOf(currentTier)

	d := Decision{Outcome: OutcomeUnchanged, From: current, To: current}

	// A tier the policy no longer knows is replaced right away.
	if currentTier != nil {
		if _, known := p.Rank(*currentTier); !known {
			d.To = activeOrNone(target, now)
			d.Outcome = OutcomeDowngraded
			if target != nil {
				d.Outcome = OutcomeUpgraded
			}
			return d.withReevaluation(p, now)
		}
	}

	switch st := current.(type) {
	case NoTier:
		if target != nil {
			d = upgrade(d, *target, now)
		}

	case Active:
		switch {
		case targetRank > currentRank:
			d = upgrade(d, *target, now)
		case targetRank < currentRank:
			d = downgrade(d, p, st.TierID, st.Since, target, now)
		}

	case GracePeriod:
		switch {
		case targetRank > currentRank:
			d = upgrade(d, *target, now)
		case targetRank == currentRank:
			d.Outcome = OutcomeRecovered
			d.To = Active{TierID: st.TierID, Since: now}
		case !now.Before(st.GraceUntil):
			d = finalize(d, p, st.Since, target, now)
		default:
			until := st.GraceUntil
			d.NextEvalAt = &until
		}
	}
	return d.withReevaluation(p, now)
}

func upgrade(d Decision, to core.TierID, now time.Time) Decision {
	d.Outcome = OutcomeUpgraded
	d.To = Active{TierID: to, Since: now}
	return d
}

func downgrade(d Decision, p Policy, current core.TierID, since time.Time, target *core.TierID, now time.Time) Decision {
	switch {
	case p.Downgrade == DowngradeNever:
		return d
	case p.Downgrade == DowngradeGracePeriod && p.GracePeriodDays > 0:
		until := now.Add(core.Days(p.GracePeriodDays))
		d.Outcome = OutcomeEnteredGrace
		d.To = GracePeriod{TierID: current, Since: since, GraceUntil: until}
		d.NextEvalAt = &until
		return d
	default:
		return finalize(d, p, since, target, now)
	}
}

// finalize moves down to the target unless the current tier was reached
// less than MinTierDurationDays ago.
func finalize(d Decision, p Policy, since time.Time, target *core.TierID, now time.Time) Decision {
	if p.MinTierDurationDays > 0 {
		unlock := since.Add(core.Days(p.MinTierDurationDays))
		if now.Before(unlock) {
			d.Outcome = OutcomeDeferred
			d.NextEvalAt = &unlock
			return d
		}
	}
	d.Outcome = OutcomeDowngraded
	d.To = activeOrNone(target, now)
	return d
}

func (d Decision) withReevaluation(p Policy, now time.Time) Decision {
	if d.NextEvalAt == nil && p.ReevaluateEveryDays > 0 {
		next := now.Add(core.Days(p.ReevaluateEveryDays))
		d.NextEvalAt = &next
	}
	return d
}
