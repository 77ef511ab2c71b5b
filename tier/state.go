package tier

import (
	"time"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// STATE - NoTier | Active | GracePeriod
// =============================================================================

// State is a closed sum type; switch on the concrete type.
type State interface {
	Tier() *core.TierID
	isState()
}

type NoTier struct {
	Since time.Time // zero until the membership first loses a tier
}

type Active struct {
	TierID core.TierID
	Since  time.Time
}

// GracePeriod keeps TierID until GraceUntil while the balance is below its
// threshold.
type GracePeriod struct {
	TierID     core.TierID
	Since      time.Time
	GraceUntil time.Time
}

func (NoTier) Tier() *core.TierID        { return nil }
func (s Active) Tier() *core.TierID      { return core.TierRef(s.TierID) }
func (s GracePeriod) Tier() *core.TierID { return core.TierRef(s.TierID) }

func (NoTier) isState()      {}
func (Active) isState()      {}
func (GracePeriod) isState() {}

func since(s State) time.Time {
	switch st := s.(type) {
	case Active:
		return st.Since
	case GracePeriod:
		return st.Since
	case NoTier:
		return st.Since
	}
	return time.Time{}
}

func activeOrNone(tier *core.TierID, at time.Time) State {
	if tier == nil {
		return NoTier{Since: at}
	}
	return Active{TierID: *tier, Since: at}
}

// =============================================================================
// STATUS - Persisted tier status of a membership
// =============================================================================

type Status struct {
	MembershipID core.MembershipID
	TenantID     core.TenantID
	CurrentTier  *core.TierID
	Since        time.Time
	GraceUntil   *time.Time
	NextEvalAt   *time.Time
	UpdatedAt    time.Time
}

// State decodes the persisted row.
func (s Status) State() State {
	switch {
	case s.CurrentTier == nil:
		return NoTier{Since: s.Since}
	case s.GraceUntil != nil:
		return GracePeriod{TierID: *s.CurrentTier, Since: s.Since, GraceUntil: *s.GraceUntil}
	default:
		return Active{TierID: *s.CurrentTier, Since: s.Since}
	}
}

// WithState returns a copy encoding st.
func (s Status) WithState(st State, nextEval *time.Time, at time.Time) Status {
	s.CurrentTier = st.Tier()
	s.Since = since(st)
	s.GraceUntil = nil
	if g, ok := st.(GracePeriod); ok {
		until := g.GraceUntil
		s.GraceUntil = &until
	}
	s.NextEvalAt = nextEval
	s.UpdatedAt = at
	return s
}

// InGrace reports whether the status is in a grace period.
func (s Status) InGrace() bool {
	_, ok := s.State().(GracePeriod)
	return ok
}
