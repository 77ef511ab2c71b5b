package tier

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// STORE PORTS
// =============================================================================

type StatusStore interface {
	// TierStatus returns nil (and no error) before the first evaluation.
	TierStatus(ctx context.Context, membershipID core.MembershipID) (*Status, error)

	SaveTierStatus(ctx context.Context, s Status) error

	// DueTierStatuses returns up to limit statuses with NextEvalAt <= now,
	// earliest first.
	DueTierStatuses(ctx context.Context, now time.Time, limit int) ([]Status, error)
}

type PolicyStore interface {
	// SavePolicy stores a policy. Saving an ACTIVE policy deactivates the
	// tenant's other policies.
	SavePolicy(ctx context.Context, p Policy) error

	// ActivePolicy returns a NotFoundError if the tenant has none.
	ActivePolicy(ctx context.Context, tenant core.TenantID) (Policy, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store     core.Store
	Statuses  StatusStore
	Policies  PolicyStore
	Publisher core.Publisher
	Clock     core.Clock
	Logger    *log.Logger
}

func NewService(store core.Store, statuses StatusStore, policies PolicyStore, publisher core.Publisher) *Service {
	if publisher == nil {
		publisher = core.NopPublisher{}
	}
	return &Service{
		Store:     store,
		Statuses:  statuses,
		Policies:  policies,
		Publisher: publisher,
		Clock:     core.SystemClock,
		Logger:    log.Default(),
	}
}

// Evaluation is the result of evaluating one membership.
type Evaluation struct {
	MembershipID core.MembershipID
	PolicyID     string
	Balance      core.Points // qualifying balance the decision used
	Decision     Decision
	Status       Status
}

// Evaluate re-reads the persisted balance under the membership's exclusive
// scope, applies one Transition and persists the outcome. Domain events
// are published after commit.
func (s *Service) Evaluate(ctx context.Context, membershipID core.MembershipID) (*Evaluation, error) {
	var result *Evaluation
	var events []core.DomainEvent

	err := s.Store.WithMembership(ctx, membershipID, func(ctx context.Context) error {
		m, err := s.Store.Membership(ctx, membershipID)
		if err != nil {
			return err
		}
		p, err := s.Policies.ActivePolicy(ctx, m.TenantID)
		if err != nil {
			return err
		}
		p = p.Normalize()
		now := s.Clock()

		balance, err := s.qualifyingBalance(ctx, m, p, now)
		if err != nil {
			return err
		}

		current := Status{MembershipID: m.ID, TenantID: m.TenantID}
		stored, err := s.Statuses.TierStatus(ctx, m.ID)
		if err != nil {
			return err
		}
		if stored != nil {
			current = *stored
		}

		d := Transition(current.State(), p, balance, now)
		next := current.WithState(d.To, d.NextEvalAt, now)
		if err := s.Statuses.SaveTierStatus(ctx, next); err != nil {
			return err
		}
		if !core.SameTier(m.TierID, next.CurrentTier) {
			if err := s.Store.SetTier(ctx, m.ID, next.CurrentTier, now); err != nil {
				return err
			}
		}

		events = eventsFor(m, d, balance, now)
		result = &Evaluation{
			MembershipID: m.ID,
			PolicyID:     p.ID,
			Balance:      balance,
			Decision:     d,
			Status:       next,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Decision.Outcome != OutcomeUnchanged {
		s.Logger.Printf("[Tier] %s: %s %s -> %s (balance %d)",
			membershipID, result.Decision.Outcome,
			tierName(result.Decision.From.Tier()), tierName(result.Decision.To.Tier()), result.Balance)
	}
	if len(events) > 0 {
		if err := s.Publisher.Publish(ctx, events...); err != nil {
			s.Logger.Printf("[Tier] failed to publish %d events for %s: %v", len(events), membershipID, err)
		}
	}
	return result, nil
}

func (s *Service) qualifyingBalance(ctx context.Context, m core.Membership, p Policy, now time.Time) (core.Points, error) {
	if p.Window.Kind != WindowRolling {
		return m.Balance, nil
	}
	from := now.Add(-core.Days(p.Window.Days))
	sum, err := core.NewLedger(s.Store).SumInWindow(ctx, m.ID, from, now.Add(time.Nanosecond))
	if err != nil {
		return 0, fmt.Errorf("rolling window balance: %w", err)
	}
	return sum, nil
}

func eventsFor(m core.Membership, d Decision, balance core.Points, now time.Time) []core.DomainEvent {
	payload := core.TierPayload{From: d.From.Tier(), To: d.To.Tier(), Balance: balance}
	var typ core.DomainEventType
	switch d.Outcome {
	case OutcomeUpgraded:
		typ = core.EventTierUpgraded
	case OutcomeDowngraded:
		typ = core.EventTierDowngraded
	case OutcomeEnteredGrace:
		typ = core.EventTierEnteredGrace
		if g, ok := d.To.(GracePeriod); ok {
			until := g.GraceUntil
			payload.GraceUntil = &until
		}
	default:
		return nil
	}
	return []core.DomainEvent{core.NewDomainEvent(typ, m.TenantID, m.ID, now, payload)}
}

func tierName(t *core.TierID) string {
	if t == nil {
		return "none"
	}
	return string(*t)
}

// =============================================================================
// SCHEDULED RE-EVALUATION
// =============================================================================

// DueReport summarizes one EvaluateDue run.
type DueReport struct {
	Evaluated int
	Changed   int
	Failed    int
}

// EvaluateDue evaluates up to limit memberships whose NextEvalAt has
// passed. Individual failures are logged and left for the next run.
func (s *Service) EvaluateDue(ctx context.Context, limit int) (DueReport, error) {
	var report DueReport
	due, err := s.Statuses.DueTierStatuses(ctx, s.Clock(), limit)
	if err != nil {
		return report, err
	}
	for _, st := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ev, err := s.Evaluate(ctx, st.MembershipID)
		if err != nil {
			report.Failed++
			s.Logger.Printf("[Tier] scheduled evaluation of %s failed: %v", st.MembershipID, err)
			continue
		}
		report.Evaluated++
		if ev.Decision.Changed() {
			report.Changed++
		}
	}
	return report, nil
}
