/*
Package accrual owns every write to the points ledger.

PURPOSE:
  Turns a business event into ledger rows exactly once: match rules,
  resolve conflicts, evaluate formulas, apply caps, derive idempotency
  keys, write EARNING rows and bump the cached balance, all inside one
  per-membership unit of work. The other balance write paths (redeem,
  adjust, reverse, expire) live here too and follow the same pattern.

ATOMICITY:
  Ledger rows and the balance update commit together or not at all. A
  failing store call aborts the whole unit; the event can be retried.

IDEMPOTENCY:
  Every row carries a deterministic key. Before writing, the service
  looks the key up; an existing row is returned as the prior result. The
  insert itself detects duplicates atomically, so concurrent retries of
  the same event still produce one row.

AFTER COMMIT:
  Domain events are published and tier evaluation runs. Failures there are
  logged only; the ledger write stands.

SEE ALSO:
  - rules: matching and conflict resolution
  - tier: evaluation triggered after each posting
  - core/store.go: UnitOfWork
*/
package accrual

import (
	"context"
	"log"
	"time"

	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/tier"
)

// TierEvaluator is called after every committed balance change.
type TierEvaluator interface {
	Evaluate(ctx context.Context, membershipID core.MembershipID) (*tier.Evaluation, error)
}

type Service struct {
	Store     core.Store
	Rules     rules.Store
	Programs  *program.Service
	Policies  tier.PolicyStore // optional; supplies tier ranks for eligibility
	Tiers     TierEvaluator    // optional
	Publisher core.Publisher
	IDs       core.IDGenerator
	Clock     core.Clock
	Logger    *log.Logger

	// MaxRetries bounds retries of a unit that failed with ErrConcurrency.
	MaxRetries int
	RetryDelay time.Duration
}

func NewService(store core.Store, ruleStore rules.Store, programs *program.Service, ids core.IDGenerator) *Service {
	return &Service{
		Store:      store,
		Rules:      ruleStore,
		Programs:   programs,
		Publisher:  core.NopPublisher{},
		IDs:        ids,
		Clock:      core.SystemClock,
		Logger:     log.Default(),
		MaxRetries: 3,
		RetryDelay: 25 * time.Millisecond,
	}
}

func (s *Service) ledger() *core.DefaultLedger {
	return core.NewLedger(s.Store)
}

// retry reruns fn while it fails with a retryable error.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !core.IsRetryable(err) || attempt > s.MaxRetries {
			return err
		}
		s.Logger.Printf("[Accrual] contention, retrying (attempt %d): %v", attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.RetryDelay):
		}
	}
}

// afterCommit publishes one event per new row and triggers tier evaluation.
func (s *Service) afterCommit(ctx context.Context, membershipID core.MembershipID, rows []core.PointsTransaction, finalBalance core.Points) {
	if len(rows) == 0 {
		return
	}
	var total core.Points
	for _, tx := range rows {
		total += tx.Delta
	}
	balance := finalBalance - total
	events := make([]core.DomainEvent, 0, len(rows))
	for _, tx := range rows {
		balance += tx.Delta
		events = append(events, core.PointsEventFor(tx, balance))
	}
	if err := s.Publisher.Publish(ctx, events...); err != nil {
		s.Logger.Printf("[Accrual] failed to publish %d events for %s: %v", len(events), membershipID, err)
	}

	if s.Tiers == nil {
		return
	}
	if _, err := s.Tiers.Evaluate(ctx, membershipID); err != nil {
		if core.IsNotFound(err) {
			return // tenant without tier policy
		}
		s.Logger.Printf("[Accrual] tier evaluation for %s failed, left for the scheduler: %v", membershipID, err)
	}
}

// VerifyBalance recomputes the ledger sum and reports drift from the cached
// balance.
func (s *Service) VerifyBalance(ctx context.Context, membershipID core.MembershipID) (core.BalanceCheck, error) {
	var check core.BalanceCheck
	err := s.Store.WithMembership(ctx, membershipID, func(ctx context.Context) error {
		m, err := s.Store.Membership(ctx, membershipID)
		if err != nil {
			return err
		}
		check, err = s.ledger().Verify(ctx, m)
		return err
	})
	if err != nil {
		return core.BalanceCheck{}, err
	}
	if !check.Consistent() {
		s.Logger.Printf("[Accrual] balance drift for %s: cached %d, ledger %d", membershipID, check.Cached, check.Ledger)
	}
	return check, nil
}
