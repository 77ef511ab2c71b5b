package accrual_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/accrual"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/core/store"
	"github.com/warp/loyalty-engine/notify"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/tier"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	jan1   = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	march1 = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	mem      *store.Memory
	svc      *accrual.Service
	programs *program.Service
	tiers    *tier.Service
	events   *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, store.NewMemory(), nil)
}

// newFixtureWithStore lets a test swap the core.Store the services write through.
func newFixtureWithStore(t *testing.T, mem *store.Memory, override core.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	quiet := log.New(io.Discard, "", 0)
	clock := core.FixedClock(march1)

	var st core.Store = mem
	if override != nil {
		st = override
	}

	ids, err := core.NewSnowflakeIDs(1)
	require.NoError(t, err)

	events := &notify.Recorder{}
	programs := program.NewService(mem, mem, mem)
	programs.Clock = clock
	programs.Logger = quiet

	tiers := tier.NewService(st, mem, mem, events)
	tiers.Clock = clock
	tiers.Logger = quiet

	svc := accrual.NewService(st, mem, programs, ids)
	svc.Policies = mem
	svc.Tiers = tiers
	svc.Publisher = events
	svc.Clock = clock
	svc.Logger = quiet

	require.NoError(t, mem.CreateMembership(ctx, core.Membership{ID: "m1", TenantID: "t1", UserID: "u1", CreatedAt: jan1}))
	require.NoError(t, mem.SaveProgram(ctx, program.Program{ID: "p1", TenantID: "t1", Name: "Coffee", PriorityRank: 1, Status: program.StatusActive}))
	_, err = programs.Enroll(ctx, "m1", "p1", jan1)
	require.NoError(t, err)

	return &fixture{mem: mem, svc: svc, programs: programs, tiers: tiers, events: events}
}

func (f *fixture) addRule(t *testing.T, r rules.Rule) {
	t.Helper()
	require.NoError(t, r.Validate())
	require.NoError(t, f.mem.SaveRule(context.Background(), r))
}

func rateRule(id string, rank int, rate string) rules.Rule {
	return rules.Rule{
		ID:          core.RuleID(id),
		Version:     1,
		Scope:       rules.Scope{TenantID: "t1", ProgramID: "p1"},
		Trigger:     core.TriggerPurchase,
		Formula:     rules.Rate{Rate: decimal.RequireFromString(rate)},
		Conflict:    rules.Conflict{PriorityRank: rank},
		Idempotency: rules.IdempotencyScope{Strategy: rules.IdemEvent},
		ActiveFrom:  jan1,
		Status:      rules.StatusActive,
	}
}

func exclusive(r rules.Rule, group string) rules.Rule {
	r.Conflict.Group = group
	r.Conflict.Policy = rules.StackExclusive
	return r
}

func purchase(id string, amount string) core.Event {
	return core.Event{
		SourceEventID: id,
		TenantID:      "t1",
		ProgramID:     "p1",
		MembershipID:  "m1",
		Trigger:       core.TriggerPurchase,
		Amount:        decimal.RequireFromString(amount),
		OccurredAt:    march1,
	}
}

func (f *fixture) ledger(t *testing.T) []core.PointsTransaction {
	t.Helper()
	txs, err := f.mem.Transactions(context.Background(), "m1")
	require.NoError(t, err)
	return txs
}

func (f *fixture) balance(t *testing.T) core.Points {
	t.Helper()
	m, err := f.mem.Membership(context.Background(), "m1")
	require.NoError(t, err)
	return m.Balance
}

// =============================================================================
// ACCRUAL
// =============================================================================

func TestAccrue_PurchaseScenario_ExclusiveGroupWritesOneRow(t *testing.T) {
	// GIVEN: rules A (rank 1) and B (rank 2), both 0.10 points per unit, one EXCLUSIVE group
	// WHEN: a $100 purchase arrives
	// THEN: exactly one EARNING row of 10 points from B
	f := newFixture(t)
	f.addRule(t, exclusive(rateRule("A", 1, "0.10"), "purchase"))
	f.addRule(t, exclusive(rateRule("B", 2, "0.10"), "purchase"))

	res, err := f.svc.Accrue(context.Background(), purchase("evt-100", "100"))

	require.NoError(t, err)
	require.Len(t, res.Awards, 1)
	assert.Equal(t, core.RuleID("B"), res.Awards[0].RuleID)
	assert.Equal(t, core.Points(10), res.Written)
	assert.Equal(t, core.Points(10), res.Balance)

	txs := f.ledger(t)
	require.Len(t, txs, 1)
	assert.Equal(t, core.TxEarning, txs[0].Type)
	assert.Equal(t, core.Points(10), txs[0].Delta)
	assert.Equal(t, core.RuleID("B"), txs[0].RuleID())
	assert.Equal(t, "evt:evt-100:rule:B", txs[0].IdempotencyKey)
	assert.Equal(t, "evt-100", txs[0].Metadata[core.MetaSourceEventID])
	assert.Equal(t, core.Points(10), f.balance(t))
	assert.Contains(t, f.events.Types(), core.EventPointsEarned)
}

func TestAccrue_RepeatedEventIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, rateRule("A", 1, "0.10"))
	ctx := context.Background()

	first, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)
	second, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)

	assert.False(t, first.Duplicate())
	assert.True(t, second.Duplicate())
	assert.Equal(t, core.Points(0), second.Written)
	assert.Equal(t, first.Awards[0].Transaction.ID, second.Awards[0].Transaction.ID)
	assert.Len(t, f.ledger(t), 1)
	assert.Equal(t, core.Points(10), f.balance(t))
}

func TestAccrue_ReplayAfterTierChangeWritesNothing(t *testing.T) {
	// GIVEN: A (rank 1) and gold-only B (rank 2) share an EXCLUSIVE group,
	//        and the first accrual lifts the membership to gold
	// WHEN: the same event is delivered again
	// THEN: it replays the first award; B never pays for it
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.SavePolicy(ctx, tier.Policy{
		ID:             "tiers",
		TenantID:       "t1",
		Window:         tier.Window{Kind: tier.WindowContinuous},
		EvaluationType: tier.EvaluationFixed,
		Thresholds:     []tier.Threshold{{Tier: "silver", MinPoints: 5}, {Tier: "gold", MinPoints: 10}},
		Downgrade:      tier.DowngradeNever,
		Status:         tier.PolicyActive,
	}))
	f.addRule(t, exclusive(rateRule("A", 1, "0.10"), "purchase"))
	goldOnly := exclusive(rateRule("B", 2, "0.50"), "purchase")
	goldOnly.Eligibility.MinTier = core.TierRef("gold")
	f.addRule(t, goldOnly)

	first, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)
	require.Equal(t, core.Points(10), first.Written)
	m, err := f.mem.Membership(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m.TierID)
	require.Equal(t, core.TierID("gold"), *m.TierID)

	again, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))

	require.NoError(t, err)
	assert.True(t, again.Duplicate())
	assert.Equal(t, core.Points(0), again.Written)
	require.Len(t, again.Awards, 1)
	assert.Equal(t, core.RuleID("A"), again.Awards[0].RuleID)
	assert.Equal(t, first.Awards[0].Transaction.ID, again.Awards[0].Transaction.ID)
	assert.Len(t, f.ledger(t), 1)
	assert.Equal(t, core.Points(10), f.balance(t))
}

func TestAccrue_ReplayIgnoresRulesAddedLater(t *testing.T) {
	// GIVEN: evt-1 earned under rule A alone
	// WHEN: rule C is activated and evt-1 is delivered again
	// THEN: nothing is written for evt-1; a new event earns under both
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, rateRule("A", 1, "0.10"))

	_, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)

	f.addRule(t, rateRule("C", 2, "0.05"))
	again, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)

	assert.True(t, again.Duplicate())
	assert.Equal(t, core.Points(0), again.Written)
	assert.Len(t, f.ledger(t), 1)

	fresh, err := f.svc.Accrue(ctx, purchase("evt-2", "100"))
	require.NoError(t, err)
	assert.Equal(t, core.Points(15), fresh.Written)
	assert.Equal(t, core.Points(25), f.balance(t))
}

func TestAccrue_ConcurrentRetriesWriteOnce(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, rateRule("A", 1, "0.10"))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Accrue(ctx, purchase("evt-race", "100"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, f.ledger(t), 1)
	assert.Equal(t, core.Points(10), f.balance(t))
}

func TestAccrue_StackedRulesSum(t *testing.T) {
	f := newFixture(t)
	a := rateRule("A", 1, "0.10")
	a.Conflict.Group, a.Conflict.Policy = "g", rules.StackAll
	b := rateRule("B", 2, "0.05")
	b.Conflict.Group, b.Conflict.Policy = "g", rules.StackAll
	f.addRule(t, a)
	f.addRule(t, b)

	res, err := f.svc.Accrue(context.Background(), purchase("evt-1", "100"))

	require.NoError(t, err)
	assert.Len(t, res.Awards, 2)
	assert.Equal(t, core.Points(15), res.Written)
	assert.Len(t, f.ledger(t), 2)
}

func TestAccrue_RuleEvaluationErrorIsIsolated(t *testing.T) {
	f := newFixture(t)
	broken := rateRule("nights", 5, "1")
	broken.Formula = rules.Rate{Field: "nights", Rate: decimal.NewFromInt(100)}
	f.addRule(t, broken)
	f.addRule(t, rateRule("A", 1, "0.10"))

	res, err := f.svc.Accrue(context.Background(), purchase("evt-1", "100"))

	require.NoError(t, err)
	require.Len(t, res.Awards, 1)
	assert.Equal(t, core.RuleID("A"), res.Awards[0].RuleID)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, accrual.SkipEvaluationError, res.Skipped[0].Reason)
	assert.Equal(t, core.Points(10), f.balance(t))
}

func TestAccrue_Caps(t *testing.T) {
	f := newFixture(t)
	r := rateRule("A", 1, "1")
	perEvent := core.Points(40)
	perDay := core.Points(50)
	r.Limits = rules.Limits{PerEventCap: &perEvent, PerPeriodCap: &perDay, CapPeriod: core.GranularityDay}
	f.addRule(t, r)
	ctx := context.Background()

	first, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)
	second, err := f.svc.Accrue(ctx, purchase("evt-2", "30"))
	require.NoError(t, err)
	third, err := f.svc.Accrue(ctx, purchase("evt-3", "30"))
	require.NoError(t, err)

	assert.Equal(t, core.Points(40), first.Written, "per-event cap")
	assert.True(t, first.Awards[0].Capped)
	assert.Equal(t, core.Points(10), second.Written, "per-day cap leaves 10")
	assert.Equal(t, core.Points(0), third.Written)
	require.Len(t, third.Skipped, 1)
	assert.Equal(t, accrual.SkipCapReached, third.Skipped[0].Reason)

	assert.Len(t, f.ledger(t), 2)
	assert.Equal(t, core.Points(50), f.balance(t))
}

func TestAccrue_MembershipBucketAwardsOncePerDay(t *testing.T) {
	f := newFixture(t)
	visit := rules.Rule{
		ID:          "daily-visit",
		Version:     1,
		Scope:       rules.Scope{TenantID: "t1", ProgramID: "p1"},
		Trigger:     core.TriggerVisit,
		Formula:     rules.Fixed{Points: 5},
		Idempotency: rules.IdempotencyScope{Strategy: rules.IdemMembershipBucket, Granularity: core.GranularityDay},
		ActiveFrom:  jan1,
		Status:      rules.StatusActive,
	}
	f.addRule(t, visit)
	ctx := context.Background()

	event := func(id string, at time.Time) core.Event {
		return core.Event{SourceEventID: id, TenantID: "t1", MembershipID: "m1", Trigger: core.TriggerVisit, OccurredAt: at}
	}

	_, err := f.svc.Accrue(ctx, event("v1", march1))
	require.NoError(t, err)
	again, err := f.svc.Accrue(ctx, event("v2", march1.Add(2*time.Hour)))
	require.NoError(t, err)
	_, err = f.svc.Accrue(ctx, event("v3", march1.Add(24*time.Hour)))
	require.NoError(t, err)

	assert.True(t, again.Duplicate())
	txs := f.ledger(t)
	require.Len(t, txs, 2)
	assert.Equal(t, "rule:daily-visit:2025-03-01", txs[0].IdempotencyKey)
	assert.Equal(t, "rule:daily-visit:2025-03-02", txs[1].IdempotencyKey)
	assert.Equal(t, core.Points(10), f.balance(t))
}

func TestAccrue_WithoutEnrollmentAwardsNothing(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, rateRule("A", 1, "0.10"))
	ctx := context.Background()
	enrollments, err := f.mem.Enrollments(ctx, "m1")
	require.NoError(t, err)
	_, err = f.programs.Pause(ctx, enrollments[0].ID)
	require.NoError(t, err)

	res, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))

	require.NoError(t, err)
	assert.Empty(t, res.Awards)
	assert.Empty(t, f.ledger(t))
}

func TestAccrue_UnknownMembershipIsNotFound(t *testing.T) {
	f := newFixture(t)
	e := purchase("evt-1", "100")
	e.MembershipID = "ghost"

	_, err := f.svc.Accrue(context.Background(), e)

	assert.True(t, core.IsNotFound(err))
}

func TestAccrue_MalformedEventRejected(t *testing.T) {
	f := newFixture(t)
	e := purchase("", "100")

	_, err := f.svc.Accrue(context.Background(), e)

	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestAccrue_CrossProgramStacking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.SaveProgram(ctx, program.Program{ID: "p1", TenantID: "t1", StackingAllowed: true, PriorityRank: 1, Status: program.StatusActive}))
	require.NoError(t, f.mem.SaveProgram(ctx, program.Program{ID: "p2", TenantID: "t1", StackingAllowed: true, PriorityRank: 2, Status: program.StatusActive}))
	_, err := f.programs.Enroll(ctx, "m1", "p2", jan1)
	require.NoError(t, err)

	f.addRule(t, rateRule("A", 1, "0.10"))
	partner := rateRule("P", 1, "0.02")
	partner.Scope.ProgramID = "p2"
	f.addRule(t, partner)

	e := purchase("evt-1", "100")
	e.ProgramID = ""
	res, err := f.svc.Accrue(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, core.Points(12), res.Written)

	// Once p2 stops allowing stacking, only the higher-ranked p2 pays.
	require.NoError(t, f.mem.SaveProgram(ctx, program.Program{ID: "p2", TenantID: "t1", StackingAllowed: false, PriorityRank: 2, Status: program.StatusActive}))
	e.SourceEventID = "evt-2"
	res, err = f.svc.Accrue(ctx, e)
	require.NoError(t, err)
	require.Len(t, res.Awards, 1)
	assert.Equal(t, core.RuleID("P"), res.Awards[0].RuleID)
}

// =============================================================================
// ATOMICITY
// =============================================================================

type failingBalanceStore struct {
	*store.Memory
}

func (failingBalanceStore) ApplyBalanceDelta(context.Context, core.MembershipID, core.Points, time.Time) (core.Membership, error) {
	return core.Membership{}, errors.New("disk full")
}

func TestAccrue_PersistenceFailureLeavesNoPartialState(t *testing.T) {
	mem := store.NewMemory()
	f := newFixtureWithStore(t, mem, failingBalanceStore{Memory: mem})
	f.addRule(t, rateRule("A", 1, "0.10"))

	_, err := f.svc.Accrue(context.Background(), purchase("evt-1", "100"))

	require.ErrorIs(t, err, core.ErrPersistence)
	assert.Empty(t, f.ledger(t), "ledger row rolled back")
	assert.Equal(t, core.Points(0), f.balance(t))
	assert.Empty(t, f.events.Types())
}

// =============================================================================
// TIER TRIGGER
// =============================================================================

func TestAccrue_TriggersTierUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.SavePolicy(ctx, tier.Policy{
		ID:             "tiers",
		TenantID:       "t1",
		Window:         tier.Window{Kind: tier.WindowContinuous},
		EvaluationType: tier.EvaluationFixed,
		Thresholds:     []tier.Threshold{{Tier: "silver", MinPoints: 10}, {Tier: "gold", MinPoints: 100}},
		Downgrade:      tier.DowngradeGracePeriod,
		Status:         tier.PolicyActive,
	}))
	f.addRule(t, rateRule("A", 1, "0.10"))

	_, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)

	m, err := f.mem.Membership(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m.TierID)
	assert.Equal(t, core.TierID("silver"), *m.TierID)
	assert.Equal(t, []core.DomainEventType{core.EventPointsEarned, core.EventTierUpgraded}, f.events.Types())
}

func TestAccrue_TierEligibilityUsesPolicyRanks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.SavePolicy(ctx, tier.Policy{
		ID: "tiers", TenantID: "t1",
		Thresholds: []tier.Threshold{{Tier: "silver", MinPoints: 10}, {Tier: "gold", MinPoints: 100}},
		Downgrade:  tier.DowngradeNever,
		Status:     tier.PolicyActive,
	}))
	goldOnly := rateRule("gold-bonus", 1, "1")
	goldOnly.Eligibility.MinTier = core.TierRef("gold")
	f.addRule(t, goldOnly)

	res, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)
	assert.Empty(t, res.Awards, "no tier yet")

	require.NoError(t, f.mem.SetTier(ctx, "m1", core.TierRef("gold"), march1))
	res, err = f.svc.Accrue(ctx, purchase("evt-2", "100"))
	require.NoError(t, err)
	assert.Equal(t, core.Points(100), res.Written)
}

// =============================================================================
// POSTINGS
// =============================================================================

func TestRedeem(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, rateRule("A", 1, "1"))
	ctx := context.Background()
	_, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)

	_, err = f.svc.Redeem(ctx, accrual.RedeemRequest{MembershipID: "m1", Points: 500, IdempotencyKey: "r-big"})
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)

	p, err := f.svc.Redeem(ctx, accrual.RedeemRequest{MembershipID: "m1", Points: 30, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, core.Points(70), p.Balance)
	assert.Equal(t, core.Points(-30), p.Transaction.Delta)

	again, err := f.svc.Redeem(ctx, accrual.RedeemRequest{MembershipID: "m1", Points: 30, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, core.Points(70), f.balance(t))
}

func TestReverse_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, rateRule("A", 1, "0.10"))
	ctx := context.Background()
	res, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)
	earned := res.Awards[0].Transaction

	first, err := f.svc.Reverse(ctx, accrual.ReverseRequest{TransactionID: earned.ID, ReasonCode: "refund"})
	require.NoError(t, err)
	second, err := f.svc.Reverse(ctx, accrual.ReverseRequest{TransactionID: earned.ID, ReasonCode: "refund"})
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, core.Points(-10), first.Transaction.Delta)
	assert.Equal(t, string(earned.ID), first.Transaction.Metadata[core.MetaReverses])
	assert.Len(t, f.ledger(t), 2)
	assert.Equal(t, core.Points(0), f.balance(t))

	_, err = f.svc.Reverse(ctx, accrual.ReverseRequest{TransactionID: first.Transaction.ID})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestAdjust_RequiresReason(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Adjust(context.Background(), accrual.AdjustRequest{MembershipID: "m1", Delta: 5, IdempotencyKey: "a-1"})
	assert.ErrorIs(t, err, core.ErrValidation)

	p, err := f.svc.Adjust(context.Background(), accrual.AdjustRequest{MembershipID: "m1", Delta: 5, ReasonCode: "goodwill", IdempotencyKey: "a-1", Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, core.Points(5), p.Balance)
	assert.Equal(t, "ops", p.Transaction.Metadata[core.MetaActor])
}

func TestExpire_OnlyUnspentPointsBeforeCutoff(t *testing.T) {
	// GIVEN: 100 earned in January, 30 redeemed, 50 earned in March
	// WHEN: points earned before February expire
	// THEN: 70 expire, 50 remain
	f := newFixture(t)
	f.addRule(t, rateRule("A", 1, "1"))
	ctx := context.Background()

	old := purchase("evt-jan", "100")
	old.OccurredAt = jan1.Add(time.Hour)
	_, err := f.svc.Accrue(ctx, old)
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, accrual.RedeemRequest{MembershipID: "m1", Points: 30, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	_, err = f.svc.Accrue(ctx, purchase("evt-mar", "50"))
	require.NoError(t, err)

	cutoff := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	p, err := f.svc.Expire(ctx, accrual.ExpireRequest{MembershipID: "m1", Cutoff: cutoff})
	require.NoError(t, err)
	require.NotNil(t, p.Transaction)
	assert.Equal(t, core.Points(-70), p.Transaction.Delta)
	assert.Equal(t, core.Points(50), p.Balance)

	// Nothing left to expire for the same cutoff, even under a new key.
	p, err = f.svc.Expire(ctx, accrual.ExpireRequest{MembershipID: "m1", Cutoff: cutoff, IdempotencyKey: "second-run"})
	require.NoError(t, err)
	assert.Nil(t, p.Transaction)
}

func TestVerifyBalance_LedgerConsistency(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, rateRule("A", 1, "1"))
	ctx := context.Background()

	res, err := f.svc.Accrue(ctx, purchase("evt-1", "100"))
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, accrual.RedeemRequest{MembershipID: "m1", Points: 25, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	_, err = f.svc.Adjust(ctx, accrual.AdjustRequest{MembershipID: "m1", Delta: 7, ReasonCode: "goodwill", IdempotencyKey: "a-1"})
	require.NoError(t, err)
	_, err = f.svc.Reverse(ctx, accrual.ReverseRequest{TransactionID: res.Awards[0].Transaction.ID})
	require.NoError(t, err)

	check, err := f.svc.VerifyBalance(ctx, "m1")

	require.NoError(t, err)
	assert.True(t, check.Consistent())
	assert.Equal(t, core.Points(-18), check.Ledger)
	assert.Equal(t, 4, check.Rows)
}
