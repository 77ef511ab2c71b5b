package rules

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	jan1   = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	march1 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
)

type ranks map[core.TierID]int

func (r ranks) Rank(t core.TierID) (int, bool) {
	v, ok := r[t]
	return v, ok
}

var goldRanks = ranks{"silver": 0, "gold": 1, "platinum": 2}

func rateRule(id string, rank int, rate string) Rule {
	return Rule{
		ID:          core.RuleID(id),
		Version:     1,
		Scope:       Scope{TenantID: "t1", ProgramID: "p1"},
		Trigger:     core.TriggerPurchase,
		Formula:     Rate{Rate: decimal.RequireFromString(rate)},
		Conflict:    Conflict{PriorityRank: rank},
		Idempotency: IdempotencyScope{Strategy: IdemEvent},
		ActiveFrom:  jan1,
		Status:      StatusActive,
	}
}

func inGroup(r Rule, group string, policy StackPolicy) Rule {
	r.Conflict.Group = group
	r.Conflict.Policy = policy
	return r
}

func purchase(amount string) core.Event {
	return core.Event{
		SourceEventID: "evt-1",
		TenantID:      "t1",
		ProgramID:     "p1",
		MembershipID:  "m1",
		Trigger:       core.TriggerPurchase,
		Amount:        decimal.RequireFromString(amount),
		OccurredAt:    march1,
	}
}

func ids(rs []Rule) []core.RuleID {
	out := make([]core.RuleID, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

// =============================================================================
// VALIDATION & LIFECYCLE
// =============================================================================

func TestRule_Validate(t *testing.T) {
	valid := rateRule("r1", 1, "0.10")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		edit func(*Rule)
	}{
		{"missing tenant", func(r *Rule) { r.Scope.TenantID = "" }},
		{"unknown trigger", func(r *Rule) { r.Trigger = "DANCE" }},
		{"active_to before active_from", func(r *Rule) { to := jan1.Add(-time.Hour); r.ActiveTo = &to }},
		{"active_to equal to active_from", func(r *Rule) { to := jan1; r.ActiveTo = &to }},
		{"negative rate", func(r *Rule) { r.Formula = Rate{Rate: decimal.NewFromInt(-1)} }},
		{"bucket strategy without granularity", func(r *Rule) { r.Idempotency.Strategy = IdemMembershipBucket }},
		{"period cap without period", func(r *Rule) { c := core.Points(10); r.Limits.PerPeriodCap = &c }},
		{"custom trigger name on purchase rule", func(r *Rule) { r.CustomTrigger = "birthday" }},
		{"group without policy", func(r *Rule) { r.Conflict.Group = "g" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rateRule("r1", 1, "0.10")
			tt.edit(&r)
			err := r.Validate()
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestRule_ReviseBumpsVersionAndLeavesOriginal(t *testing.T) {
	r := rateRule("r1", 1, "0.10")

	revised, err := r.Revise(func(n *Rule) { n.Formula = Rate{Rate: decimal.RequireFromString("0.20")} })

	require.NoError(t, err)
	assert.Equal(t, 2, revised.Version)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, "0.1", r.Formula.(Rate).Rate.String())
}

func TestRule_ReviseRejectsInvalidResult(t *testing.T) {
	r := rateRule("r1", 1, "0.10")
	_, err := r.Revise(func(n *Rule) { n.Trigger = "" })
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRule_ActivateDeactivate(t *testing.T) {
	r := rateRule("r1", 1, "0.10").Deactivate()
	assert.Equal(t, StatusInactive, r.Status)
	assert.Equal(t, StatusActive, r.Activate().Status)
}

// =============================================================================
// FORMULAS
// =============================================================================

func TestFormula_RateFloors(t *testing.T) {
	r := rateRule("r1", 1, "0.10")
	pts, err := r.Points(Input{Event: purchase("109.99")})
	require.NoError(t, err)
	assert.Equal(t, core.Points(10), pts)
}

func TestFormula_MissingFieldIsRuleEvaluationError(t *testing.T) {
	r := rateRule("r1", 1, "1")
	r.Formula = Rate{Field: "nights", Rate: decimal.NewFromInt(100)}

	_, err := r.Points(Input{Event: purchase("10")})

	require.ErrorIs(t, err, core.ErrRuleEvaluation)
	require.ErrorIs(t, err, ErrMissingField)
	var evalErr *core.RuleEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, core.RuleID("r1"), evalErr.RuleID)
	assert.Equal(t, "nights", evalErr.Field)
}

func TestFormula_CustomField(t *testing.T) {
	r := rateRule("r1", 1, "1")
	r.Formula = Rate{Field: "nights", Rate: decimal.NewFromInt(100)}
	e := purchase("10")
	e.Fields = map[string]decimal.Decimal{"nights": decimal.NewFromInt(3)}

	pts, err := r.Points(Input{Event: e})

	require.NoError(t, err)
	assert.Equal(t, core.Points(300), pts)
}

func TestFormula_Tiered(t *testing.T) {
	// 1 pt/unit up to 100, 2 pt/unit up to 500, 3 pt/unit above
	hundred := decimal.NewFromInt(100)
	fiveHundred := decimal.NewFromInt(500)
	f := Tiered{Bands: []Band{
		{UpTo: &hundred, Rate: decimal.NewFromInt(1)},
		{UpTo: &fiveHundred, Rate: decimal.NewFromInt(2)},
		{Rate: decimal.NewFromInt(3)},
	}}
	require.NoError(t, f.validate())

	tests := []struct {
		amount string
		want   core.Points
	}{
		{"0", 0},
		{"50", 50},
		{"100", 100},
		{"250.5", 401},
		{"600", 100 + 800 + 300},
	}
	for _, tt := range tests {
		r := rateRule("r1", 1, "1")
		r.Formula = f
		got, err := r.Points(Input{Event: purchase(tt.amount)})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "amount %s", tt.amount)
	}
}

func TestFormula_TieredRejectsOpenBandInMiddle(t *testing.T) {
	ten := decimal.NewFromInt(10)
	f := Tiered{Bands: []Band{{Rate: decimal.NewFromInt(1)}, {UpTo: &ten, Rate: decimal.NewFromInt(1)}}}
	assert.Error(t, f.validate())
}

func TestFormula_MultiplierByTier(t *testing.T) {
	r := rateRule("r1", 1, "1")
	r.Formula = Multiplier{
		Base:   Rate{Rate: decimal.RequireFromString("0.10")},
		ByTier: map[core.TierID]decimal.Decimal{"gold": decimal.RequireFromString("1.5")},
	}
	gold := core.TierRef("gold")
	silver := core.TierRef("silver")

	withGold, err := r.Points(Input{Event: purchase("100"), Tier: gold})
	require.NoError(t, err)
	withSilver, err := r.Points(Input{Event: purchase("100"), Tier: silver})
	require.NoError(t, err)
	noTier, err := r.Points(Input{Event: purchase("100")})
	require.NoError(t, err)

	assert.Equal(t, core.Points(15), withGold)
	assert.Equal(t, core.Points(10), withSilver)
	assert.Equal(t, core.Points(10), noTier)
}

func TestFormula_MultiplierRejectsNestedTiered(t *testing.T) {
	f := Multiplier{Base: Tiered{Bands: []Band{{Rate: decimal.NewFromInt(1)}}}}
	assert.Error(t, f.validate())
}

// =============================================================================
// MATCHER
// =============================================================================

func TestMatch_OrdersByPriorityThenID(t *testing.T) {
	rs := []Rule{rateRule("b", 1, "1"), rateRule("c", 5, "1"), rateRule("a", 1, "1")}

	matched, err := Match(purchase("10"), rs, Member{})

	require.NoError(t, err)
	assert.Equal(t, []core.RuleID{"c", "a", "b"}, ids(matched))
}

func TestMatch_ExcludesNonMatchingRules(t *testing.T) {
	visit := rateRule("visit", 1, "1")
	visit.Trigger = core.TriggerVisit

	inactive := rateRule("inactive", 1, "1").Deactivate()

	otherTenant := rateRule("other-tenant", 1, "1")
	otherTenant.Scope.TenantID = "t2"

	otherStore := rateRule("other-store", 1, "1")
	otherStore.Scope.StoreID = "store-9"

	expired := rateRule("expired", 1, "1")
	end := march1 // half-open: an event exactly at ActiveTo is outside
	expired.ActiveTo = &end

	future := rateRule("future", 1, "1")
	future.ActiveFrom = march1.Add(time.Second)

	storeScoped := rateRule("store-scoped", 1, "1")
	storeScoped.Scope.StoreID = "store-1"

	e := purchase("10")
	e.StoreID = "store-1"

	matched, err := Match(e, []Rule{visit, inactive, otherTenant, otherStore, expired, future, storeScoped}, Member{})

	require.NoError(t, err)
	assert.Equal(t, []core.RuleID{"store-scoped"}, ids(matched))
}

func TestMatch_ActiveFromIsInclusive(t *testing.T) {
	r := rateRule("r1", 1, "1")
	r.ActiveFrom = march1

	matched, err := Match(purchase("10"), []Rule{r}, Member{})

	require.NoError(t, err)
	assert.Len(t, matched, 1)
}

func TestMatch_CustomTriggerName(t *testing.T) {
	r := rateRule("bday", 1, "1")
	r.Trigger = core.TriggerCustom
	r.CustomTrigger = "birthday"

	e := purchase("0")
	e.Trigger = core.TriggerCustom
	e.CustomTrigger = "anniversary"
	matched, err := Match(e, []Rule{r}, Member{})
	require.NoError(t, err)
	assert.Empty(t, matched)

	e.CustomTrigger = "birthday"
	matched, err = Match(e, []Rule{r}, Member{})
	require.NoError(t, err)
	assert.Len(t, matched, 1)
}

func TestMatch_TierEligibility(t *testing.T) {
	goldPlus := rateRule("gold-plus", 1, "1")
	goldPlus.Eligibility.MinTier = core.TierRef("gold")

	upToGold := rateRule("up-to-gold", 1, "1")
	upToGold.Eligibility.MaxTier = core.TierRef("gold")

	rs := []Rule{goldPlus, upToGold}

	tests := []struct {
		name string
		tier *core.TierID
		want []core.RuleID
	}{
		{"no tier", nil, []core.RuleID{"up-to-gold"}},
		{"silver", core.TierRef("silver"), []core.RuleID{"up-to-gold"}},
		{"gold", core.TierRef("gold"), []core.RuleID{"gold-plus", "up-to-gold"}},
		{"platinum", core.TierRef("platinum"), []core.RuleID{"gold-plus"}},
		{"unknown tier", core.TierRef("bronze"), []core.RuleID{"up-to-gold"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := Match(purchase("10"), rs, Member{Tier: tt.tier, Ranks: goldRanks})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(matched))
		})
	}
}

func TestMatch_MalformedEventIsValidationError(t *testing.T) {
	e := purchase("10")
	e.SourceEventID = ""

	_, err := Match(e, []Rule{rateRule("r1", 1, "1")}, Member{})

	assert.ErrorIs(t, err, core.ErrValidation)
}

// =============================================================================
// RESOLVER
// =============================================================================

func TestResolveGroups_ExclusivePicksHighestRank(t *testing.T) {
	// GIVEN: A (rank 1) and B (rank 2) share an EXCLUSIVE group
	// WHEN: both match
	// THEN: only B is selected
	a := inGroup(rateRule("A", 1, "0.10"), "purchase", StackExclusive)
	b := inGroup(rateRule("B", 2, "0.10"), "purchase", StackExclusive)

	selected, flags := ResolveGroups("p1", []Rule{a, b})

	assert.Equal(t, []core.RuleID{"B"}, ids(selected))
	assert.Empty(t, flags)
}

func TestResolveGroups_ExclusiveTieBreaksOnLowestID(t *testing.T) {
	a := inGroup(rateRule("rule-b", 3, "1"), "g", StackExclusive)
	b := inGroup(rateRule("rule-a", 3, "1"), "g", StackExclusive)

	selected, _ := ResolveGroups("p1", []Rule{a, b})

	assert.Equal(t, []core.RuleID{"rule-a"}, ids(selected))
}

func TestResolveGroups_StackKeepsAll(t *testing.T) {
	a := inGroup(rateRule("A", 1, "1"), "g", StackAll)
	b := inGroup(rateRule("B", 2, "1"), "g", StackAll)
	free := rateRule("C", 0, "1")

	selected, flags := ResolveGroups("p1", []Rule{a, b, free})

	assert.Equal(t, []core.RuleID{"B", "A", "C"}, ids(selected))
	assert.Empty(t, flags)
}

func TestResolveGroups_MixedGroupIsExclusiveAndFlagged(t *testing.T) {
	a := inGroup(rateRule("A", 5, "1"), "g", StackAll)
	b := inGroup(rateRule("B", 2, "1"), "g", StackExclusive)

	selected, flags := ResolveGroups("p1", []Rule{a, b})

	assert.Equal(t, []core.RuleID{"A"}, ids(selected))
	require.Len(t, flags, 1)
	assert.Equal(t, "g", flags[0].Group)
	assert.ElementsMatch(t, []core.RuleID{"A", "B"}, flags[0].RuleIDs)
}

func TestResolve_CrossProgramStacksWhenAllowed(t *testing.T) {
	p1 := ProgramRules{ProgramID: "p1", StackingAllowed: true, PriorityRank: 1, Rules: []Rule{rateRule("r1", 1, "1")}}
	p2 := ProgramRules{ProgramID: "p2", StackingAllowed: true, PriorityRank: 2, Rules: []Rule{rateRule("r2", 1, "1")}}

	res := Resolve([]ProgramRules{p1, p2})

	assert.ElementsMatch(t, []core.RuleID{"r1", "r2"}, ids(res.Selected))
	assert.ElementsMatch(t, []core.ProgramID{"p1", "p2"}, res.Programs)
}

func TestResolve_CrossProgramHighestPriorityWinsWhenStackingDisallowed(t *testing.T) {
	p1 := ProgramRules{ProgramID: "p1", StackingAllowed: true, PriorityRank: 1, Rules: []Rule{rateRule("r1", 1, "1")}}
	p2 := ProgramRules{ProgramID: "p2", StackingAllowed: false, PriorityRank: 2, Rules: []Rule{rateRule("r2", 1, "1")}}

	res := Resolve([]ProgramRules{p1, p2})

	assert.Equal(t, []core.RuleID{"r2"}, ids(res.Selected))
	assert.Equal(t, []core.ProgramID{"p2"}, res.Programs)
}

func TestResolve_CrossProgramTieBreaksOnLowestProgramID(t *testing.T) {
	pb := ProgramRules{ProgramID: "pb", PriorityRank: 1, Rules: []Rule{rateRule("r1", 1, "1")}}
	pa := ProgramRules{ProgramID: "pa", PriorityRank: 1, Rules: []Rule{rateRule("r2", 1, "1")}}

	res := Resolve([]ProgramRules{pb, pa})

	assert.Equal(t, []core.ProgramID{"pa"}, res.Programs)
}

func TestResolve_ProgramsWithoutWinnersDoNotBlockStacking(t *testing.T) {
	p1 := ProgramRules{ProgramID: "p1", StackingAllowed: true, PriorityRank: 1, Rules: []Rule{rateRule("r1", 1, "1")}}
	empty := ProgramRules{ProgramID: "p0", StackingAllowed: false, PriorityRank: 9}

	res := Resolve([]ProgramRules{p1, empty})

	assert.Equal(t, []core.RuleID{"r1"}, ids(res.Selected))
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func TestRule_IdempotencyKeys(t *testing.T) {
	e := purchase("10")
	e.OccurredAt = time.Date(2025, time.March, 1, 23, 30, 0, 0, time.UTC)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	r := rateRule("r1", 1, "1")
	assert.Equal(t, "evt:evt-1:rule:r1", r.IdempotencyKey(e, time.UTC))

	r.Idempotency = IdempotencyScope{Strategy: IdemEventBucket, Granularity: core.GranularityDay}
	assert.Equal(t, "evt:evt-1:2025-03-01:rule:r1", r.IdempotencyKey(e, time.UTC))

	// 23:30 UTC is already March 2 in Tokyo
	r.Idempotency = IdempotencyScope{Strategy: IdemMembershipBucket, Granularity: core.GranularityDay}
	assert.Equal(t, "rule:r1:2025-03-02", r.IdempotencyKey(e, tokyo))

	r.Idempotency = IdempotencyScope{Strategy: IdemMembershipBucket, Granularity: core.GranularityMonth}
	assert.Equal(t, "rule:r1:2025-03", r.IdempotencyKey(e, time.UTC))
}
