package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/core/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march1 = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

const testCatalog = `{
  "programs": [{"id": "market", "tenant_id": "acme", "name": "Market Rewards"}],
  "rules": [
    {"id": "rule-a", "tenant_id": "acme", "program_id": "market", "trigger": "PURCHASE",
     "formula": {"type": "RATE", "rate": "0.20"},
     "conflict": {"group": "purchase", "policy": "EXCLUSIVE", "priority_rank": 1},
     "active_from": "2025-01-01T00:00:00Z"},
    {"id": "rule-b", "tenant_id": "acme", "program_id": "market", "trigger": "PURCHASE",
     "formula": {"type": "RATE", "rate": "0.10"},
     "conflict": {"group": "purchase", "policy": "EXCLUSIVE", "priority_rank": 2},
     "active_from": "2025-01-01T00:00:00Z"}
  ],
  "tier_policies": [
    {"id": "acme-tiers", "tenant_id": "acme",
     "thresholds": [{"tier": "silver", "min_points": 5}, {"tier": "gold", "min_points": 50}],
     "grace_period_days": 30}
  ]
}`

type testServer struct {
	t       *testing.T
	handler *api.Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ids, err := core.NewSnowflakeIDs(1)
	require.NoError(t, err)

	h := api.NewHandler(store.NewMemory(), nil, ids)
	h.SetClock(core.FixedClock(march1))
	h.SetLogger(log.New(io.Discard, "", 0))
	return &testServer{t: t, handler: h, router: api.NewRouter(h, nil)}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// setup loads the catalog, creates membership m1 and enrolls it.
func (s *testServer) setup() {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/admin/catalog", testCatalog)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/memberships", api.CreateMembershipRequest{ID: "m1", TenantID: "acme", UserID: "u1"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	from := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	rec = s.do(http.MethodPost, "/api/enrollments", api.EnrollRequest{MembershipID: "m1", ProgramID: "market", EffectiveFrom: &from})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func purchase(id, amount string) map[string]any {
	return map[string]any{
		"source_event_id": id,
		"tenant_id":       "acme",
		"membership_id":   "m1",
		"trigger":         "PURCHASE",
		"amount":          amount,
		"occurred_at":     "2025-03-01T09:00:00Z",
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestIngestEvent_HighestRankWinsAndReplayIsNoop(t *testing.T) {
	// GIVEN: two EXCLUSIVE purchase rules, rule-b ranked higher
	// WHEN: a $100 purchase is posted twice
	// THEN: one EARNING row of 10 points from rule-b; the retry writes nothing
	s := newTestServer(t)
	s.setup()

	rec := s.do(http.MethodPost, "/api/events", purchase("pos-1", "100.00"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[api.AccrualResultDTO](t, rec)
	require.Len(t, first.Awards, 1)
	assert.Equal(t, "rule-b", first.Awards[0].RuleID)
	assert.Equal(t, int64(10), first.Written)
	assert.Equal(t, int64(10), first.Balance)
	assert.False(t, first.Duplicate)

	rec = s.do(http.MethodPost, "/api/events", purchase("pos-1", "100.00"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replay := decode[api.AccrualResultDTO](t, rec)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, int64(0), replay.Written)
	assert.Equal(t, first.Awards[0].TransactionID, replay.Awards[0].TransactionID)

	rec = s.do(http.MethodGet, "/api/memberships/m1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[api.BalanceDTO](t, rec)
	assert.Equal(t, int64(10), balance.Balance)
	assert.Equal(t, 1, balance.Rows)
	assert.True(t, balance.Consistent)
}

func TestIngestEvent_RejectsInvalidEvents(t *testing.T) {
	s := newTestServer(t)
	s.setup()

	rec := s.do(http.MethodPost, "/api/events", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := purchase("pos-1", "100.00")
	bad["trigger"] = "DANCE"
	rec = s.do(http.MethodPost, "/api/events", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unknown := purchase("pos-2", "100.00")
	unknown["membership_id"] = "nobody"
	rec = s.do(http.MethodPost, "/api/events", unknown)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestEvent_UpgradesTier(t *testing.T) {
	// GIVEN: silver at 5 points
	// WHEN: 10 points are earned
	// THEN: the membership is silver right away
	s := newTestServer(t)
	s.setup()
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/events", purchase("pos-1", "100.00")).Code)

	rec := s.do(http.MethodGet, "/api/memberships/m1/tier", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[api.TierStatusDTO](t, rec)
	assert.Equal(t, "ACTIVE", st.State)
	require.NotNil(t, st.TierID)
	assert.Equal(t, "silver", *st.TierID)

	rec = s.do(http.MethodGet, "/api/memberships/m1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[api.MembershipDTO](t, rec)
	require.NotNil(t, m.TierID)
	assert.Equal(t, "silver", *m.TierID)

	rec = s.do(http.MethodPost, "/api/memberships/m1/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decode[api.EvaluationDTO](t, rec)
	assert.Equal(t, "UNCHANGED", ev.Outcome)
	assert.Equal(t, int64(10), ev.Balance)
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

func TestMemberships_CreateAndGet(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/memberships", api.CreateMembershipRequest{ID: "m1", TenantID: "acme", Timezone: "Europe/Paris"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, "/api/memberships", api.CreateMembershipRequest{ID: "m1", TenantID: "acme"})
	assert.Equal(t, http.StatusConflict, rec.Code, "duplicate id")

	rec = s.do(http.MethodPost, "/api/memberships", api.CreateMembershipRequest{ID: "m2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing tenant")

	rec = s.do(http.MethodPost, "/api/memberships", api.CreateMembershipRequest{ID: "m3", TenantID: "acme", Timezone: "Mars/Olympus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "bad timezone")

	rec = s.do(http.MethodGet, "/api/memberships/m1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[api.MembershipDTO](t, rec)
	assert.Equal(t, int64(0), m.Balance)
	assert.Nil(t, m.TierID)
	assert.Equal(t, "Europe/Paris", m.Timezone)

	rec = s.do(http.MethodGet, "/api/memberships/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/memberships/m1/tier", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NONE", decode[api.TierStatusDTO](t, rec).State)
}

// =============================================================================
// POSTINGS
// =============================================================================

func TestPostings_RedeemAdjustReverse(t *testing.T) {
	s := newTestServer(t)
	s.setup()
	rec := s.do(http.MethodPost, "/api/events", purchase("pos-1", "100.00"))
	require.Equal(t, http.StatusCreated, rec.Code)
	earning := decode[api.AccrualResultDTO](t, rec).Awards[0].TransactionID

	// Spending more than the balance is refused
	rec = s.do(http.MethodPost, "/api/memberships/m1/redemptions", api.RedeemRequest{Points: 50, IdempotencyKey: "r1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodPost, "/api/memberships/m1/redemptions", api.RedeemRequest{Points: 4, IdempotencyKey: "r2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	posting := decode[api.PostingDTO](t, rec)
	assert.Equal(t, int64(6), posting.Balance)
	require.NotNil(t, posting.Transaction)
	assert.Equal(t, "REDEMPTION", posting.Transaction.Type)

	// Same key replays
	rec = s.do(http.MethodPost, "/api/memberships/m1/redemptions", api.RedeemRequest{Points: 4, IdempotencyKey: "r2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.PostingDTO](t, rec).Replayed)

	rec = s.do(http.MethodPost, "/api/memberships/m1/adjustments", api.AdjustRequest{Delta: 3, ReasonCode: "goodwill", Actor: "ops", IdempotencyKey: "a1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(9), decode[api.PostingDTO](t, rec).Balance)

	rec = s.do(http.MethodPost, "/api/transactions/"+earning+"/reverse", api.ReverseRequest{ReasonCode: "refund"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(-1), decode[api.PostingDTO](t, rec).Balance)

	rec = s.do(http.MethodPost, "/api/transactions/"+earning+"/reverse", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[api.PostingDTO](t, rec).Replayed)

	rec = s.do(http.MethodPost, "/api/transactions/nope/reverse", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Ledger in order with a running balance
	rec = s.do(http.MethodGet, "/api/memberships/m1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]api.TransactionDTO](t, rec)
	require.Len(t, txs, 4)
	assert.Equal(t, int64(-1), txs[len(txs)-1].RunningBalance)

	rec = s.do(http.MethodGet, "/api/memberships/m1/balance", nil)
	assert.True(t, decode[api.BalanceDTO](t, rec).Consistent)
}

func TestPostings_ExpireRequiresCutoff(t *testing.T) {
	s := newTestServer(t)
	s.setup()
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/events", purchase("pos-1", "100.00")).Code)

	rec := s.do(http.MethodPost, "/api/memberships/m1/expirations", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/memberships/m1/expirations", api.ExpireRequest{Cutoff: march1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	posting := decode[api.PostingDTO](t, rec)
	assert.Equal(t, int64(0), posting.Balance)
	require.NotNil(t, posting.Transaction)
	assert.Equal(t, int64(-10), posting.Transaction.Delta)
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func TestEnrollments_Lifecycle(t *testing.T) {
	s := newTestServer(t)
	s.setup()

	// A second ACTIVE enrollment in the same program is refused
	rec := s.do(http.MethodPost, "/api/enrollments", api.EnrollRequest{MembershipID: "m1", ProgramID: "market"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/memberships", api.CreateMembershipRequest{ID: "m2", TenantID: "acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(http.MethodPost, "/api/enrollments", api.EnrollRequest{MembershipID: "m2", ProgramID: "market"})
	require.Equal(t, http.StatusCreated, rec.Code)
	e := decode[api.EnrollmentDTO](t, rec)
	assert.Equal(t, "ACTIVE", e.Status)

	rec = s.do(http.MethodPost, "/api/enrollments/"+e.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PAUSED", decode[api.EnrollmentDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/enrollments/"+e.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACTIVE", decode[api.EnrollmentDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/enrollments/"+e.ID+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ended := decode[api.EnrollmentDTO](t, rec)
	assert.Equal(t, "ENDED", ended.Status)
	assert.NotNil(t, ended.EffectiveTo)

	rec = s.do(http.MethodPost, "/api/enrollments/not-a-uuid/pause", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/enrollments", api.EnrollRequest{MembershipID: "m2", ProgramID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_CatalogAndTierEvaluations(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/admin/catalog", `{"rules": [{"id": "r", "tenant_id": "acme"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "rule without program or formula")

	s.setup()
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/events", purchase("pos-1", "100.00")).Code)

	rec = s.do(http.MethodPost, "/api/admin/tier-evaluations?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing is due before the re-evaluation date
	rec = s.do(http.MethodPost, "/api/admin/tier-evaluations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.DueReportDTO{}, decode[api.DueReportDTO](t, rec))
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_LoadIsRepeatable(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ScenarioDTO](t, rec), 3)

	for i := 0; i < 2; i++ {
		rec = s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "competing-rules"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodGet, "/api/memberships/demo-bob/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[api.BalanceDTO](t, rec)
	assert.Equal(t, int64(10), balance.Balance)
	assert.Equal(t, 1, balance.Rows)

	rec = s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarios_StackingProgramsBothEarn(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "stacking-programs"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/memberships/demo-carol/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]api.TransactionDTO](t, rec)
	require.Len(t, txs, 2)
	programs := []string{txs[0].ProgramID, txs[1].ProgramID}
	assert.ElementsMatch(t, []string{"coffee-plus", "partner"}, programs)
	// 150 * 0.10 = 15; partner: 50 * 0.02 + 100 * 0.05 = 6
	assert.Equal(t, int64(21), txs[1].RunningBalance)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
