/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a realistic
	catalog, memberships, enrollments and events. Each scenario shows one
	feature of the engine end to end.

AVAILABLE SCENARIOS:

	coffee-club:       One program, purchase + visit rules, silver/gold tiers
	competing-rules:   Two EXCLUSIVE purchase rules; only the best-ranked earns
	stacking-programs: Two programs that both earn on the same purchase

HOW SCENARIOS WORK:
 1. Parse the scenario catalog via factory and save it
 2. Create the demo membership
 3. Enroll it in the scenario programs
 4. Accrue the scenario events
 5. Evaluate the tier

Loading is repeatable: catalog saves are upserts, an existing membership
or enrollment is kept, and events carry fixed source ids so replays write
nothing.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "competing-rules"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add a scenarioData entry with the catalog and events

SEE ALSO:
  - handlers.go: Service wiring
  - factory/catalog.go: Catalog JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/ingest"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "coffee-club",
		Name:        "Coffee Club",
		Description: "Single program: 10% on purchases, 5 points per visit, silver at 100 and gold at 500",
	},
	{
		ID:          "competing-rules",
		Name:        "Competing Rules",
		Description: "Two EXCLUSIVE purchase rules in one group; the higher rank wins and a $100 purchase earns 10 points",
	},
	{
		ID:          "stacking-programs",
		Name:        "Stacking Programs",
		Description: "Coffee Club and a partner program both earn on the same purchase",
	},
}

type scenarioEvent struct {
	id      string
	trigger core.Trigger
	amount  string
	ago     time.Duration
}

type scenarioData struct {
	catalog    string
	membership core.MembershipID
	tenant     core.TenantID
	programs   []core.ProgramID
	events     []scenarioEvent
}

const demoTenant = "demo"

var scenarioCatalogs = map[string]scenarioData{
	"coffee-club": {
		catalog: `{
  "programs": [{"id": "coffee", "tenant_id": "demo", "name": "Coffee Club", "priority_rank": 1}],
  "rules": [
    {"id": "coffee-purchase", "tenant_id": "demo", "program_id": "coffee", "trigger": "PURCHASE",
     "formula": {"type": "RATE", "rate": "0.10"},
     "limits": {"per_period_cap": 300, "cap_period": "DAY"},
     "active_from": "2024-01-01T00:00:00Z"},
    {"id": "coffee-visit", "tenant_id": "demo", "program_id": "coffee", "trigger": "VISIT",
     "formula": {"type": "FIXED", "points": 5},
     "idempotency": {"strategy": "MEMBERSHIP_BUCKET", "granularity": "DAY"},
     "active_from": "2024-01-01T00:00:00Z"}
  ],
  "tier_policies": [
    {"id": "demo-tiers", "tenant_id": "demo",
     "thresholds": [{"tier": "silver", "min_points": 100}, {"tier": "gold", "min_points": 500}],
     "grace_period_days": 30, "min_tier_duration_days": 90}
  ]
}`,
		membership: "demo-alice",
		tenant:     demoTenant,
		programs:   []core.ProgramID{"coffee"},
		events: []scenarioEvent{
			{id: "coffee-club-1", trigger: core.TriggerPurchase, amount: "45.00", ago: 72 * time.Hour},
			{id: "coffee-club-2", trigger: core.TriggerVisit, ago: 48 * time.Hour},
			{id: "coffee-club-3", trigger: core.TriggerPurchase, amount: "820.00", ago: 24 * time.Hour},
			{id: "coffee-club-4", trigger: core.TriggerVisit, ago: time.Hour},
		},
	},
	"competing-rules": {
		catalog: `{
  "programs": [{"id": "market", "tenant_id": "demo", "name": "Market Rewards", "priority_rank": 1}],
  "rules": [
    {"id": "market-a", "tenant_id": "demo", "program_id": "market", "trigger": "PURCHASE",
     "formula": {"type": "RATE", "rate": "0.20"},
     "conflict": {"group": "purchase", "policy": "EXCLUSIVE", "priority_rank": 1},
     "active_from": "2024-01-01T00:00:00Z"},
    {"id": "market-b", "tenant_id": "demo", "program_id": "market", "trigger": "PURCHASE",
     "formula": {"type": "RATE", "rate": "0.10"},
     "conflict": {"group": "purchase", "policy": "EXCLUSIVE", "priority_rank": 2},
     "active_from": "2024-01-01T00:00:00Z"}
  ]
}`,
		membership: "demo-bob",
		tenant:     demoTenant,
		programs:   []core.ProgramID{"market"},
		events: []scenarioEvent{
			{id: "competing-rules-1", trigger: core.TriggerPurchase, amount: "100.00", ago: time.Hour},
		},
	},
	"stacking-programs": {
		catalog: `{
  "programs": [
    {"id": "coffee-plus", "tenant_id": "demo", "name": "Coffee Club Plus", "stacking_allowed": true, "priority_rank": 1},
    {"id": "partner", "tenant_id": "demo", "name": "Airline Partner", "stacking_allowed": true, "priority_rank": 2}
  ],
  "rules": [
    {"id": "plus-purchase", "tenant_id": "demo", "program_id": "coffee-plus", "trigger": "PURCHASE",
     "formula": {"type": "RATE", "rate": "0.10"}, "active_from": "2024-01-01T00:00:00Z"},
    {"id": "partner-purchase", "tenant_id": "demo", "program_id": "partner", "trigger": "PURCHASE",
     "formula": {"type": "TIERED", "bands": [{"up_to": "50", "rate": "0.02"}, {"rate": "0.05"}]},
     "active_from": "2024-01-01T00:00:00Z"}
  ]
}`,
		membership: "demo-carol",
		tenant:     demoTenant,
		programs:   []core.ProgramID{"coffee-plus", "partner"},
		events: []scenarioEvent{
			{id: "stacking-programs-1", trigger: core.TriggerPurchase, amount: "150.00", ago: 2 * time.Hour},
		},
	},
}

// enrollmentStart predates every scenario event.
var enrollmentStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	data, ok := scenarioCatalogs[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), data); err != nil {
		writeServiceError(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	m, err := h.Store.Membership(r.Context(), data.membership)
	if err != nil {
		writeServiceError(w, "Failed to get membership", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "loaded",
		"scenario":   req.ScenarioID,
		"membership": toMembershipDTO(m),
	})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, data scenarioData) error {
	catalog, err := h.Catalog.ParseCatalog([]byte(data.catalog))
	if err != nil {
		return err
	}
	if err := h.Catalog.Apply(ctx, catalog, h.Store, h.Store, h.Store); err != nil {
		return err
	}

	now := h.Clock()
	err = h.Store.CreateMembership(ctx, core.Membership{
		ID:        data.membership,
		TenantID:  data.tenant,
		UserID:    string(data.membership),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil && !errors.Is(err, core.ErrConflict) {
		return err
	}

	for _, pid := range data.programs {
		enrolled, err := h.Programs.IsEnrolled(ctx, data.membership, pid, now)
		if err != nil {
			return err
		}
		if enrolled {
			continue
		}
		if _, err := h.Programs.Enroll(ctx, data.membership, pid, enrollmentStart); err != nil && !errors.Is(err, core.ErrConflict) {
			return err
		}
	}

	// Event times are anchored to midnight so reloading on the same day
	// replays the same buckets.
	anchor := now.Truncate(24 * time.Hour)
	for _, ev := range data.events {
		msg := ingest.EventMessage{
			SourceEventID: ev.id,
			TenantID:      string(data.tenant),
			MembershipID:  string(data.membership),
			Trigger:       string(ev.trigger),
			OccurredAt:    anchor.Add(-ev.ago),
		}
		if ev.amount != "" {
			msg.Amount = decimal.RequireFromString(ev.amount)
		}
		event, err := msg.ToEvent()
		if err != nil {
			return err
		}
		if _, err := h.Accrual.Accrue(ctx, event); err != nil {
			return err
		}
	}

	if len(catalog.TierPolicies) > 0 {
		if _, err := h.Tiers.Evaluate(ctx, data.membership); err != nil {
			return err
		}
	}
	return nil
}
