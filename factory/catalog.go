/*
Package factory provides JSON to Go conversion for the loyalty catalog.

PURPOSE:
  Converts JSON definitions of programs, reward rules and tier policies
  into typed values. Marketing teams edit the catalog file (or an admin UI
  writes it), the factory validates it and loads it into the stores. The
  SQL store also keeps rules and policies as config_json using the same
  encoding.

JSON SCHEMA:
  {
    "programs": [
      {"id": "coffee", "tenant_id": "acme", "name": "Coffee Club",
       "stacking_allowed": false, "priority_rank": 10}
    ],
    "rules": [
      {
        "id": "purchase-base",
        "tenant_id": "acme",
        "program_id": "coffee",
        "trigger": "PURCHASE",
        "formula": {"type": "RATE", "rate": "0.10"},
        "limits": {"per_period_cap": 500, "cap_period": "DAY"},
        "conflict": {"group": "purchase", "policy": "EXCLUSIVE", "priority_rank": 1},
        "idempotency": {"strategy": "EVENT"},
        "active_from": "2025-01-01T00:00:00Z"
      }
    ],
    "tier_policies": [
      {
        "id": "acme-tiers",
        "tenant_id": "acme",
        "window": {"kind": "CONTINUOUS"},
        "thresholds": [{"tier": "silver", "min_points": 500}, {"tier": "gold", "min_points": 2000}],
        "grace_period_days": 30,
        "min_tier_duration_days": 90,
        "downgrade_strategy": "GRACE_PERIOD"
      }
    ]
  }

KEY FEATURES:
  - Validates every definition (rules.Rule.Validate, tier.Policy.Validate)
  - Sets defaults: version 1, status ACTIVE, EVENT idempotency,
    EXCLUSIVE for grouped rules, CONTINUOUS window, FIXED evaluation
  - Encodes back to the same schema (round trip)

USAGE:
  f := factory.NewCatalogFactory()
  catalog, err := f.ParseCatalog(data)
  err = f.Apply(ctx, catalog, store, store, store)

SEE ALSO:
  - rules/rule.go, tier/policy.go, program/program.go: target types
  - store/sqlstore: persists config_json produced here
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/tier"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type CatalogJSON struct {
	Programs     []ProgramJSON    `json:"programs,omitempty"`
	Rules        []RuleJSON       `json:"rules,omitempty"`
	TierPolicies []TierPolicyJSON `json:"tier_policies,omitempty"`
}

type ProgramJSON struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id"`
	Name            string `json:"name"`
	StackingAllowed bool   `json:"stacking_allowed,omitempty"`
	PriorityRank    int    `json:"priority_rank,omitempty"`
	Status          string `json:"status,omitempty"`
}

type RuleJSON struct {
	ID            string           `json:"id"`
	Version       int              `json:"version,omitempty"`
	Name          string           `json:"name,omitempty"`
	TenantID      string           `json:"tenant_id"`
	ProgramID     string           `json:"program_id"`
	StoreID       string           `json:"store_id,omitempty"`
	BranchID      string           `json:"branch_id,omitempty"`
	Channel       string           `json:"channel,omitempty"`
	Trigger       string           `json:"trigger"`
	CustomTrigger string           `json:"custom_trigger,omitempty"`
	Eligibility   *EligibilityJSON `json:"eligibility,omitempty"`
	Formula       FormulaJSON      `json:"formula"`
	Limits        *LimitsJSON      `json:"limits,omitempty"`
	Conflict      *ConflictJSON    `json:"conflict,omitempty"`
	Idempotency   *IdempotencyJSON `json:"idempotency,omitempty"`
	ActiveFrom    time.Time        `json:"active_from"`
	ActiveTo      *time.Time       `json:"active_to,omitempty"`
	Status        string           `json:"status,omitempty"`
}

type EligibilityJSON struct {
	MinTier string `json:"min_tier,omitempty"`
	MaxTier string `json:"max_tier,omitempty"`
}

// FormulaJSON is a tagged union on Type.
type FormulaJSON struct {
	Type    string                     `json:"type"` // RATE, FIXED, TIERED, MULTIPLIER
	Field   string                     `json:"field,omitempty"`
	Rate    *decimal.Decimal           `json:"rate,omitempty"`
	Points  int64                      `json:"points,omitempty"`
	Bands   []BandJSON                 `json:"bands,omitempty"`
	Base    *FormulaJSON               `json:"base,omitempty"`
	ByTier  map[string]decimal.Decimal `json:"by_tier,omitempty"`
	Default *decimal.Decimal           `json:"default,omitempty"`
}

type BandJSON struct {
	UpTo *decimal.Decimal `json:"up_to,omitempty"`
	Rate decimal.Decimal  `json:"rate"`
}

type LimitsJSON struct {
	PerEventCap  *int64 `json:"per_event_cap,omitempty"`
	PerPeriodCap *int64 `json:"per_period_cap,omitempty"`
	CapPeriod    string `json:"cap_period,omitempty"`
}

type ConflictJSON struct {
	Group        string `json:"group,omitempty"`
	Policy       string `json:"policy,omitempty"` // EXCLUSIVE, STACK
	PriorityRank int    `json:"priority_rank,omitempty"`
}

type IdempotencyJSON struct {
	Strategy    string `json:"strategy,omitempty"` // EVENT, EVENT_BUCKET, MEMBERSHIP_BUCKET
	Granularity string `json:"granularity,omitempty"`
}

type TierPolicyJSON struct {
	ID                  string          `json:"id"`
	TenantID            string          `json:"tenant_id"`
	Name                string          `json:"name,omitempty"`
	Window              *WindowJSON     `json:"window,omitempty"`
	EvaluationType      string          `json:"evaluation_type,omitempty"`
	Thresholds          []ThresholdJSON `json:"thresholds"`
	GracePeriodDays     int             `json:"grace_period_days,omitempty"`
	MinTierDurationDays int             `json:"min_tier_duration_days,omitempty"`
	DowngradeStrategy   string          `json:"downgrade_strategy,omitempty"`
	ReevaluateEveryDays int             `json:"reevaluate_every_days,omitempty"`
	Status              string          `json:"status,omitempty"`
}

type WindowJSON struct {
	Kind string `json:"kind"`
	Days int    `json:"days,omitempty"`
}

type ThresholdJSON struct {
	Tier      string `json:"tier"`
	MinPoints int64  `json:"min_points"`
}

// Catalog is the typed, validated form of CatalogJSON.
type Catalog struct {
	Programs     []program.Program
	Rules        []rules.Rule
	TierPolicies []tier.Policy
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalog documents to Go values.
type CatalogFactory struct{}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// LoadFile reads and parses a catalog file.
func (f *CatalogFactory) LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return f.ParseCatalog(data)
}

// ParseCatalog parses and validates a whole catalog document.
func (f *CatalogFactory) ParseCatalog(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, &core.ValidationError{Field: "catalog", Reason: "invalid JSON: " + err.Error()}
	}
	c := &Catalog{}
	for _, pj := range cj.Programs {
		p, err := f.ProgramFromJSON(pj)
		if err != nil {
			return nil, err
		}
		c.Programs = append(c.Programs, p)
	}
	for _, rj := range cj.Rules {
		r, err := f.RuleFromJSON(rj)
		if err != nil {
			return nil, err
		}
		c.Rules = append(c.Rules, r)
	}
	for _, tj := range cj.TierPolicies {
		p, err := f.PolicyFromJSON(tj)
		if err != nil {
			return nil, err
		}
		c.TierPolicies = append(c.TierPolicies, p)
	}
	return c, nil
}

// Apply saves every catalog entry into the stores.
func (f *CatalogFactory) Apply(ctx context.Context, c *Catalog, programs program.Store, ruleStore rules.Store, policies tier.PolicyStore) error {
	for _, p := range c.Programs {
		if err := programs.SaveProgram(ctx, p); err != nil {
			return fmt.Errorf("save program %s: %w", p.ID, err)
		}
	}
	for _, r := range c.Rules {
		if err := ruleStore.SaveRule(ctx, r); err != nil {
			return fmt.Errorf("save rule %s: %w", r.ID, err)
		}
	}
	for _, p := range c.TierPolicies {
		if err := policies.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("save tier policy %s: %w", p.ID, err)
		}
	}
	return nil
}

// =============================================================================
// PROGRAMS
// =============================================================================

func (f *CatalogFactory) ProgramFromJSON(pj ProgramJSON) (program.Program, error) {
	p := program.Program{
		ID:              core.ProgramID(pj.ID),
		TenantID:        core.TenantID(pj.TenantID),
		Name:            pj.Name,
		StackingAllowed: pj.StackingAllowed,
		PriorityRank:    pj.PriorityRank,
		Status:          program.Status(upperOr(pj.Status, string(program.StatusActive))),
	}
	return p, p.Validate()
}

// =============================================================================
// RULES
// =============================================================================

// ParseRule parses a single rule document (config_json).
func (f *CatalogFactory) ParseRule(data []byte) (rules.Rule, error) {
	var rj RuleJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return rules.Rule{}, &core.ValidationError{Field: "rule", Reason: "invalid JSON: " + err.Error()}
	}
	return f.RuleFromJSON(rj)
}

func (f *CatalogFactory) RuleFromJSON(rj RuleJSON) (rules.Rule, error) {
	trigger, err := core.ParseTrigger(rj.Trigger)
	if err != nil {
		return rules.Rule{}, err
	}
	formula, err := parseFormula(rj.Formula)
	if err != nil {
		return rules.Rule{}, &core.ValidationError{Field: "rule.formula", Reason: fmt.Sprintf("%s: %v", rj.ID, err)}
	}

	r := rules.Rule{
		ID:      core.RuleID(rj.ID),
		Version: rj.Version,
		Name:    rj.Name,
		Scope: rules.Scope{
			TenantID:  core.TenantID(rj.TenantID),
			ProgramID: core.ProgramID(rj.ProgramID),
			StoreID:   rj.StoreID,
			BranchID:  rj.BranchID,
			Channel:   rj.Channel,
		},
		Trigger:       trigger,
		CustomTrigger: rj.CustomTrigger,
		Formula:       formula,
		Idempotency:   rules.IdempotencyScope{Strategy: rules.IdemEvent},
		ActiveFrom:    rj.ActiveFrom,
		ActiveTo:      rj.ActiveTo,
		Status:        rules.Status(upperOr(rj.Status, string(rules.StatusActive))),
	}
	if r.Version == 0 {
		r.Version = 1
	}
	if e := rj.Eligibility; e != nil {
		if e.MinTier != "" {
			r.Eligibility.MinTier = core.TierRef(core.TierID(e.MinTier))
		}
		if e.MaxTier != "" {
			r.Eligibility.MaxTier = core.TierRef(core.TierID(e.MaxTier))
		}
	}
	if l := rj.Limits; l != nil {
		if l.PerEventCap != nil {
			c := core.Points(*l.PerEventCap)
			r.Limits.PerEventCap = &c
		}
		if l.PerPeriodCap != nil {
			c := core.Points(*l.PerPeriodCap)
			r.Limits.PerPeriodCap = &c
		}
		r.Limits.CapPeriod = core.Granularity(strings.ToUpper(l.CapPeriod))
	}
	if c := rj.Conflict; c != nil {
		r.Conflict = rules.Conflict{
			Group:        c.Group,
			Policy:       rules.StackPolicy(strings.ToUpper(c.Policy)),
			PriorityRank: c.PriorityRank,
		}
		if r.Conflict.Group != "" && r.Conflict.Policy == "" {
			r.Conflict.Policy = rules.StackExclusive
		}
	}
	if i := rj.Idempotency; i != nil {
		r.Idempotency = rules.IdempotencyScope{
			Strategy:    rules.IdempotencyStrategy(upperOr(i.Strategy, string(rules.IdemEvent))),
			Granularity: core.Granularity(strings.ToUpper(i.Granularity)),
		}
	}
	if err := r.Validate(); err != nil {
		return rules.Rule{}, err
	}
	return r, nil
}

// EncodeRule renders a rule as a config_json document.
func (f *CatalogFactory) EncodeRule(r rules.Rule) ([]byte, error) {
	return json.Marshal(f.RuleToJSON(r))
}

func (f *CatalogFactory) RuleToJSON(r rules.Rule) RuleJSON {
	rj := RuleJSON{
		ID:            string(r.ID),
		Version:       r.Version,
		Name:          r.Name,
		TenantID:      string(r.Scope.TenantID),
		ProgramID:     string(r.Scope.ProgramID),
		StoreID:       r.Scope.StoreID,
		BranchID:      r.Scope.BranchID,
		Channel:       r.Scope.Channel,
		Trigger:       string(r.Trigger),
		CustomTrigger: r.CustomTrigger,
		Formula:       formulaToJSON(r.Formula),
		ActiveFrom:    r.ActiveFrom,
		ActiveTo:      r.ActiveTo,
		Status:        string(r.Status),
		Idempotency: &IdempotencyJSON{
			Strategy:    string(r.Idempotency.Strategy),
			Granularity: string(r.Idempotency.Granularity),
		},
	}
	if !r.Eligibility.Unrestricted() {
		rj.Eligibility = &EligibilityJSON{}
		if r.Eligibility.MinTier != nil {
			rj.Eligibility.MinTier = string(*r.Eligibility.MinTier)
		}
		if r.Eligibility.MaxTier != nil {
			rj.Eligibility.MaxTier = string(*r.Eligibility.MaxTier)
		}
	}
	if r.Limits.PerEventCap != nil || r.Limits.PerPeriodCap != nil {
		rj.Limits = &LimitsJSON{CapPeriod: string(r.Limits.CapPeriod)}
		if r.Limits.PerEventCap != nil {
			v := int64(*r.Limits.PerEventCap)
			rj.Limits.PerEventCap = &v
		}
		if r.Limits.PerPeriodCap != nil {
			v := int64(*r.Limits.PerPeriodCap)
			rj.Limits.PerPeriodCap = &v
		}
	}
	if r.Conflict != (rules.Conflict{}) {
		rj.Conflict = &ConflictJSON{
			Group:        r.Conflict.Group,
			Policy:       string(r.Conflict.Policy),
			PriorityRank: r.Conflict.PriorityRank,
		}
	}
	return rj
}

func parseFormula(fj FormulaJSON) (rules.Formula, error) {
	switch strings.ToUpper(fj.Type) {
	case string(rules.FormulaRate):
		if fj.Rate == nil {
			return nil, fmt.Errorf("RATE formula needs a rate")
		}
		return rules.Rate{Field: fj.Field, Rate: *fj.Rate}, nil

	case string(rules.FormulaFixed):
		return rules.Fixed{Points: core.Points(fj.Points)}, nil

	case string(rules.FormulaTiered):
		bands := make([]rules.Band, len(fj.Bands))
		for i, b := range fj.Bands {
			bands[i] = rules.Band{UpTo: b.UpTo, Rate: b.Rate}
		}
		return rules.Tiered{Field: fj.Field, Bands: bands}, nil

	case string(rules.FormulaMultiplier):
		if fj.Base == nil {
			return nil, fmt.Errorf("MULTIPLIER formula needs a base formula")
		}
		base, err := parseFormula(*fj.Base)
		if err != nil {
			return nil, fmt.Errorf("base: %w", err)
		}
		m := rules.Multiplier{Base: base, ByTier: make(map[core.TierID]decimal.Decimal, len(fj.ByTier))}
		for t, v := range fj.ByTier {
			m.ByTier[core.TierID(t)] = v
		}
		if fj.Default != nil {
			m.Default = *fj.Default
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unknown formula type %q", fj.Type)
	}
}

func formulaToJSON(f rules.Formula) FormulaJSON {
	switch v := f.(type) {
	case rules.Rate:
		rate := v.Rate
		return FormulaJSON{Type: string(rules.FormulaRate), Field: v.Field, Rate: &rate}
	case rules.Fixed:
		return FormulaJSON{Type: string(rules.FormulaFixed), Points: int64(v.Points)}
	case rules.Tiered:
		bands := make([]BandJSON, len(v.Bands))
		for i, b := range v.Bands {
			bands[i] = BandJSON{UpTo: b.UpTo, Rate: b.Rate}
		}
		return FormulaJSON{Type: string(rules.FormulaTiered), Field: v.Field, Bands: bands}
	case rules.Multiplier:
		base := formulaToJSON(v.Base)
		fj := FormulaJSON{Type: string(rules.FormulaMultiplier), Base: &base}
		if len(v.ByTier) > 0 {
			fj.ByTier = make(map[string]decimal.Decimal, len(v.ByTier))
			for t, m := range v.ByTier {
				fj.ByTier[string(t)] = m
			}
		}
		if !v.Default.IsZero() {
			d := v.Default
			fj.Default = &d
		}
		return fj
	}
	return FormulaJSON{}
}

// =============================================================================
// TIER POLICIES
// =============================================================================

// ParsePolicy parses a single tier policy document (config_json).
func (f *CatalogFactory) ParsePolicy(data []byte) (tier.Policy, error) {
	var tj TierPolicyJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return tier.Policy{}, &core.ValidationError{Field: "tier_policy", Reason: "invalid JSON: " + err.Error()}
	}
	return f.PolicyFromJSON(tj)
}

func (f *CatalogFactory) PolicyFromJSON(tj TierPolicyJSON) (tier.Policy, error) {
	p := tier.Policy{
		ID:                  tj.ID,
		TenantID:            core.TenantID(tj.TenantID),
		Name:                tj.Name,
		EvaluationType:      tier.EvaluationType(strings.ToUpper(tj.EvaluationType)),
		GracePeriodDays:     tj.GracePeriodDays,
		MinTierDurationDays: tj.MinTierDurationDays,
		Downgrade:           tier.DowngradeStrategy(upperOr(tj.DowngradeStrategy, string(tier.DowngradeGracePeriod))),
		ReevaluateEveryDays: tj.ReevaluateEveryDays,
		Status:              tier.PolicyStatus(upperOr(tj.Status, string(tier.PolicyActive))),
	}
	if tj.Window != nil {
		p.Window = tier.Window{Kind: tier.WindowKind(strings.ToUpper(tj.Window.Kind)), Days: tj.Window.Days}
	}
	for _, t := range tj.Thresholds {
		p.Thresholds = append(p.Thresholds, tier.Threshold{Tier: core.TierID(t.Tier), MinPoints: core.Points(t.MinPoints)})
	}
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return tier.Policy{}, err
	}
	return p, nil
}

// EncodePolicy renders a tier policy as a config_json document.
func (f *CatalogFactory) EncodePolicy(p tier.Policy) ([]byte, error) {
	tj := TierPolicyJSON{
		ID:                  p.ID,
		TenantID:            string(p.TenantID),
		Name:                p.Name,
		Window:              &WindowJSON{Kind: string(p.Window.Kind), Days: p.Window.Days},
		EvaluationType:      string(p.EvaluationType),
		GracePeriodDays:     p.GracePeriodDays,
		MinTierDurationDays: p.MinTierDurationDays,
		DowngradeStrategy:   string(p.Downgrade),
		ReevaluateEveryDays: p.ReevaluateEveryDays,
		Status:              string(p.Status),
	}
	for _, t := range p.Thresholds {
		tj.Thresholds = append(tj.Thresholds, ThresholdJSON{Tier: string(t.Tier), MinPoints: int64(t.MinPoints)})
	}
	return json.Marshal(tj)
}

func upperOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return strings.ToUpper(strings.TrimSpace(s))
}
