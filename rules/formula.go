package rules

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// FORMULA - Closed set of point formulas
// =============================================================================

type FormulaKind string

const (
	FormulaRate       FormulaKind = "RATE"
	FormulaFixed      FormulaKind = "FIXED"
	FormulaTiered     FormulaKind = "TIERED"
	FormulaMultiplier FormulaKind = "MULTIPLIER"
)

// ErrMissingField is wrapped in a RuleEvaluationError when the event lacks
// the field a formula reads.
var ErrMissingField = errors.New("event field missing")

// Input is what a formula sees.
type Input struct {
	Event core.Event
	Tier  *core.TierID // membership's current tier, nil if none
}

// Formula computes a raw (unfloored) point amount. The unexported method
// closes the set to the implementations in this file.
type Formula interface {
	Kind() FormulaKind
	Evaluate(in Input) (decimal.Decimal, error)
	validate() error
}

// Points evaluates the rule's formula: floored to whole points, negative
// results clamped to zero, errors tagged with the rule.
func (r Rule) Points(in Input) (core.Points, error) {
	raw, err := r.Formula.Evaluate(in)
	if err != nil {
		var evalErr *core.RuleEvaluationError
		if errors.As(err, &evalErr) {
			tagged := *evalErr
			tagged.RuleID = r.ID
			return 0, &tagged
		}
		return 0, &core.RuleEvaluationError{RuleID: r.ID, Err: err}
	}
	return core.PointsFromDecimal(raw).Max(0), nil
}

func field(in Input, name string) (decimal.Decimal, error) {
	v, ok := in.Event.Field(name)
	if !ok {
		return decimal.Zero, &core.RuleEvaluationError{Field: name, Err: ErrMissingField}
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// RATE: rate x field
// -----------------------------------------------------------------------------

type Rate struct {
	Field string // defaults to "amount"
	Rate  decimal.Decimal
}

func (Rate) Kind() FormulaKind { return FormulaRate }

func (f Rate) Evaluate(in Input) (decimal.Decimal, error) {
	v, err := field(in, f.Field)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Mul(f.Rate), nil
}

func (f Rate) validate() error {
	if f.Rate.IsNegative() {
		return fmt.Errorf("rate must not be negative")
	}
	return nil
}

// -----------------------------------------------------------------------------
// FIXED: constant points
// -----------------------------------------------------------------------------

type Fixed struct {
	Points core.Points
}

func (Fixed) Kind() FormulaKind { return FormulaFixed }

func (f Fixed) Evaluate(Input) (decimal.Decimal, error) {
	return decimal.NewFromInt(int64(f.Points)), nil
}

func (f Fixed) validate() error {
	if f.Points < 0 {
		return fmt.Errorf("fixed points must not be negative")
	}
	return nil
}

// -----------------------------------------------------------------------------
// TIERED: marginal rates over bands of the field
// -----------------------------------------------------------------------------

// Band applies Rate to the part of the field between the previous band's
// UpTo and this one. A nil UpTo is open-ended and must come last.
type Band struct {
	UpTo *decimal.Decimal
	Rate decimal.Decimal
}

type Tiered struct {
	Field string
	Bands []Band
}

func (Tiered) Kind() FormulaKind { return FormulaTiered }

func (f Tiered) Evaluate(in Input) (decimal.Decimal, error) {
	v, err := field(in, f.Field)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	lower := decimal.Zero
	for _, b := range f.Bands {
		if !v.GreaterThan(lower) {
			break
		}
		upper := v
		if b.UpTo != nil && b.UpTo.LessThan(v) {
			upper = *b.UpTo
		}
		total = total.Add(upper.Sub(lower).Mul(b.Rate))
		if b.UpTo == nil {
			break
		}
		lower = *b.UpTo
	}
	return total, nil
}

func (f Tiered) validate() error {
	if len(f.Bands) == 0 {
		return fmt.Errorf("tiered formula needs at least one band")
	}
	prev := decimal.Zero
	for i, b := range f.Bands {
		if b.Rate.IsNegative() {
			return fmt.Errorf("band %d: rate must not be negative", i)
		}
		if b.UpTo == nil {
			if i != len(f.Bands)-1 {
				return fmt.Errorf("band %d: only the last band may be open-ended", i)
			}
			continue
		}
		if !b.UpTo.GreaterThan(prev) {
			return fmt.Errorf("band %d: bounds must be ascending", i)
		}
		prev = *b.UpTo
	}
	return nil
}

// -----------------------------------------------------------------------------
// MULTIPLIER: tier multiplier on top of a RATE or FIXED formula
// -----------------------------------------------------------------------------

type Multiplier struct {
	Base    Formula
	ByTier  map[core.TierID]decimal.Decimal
	Default decimal.Decimal // used without a tier or for unlisted tiers; zero means 1
}

func (Multiplier) Kind() FormulaKind { return FormulaMultiplier }

func (f Multiplier) Evaluate(in Input) (decimal.Decimal, error) {
	base, err := f.Base.Evaluate(in)
	if err != nil {
		return decimal.Zero, err
	}
	return base.Floor().Mul(f.factor(in.Tier)), nil
}

func (f Multiplier) factor(tier *core.TierID) decimal.Decimal {
	if tier != nil {
		if m, ok := f.ByTier[*tier]; ok {
			return m
		}
	}
	if f.Default.IsZero() {
		return decimal.NewFromInt(1)
	}
	return f.Default
}

func (f Multiplier) validate() error {
	if f.Base == nil {
		return fmt.Errorf("multiplier needs a base formula")
	}
	switch f.Base.Kind() {
	case FormulaRate, FormulaFixed:
	default:
		return fmt.Errorf("multiplier base must be RATE or FIXED, got %s", f.Base.Kind())
	}
	if err := f.Base.validate(); err != nil {
		return err
	}
	for tier, m := range f.ByTier {
		if m.IsNegative() {
			return fmt.Errorf("multiplier for tier %s must not be negative", tier)
		}
	}
	if f.Default.IsNegative() {
		return fmt.Errorf("default multiplier must not be negative")
	}
	return nil
}
