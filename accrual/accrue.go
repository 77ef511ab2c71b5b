package accrual

import (
	"context"
	"errors"
	"strconv"

	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/rules"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

// Award is one rule's contribution to an event.
type Award struct {
	RuleID      core.RuleID
	RuleVersion int
	ProgramID   core.ProgramID
	Points      core.Points
	Capped      bool
	Replayed    bool // the row already existed; nothing was written
	Transaction core.PointsTransaction
}

// SkipReason explains why a selected rule produced no row.
type SkipReason string

const (
	SkipEvaluationError SkipReason = "EVALUATION_ERROR"
	SkipZeroPoints      SkipReason = "ZERO_POINTS"
	SkipCapReached      SkipReason = "CAP_REACHED"
	SkipNotEnrolled     SkipReason = "NOT_ENROLLED"
)

type Skip struct {
	RuleID core.RuleID
	Reason SkipReason
	Detail string
}

// Result describes what an event did to the ledger.
type Result struct {
	SourceEventID string
	MembershipID  core.MembershipID
	Awards        []Award
	Skipped       []Skip
	Flags         []rules.ReviewFlag
	Written       core.Points // points in rows written by this call
	Balance       core.Points
}

// Duplicate reports whether every award was a replay of an earlier call.
func (r *Result) Duplicate() bool {
	if len(r.Awards) == 0 {
		return false
	}
	for _, a := range r.Awards {
		if !a.Replayed {
			return false
		}
	}
	return true
}

// Total sums every award, replayed or new.
func (r *Result) Total() core.Points {
	var sum core.Points
	for _, a := range r.Awards {
		sum += a.Points
	}
	return sum
}

// =============================================================================
// ACCRUE
// =============================================================================

// Accrue processes one business event. Calling it again with the same
// event returns the earlier awards without writing anything.
func (s *Service) Accrue(ctx context.Context, e core.Event) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var result *Result
	var rows []core.PointsTransaction
	err := s.retry(ctx, func() error {
		result = &Result{SourceEventID: e.SourceEventID, MembershipID: e.MembershipID}
		rows = nil
		return s.Store.WithMembership(ctx, e.MembershipID, func(ctx context.Context) error {
			var err error
			rows, err = s.accrueLocked(ctx, e, result)
			return err
		})
	})
	if err != nil {
		s.Logger.Printf("[Accrual] event %s for %s failed: %v", e.SourceEventID, e.MembershipID, err)
		return nil, err
	}

	for _, f := range result.Flags {
		s.Logger.Printf("[Accrual] review: program %s group %q rules %v: %s", f.ProgramID, f.Group, f.RuleIDs, f.Reason)
	}
	if len(rows) > 0 {
		s.Logger.Printf("[Accrual] event %s: %d rows, +%d points for %s (balance %d)",
			e.SourceEventID, len(rows), result.Written, e.MembershipID, result.Balance)
	}
	s.afterCommit(ctx, e.MembershipID, rows, result.Balance)
	return result, nil
}

func (s *Service) accrueLocked(ctx context.Context, e core.Event, result *Result) ([]core.PointsTransaction, error) {
	m, err := s.Store.Membership(ctx, e.MembershipID)
	if err != nil {
		return nil, err
	}
	if m.TenantID != e.TenantID {
		return nil, &core.ValidationError{Field: "tenant_id", Reason: "membership belongs to another tenant"}
	}
	result.Balance = m.Balance

	// An event that already earned replays its rows; matching is not rerun.
	prior, err := s.Store.EarningsForEvent(ctx, m.ID, e.SourceEventID)
	if err != nil {
		return nil, core.Persistence("lookup event earnings", err)
	}
	if len(prior) > 0 {
		for _, tx := range prior {
			result.Awards = append(result.Awards, replayed(tx, 0))
		}
		return nil, nil
	}

	programs, err := s.programsFor(ctx, m, e)
	if err != nil {
		return nil, err
	}
	if len(programs) == 0 {
		result.Skipped = append(result.Skipped, Skip{Reason: SkipNotEnrolled, Detail: "no active enrollment"})
		return nil, nil
	}

	member, err := s.member(ctx, m)
	if err != nil {
		return nil, err
	}

	candidates := make([]rules.ProgramRules, 0, len(programs))
	for _, p := range programs {
		rs, err := s.Rules.RulesForProgram(ctx, m.TenantID, p.ID)
		if err != nil {
			return nil, core.Persistence("load rules", err)
		}
		scoped := e
		scoped.ProgramID = p.ID
		matched, err := rules.Match(scoped, rs, member)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, rules.ProgramRules{
			ProgramID:       p.ID,
			StackingAllowed: p.StackingAllowed,
			PriorityRank:    p.PriorityRank,
			Rules:           matched,
		})
	}
	resolution := rules.Resolve(candidates)
	result.Flags = resolution.Flags

	ledger := s.ledger()
	loc := m.Location()
	now := s.Clock()
	var rows []core.PointsTransaction

	for _, r := range resolution.Selected {
		key := r.IdempotencyKey(e, loc)
		existing, err := ledger.Existing(ctx, m.ID, key)
		if err != nil {
			return nil, core.Persistence("lookup idempotency key", err)
		}
		if existing != nil {
			result.Awards = append(result.Awards, replayed(*existing, r.Version))
			continue
		}

		pts, err := r.Points(rules.Input{Event: e, Tier: m.TierID})
		if err != nil {
			if errors.Is(err, core.ErrRuleEvaluation) {
				s.Logger.Printf("[Accrual] skipping rule %s for event %s: %v", r.ID, e.SourceEventID, err)
				result.Skipped = append(result.Skipped, Skip{RuleID: r.ID, Reason: SkipEvaluationError, Detail: err.Error()})
				continue
			}
			return nil, err
		}

		pts, capped, err := s.applyCaps(ctx, m, r, e, pts)
		if err != nil {
			return nil, err
		}
		if pts == 0 {
			reason := SkipZeroPoints
			if capped {
				reason = SkipCapReached
			}
			result.Skipped = append(result.Skipped, Skip{RuleID: r.ID, Reason: reason})
			continue
		}

		tx := core.PointsTransaction{
			ID:             s.IDs.NewTransactionID(),
			TenantID:       m.TenantID,
			MembershipID:   m.ID,
			Type:           core.TxEarning,
			Delta:          pts,
			ReasonCode:     r.ReasonCode(),
			IdempotencyKey: key,
			Metadata:       earningMetadata(r, e, capped),
			EffectiveAt:    e.OccurredAt,
			CreatedAt:      now,
		}
		if err := ledger.Append(ctx, tx); err != nil {
			if errors.Is(err, core.ErrDuplicateIdempotencyKey) {
				prior, lookupErr := ledger.Existing(ctx, m.ID, key)
				if lookupErr == nil && prior != nil {
					result.Awards = append(result.Awards, replayed(*prior, r.Version))
					continue
				}
			}
			return nil, core.Persistence("append ledger row", err)
		}
		rows = append(rows, tx)
		result.Written += pts
		result.Awards = append(result.Awards, Award{
			RuleID:      r.ID,
			RuleVersion: r.Version,
			ProgramID:   r.Scope.ProgramID,
			Points:      pts,
			Capped:      capped,
			Transaction: tx,
		})
	}

	if result.Written != 0 {
		updated, err := s.Store.ApplyBalanceDelta(ctx, m.ID, result.Written, now)
		if err != nil {
			return nil, core.Persistence("update balance", err)
		}
		result.Balance = updated.Balance
	}
	return rows, nil
}

// programsFor returns the programs in play: the event's program when it
// names one (if the membership is enrolled), otherwise every program the
// membership is actively enrolled in.
func (s *Service) programsFor(ctx context.Context, m core.Membership, e core.Event) ([]program.Program, error) {
	if e.ProgramID == "" {
		return s.Programs.ActivePrograms(ctx, m.ID, e.OccurredAt)
	}
	p, err := s.Programs.Programs.Program(ctx, e.ProgramID)
	if err != nil {
		return nil, err
	}
	if p.TenantID != m.TenantID {
		return nil, &core.ValidationError{Field: "program_id", Reason: "program belongs to another tenant"}
	}
	if !p.IsActive() {
		return nil, nil
	}
	enrolled, err := s.Programs.IsEnrolled(ctx, m.ID, p.ID, e.OccurredAt)
	if err != nil {
		return nil, err
	}
	if !enrolled {
		return nil, nil
	}
	return []program.Program{p}, nil
}

func (s *Service) member(ctx context.Context, m core.Membership) (rules.Member, error) {
	member := rules.Member{Tier: m.TierID}
	if s.Policies == nil {
		return member, nil
	}
	p, err := s.Policies.ActivePolicy(ctx, m.TenantID)
	if err != nil {
		if core.IsNotFound(err) {
			return member, nil
		}
		return member, err
	}
	member.Ranks = p.Normalize()
	return member, nil
}

// applyCaps clamps pts by the per-event cap, then by what is left of the
// per-period cap in the event's bucket.
func (s *Service) applyCaps(ctx context.Context, m core.Membership, r rules.Rule, e core.Event, pts core.Points) (core.Points, bool, error) {
	capped := false
	if c := r.Limits.PerEventCap; c != nil && pts > *c {
		pts = *c
		capped = true
	}
	if c := r.Limits.PerPeriodCap; c != nil && pts > 0 {
		bucket := core.BucketFor(e.OccurredAt, r.Limits.CapPeriod, m.Location())
		used, err := s.Store.SumEarnedByRule(ctx, m.ID, r.ID, bucket.Start, bucket.End)
		if err != nil {
			return 0, false, core.Persistence("sum earned by rule", err)
		}
		remaining := (*c - used).Max(0)
		if pts > remaining {
			pts = remaining
			capped = true
		}
	}
	return pts, capped, nil
}

func earningMetadata(r rules.Rule, e core.Event, capped bool) map[string]string {
	md := make(map[string]string, len(e.Metadata)+6)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[core.MetaRuleID] = string(r.ID)
	md[core.MetaRuleVersion] = strconv.Itoa(r.Version)
	md[core.MetaProgramID] = string(r.Scope.ProgramID)
	md[core.MetaSourceEventID] = e.SourceEventID
	md[core.MetaTrigger] = string(e.Trigger)
	if capped {
		md[core.MetaCapped] = "true"
	}
	return md
}

// replayed reports an existing row. fallbackVersion is used when the row
// carries no rule version.
func replayed(tx core.PointsTransaction, fallbackVersion int) Award {
	version, _ := strconv.Atoi(tx.Metadata[core.MetaRuleVersion])
	if version == 0 {
		version = fallbackVersion
	}
	return Award{
		RuleID:      tx.RuleID(),
		RuleVersion: version,
		ProgramID:   tx.ProgramID(),
		Points:      tx.Delta,
		Capped:      tx.Metadata[core.MetaCapped] == "true",
		Replayed:    true,
		Transaction: tx,
	}
}
