package accrual

import (
	"context"
	"strings"
	"time"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// POSTINGS - Redeem, Adjust, Reverse, Expire
// =============================================================================

// Posting is the outcome of a single-row write path.
type Posting struct {
	Transaction *core.PointsTransaction // nil when there was nothing to write
	Balance     core.Points
	Replayed    bool
}

type RedeemRequest struct {
	MembershipID   core.MembershipID
	Points         core.Points
	ReasonCode     string
	IdempotencyKey string
	Metadata       map[string]string
}

type AdjustRequest struct {
	MembershipID   core.MembershipID
	Delta          core.Points
	ReasonCode     string
	Actor          string
	IdempotencyKey string
}

type ReverseRequest struct {
	TransactionID core.TransactionID
	ReasonCode    string
	Actor         string
}

type ExpireRequest struct {
	MembershipID   core.MembershipID
	Cutoff         time.Time // points earned before the cutoff expire
	IdempotencyKey string    // defaults to expire:<cutoff>
}

// Redeem spends points. The balance never goes negative.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*Posting, error) {
	switch {
	case req.Points <= 0:
		return nil, &core.ValidationError{Field: "points", Reason: "must be positive"}
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return nil, &core.ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	reason := req.ReasonCode
	if reason == "" {
		reason = "redemption"
	}
	return s.post(ctx, req.MembershipID, "redeem:"+req.IdempotencyKey,
		func(_ context.Context, m core.Membership) (core.PointsTransaction, error) {
			if m.Balance < req.Points {
				return core.PointsTransaction{}, &core.InsufficientBalanceError{
					MembershipID: m.ID, Available: m.Balance, Requested: req.Points,
				}
			}
			return core.PointsTransaction{
				Type:       core.TxRedeem,
				Delta:      -req.Points,
				ReasonCode: reason,
				Metadata:   req.Metadata,
			}, nil
		})
}

// Adjust records a manual correction. A negative adjustment may not take
// the balance below zero.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (*Posting, error) {
	switch {
	case req.Delta == 0:
		return nil, &core.ValidationError{Field: "delta", Reason: "must not be zero"}
	case strings.TrimSpace(req.ReasonCode) == "":
		return nil, &core.ValidationError{Field: "reason_code", Reason: "required"}
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return nil, &core.ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	return s.post(ctx, req.MembershipID, "adjust:"+req.IdempotencyKey,
		func(_ context.Context, m core.Membership) (core.PointsTransaction, error) {
			if req.Delta < 0 && m.Balance+req.Delta < 0 {
				return core.PointsTransaction{}, &core.InsufficientBalanceError{
					MembershipID: m.ID, Available: m.Balance, Requested: -req.Delta,
				}
			}
			md := map[string]string{}
			if req.Actor != "" {
				md[core.MetaActor] = req.Actor
			}
			return core.PointsTransaction{
				Type:       core.TxAdjustment,
				Delta:      req.Delta,
				ReasonCode: req.ReasonCode,
				Metadata:   md,
			}, nil
		})
}

// Reverse undoes one prior row. A row can be reversed once; repeating the
// call replays the existing reversal. Reversals are corrections and may
// take the balance below zero.
func (s *Service) Reverse(ctx context.Context, req ReverseRequest) (*Posting, error) {
	original, err := s.Store.TransactionByID(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if original.Type == core.TxReversal {
		return nil, &core.ValidationError{Field: "transaction_id", Reason: "a reversal cannot be reversed"}
	}
	reason := req.ReasonCode
	if reason == "" {
		reason = "reversal"
	}
	return s.post(ctx, original.MembershipID, "reversal:"+string(original.ID),
		func(_ context.Context, _ core.Membership) (core.PointsTransaction, error) {
			md := map[string]string{core.MetaReverses: string(original.ID)}
			for _, k := range []string{core.MetaRuleID, core.MetaProgramID, core.MetaSourceEventID} {
				if v, ok := original.Metadata[k]; ok {
					md[k] = v
				}
			}
			if req.Actor != "" {
				md[core.MetaActor] = req.Actor
			}
			return core.PointsTransaction{
				Type:       core.TxReversal,
				Delta:      -original.Delta,
				ReasonCode: reason,
				Metadata:   md,
			}, nil
		})
}

// Expire removes points earned before the cutoff that have not been spent
// or expired already: min(balance, earned before cutoff - redeemed - expired).
func (s *Service) Expire(ctx context.Context, req ExpireRequest) (*Posting, error) {
	if req.Cutoff.IsZero() {
		return nil, &core.ValidationError{Field: "cutoff", Reason: "required"}
	}
	key := req.IdempotencyKey
	if key == "" {
		key = req.Cutoff.UTC().Format(time.RFC3339)
	}
	return s.post(ctx, req.MembershipID, "expire:"+key,
		func(ctx context.Context, m core.Membership) (core.PointsTransaction, error) {
			txs, err := s.Store.Transactions(ctx, m.ID)
			if err != nil {
				return core.PointsTransaction{}, core.Persistence("load ledger", err)
			}
			amount := expirable(txs, req.Cutoff).Min(m.Balance)
			if amount <= 0 {
				return core.PointsTransaction{}, nil
			}
			return core.PointsTransaction{
				Type:       core.TxExpiration,
				Delta:      -amount,
				ReasonCode: "expiration",
				Metadata:   map[string]string{"cutoff": req.Cutoff.UTC().Format(time.RFC3339)},
			}, nil
		})
}

// expirable computes earned-before-cutoff minus everything already consumed.
func expirable(txs []core.PointsTransaction, cutoff time.Time) core.Points {
	byID := make(map[core.TransactionID]core.PointsTransaction, len(txs))
	for _, tx := range txs {
		byID[tx.ID] = tx
	}
	var earned, consumed core.Points
	for _, tx := range txs {
		switch tx.Type {
		case core.TxEarning:
			if tx.EffectiveAt.Before(cutoff) {
				earned += tx.Delta
			}
		case core.TxReversal:
			orig, ok := byID[core.TransactionID(tx.Metadata[core.MetaReverses])]
			switch {
			case !ok:
			case orig.Type == core.TxEarning && orig.EffectiveAt.Before(cutoff):
				earned += tx.Delta
			case orig.Type == core.TxRedeem || orig.Type == core.TxExpiration:
				consumed -= tx.Delta
			}
		case core.TxRedeem, core.TxExpiration:
			consumed -= tx.Delta
		}
	}
	return earned - consumed
}

// post runs the single-row write pattern: replay by key, build, append,
// update balance, then publish and evaluate tiers after commit. A builder
// returning a zero delta writes nothing.
func (s *Service) post(ctx context.Context, membershipID core.MembershipID, key string,
	build func(ctx context.Context, m core.Membership) (core.PointsTransaction, error)) (*Posting, error) {

	var posting *Posting
	err := s.retry(ctx, func() error {
		posting = nil
		return s.Store.WithMembership(ctx, membershipID, func(ctx context.Context) error {
			m, err := s.Store.Membership(ctx, membershipID)
			if err != nil {
				return err
			}
			ledger := s.ledger()
			existing, err := ledger.Existing(ctx, m.ID, key)
			if err != nil {
				return core.Persistence("lookup idempotency key", err)
			}
			if existing != nil {
				posting = &Posting{Transaction: existing, Balance: m.Balance, Replayed: true}
				return nil
			}

			tx, err := build(ctx, m)
			if err != nil {
				return err
			}
			if tx.Delta == 0 {
				posting = &Posting{Balance: m.Balance}
				return nil
			}
			now := s.Clock()
			tx.ID = s.IDs.NewTransactionID()
			tx.TenantID = m.TenantID
			tx.MembershipID = m.ID
			tx.IdempotencyKey = key
			tx.CreatedAt = now
			if tx.EffectiveAt.IsZero() {
				tx.EffectiveAt = now
			}
			if err := ledger.Append(ctx, tx); err != nil {
				return core.Persistence("append ledger row", err)
			}
			updated, err := s.Store.ApplyBalanceDelta(ctx, m.ID, tx.Delta, now)
			if err != nil {
				return core.Persistence("update balance", err)
			}
			posting = &Posting{Transaction: &tx, Balance: updated.Balance}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if posting.Transaction != nil && !posting.Replayed {
		tx := *posting.Transaction
		s.Logger.Printf("[Accrual] %s %+d for %s (%s), balance %d", tx.Type, tx.Delta, membershipID, tx.ReasonCode, posting.Balance)
		s.afterCommit(ctx, membershipID, []core.PointsTransaction{tx}, posting.Balance)
	}
	return posting, nil
}
