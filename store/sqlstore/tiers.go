package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/tier"
)

// =============================================================================
// TIER STATUS (tier.StatusStore)
// =============================================================================

const statusColumns = `membership_id, tenant_id, current_tier, since, grace_until, next_eval_at, updated_at`

// TierStatus returns nil before the first evaluation.
func (s *Store) TierStatus(ctx context.Context, membershipID core.MembershipID) (*tier.Status, error) {
	st, err := scanStatus(s.queryRow(ctx, `SELECT `+statusColumns+` FROM tier_statuses WHERE membership_id = ?`, string(membershipID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load tier status", err)
	}
	return &st, nil
}

func (s *Store) SaveTierStatus(ctx context.Context, st tier.Status) error {
	_, err := s.exec(ctx, `
		INSERT INTO tier_statuses (`+statusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (membership_id) DO UPDATE SET
			current_tier = excluded.current_tier,
			since = excluded.since,
			grace_until = excluded.grace_until,
			next_eval_at = excluded.next_eval_at,
			updated_at = excluded.updated_at`,
		string(st.MembershipID), string(st.TenantID), nullTier(st.CurrentTier),
		formatTime(st.Since), nullTime(st.GraceUntil), nullTime(st.NextEvalAt), formatTime(st.UpdatedAt),
	)
	return classify("save tier status", err)
}

// DueTierStatuses returns statuses whose next evaluation is at or before
// now, earliest first. A limit <= 0 returns all.
func (s *Store) DueTierStatuses(ctx context.Context, now time.Time, limit int) ([]tier.Status, error) {
	query := `SELECT ` + statusColumns + ` FROM tier_statuses
		WHERE next_eval_at IS NOT NULL AND next_eval_at <= ?
		ORDER BY next_eval_at ASC, membership_id ASC`
	args := []any{formatTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, classify("query due tier statuses", err)
	}
	defer rows.Close()

	var out []tier.Status
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, classify("scan tier status", err)
		}
		out = append(out, st)
	}
	return out, classify("query due tier statuses", rows.Err())
}

func scanStatus(row scanner) (tier.Status, error) {
	var (
		st                     tier.Status
		membership, tenant     string
		currentTier            sql.NullString
		since, updatedAt       string
		graceUntil, nextEvalAt sql.NullString
	)
	if err := row.Scan(&membership, &tenant, &currentTier, &since, &graceUntil, &nextEvalAt, &updatedAt); err != nil {
		return st, err
	}
	st.MembershipID = core.MembershipID(membership)
	st.TenantID = core.TenantID(tenant)
	st.CurrentTier = tierPtr(currentTier)
	st.Since = parseTime(since)
	st.GraceUntil = timePtr(graceUntil)
	st.NextEvalAt = timePtr(nextEvalAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

// =============================================================================
// TIER POLICIES (tier.PolicyStore)
// =============================================================================

// SavePolicy upserts a policy. Saving an ACTIVE policy deactivates the
// tenant's other policies in the same transaction.
func (s *Store) SavePolicy(ctx context.Context, p tier.Policy) error {
	config, err := s.catalog.EncodePolicy(p)
	if err != nil {
		return fmt.Errorf("failed to encode tier policy %s: %w", p.ID, err)
	}
	now := formatTime(core.SystemClock())
	return s.atomic(ctx, func(ctx context.Context) error {
		if p.Status == tier.PolicyActive {
			if _, err := s.exec(ctx, `
				UPDATE tier_policies SET status = ?, updated_at = ?
				WHERE tenant_id = ? AND id <> ? AND status = ?`,
				string(tier.PolicyInactive), now, string(p.TenantID), p.ID, string(tier.PolicyActive),
			); err != nil {
				return classify("deactivate tier policies", err)
			}
		}
		_, err := s.exec(ctx, `
			INSERT INTO tier_policies (id, tenant_id, status, config_json, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				status = excluded.status,
				config_json = excluded.config_json,
				updated_at = excluded.updated_at`,
			p.ID, string(p.TenantID), string(p.Status), string(config), now,
		)
		return classify("save tier policy "+p.ID, err)
	})
}

// ActivePolicy returns the tenant's ACTIVE policy. The status column wins
// over the status inside config_json.
func (s *Store) ActivePolicy(ctx context.Context, tenant core.TenantID) (tier.Policy, error) {
	var config, status string
	err := s.queryRow(ctx, `
		SELECT config_json, status FROM tier_policies
		WHERE tenant_id = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1`,
		string(tenant), string(tier.PolicyActive),
	).Scan(&config, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return tier.Policy{}, &core.NotFoundError{Kind: "tier_policy", ID: string(tenant)}
	}
	if err != nil {
		return tier.Policy{}, classify("load tier policy", err)
	}
	p, err := s.catalog.ParsePolicy([]byte(config))
	if err != nil {
		return tier.Policy{}, fmt.Errorf("stored tier policy is invalid: %w", err)
	}
	p.Status = tier.PolicyStatus(status)
	return p, nil
}
