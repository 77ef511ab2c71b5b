package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// LEDGER (core.LedgerStore)
// =============================================================================

const transactionColumns = `id, tenant_id, membership_id, tx_type, delta, reason_code,
	idempotency_key, metadata_json, effective_at, created_at`

// InsertTransaction appends a row. A row with the same (membership,
// idempotency key) wins and ErrDuplicateIdempotencyKey is returned.
func (s *Store) InsertTransaction(ctx context.Context, tx core.PointsTransaction) error {
	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		data, err := json.Marshal(tx.Metadata)
		if err != nil {
			return core.Persistence("encode metadata", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.exec(ctx, `
		INSERT INTO points_transactions
		(id, tenant_id, membership_id, tx_type, delta, reason_code,
		 idempotency_key, rule_id, source_event_id, metadata_json, effective_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (membership_id, idempotency_key) DO NOTHING`,
		string(tx.ID),
		string(tx.TenantID),
		string(tx.MembershipID),
		string(tx.Type),
		int64(tx.Delta),
		tx.ReasonCode,
		tx.IdempotencyKey,
		nullString(string(tx.RuleID())),
		nullString(tx.Metadata[core.MetaSourceEventID]),
		metadataJSON,
		formatTime(tx.EffectiveAt),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		return classify("insert transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("insert transaction", err)
	}
	if n == 0 {
		return core.ErrDuplicateIdempotencyKey
	}
	return nil
}

func (s *Store) TransactionByKey(ctx context.Context, membershipID core.MembershipID, key string) (*core.PointsTransaction, error) {
	row := s.queryRow(ctx, `SELECT `+transactionColumns+`
		FROM points_transactions
		WHERE membership_id = ? AND idempotency_key = ?`, string(membershipID), key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("transaction by key", err)
	}
	return &tx, nil
}

func (s *Store) TransactionByID(ctx context.Context, id core.TransactionID) (core.PointsTransaction, error) {
	row := s.queryRow(ctx, `SELECT `+transactionColumns+`
		FROM points_transactions WHERE id = ?`, string(id))
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.PointsTransaction{}, &core.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	if err != nil {
		return core.PointsTransaction{}, classify("transaction by id", err)
	}
	return tx, nil
}

func (s *Store) Transactions(ctx context.Context, membershipID core.MembershipID) ([]core.PointsTransaction, error) {
	return s.queryTransactions(ctx, `SELECT `+transactionColumns+`
		FROM points_transactions
		WHERE membership_id = ?
		ORDER BY effective_at ASC, id ASC`, string(membershipID))
}

func (s *Store) TransactionsInRange(ctx context.Context, membershipID core.MembershipID, from, to time.Time) ([]core.PointsTransaction, error) {
	return s.queryTransactions(ctx, `SELECT `+transactionColumns+`
		FROM points_transactions
		WHERE membership_id = ? AND effective_at >= ? AND effective_at < ?
		ORDER BY effective_at ASC, id ASC`,
		string(membershipID), formatTime(from), formatTime(to))
}

func (s *Store) EarningsForEvent(ctx context.Context, membershipID core.MembershipID, sourceEventID string) ([]core.PointsTransaction, error) {
	return s.queryTransactions(ctx, `SELECT `+transactionColumns+`
		FROM points_transactions
		WHERE membership_id = ? AND source_event_id = ? AND tx_type = ?
		ORDER BY effective_at ASC, id ASC`,
		string(membershipID), sourceEventID, string(core.TxEarning))
}

func (s *Store) SumEarnedByRule(ctx context.Context, membershipID core.MembershipID, ruleID core.RuleID, from, to time.Time) (core.Points, error) {
	var sum sql.NullInt64
	err := s.queryRow(ctx, `
		SELECT SUM(delta) FROM points_transactions
		WHERE membership_id = ? AND rule_id = ? AND tx_type = ?
		  AND effective_at >= ? AND effective_at < ?`,
		string(membershipID), string(ruleID), string(core.TxEarning),
		formatTime(from), formatTime(to),
	).Scan(&sum)
	if err != nil {
		return 0, classify("sum earned by rule", err)
	}
	return core.Points(sum.Int64), nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]core.PointsTransaction, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, classify("query transactions", err)
	}
	defer rows.Close()

	var out []core.PointsTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, classify("scan transaction", err)
		}
		out = append(out, tx)
	}
	return out, classify("query transactions", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (core.PointsTransaction, error) {
	var (
		tx                     core.PointsTransaction
		id, tenant, membership string
		txType                 string
		delta                  int64
		metadataJSON           sql.NullString
		effectiveAt, createdAt string
	)
	if err := row.Scan(&id, &tenant, &membership, &txType, &delta, &tx.ReasonCode,
		&tx.IdempotencyKey, &metadataJSON, &effectiveAt, &createdAt); err != nil {
		return tx, err
	}
	tx.ID = core.TransactionID(id)
	tx.TenantID = core.TenantID(tenant)
	tx.MembershipID = core.MembershipID(membership)
	tx.Type = core.TransactionType(txType)
	tx.Delta = core.Points(delta)
	tx.EffectiveAt = parseTime(effectiveAt)
	tx.CreatedAt = parseTime(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("decode metadata of %s: %w", id, err)
		}
	}
	return tx, nil
}

// =============================================================================
// MEMBERSHIPS (core.MembershipStore)
// =============================================================================

func (s *Store) Membership(ctx context.Context, id core.MembershipID) (core.Membership, error) {
	var (
		m                    core.Membership
		tenant               string
		balance              int64
		tierID               sql.NullString
		createdAt, updatedAt string
	)
	err := s.queryRow(ctx, `
		SELECT tenant_id, user_id, balance, tier_id, timezone, created_at, updated_at
		FROM memberships WHERE id = ?`, string(id),
	).Scan(&tenant, &m.UserID, &balance, &tierID, &m.Timezone, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Membership{}, &core.NotFoundError{Kind: "membership", ID: string(id)}
	}
	if err != nil {
		return core.Membership{}, classify("load membership", err)
	}
	m.ID = id
	m.TenantID = core.TenantID(tenant)
	m.Balance = core.Points(balance)
	m.TierID = tierPtr(tierID)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

func (s *Store) CreateMembership(ctx context.Context, m core.Membership) error {
	_, err := s.exec(ctx, `
		INSERT INTO memberships (id, tenant_id, user_id, balance, tier_id, timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), string(m.TenantID), m.UserID, int64(m.Balance), nullTier(m.TierID),
		m.Timezone, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return classify("create membership "+string(m.ID), err)
	}
	return nil
}

func (s *Store) ApplyBalanceDelta(ctx context.Context, id core.MembershipID, delta core.Points, at time.Time) (core.Membership, error) {
	res, err := s.exec(ctx, `
		UPDATE memberships SET balance = balance + ?, updated_at = ? WHERE id = ?`,
		int64(delta), formatTime(at), string(id))
	if err != nil {
		return core.Membership{}, classify("update balance", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.Membership{}, &core.NotFoundError{Kind: "membership", ID: string(id)}
	}
	return s.Membership(ctx, id)
}

func (s *Store) SetTier(ctx context.Context, id core.MembershipID, t *core.TierID, at time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE memberships SET tier_id = ?, updated_at = ? WHERE id = ?`,
		nullTier(t), formatTime(at), string(id))
	if err != nil {
		return classify("set tier", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &core.NotFoundError{Kind: "membership", ID: string(id)}
	}
	return nil
}
