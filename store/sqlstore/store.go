/*
Package sqlstore provides a database/sql implementation of the storage ports.

PURPOSE:
  Implements every persistence port (core.Store, rules.Store,
  program.Store, program.EnrollmentStore, tier.StatusStore,
  tier.PolicyStore) on SQLite or PostgreSQL. Both dialects share one
  schema; only locking and placeholders differ.

INTERFACES IMPLEMENTED:
  core.LedgerStore:        points_transactions (append-only)
  core.MembershipStore:    memberships
  core.UnitOfWork:         one database transaction per membership scope
  rules.Store:             rules (definition in config_json)
  program.Store:           programs
  program.EnrollmentStore: enrollments
  tier.StatusStore:        tier_statuses
  tier.PolicyStore:        tier_policies (definition in config_json)

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on points_transactions
  - No DELETE statements on points_transactions
  - Corrections via REVERSAL or ADJUSTMENT rows only

IDEMPOTENCY:
  The ledger insert is
    INSERT ... ON CONFLICT (membership_id, idempotency_key) DO NOTHING
  and zero affected rows means a duplicate. Concurrent retries race on the
  unique index, not on a read-then-write.

CONCURRENCY:
  WithMembership opens a transaction and puts it in the context; every
  store method called with that context joins it.
  - PostgreSQL: SELECT ... FOR UPDATE on the membership row
  - SQLite: a single connection, so one writer at a time
  Lock contention (SQLITE_BUSY, serialization failures, deadlocks, lock
  timeouts) maps to core.ErrConcurrency.

TIMESTAMPS:
  Stored as fixed-width UTC text so comparisons work the same way in both
  dialects.

USAGE:
  store, err := sqlstore.Open("sqlite3", "./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on Open. For production, use a proper migration
  tool with versioned migrations.

SEE ALSO:
  - core/store.go: Port definitions
  - core/store/memory.go: In-memory implementation for tests
  - factory: config_json encoding for rules and tier policies
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/factory"
)

// Dialect selects placeholder style and locking.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Store implements all storage ports on a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	catalog *factory.CatalogFactory
}

// Open connects with the named driver ("sqlite3" or "postgres") and
// migrates the schema. Use ":memory:" for an in-memory SQLite database.
func Open(driver, dsn string) (*Store, error) {
	d := Dialect(driver)
	switch d {
	case DialectSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL"
		}
	case DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := New(db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database and migrates the schema.
func New(db *sql.DB, d Dialect) (*Store, error) {
	if d == DialectSQLite {
		// One connection: SQLite allows a single writer, and an in-memory
		// database exists only on the connection that created it.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, dialect: d, catalog: factory.NewCatalogFactory()}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		balance BIGINT NOT NULL DEFAULT 0,
		tier_id TEXT,
		timezone TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS points_transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		membership_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		delta BIGINT NOT NULL,
		reason_code TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL,
		rule_id TEXT,
		source_event_id TEXT,
		metadata_json TEXT,
		effective_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (membership_id, idempotency_key)
	);

	-- Ledger replay and rolling windows (hot path)
	CREATE INDEX IF NOT EXISTS idx_points_transactions_membership_date
		ON points_transactions(membership_id, effective_at, id);

	-- Event-level replay detection
	CREATE INDEX IF NOT EXISTS idx_points_transactions_source_event
		ON points_transactions(membership_id, source_event_id)
		WHERE source_event_id IS NOT NULL;

	-- Per-period caps
	CREATE INDEX IF NOT EXISTS idx_points_transactions_rule_date
		ON points_transactions(membership_id, rule_id, effective_at)
		WHERE rule_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS programs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		stacking_allowed BOOLEAN NOT NULL DEFAULT FALSE,
		priority_rank INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_programs_tenant ON programs(tenant_id);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		membership_id TEXT NOT NULL,
		program_id TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_membership
		ON enrollments(membership_id, effective_from);

	-- At most one ACTIVE enrollment per (membership, program)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_active
		ON enrollments(membership_id, program_id)
		WHERE status = 'ACTIVE';

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		program_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_program ON rules(tenant_id, program_id);

	CREATE TABLE IF NOT EXISTS tier_policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tier_policies_tenant ON tier_policies(tenant_id, status);

	CREATE TABLE IF NOT EXISTS tier_statuses (
		membership_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		current_tier TEXT,
		since TEXT NOT NULL,
		grace_until TEXT,
		next_eval_at TEXT,
		updated_at TEXT NOT NULL
	);

	-- Scheduler scan
	CREATE INDEX IF NOT EXISTS idx_tier_statuses_next_eval
		ON tier_statuses(next_eval_at)
		WHERE next_eval_at IS NOT NULL;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// UNIT OF WORK (core.UnitOfWork)
// =============================================================================

type txKey struct{}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithMembership runs fn in one database transaction holding the
// membership's row lock. Nested calls join the outer transaction.
func (s *Store) WithMembership(ctx context.Context, id core.MembershipID, fn func(ctx context.Context) error) error {
	return s.atomic(ctx, func(ctx context.Context) error {
		if s.dialect == DialectPostgres {
			var locked string
			err := s.q(ctx).QueryRowContext(ctx,
				s.rebind(`SELECT id FROM memberships WHERE id = ? FOR UPDATE`), string(id),
			).Scan(&locked)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return classify("lock membership", err)
			}
		}
		return fn(ctx)
	})
}

// atomic runs fn inside a transaction, joining the one in ctx if present.
func (s *Store) atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, sqlTx)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q(ctx).ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q(ctx).QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q(ctx).QueryRowContext(ctx, s.rebind(query), args...)
}

// classify maps driver errors onto the core sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConcurrencyError(err) {
		return fmt.Errorf("%w: %s: %v", core.ErrConcurrency, op, err)
	}
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s: %v", core.ErrConflict, op, err)
	}
	return core.Persistence(op, err)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func isConcurrencyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return true
		}
	}
	return false
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTier(t *core.TierID) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*t), Valid: true}
}

func tierPtr(ns sql.NullString) *core.TierID {
	if !ns.Valid {
		return nil
	}
	return core.TierRef(core.TierID(ns.String))
}
