// Package store provides an in-memory implementation of every storage port.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/tier"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps behind one RWMutex. WithMembership holds
// the write lock for the whole unit and restores a snapshot if fn fails;
// calls made with the unit's context skip locking.
type Memory struct {
	mu sync.RWMutex

	ledger      map[core.MembershipID][]core.PointsTransaction
	byKey       map[ledgerKey]core.TransactionID
	byID        map[core.TransactionID]core.PointsTransaction
	memberships map[core.MembershipID]core.Membership
	rules       map[core.RuleID]rules.Rule
	programs    map[core.ProgramID]program.Program
	enrollments map[uuid.UUID]program.Enrollment
	statuses    map[core.MembershipID]tier.Status
	policies    map[string]tier.Policy
}

type ledgerKey struct {
	MembershipID   core.MembershipID
	IdempotencyKey string
}

type txKey struct{}

func NewMemory() *Memory {
	return &Memory{
		ledger:      make(map[core.MembershipID][]core.PointsTransaction),
		byKey:       make(map[ledgerKey]core.TransactionID),
		byID:        make(map[core.TransactionID]core.PointsTransaction),
		memberships: make(map[core.MembershipID]core.Membership),
		rules:       make(map[core.RuleID]rules.Rule),
		programs:    make(map[core.ProgramID]program.Program),
		enrollments: make(map[uuid.UUID]program.Enrollment),
		statuses:    make(map[core.MembershipID]tier.Status),
		policies:    make(map[string]tier.Policy),
	}
}

func (m *Memory) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Memory)
	return owner == m
}

func (m *Memory) readLock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

func (m *Memory) writeLock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithMembership executes fn within a transaction, simulated with a
// snapshot + rollback on error. Nested calls join the outer unit.
func (m *Memory) WithMembership(ctx context.Context, _ core.MembershipID, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, m)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	ledger      map[core.MembershipID][]core.PointsTransaction
	byKey       map[ledgerKey]core.TransactionID
	byID        map[core.TransactionID]core.PointsTransaction
	memberships map[core.MembershipID]core.Membership
	enrollments map[uuid.UUID]program.Enrollment
	statuses    map[core.MembershipID]tier.Status
}

func (m *Memory) snapshot() memorySnapshot {
	ledger := make(map[core.MembershipID][]core.PointsTransaction, len(m.ledger))
	for k, v := range m.ledger {
		ledger[k] = append([]core.PointsTransaction{}, v...)
	}
	return memorySnapshot{
		ledger:      ledger,
		byKey:       copyMap(m.byKey),
		byID:        copyMap(m.byID),
		memberships: copyMap(m.memberships),
		enrollments: copyMap(m.enrollments),
		statuses:    copyMap(m.statuses),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.ledger = s.ledger
	m.byKey = s.byKey
	m.byID = s.byID
	m.memberships = s.memberships
	m.enrollments = s.enrollments
	m.statuses = s.statuses
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// =============================================================================
// LEDGER (core.LedgerStore)
// =============================================================================

func (m *Memory) InsertTransaction(ctx context.Context, tx core.PointsTransaction) error {
	defer m.writeLock(ctx)()

	k := ledgerKey{MembershipID: tx.MembershipID, IdempotencyKey: tx.IdempotencyKey}
	if _, exists := m.byKey[k]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	if _, exists := m.byID[tx.ID]; exists {
		return fmt.Errorf("%w: transaction id %s already used", core.ErrConflict, tx.ID)
	}
	tx.Metadata = copyMap(tx.Metadata)

	txs := m.ledger[tx.MembershipID]
	i := sort.Search(len(txs), func(i int) bool {
		if txs[i].EffectiveAt.Equal(tx.EffectiveAt) {
			return txs[i].ID > tx.ID
		}
		return txs[i].EffectiveAt.After(tx.EffectiveAt)
	})
	txs = append(txs, core.PointsTransaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.ledger[tx.MembershipID] = txs

	m.byKey[k] = tx.ID
	m.byID[tx.ID] = tx
	return nil
}

func (m *Memory) TransactionByKey(ctx context.Context, membershipID core.MembershipID, key string) (*core.PointsTransaction, error) {
	defer m.readLock(ctx)()
	id, ok := m.byKey[ledgerKey{MembershipID: membershipID, IdempotencyKey: key}]
	if !ok {
		return nil, nil
	}
	tx := m.byID[id]
	return &tx, nil
}

func (m *Memory) TransactionByID(ctx context.Context, id core.TransactionID) (core.PointsTransaction, error) {
	defer m.readLock(ctx)()
	tx, ok := m.byID[id]
	if !ok {
		return core.PointsTransaction{}, &core.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return tx, nil
}

func (m *Memory) Transactions(ctx context.Context, membershipID core.MembershipID) ([]core.PointsTransaction, error) {
	defer m.readLock(ctx)()
	return append([]core.PointsTransaction{}, m.ledger[membershipID]...), nil
}

func (m *Memory) TransactionsInRange(ctx context.Context, membershipID core.MembershipID, from, to time.Time) ([]core.PointsTransaction, error) {
	defer m.readLock(ctx)()
	var out []core.PointsTransaction
	for _, tx := range m.ledger[membershipID] {
		if !tx.EffectiveAt.Before(from) && tx.EffectiveAt.Before(to) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) EarningsForEvent(ctx context.Context, membershipID core.MembershipID, sourceEventID string) ([]core.PointsTransaction, error) {
	defer m.readLock(ctx)()
	var out []core.PointsTransaction
	for _, tx := range m.ledger[membershipID] {
		if tx.Type == core.TxEarning && tx.Metadata[core.MetaSourceEventID] == sourceEventID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) SumEarnedByRule(ctx context.Context, membershipID core.MembershipID, ruleID core.RuleID, from, to time.Time) (core.Points, error) {
	defer m.readLock(ctx)()
	var sum core.Points
	for _, tx := range m.ledger[membershipID] {
		if tx.Type == core.TxEarning && tx.RuleID() == ruleID &&
			!tx.EffectiveAt.Before(from) && tx.EffectiveAt.Before(to) {
			sum += tx.Delta
		}
	}
	return sum, nil
}

// =============================================================================
// MEMBERSHIPS (core.MembershipStore)
// =============================================================================

func (m *Memory) Membership(ctx context.Context, id core.MembershipID) (core.Membership, error) {
	defer m.readLock(ctx)()
	mem, ok := m.memberships[id]
	if !ok {
		return core.Membership{}, &core.NotFoundError{Kind: "membership", ID: string(id)}
	}
	return mem, nil
}

func (m *Memory) CreateMembership(ctx context.Context, mem core.Membership) error {
	defer m.writeLock(ctx)()
	if _, exists := m.memberships[mem.ID]; exists {
		return fmt.Errorf("%w: membership %s already exists", core.ErrConflict, mem.ID)
	}
	m.memberships[mem.ID] = mem
	return nil
}

func (m *Memory) ApplyBalanceDelta(ctx context.Context, id core.MembershipID, delta core.Points, at time.Time) (core.Membership, error) {
	defer m.writeLock(ctx)()
	mem, ok := m.memberships[id]
	if !ok {
		return core.Membership{}, &core.NotFoundError{Kind: "membership", ID: string(id)}
	}
	mem = mem.WithBalance(delta, at)
	m.memberships[id] = mem
	return mem, nil
}

func (m *Memory) SetTier(ctx context.Context, id core.MembershipID, t *core.TierID, at time.Time) error {
	defer m.writeLock(ctx)()
	mem, ok := m.memberships[id]
	if !ok {
		return &core.NotFoundError{Kind: "membership", ID: string(id)}
	}
	m.memberships[id] = mem.WithTier(t, at)
	return nil
}

// =============================================================================
// RULES (rules.Store)
// =============================================================================

func (m *Memory) SaveRule(ctx context.Context, r rules.Rule) error {
	defer m.writeLock(ctx)()
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) Rule(ctx context.Context, id core.RuleID) (rules.Rule, error) {
	defer m.readLock(ctx)()
	r, ok := m.rules[id]
	if !ok {
		return rules.Rule{}, &core.NotFoundError{Kind: "rule", ID: string(id)}
	}
	return r, nil
}

func (m *Memory) RulesForProgram(ctx context.Context, tenant core.TenantID, programID core.ProgramID) ([]rules.Rule, error) {
	defer m.readLock(ctx)()
	var out []rules.Rule
	for _, r := range m.rules {
		if r.Scope.TenantID == tenant && r.Scope.ProgramID == programID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// PROGRAMS & ENROLLMENTS (program.Store, program.EnrollmentStore)
// =============================================================================

func (m *Memory) SaveProgram(ctx context.Context, p program.Program) error {
	defer m.writeLock(ctx)()
	m.programs[p.ID] = p
	return nil
}

func (m *Memory) Program(ctx context.Context, id core.ProgramID) (program.Program, error) {
	defer m.readLock(ctx)()
	p, ok := m.programs[id]
	if !ok {
		return program.Program{}, &core.NotFoundError{Kind: "program", ID: string(id)}
	}
	return p, nil
}

func (m *Memory) Programs(ctx context.Context, tenant core.TenantID) ([]program.Program, error) {
	defer m.readLock(ctx)()
	var out []program.Program
	for _, p := range m.programs {
		if p.TenantID == tenant {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveEnrollment(ctx context.Context, e program.Enrollment) error {
	defer m.writeLock(ctx)()
	if e.Status == program.EnrollmentActive {
		for id, other := range m.enrollments {
			if id != e.ID && other.MembershipID == e.MembershipID &&
				other.ProgramID == e.ProgramID && other.Status == program.EnrollmentActive {
				return fmt.Errorf("%w: membership %s already has an active enrollment in %s",
					core.ErrConflict, e.MembershipID, e.ProgramID)
			}
		}
	}
	m.enrollments[e.ID] = e
	return nil
}

func (m *Memory) Enrollment(ctx context.Context, id uuid.UUID) (program.Enrollment, error) {
	defer m.readLock(ctx)()
	e, ok := m.enrollments[id]
	if !ok {
		return program.Enrollment{}, &core.NotFoundError{Kind: "enrollment", ID: id.String()}
	}
	return e, nil
}

func (m *Memory) Enrollments(ctx context.Context, membershipID core.MembershipID) ([]program.Enrollment, error) {
	defer m.readLock(ctx)()
	var out []program.Enrollment
	for _, e := range m.enrollments {
		if e.MembershipID == membershipID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

// =============================================================================
// TIERS (tier.StatusStore, tier.PolicyStore)
// =============================================================================

func (m *Memory) TierStatus(ctx context.Context, membershipID core.MembershipID) (*tier.Status, error) {
	defer m.readLock(ctx)()
	s, ok := m.statuses[membershipID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) SaveTierStatus(ctx context.Context, s tier.Status) error {
	defer m.writeLock(ctx)()
	m.statuses[s.MembershipID] = s
	return nil
}

func (m *Memory) DueTierStatuses(ctx context.Context, now time.Time, limit int) ([]tier.Status, error) {
	defer m.readLock(ctx)()
	var out []tier.Status
	for _, s := range m.statuses {
		if s.NextEvalAt != nil && !s.NextEvalAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextEvalAt.Before(*out[j].NextEvalAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SavePolicy(ctx context.Context, p tier.Policy) error {
	defer m.writeLock(ctx)()
	if p.Status == tier.PolicyActive {
		for id, other := range m.policies {
			if id != p.ID && other.TenantID == p.TenantID && other.Status == tier.PolicyActive {
				other.Status = tier.PolicyInactive
				m.policies[id] = other
			}
		}
	}
	m.policies[p.ID] = p
	return nil
}

func (m *Memory) ActivePolicy(ctx context.Context, tenant core.TenantID) (tier.Policy, error) {
	defer m.readLock(ctx)()
	for _, p := range m.policies {
		if p.TenantID == tenant && p.Status == tier.PolicyActive {
			return p, nil
		}
	}
	return tier.Policy{}, &core.NotFoundError{Kind: "tier_policy", ID: string(tenant)}
}
