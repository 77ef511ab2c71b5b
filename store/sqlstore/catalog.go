package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/rules"
)

// =============================================================================
// RULES (rules.Store)
// =============================================================================

// SaveRule upserts the definition. Rules are stored as config_json so a
// stored rule always round-trips through the catalog parser.
func (s *Store) SaveRule(ctx context.Context, r rules.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	config, err := s.catalog.EncodeRule(r)
	if err != nil {
		return fmt.Errorf("failed to encode rule %s: %w", r.ID, err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO rules (id, tenant_id, program_id, version, status, config_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			program_id = excluded.program_id,
			version = excluded.version,
			status = excluded.status,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at`,
		string(r.ID), string(r.Scope.TenantID), string(r.Scope.ProgramID), r.Version,
		string(r.Status), string(config), formatTime(core.SystemClock()),
	)
	return classify("save rule "+string(r.ID), err)
}

func (s *Store) Rule(ctx context.Context, id core.RuleID) (rules.Rule, error) {
	var config string
	err := s.queryRow(ctx, `SELECT config_json FROM rules WHERE id = ?`, string(id)).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Rule{}, &core.NotFoundError{Kind: "rule", ID: string(id)}
	}
	if err != nil {
		return rules.Rule{}, classify("load rule", err)
	}
	return s.catalog.ParseRule([]byte(config))
}

func (s *Store) RulesForProgram(ctx context.Context, tenant core.TenantID, programID core.ProgramID) ([]rules.Rule, error) {
	rows, err := s.query(ctx, `
		SELECT config_json FROM rules
		WHERE tenant_id = ? AND program_id = ?
		ORDER BY id ASC`, string(tenant), string(programID))
	if err != nil {
		return nil, classify("query rules", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var config string
		if err := rows.Scan(&config); err != nil {
			return nil, classify("scan rule", err)
		}
		r, err := s.catalog.ParseRule([]byte(config))
		if err != nil {
			return nil, fmt.Errorf("stored rule is invalid: %w", err)
		}
		out = append(out, r)
	}
	return out, classify("query rules", rows.Err())
}

// =============================================================================
// PROGRAMS (program.Store)
// =============================================================================

func (s *Store) SaveProgram(ctx context.Context, p program.Program) error {
	_, err := s.exec(ctx, `
		INSERT INTO programs (id, tenant_id, name, stacking_allowed, priority_rank, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			stacking_allowed = excluded.stacking_allowed,
			priority_rank = excluded.priority_rank,
			status = excluded.status`,
		string(p.ID), string(p.TenantID), p.Name, p.StackingAllowed, p.PriorityRank, string(p.Status),
	)
	return classify("save program "+string(p.ID), err)
}

const programColumns = `id, tenant_id, name, stacking_allowed, priority_rank, status`

func (s *Store) Program(ctx context.Context, id core.ProgramID) (program.Program, error) {
	p, err := scanProgram(s.queryRow(ctx, `SELECT `+programColumns+` FROM programs WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return program.Program{}, &core.NotFoundError{Kind: "program", ID: string(id)}
	}
	if err != nil {
		return program.Program{}, classify("load program", err)
	}
	return p, nil
}

func (s *Store) Programs(ctx context.Context, tenant core.TenantID) ([]program.Program, error) {
	rows, err := s.query(ctx, `SELECT `+programColumns+` FROM programs WHERE tenant_id = ? ORDER BY id ASC`, string(tenant))
	if err != nil {
		return nil, classify("query programs", err)
	}
	defer rows.Close()

	var out []program.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, classify("scan program", err)
		}
		out = append(out, p)
	}
	return out, classify("query programs", rows.Err())
}

func scanProgram(row scanner) (program.Program, error) {
	var p program.Program
	var id, tenant, status string
	if err := row.Scan(&id, &tenant, &p.Name, &p.StackingAllowed, &p.PriorityRank, &status); err != nil {
		return p, err
	}
	p.ID = core.ProgramID(id)
	p.TenantID = core.TenantID(tenant)
	p.Status = program.Status(status)
	return p, nil
}

// =============================================================================
// ENROLLMENTS (program.EnrollmentStore)
// =============================================================================

// SaveEnrollment upserts an enrollment. The partial unique index on ACTIVE
// rows turns a second active enrollment into ErrConflict.
func (s *Store) SaveEnrollment(ctx context.Context, e program.Enrollment) error {
	_, err := s.exec(ctx, `
		INSERT INTO enrollments
		(id, tenant_id, membership_id, program_id, effective_from, effective_to, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		e.ID.String(), string(e.TenantID), string(e.MembershipID), string(e.ProgramID),
		formatTime(e.EffectiveFrom), nullTime(e.EffectiveTo), string(e.Status), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return classify(fmt.Sprintf("save enrollment of %s in %s", e.MembershipID, e.ProgramID), err)
	}
	return nil
}

const enrollmentColumns = `id, tenant_id, membership_id, program_id, effective_from, effective_to, status, updated_at`

func (s *Store) Enrollment(ctx context.Context, id uuid.UUID) (program.Enrollment, error) {
	e, err := scanEnrollment(s.queryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return program.Enrollment{}, &core.NotFoundError{Kind: "enrollment", ID: id.String()}
	}
	if err != nil {
		return program.Enrollment{}, classify("load enrollment", err)
	}
	return e, nil
}

func (s *Store) Enrollments(ctx context.Context, membershipID core.MembershipID) ([]program.Enrollment, error) {
	rows, err := s.query(ctx, `SELECT `+enrollmentColumns+`
		FROM enrollments WHERE membership_id = ?
		ORDER BY effective_from ASC, id ASC`, string(membershipID))
	if err != nil {
		return nil, classify("query enrollments", err)
	}
	defer rows.Close()

	var out []program.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, classify("scan enrollment", err)
		}
		out = append(out, e)
	}
	return out, classify("query enrollments", rows.Err())
}

func scanEnrollment(row scanner) (program.Enrollment, error) {
	var (
		e                                 program.Enrollment
		id, tenant, membership, programID string
		effectiveFrom, status, updatedAt  string
		effectiveTo                       sql.NullString
	)
	if err := row.Scan(&id, &tenant, &membership, &programID, &effectiveFrom, &effectiveTo, &status, &updatedAt); err != nil {
		return e, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return e, fmt.Errorf("bad enrollment id %q: %w", id, err)
	}
	e.ID = parsed
	e.TenantID = core.TenantID(tenant)
	e.MembershipID = core.MembershipID(membership)
	e.ProgramID = core.ProgramID(programID)
	e.EffectiveFrom = parseTime(effectiveFrom)
	e.EffectiveTo = timePtr(effectiveTo)
	e.Status = program.EnrollmentStatus(status)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}
