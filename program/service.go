package program

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// STORE PORTS
// =============================================================================

type Store interface {
	SaveProgram(ctx context.Context, p Program) error

	// Program returns a NotFoundError if the program does not exist.
	Program(ctx context.Context, id core.ProgramID) (Program, error)

	Programs(ctx context.Context, tenant core.TenantID) ([]Program, error)
}

type EnrollmentStore interface {
	// SaveEnrollment inserts or replaces an enrollment. It fails with
	// ErrConflict when the enrollment is ACTIVE and another ACTIVE
	// enrollment exists for the same (membership, program).
	SaveEnrollment(ctx context.Context, e Enrollment) error

	// Enrollment returns a NotFoundError if the enrollment does not exist.
	Enrollment(ctx context.Context, id uuid.UUID) (Enrollment, error)

	Enrollments(ctx context.Context, membershipID core.MembershipID) ([]Enrollment, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Programs    Store
	Enrollments EnrollmentStore
	Memberships core.MembershipStore // optional; checks membership existence and tenant
	Clock       core.Clock
	Logger      *log.Logger
}

func NewService(programs Store, enrollments EnrollmentStore, memberships core.MembershipStore) *Service {
	return &Service{
		Programs:    programs,
		Enrollments: enrollments,
		Memberships: memberships,
		Clock:       core.SystemClock,
		Logger:      log.Default(),
	}
}

// Enroll creates an ACTIVE enrollment starting at from (zero = now).
func (s *Service) Enroll(ctx context.Context, membershipID core.MembershipID, programID core.ProgramID, from time.Time) (Enrollment, error) {
	p, err := s.Programs.Program(ctx, programID)
	if err != nil {
		return Enrollment{}, err
	}
	if !p.IsActive() {
		return Enrollment{}, &core.ValidationError{Field: "program_id", Reason: "program " + string(programID) + " is not active"}
	}
	if s.Memberships != nil {
		m, err := s.Memberships.Membership(ctx, membershipID)
		if err != nil {
			return Enrollment{}, err
		}
		if m.TenantID != p.TenantID {
			return Enrollment{}, &core.ValidationError{Field: "program_id", Reason: "program belongs to another tenant"}
		}
	}

	now := s.Clock()
	if from.IsZero() {
		from = now
	}
	e := Enrollment{
		ID:            uuid.New(),
		TenantID:      p.TenantID,
		MembershipID:  membershipID,
		ProgramID:     programID,
		EffectiveFrom: from,
		Status:        EnrollmentActive,
		UpdatedAt:     now,
	}
	if err := s.Enrollments.SaveEnrollment(ctx, e); err != nil {
		return Enrollment{}, err
	}
	s.Logger.Printf("[Enrollment] %s enrolled in %s from %s", membershipID, programID, from.Format(time.RFC3339))
	return e, nil
}

func (s *Service) Pause(ctx context.Context, id uuid.UUID) (Enrollment, error) {
	return s.transition(ctx, id, Enrollment.Pause)
}

func (s *Service) Resume(ctx context.Context, id uuid.UUID) (Enrollment, error) {
	return s.transition(ctx, id, Enrollment.Resume)
}

func (s *Service) End(ctx context.Context, id uuid.UUID) (Enrollment, error) {
	return s.transition(ctx, id, Enrollment.End)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, step func(Enrollment, time.Time) (Enrollment, error)) (Enrollment, error) {
	e, err := s.Enrollments.Enrollment(ctx, id)
	if err != nil {
		return Enrollment{}, err
	}
	next, err := step(e, s.Clock())
	if err != nil {
		return Enrollment{}, err
	}
	if err := s.Enrollments.SaveEnrollment(ctx, next); err != nil {
		return Enrollment{}, err
	}
	s.Logger.Printf("[Enrollment] %s %s -> %s", id, e.Status, next.Status)
	return next, nil
}

// ActivePrograms returns the ACTIVE programs the membership holds an
// enrollment in that admits earning at the given time, sorted by ID.
func (s *Service) ActivePrograms(ctx context.Context, membershipID core.MembershipID, at time.Time) ([]Program, error) {
	enrollments, err := s.Enrollments.Enrollments(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	seen := make(map[core.ProgramID]bool)
	var out []Program
	for _, e := range enrollments {
		if !e.IsActive(at) || seen[e.ProgramID] {
			continue
		}
		seen[e.ProgramID] = true
		p, err := s.Programs.Program(ctx, e.ProgramID)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if p.IsActive() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IsEnrolled reports whether the membership may earn under the program at t.
func (s *Service) IsEnrolled(ctx context.Context, membershipID core.MembershipID, programID core.ProgramID, at time.Time) (bool, error) {
	enrollments, err := s.Enrollments.Enrollments(ctx, membershipID)
	if err != nil {
		return false, err
	}
	for _, e := range enrollments {
		if e.ProgramID == programID && e.IsActive(at) {
			return true, nil
		}
	}
	return false, nil
}
