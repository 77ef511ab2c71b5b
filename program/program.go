/*
Package program models loyalty programs and the enrollments that gate
earning under a program's rules.

PURPOSE:
  A tenant can run several programs side by side (a coffee card, a
  partner promotion). Each program says whether its rewards may stack
  with other programs' and how it ranks when they may not. A membership
  earns under a program only while it holds an ACTIVE enrollment in it.

KEY CONCEPTS:
  Program:     Stacking configuration for a set of rules
  Enrollment:  Membership <-> program link with an effective window
  Service:     Enroll / Pause / Resume / End, and the enrollment gate

INVARIANTS:
  - At most one ACTIVE enrollment per (membership, program)
  - ENDED is terminal

SEE ALSO:
  - rules/resolver.go: uses StackingAllowed and PriorityRank
  - accrual: consults ActivePrograms before matching
*/
package program

import (
	"time"

	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// PROGRAM
// =============================================================================

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

type Program struct {
	ID              core.ProgramID
	TenantID        core.TenantID
	Name            string
	StackingAllowed bool
	PriorityRank    int
	Status          Status
}

func (p Program) Validate() error {
	switch {
	case p.ID == "":
		return &core.ValidationError{Field: "program.id", Reason: "required"}
	case p.TenantID == "":
		return &core.ValidationError{Field: "program.tenant_id", Reason: "required"}
	case p.Status != StatusActive && p.Status != StatusInactive:
		return &core.ValidationError{Field: "program.status", Reason: "unknown status " + string(p.Status)}
	}
	return nil
}

func (p Program) IsActive() bool { return p.Status == StatusActive }

// =============================================================================
// ENROLLMENT
// =============================================================================

type EnrollmentStatus string

const (
	EnrollmentActive EnrollmentStatus = "ACTIVE"
	EnrollmentPaused EnrollmentStatus = "PAUSED"
	EnrollmentEnded  EnrollmentStatus = "ENDED"
)

type Enrollment struct {
	ID            uuid.UUID
	TenantID      core.TenantID
	MembershipID  core.MembershipID
	ProgramID     core.ProgramID
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Status        EnrollmentStatus
	UpdatedAt     time.Time
}

// IsActive reports whether the enrollment admits earning at t: status
// ACTIVE and t within [EffectiveFrom, EffectiveTo).
func (e Enrollment) IsActive(at time.Time) bool {
	if e.Status != EnrollmentActive || at.Before(e.EffectiveFrom) {
		return false
	}
	return e.EffectiveTo == nil || at.Before(*e.EffectiveTo)
}

func (e Enrollment) Pause(at time.Time) (Enrollment, error) {
	if e.Status != EnrollmentActive {
		return Enrollment{}, e.transitionError("pause")
	}
	e.Status = EnrollmentPaused
	e.UpdatedAt = at
	return e, nil
}

func (e Enrollment) Resume(at time.Time) (Enrollment, error) {
	if e.Status != EnrollmentPaused {
		return Enrollment{}, e.transitionError("resume")
	}
	e.Status = EnrollmentActive
	e.UpdatedAt = at
	return e, nil
}

// End closes the enrollment at the given time. ENDED is terminal.
func (e Enrollment) End(at time.Time) (Enrollment, error) {
	if e.Status == EnrollmentEnded {
		return Enrollment{}, e.transitionError("end")
	}
	e.Status = EnrollmentEnded
	if e.EffectiveTo == nil || at.Before(*e.EffectiveTo) {
		end := at
		if end.Before(e.EffectiveFrom) {
			end = e.EffectiveFrom
		}
		e.EffectiveTo = &end
	}
	e.UpdatedAt = at
	return e, nil
}

func (e Enrollment) transitionError(action string) error {
	return &core.ValidationError{
		Field:  "enrollment.status",
		Reason: "cannot " + action + " enrollment in status " + string(e.Status),
	}
}
