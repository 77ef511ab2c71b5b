package rules

import (
	"context"

	"github.com/warp/loyalty-engine/core"
)

// Store persists rule definitions. Saving a rule replaces the stored
// definition with the same ID; ledger rows keep the version they were
// produced by.
type Store interface {
	SaveRule(ctx context.Context, r Rule) error

	// Rule returns a NotFoundError if no rule has the ID.
	Rule(ctx context.Context, id core.RuleID) (Rule, error)

	// RulesForProgram returns every rule of the program regardless of
	// status; Match filters.
	RulesForProgram(ctx context.Context, tenant core.TenantID, program core.ProgramID) ([]Rule, error)
}
