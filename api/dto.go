/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Memberships:  MembershipDTO, CreateMembershipRequest, BalanceDTO
  Ledger:       TransactionDTO, PostingDTO
  Postings:     RedeemRequest, AdjustRequest, ExpireRequest, ReverseRequest
  Accrual:      AccrualResultDTO (request body is ingest.EventMessage)
  Enrollments:  EnrollmentDTO, EnrollRequest
  Tiers:        TierStatusDTO, EvaluationDTO, DueReportDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and services, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ingest/message.go: EventMessage, the business event body
*/
package api

import (
	"time"

	"github.com/warp/loyalty-engine/accrual"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/tier"
)

// =============================================================================
// MEMBERSHIPS
// =============================================================================

type MembershipDTO struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	UserID    string  `json:"user_id"`
	Balance   int64   `json:"balance"`
	TierID    *string `json:"tier_id"`
	Timezone  string  `json:"timezone,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

type CreateMembershipRequest struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Timezone string `json:"timezone,omitempty"`
}

// BalanceDTO reports the cached balance next to the ledger sum.
type BalanceDTO struct {
	MembershipID string `json:"membership_id"`
	Balance      int64  `json:"balance"`
	LedgerSum    int64  `json:"ledger_sum"`
	Rows         int    `json:"rows"`
	Consistent   bool   `json:"consistent"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Delta          int64             `json:"delta"`
	RunningBalance int64             `json:"running_balance"`
	ReasonCode     string            `json:"reason_code"`
	IdempotencyKey string            `json:"idempotency_key"`
	RuleID         string            `json:"rule_id,omitempty"`
	ProgramID      string            `json:"program_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EffectiveAt    string            `json:"effective_at"`
	CreatedAt      string            `json:"created_at"`
}

// PostingDTO is the result of a redemption, adjustment, reversal or
// expiration. Transaction is nil when nothing was written.
type PostingDTO struct {
	Transaction *TransactionDTO `json:"transaction"`
	Balance     int64           `json:"balance"`
	Replayed    bool            `json:"replayed"`
}

type RedeemRequest struct {
	Points         int64             `json:"points"`
	ReasonCode     string            `json:"reason_code,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type AdjustRequest struct {
	Delta          int64  `json:"delta"`
	ReasonCode     string `json:"reason_code"`
	Actor          string `json:"actor,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ExpireRequest struct {
	Cutoff         time.Time `json:"cutoff"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

type ReverseRequest struct {
	ReasonCode string `json:"reason_code,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// =============================================================================
// ACCRUAL
// =============================================================================

type AwardDTO struct {
	RuleID        string `json:"rule_id"`
	RuleVersion   int    `json:"rule_version"`
	ProgramID     string `json:"program_id"`
	Points        int64  `json:"points"`
	Capped        bool   `json:"capped"`
	Replayed      bool   `json:"replayed"`
	TransactionID string `json:"transaction_id"`
}

type SkipDTO struct {
	RuleID string `json:"rule_id,omitempty"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type ReviewFlagDTO struct {
	ProgramID string   `json:"program_id"`
	Group     string   `json:"group"`
	Reason    string   `json:"reason"`
	RuleIDs   []string `json:"rule_ids"`
}

type AccrualResultDTO struct {
	SourceEventID string          `json:"source_event_id"`
	MembershipID  string          `json:"membership_id"`
	Duplicate     bool            `json:"duplicate"`
	Written       int64           `json:"written"`
	Total         int64           `json:"total"`
	Balance       int64           `json:"balance"`
	Awards        []AwardDTO      `json:"awards"`
	Skipped       []SkipDTO       `json:"skipped,omitempty"`
	Flags         []ReviewFlagDTO `json:"review_flags,omitempty"`
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

type EnrollRequest struct {
	MembershipID  string     `json:"membership_id"`
	ProgramID     string     `json:"program_id"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty"` // defaults to now
}

type EnrollmentDTO struct {
	ID            string  `json:"id"`
	MembershipID  string  `json:"membership_id"`
	ProgramID     string  `json:"program_id"`
	Status        string  `json:"status"`
	EffectiveFrom string  `json:"effective_from"`
	EffectiveTo   *string `json:"effective_to"`
}

// =============================================================================
// TIERS
// =============================================================================

type TierStatusDTO struct {
	MembershipID string  `json:"membership_id"`
	State        string  `json:"state"` // NONE, ACTIVE, GRACE_PERIOD
	TierID       *string `json:"tier_id"`
	Since        string  `json:"since,omitempty"`
	GraceUntil   *string `json:"grace_until"`
	NextEvalAt   *string `json:"next_eval_at"`
}

type EvaluationDTO struct {
	MembershipID string        `json:"membership_id"`
	PolicyID     string        `json:"policy_id"`
	Balance      int64         `json:"qualifying_balance"`
	Outcome      string        `json:"outcome"`
	Status       TierStatusDTO `json:"status"`
}

type DueReportDTO struct {
	Evaluated int `json:"evaluated"`
	Changed   int `json:"changed"`
	Failed    int `json:"failed"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func tierString(t *core.TierID) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

func toMembershipDTO(m core.Membership) MembershipDTO {
	return MembershipDTO{
		ID:        string(m.ID),
		TenantID:  string(m.TenantID),
		UserID:    m.UserID,
		Balance:   int64(m.Balance),
		TierID:    tierString(m.TierID),
		Timezone:  m.Timezone,
		CreatedAt: formatTime(m.CreatedAt),
		UpdatedAt: formatTime(m.UpdatedAt),
	}
}

func toTransactionDTO(tx core.PointsTransaction, running core.Points) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		Type:           string(tx.Type),
		Delta:          int64(tx.Delta),
		RunningBalance: int64(running),
		ReasonCode:     tx.ReasonCode,
		IdempotencyKey: tx.IdempotencyKey,
		RuleID:         string(tx.RuleID()),
		ProgramID:      string(tx.ProgramID()),
		Metadata:       tx.Metadata,
		EffectiveAt:    formatTime(tx.EffectiveAt),
		CreatedAt:      formatTime(tx.CreatedAt),
	}
}

// toTransactionDTOs adds the running balance in ledger order.
func toTransactionDTOs(txs []core.PointsTransaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	var running core.Points
	for i, tx := range txs {
		running += tx.Delta
		out[i] = toTransactionDTO(tx, running)
	}
	return out
}

func toPostingDTO(p *accrual.Posting) PostingDTO {
	dto := PostingDTO{Balance: int64(p.Balance), Replayed: p.Replayed}
	if p.Transaction != nil {
		tx := toTransactionDTO(*p.Transaction, p.Balance)
		dto.Transaction = &tx
	}
	return dto
}

func toAccrualResultDTO(r *accrual.Result) AccrualResultDTO {
	dto := AccrualResultDTO{
		SourceEventID: r.SourceEventID,
		MembershipID:  string(r.MembershipID),
		Duplicate:     r.Duplicate(),
		Written:       int64(r.Written),
		Total:         int64(r.Total()),
		Balance:       int64(r.Balance),
		Awards:        make([]AwardDTO, len(r.Awards)),
	}
	for i, a := range r.Awards {
		dto.Awards[i] = AwardDTO{
			RuleID:        string(a.RuleID),
			RuleVersion:   a.RuleVersion,
			ProgramID:     string(a.ProgramID),
			Points:        int64(a.Points),
			Capped:        a.Capped,
			Replayed:      a.Replayed,
			TransactionID: string(a.Transaction.ID),
		}
	}
	for _, s := range r.Skipped {
		dto.Skipped = append(dto.Skipped, SkipDTO{RuleID: string(s.RuleID), Reason: string(s.Reason), Detail: s.Detail})
	}
	for _, f := range r.Flags {
		ids := make([]string, len(f.RuleIDs))
		for i, id := range f.RuleIDs {
			ids[i] = string(id)
		}
		dto.Flags = append(dto.Flags, ReviewFlagDTO{ProgramID: string(f.ProgramID), Group: f.Group, Reason: f.Reason, RuleIDs: ids})
	}
	return dto
}

func toEnrollmentDTO(e program.Enrollment) EnrollmentDTO {
	return EnrollmentDTO{
		ID:            e.ID.String(),
		MembershipID:  string(e.MembershipID),
		ProgramID:     string(e.ProgramID),
		Status:        string(e.Status),
		EffectiveFrom: formatTime(e.EffectiveFrom),
		EffectiveTo:   formatTimePtr(e.EffectiveTo),
	}
}

func toTierStatusDTO(membershipID core.MembershipID, st *tier.Status) TierStatusDTO {
	dto := TierStatusDTO{MembershipID: string(membershipID), State: "NONE"}
	if st == nil {
		return dto
	}
	switch st.State().(type) {
	case tier.Active:
		dto.State = "ACTIVE"
	case tier.GracePeriod:
		dto.State = "GRACE_PERIOD"
	}
	dto.TierID = tierString(st.CurrentTier)
	dto.Since = formatTime(st.Since)
	dto.GraceUntil = formatTimePtr(st.GraceUntil)
	dto.NextEvalAt = formatTimePtr(st.NextEvalAt)
	return dto
}

func toEvaluationDTO(ev *tier.Evaluation) EvaluationDTO {
	st := ev.Status
	return EvaluationDTO{
		MembershipID: string(ev.MembershipID),
		PolicyID:     ev.PolicyID,
		Balance:      int64(ev.Balance),
		Outcome:      string(ev.Decision.Outcome),
		Status:       toTierStatusDTO(ev.MembershipID, &st),
	}
}
