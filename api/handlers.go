/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the accrual, enrollment and tier services via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the domain
  services.

ENDPOINTS:
  Events:
    POST   /api/events                          Accrue points for a business event

  Memberships:
    POST   /api/memberships                     Create membership
    GET    /api/memberships/{id}                Get membership
    GET    /api/memberships/{id}/balance        Cached balance + ledger verification
    GET    /api/memberships/{id}/transactions   Ledger with running balance
    GET    /api/memberships/{id}/tier           Current tier status
    POST   /api/memberships/{id}/evaluate       Evaluate tier now
    POST   /api/memberships/{id}/redemptions    Spend points
    POST   /api/memberships/{id}/adjustments    Manual correction
    POST   /api/memberships/{id}/expirations    Expire points earned before a cutoff

  Transactions:
    POST   /api/transactions/{id}/reverse       Reverse a ledger row

  Enrollments:
    POST   /api/enrollments                     Enroll a membership in a program
    POST   /api/enrollments/{id}/pause|resume|end

  Admin:
    POST   /api/admin/tier-evaluations          Evaluate due tier statuses
    POST   /api/admin/catalog                   Load a catalog document

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access (all store ports)
  - Accrual, Programs, Tiers: Domain services sharing the store
  - Catalog: JSON to program/rule/policy conversion

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Membership, program, transaction or policy not found
  - 409: Conflict (duplicate, enrollment already active) or lock contention
         (with Retry-After)
  - 422: Insufficient balance
  - 500: Persistence and internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/accrual"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ingest"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/tier"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is every persistence port the API touches. store.Memory and
// sqlstore.Store implement it.
type Store interface {
	core.Store
	rules.Store
	program.Store
	program.EnrollmentStore
	tier.StatusStore
	tier.PolicyStore
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Store
	Accrual  *accrual.Service
	Programs *program.Service
	Tiers    *tier.Service
	Catalog  *factory.CatalogFactory
	Clock    core.Clock
	Logger   *log.Logger

	// DueBatchSize bounds POST /api/admin/tier-evaluations without ?limit.
	DueBatchSize int
}

// NewHandler wires the domain services over one store.
func NewHandler(store Store, publisher core.Publisher, ids core.IDGenerator) *Handler {
	if publisher == nil {
		publisher = core.NopPublisher{}
	}
	programs := program.NewService(store, store, store)
	tiers := tier.NewService(store, store, store, publisher)

	acc := accrual.NewService(store, store, programs, ids)
	acc.Policies = store
	acc.Tiers = tiers
	acc.Publisher = publisher

	return &Handler{
		Store:        store,
		Accrual:      acc,
		Programs:     programs,
		Tiers:        tiers,
		Catalog:      factory.NewCatalogFactory(),
		Clock:        core.SystemClock,
		Logger:       log.Default(),
		DueBatchSize: 500,
	}
}

// SetClock pins the clock of the handler and every service.
func (h *Handler) SetClock(c core.Clock) {
	h.Clock = c
	h.Accrual.Clock = c
	h.Programs.Clock = c
	h.Tiers.Clock = c
}

// SetLogger routes every service's log output to l.
func (h *Handler) SetLogger(l *log.Logger) {
	h.Logger = l
	h.Accrual.Logger = l
	h.Programs.Logger = l
	h.Tiers.Logger = l
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// IngestEvent accrues points for one business event. Re-sending the same
// event returns the original awards with duplicate=true.
// POST /api/events
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var msg ingest.EventMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	event, err := msg.ToEvent()
	if err != nil {
		writeServiceError(w, "Invalid event", err)
		return
	}

	result, err := h.Accrual.Accrue(r.Context(), event)
	if err != nil {
		writeServiceError(w, "Failed to accrue event", err)
		return
	}

	status := http.StatusOK
	if result.Written > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAccrualResultDTO(result))
}

// =============================================================================
// MEMBERSHIP HANDLERS
// =============================================================================

// CreateMembership opens a membership with a zero balance.
// POST /api/memberships
func (h *Handler) CreateMembership(w http.ResponseWriter, r *http.Request) {
	var req CreateMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	switch {
	case strings.TrimSpace(req.ID) == "":
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	case strings.TrimSpace(req.TenantID) == "":
		writeError(w, http.StatusBadRequest, "tenant_id is required", nil)
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid timezone", err)
			return
		}
	}

	now := h.Clock()
	m := core.Membership{
		ID:        core.MembershipID(req.ID),
		TenantID:  core.TenantID(req.TenantID),
		UserID:    req.UserID,
		Timezone:  req.Timezone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Store.CreateMembership(r.Context(), m); err != nil {
		writeServiceError(w, "Failed to create membership", err)
		return
	}

	writeJSON(w, http.StatusCreated, toMembershipDTO(m))
}

// GetMembership returns a single membership.
// GET /api/memberships/{id}
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	m, err := h.Store.Membership(r.Context(), membershipParam(r))
	if err != nil {
		writeServiceError(w, "Failed to get membership", err)
		return
	}
	writeJSON(w, http.StatusOK, toMembershipDTO(m))
}

// GetBalance returns the cached balance checked against the ledger.
// GET /api/memberships/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	check, err := h.Accrual.VerifyBalance(r.Context(), membershipParam(r))
	if err != nil {
		writeServiceError(w, "Failed to verify balance", err)
		return
	}
	if !check.Consistent() {
		h.Logger.Printf("[API] balance drift on %s: cached=%d ledger=%d", check.MembershipID, check.Cached, check.Ledger)
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		MembershipID: string(check.MembershipID),
		Balance:      int64(check.Cached),
		LedgerSum:    int64(check.Ledger),
		Rows:         check.Rows,
		Consistent:   check.Consistent(),
	})
}

// GetTransactions returns the ledger in effective order with a running
// balance.
// GET /api/memberships/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := membershipParam(r)

	if _, err := h.Store.Membership(ctx, id); err != nil {
		writeServiceError(w, "Failed to get membership", err)
		return
	}
	txs, err := h.Store.Transactions(ctx, id)
	if err != nil {
		writeServiceError(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetTier returns the persisted tier status. Memberships never evaluated
// report state NONE.
// GET /api/memberships/{id}/tier
func (h *Handler) GetTier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := membershipParam(r)

	if _, err := h.Store.Membership(ctx, id); err != nil {
		writeServiceError(w, "Failed to get membership", err)
		return
	}
	st, err := h.Store.TierStatus(ctx, id)
	if err != nil {
		writeServiceError(w, "Failed to get tier status", err)
		return
	}
	writeJSON(w, http.StatusOK, toTierStatusDTO(id, st))
}

// EvaluateTier runs one tier evaluation for the membership.
// POST /api/memberships/{id}/evaluate
func (h *Handler) EvaluateTier(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Tiers.Evaluate(r.Context(), membershipParam(r))
	if err != nil {
		writeServiceError(w, "Failed to evaluate tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toEvaluationDTO(ev))
}

// =============================================================================
// POSTING HANDLERS
// =============================================================================

// Redeem spends points.
// POST /api/memberships/{id}/redemptions
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Accrual.Redeem(r.Context(), accrual.RedeemRequest{
		MembershipID:   membershipParam(r),
		Points:         core.Points(req.Points),
		ReasonCode:     req.ReasonCode,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeServiceError(w, "Failed to redeem points", err)
		return
	}
	writePosting(w, p)
}

// Adjust writes a manual correction.
// POST /api/memberships/{id}/adjustments
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Accrual.Adjust(r.Context(), accrual.AdjustRequest{
		MembershipID:   membershipParam(r),
		Delta:          core.Points(req.Delta),
		ReasonCode:     req.ReasonCode,
		Actor:          req.Actor,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeServiceError(w, "Failed to adjust balance", err)
		return
	}
	writePosting(w, p)
}

// Expire removes unspent points earned before the cutoff.
// POST /api/memberships/{id}/expirations
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	var req ExpireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Accrual.Expire(r.Context(), accrual.ExpireRequest{
		MembershipID:   membershipParam(r),
		Cutoff:         req.Cutoff,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeServiceError(w, "Failed to expire points", err)
		return
	}
	writePosting(w, p)
}

// ReverseTransaction writes the compensating row for a ledger entry.
// POST /api/transactions/{id}/reverse
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Accrual.Reverse(r.Context(), accrual.ReverseRequest{
		TransactionID: core.TransactionID(chi.URLParam(r, "id")),
		ReasonCode:    req.ReasonCode,
		Actor:         req.Actor,
	})
	if err != nil {
		writeServiceError(w, "Failed to reverse transaction", err)
		return
	}
	writePosting(w, p)
}

func writePosting(w http.ResponseWriter, p *accrual.Posting) {
	status := http.StatusOK
	if p.Transaction != nil && !p.Replayed {
		status = http.StatusCreated
	}
	writeJSON(w, status, toPostingDTO(p))
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// Enroll creates an ACTIVE enrollment.
// POST /api/enrollments
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MembershipID == "" || req.ProgramID == "" {
		writeError(w, http.StatusBadRequest, "membership_id and program_id are required", nil)
		return
	}

	var from time.Time
	if req.EffectiveFrom != nil {
		from = req.EffectiveFrom.UTC()
	}
	e, err := h.Programs.Enroll(r.Context(), core.MembershipID(req.MembershipID), core.ProgramID(req.ProgramID), from)
	if err != nil {
		writeServiceError(w, "Failed to enroll", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEnrollmentDTO(e))
}

// PauseEnrollment suspends earning in the program.
// POST /api/enrollments/{id}/pause
func (h *Handler) PauseEnrollment(w http.ResponseWriter, r *http.Request) {
	h.transitionEnrollment(w, r, h.Programs.Pause)
}

// ResumeEnrollment reactivates a paused enrollment.
// POST /api/enrollments/{id}/resume
func (h *Handler) ResumeEnrollment(w http.ResponseWriter, r *http.Request) {
	h.transitionEnrollment(w, r, h.Programs.Resume)
}

// EndEnrollment closes the enrollment for good.
// POST /api/enrollments/{id}/end
func (h *Handler) EndEnrollment(w http.ResponseWriter, r *http.Request) {
	h.transitionEnrollment(w, r, h.Programs.End)
}

func (h *Handler) transitionEnrollment(w http.ResponseWriter, r *http.Request,
	step func(ctx context.Context, id uuid.UUID) (program.Enrollment, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid enrollment id", err)
		return
	}
	e, err := step(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to update enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentDTO(e))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerTierEvaluations evaluates due tier statuses (what the scheduler
// does on each tick).
// POST /api/admin/tier-evaluations?limit=N
func (h *Handler) TriggerTierEvaluations(w http.ResponseWriter, r *http.Request) {
	limit := h.DueBatchSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	report, err := h.Tiers.EvaluateDue(r.Context(), limit)
	if err != nil {
		writeServiceError(w, "Failed to evaluate tiers", err)
		return
	}
	writeJSON(w, http.StatusOK, DueReportDTO{
		Evaluated: report.Evaluated,
		Changed:   report.Changed,
		Failed:    report.Failed,
	})
}

// LoadCatalog validates a catalog document and saves its programs, rules
// and tier policies.
// POST /api/admin/catalog
func (h *Handler) LoadCatalog(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	catalog, err := h.Catalog.ParseCatalog(data)
	if err != nil {
		writeServiceError(w, "Invalid catalog", err)
		return
	}
	if err := h.Catalog.Apply(r.Context(), catalog, h.Store, h.Store, h.Store); err != nil {
		writeServiceError(w, "Failed to save catalog", err)
		return
	}

	h.Logger.Printf("[API] catalog loaded: %d programs, %d rules, %d tier policies",
		len(catalog.Programs), len(catalog.Rules), len(catalog.TierPolicies))
	writeJSON(w, http.StatusOK, map[string]int{
		"programs":      len(catalog.Programs),
		"rules":         len(catalog.Rules),
		"tier_policies": len(catalog.TierPolicies),
	})
}

// Health reports that the process is serving.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func membershipParam(r *http.Request) core.MembershipID {
	return core.MembershipID(chi.URLParam(r, "id"))
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, core.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case errors.Is(err, core.ErrConcurrency):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, core.ErrConflict):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
