package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// DOMAIN EVENTS - Emitted after commit for external notifiers
// =============================================================================

type DomainEventType string

const (
	EventPointsEarned     DomainEventType = "PointsEarned"
	EventPointsRedeemed   DomainEventType = "PointsRedeemed"
	EventPointsAdjusted   DomainEventType = "PointsAdjusted"
	EventPointsReversed   DomainEventType = "PointsReversed"
	EventPointsExpired    DomainEventType = "PointsExpired"
	EventTierUpgraded     DomainEventType = "TierUpgraded"
	EventTierDowngraded   DomainEventType = "TierDowngraded"
	EventTierEnteredGrace DomainEventType = "TierEnteredGrace"
)

// DomainEvent is the envelope handed to publishers. Payload is one of the
// *Payload structs below.
type DomainEvent struct {
	ID           uuid.UUID       `json:"id"`
	Type         DomainEventType `json:"type"`
	TenantID     TenantID        `json:"tenant_id"`
	MembershipID MembershipID    `json:"membership_id"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Payload      any             `json:"payload"`
}

func NewDomainEvent(typ DomainEventType, tenant TenantID, membership MembershipID, at time.Time, payload any) DomainEvent {
	return DomainEvent{
		ID:           uuid.New(),
		Type:         typ,
		TenantID:     tenant,
		MembershipID: membership,
		OccurredAt:   at,
		Payload:      payload,
	}
}

// PointsPayload describes a ledger row for the Points* events.
type PointsPayload struct {
	TransactionID TransactionID   `json:"transaction_id"`
	Type          TransactionType `json:"transaction_type"`
	Delta         Points          `json:"delta"`
	Balance       Points          `json:"balance"`
	ReasonCode    string          `json:"reason_code,omitempty"`
	RuleID        RuleID          `json:"rule_id,omitempty"`
	ProgramID     ProgramID       `json:"program_id,omitempty"`
	SourceEventID string          `json:"source_event_id,omitempty"`
	Reverses      TransactionID   `json:"reverses,omitempty"`
}

// PointsEventFor builds the domain event describing a freshly written row.
func PointsEventFor(tx PointsTransaction, balance Points) DomainEvent {
	typ := EventPointsAdjusted
	switch tx.Type {
	case TxEarning:
		typ = EventPointsEarned
	case TxRedeem:
		typ = EventPointsRedeemed
	case TxReversal:
		typ = EventPointsReversed
	case TxExpiration:
		typ = EventPointsExpired
	}
	return NewDomainEvent(typ, tx.TenantID, tx.MembershipID, tx.CreatedAt, PointsPayload{
		TransactionID: tx.ID,
		Type:          tx.Type,
		Delta:         tx.Delta,
		Balance:       balance,
		ReasonCode:    tx.ReasonCode,
		RuleID:        tx.RuleID(),
		ProgramID:     tx.ProgramID(),
		SourceEventID: tx.Metadata[MetaSourceEventID],
		Reverses:      TransactionID(tx.Metadata[MetaReverses]),
	})
}

// TierPayload describes a tier transition.
type TierPayload struct {
	From       *TierID    `json:"from,omitempty"`
	To         *TierID    `json:"to,omitempty"`
	Balance    Points     `json:"balance"`
	GraceUntil *time.Time `json:"grace_until,omitempty"`
}

// =============================================================================
// PUBLISHER - Port implemented by the notify package
// =============================================================================

// Publisher delivers domain events. Publishing happens after commit; a
// failure never undoes the ledger write.
type Publisher interface {
	Publish(ctx context.Context, events ...DomainEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...DomainEvent) error { return nil }
