/*
Package ingest turns business events from the wire into accruals.

PURPOSE:
  Business events arrive as JSON, either on a Kafka topic (Consumer) or on
  POST /api/events (the api package decodes with the same EventMessage).
  Each message is decoded, validated and handed to the accrual service.

MESSAGE FORMAT:
  {
    "source_event_id": "pos-9f2c",
    "tenant_id": "acme",
    "program_id": "coffee",           // optional: all enrolled programs
    "membership_id": "m-1",
    "trigger": "PURCHASE",
    "custom_trigger": "",             // name when trigger is CUSTOM
    "amount": "100.00",
    "fields": {"items": "3"},
    "store_id": "s-1", "branch_id": "", "channel": "pos",
    "metadata": {"order_id": "o-77"},
    "occurred_at": "2025-03-01T10:00:00Z"
  }

DELIVERY:
  Offsets are committed only after the accrual succeeded or was a
  duplicate. Malformed or permanently rejected messages are logged and
  committed so they cannot block the partition. Transient failures are
  retried on the same message; when retries run out the consumer stops
  without committing and cmd/server exits non-zero; the restarted process
  picks the message up again from the last committed offset.

SEE ALSO:
  - accrual/accrue.go: Accrue
  - notify: the producing side for domain events
*/
package ingest

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/core"
)

// EventMessage is the JSON form of core.Event.
type EventMessage struct {
	SourceEventID string                     `json:"source_event_id"`
	TenantID      string                     `json:"tenant_id"`
	ProgramID     string                     `json:"program_id,omitempty"`
	MembershipID  string                     `json:"membership_id"`
	Trigger       string                     `json:"trigger"`
	CustomTrigger string                     `json:"custom_trigger,omitempty"`
	Amount        decimal.Decimal            `json:"amount"`
	Fields        map[string]decimal.Decimal `json:"fields,omitempty"`
	StoreID       string                     `json:"store_id,omitempty"`
	BranchID      string                     `json:"branch_id,omitempty"`
	Channel       string                     `json:"channel,omitempty"`
	Metadata      map[string]string          `json:"metadata,omitempty"`
	OccurredAt    time.Time                  `json:"occurred_at"`
}

// ToEvent converts and validates the message.
func (m EventMessage) ToEvent() (core.Event, error) {
	trigger, err := core.ParseTrigger(m.Trigger)
	if err != nil {
		return core.Event{}, err
	}
	e := core.Event{
		SourceEventID: m.SourceEventID,
		TenantID:      core.TenantID(m.TenantID),
		ProgramID:     core.ProgramID(m.ProgramID),
		MembershipID:  core.MembershipID(m.MembershipID),
		Trigger:       trigger,
		CustomTrigger: m.CustomTrigger,
		Amount:        m.Amount,
		Fields:        m.Fields,
		StoreID:       m.StoreID,
		BranchID:      m.BranchID,
		Channel:       m.Channel,
		Metadata:      m.Metadata,
		OccurredAt:    m.OccurredAt,
	}
	return e, e.Validate()
}

// Decode parses a JSON message into a validated event.
func Decode(data []byte) (core.Event, error) {
	var m EventMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return core.Event{}, &core.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	return m.ToEvent()
}
