/*
Package notify delivers domain events to the outside world.

PURPOSE:
  Implements core.Publisher for the transports the engine fans out to.
  Services publish after commit; a delivery failure is logged by the
  caller and never undoes a ledger write.

PUBLISHERS:
  LogPublisher:    writes one line per event (development default)
  KafkaPublisher:  JSON envelope to a Kafka topic, keyed by membership
  RabbitPublisher: persistent JSON message to a queue (notification jobs)
  Multi:           fans out to several publishers
  Recorder:        keeps events in memory (tests)

MESSAGE FORMAT:
  The JSON encoding of core.DomainEvent:
    {"id": "...", "type": "TierUpgraded", "tenant_id": "acme",
     "membership_id": "m-1", "occurred_at": "...", "payload": {...}}

SEE ALSO:
  - core/events.go: event types and payloads
  - ingest: the consuming side for business events
*/
package notify

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/warp/loyalty-engine/core"
)

// =============================================================================
// LOG PUBLISHER
// =============================================================================

type LogPublisher struct {
	Logger *log.Logger
}

func NewLogPublisher(logger *log.Logger) *LogPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &LogPublisher{Logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, events ...core.DomainEvent) error {
	for _, e := range events {
		p.Logger.Printf("[Publisher] %s tenant=%s membership=%s id=%s", e.Type, e.TenantID, e.MembershipID, e.ID)
	}
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

// Multi publishes to every publisher and joins their errors. One failing
// transport does not stop the others.
type Multi []core.Publisher

func (m Multi) Publish(ctx context.Context, events ...core.DomainEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// FILTER
// =============================================================================

// Only forwards events of the listed types to next.
func Only(next core.Publisher, types ...core.DomainEventType) core.Publisher {
	allowed := make(map[core.DomainEventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return filtered{next: next, allowed: allowed}
}

type filtered struct {
	next    core.Publisher
	allowed map[core.DomainEventType]bool
}

func (f filtered) Publish(ctx context.Context, events ...core.DomainEvent) error {
	var keep []core.DomainEvent
	for _, e := range events {
		if f.allowed[e.Type] {
			keep = append(keep, e)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	return f.next.Publish(ctx, keep...)
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder keeps published events in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []core.DomainEvent
}

func (r *Recorder) Publish(_ context.Context, events ...core.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []core.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.DomainEvent(nil), r.events...)
}

// Types lists the event types in publish order.
func (r *Recorder) Types() []core.DomainEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.DomainEventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
