package ingest_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/accrual"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/ingest"
)

// fakeReader serves queued messages, then blocks until cancelled. cancel
// runs once the queue is drained so Run returns.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	r.cancel()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

// scriptedAccruer returns queued errors per source event id, then succeeds.
type scriptedAccruer struct {
	mu     sync.Mutex
	errs   map[string][]error
	calls  map[string]int
	events []core.Event
}

func (a *scriptedAccruer) Accrue(_ context.Context, e core.Event) (*accrual.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = map[string]int{}
	}
	a.calls[e.SourceEventID]++
	if q := a.errs[e.SourceEventID]; len(q) > 0 {
		a.errs[e.SourceEventID] = q[1:]
		return nil, q[0]
	}
	a.events = append(a.events, e)
	return &accrual.Result{SourceEventID: e.SourceEventID, MembershipID: e.MembershipID}, nil
}

func message(offset int64, id string) kafka.Message {
	return kafka.Message{Offset: offset, Value: []byte(fmt.Sprintf(`{
		"source_event_id": %q, "tenant_id": "t1", "membership_id": "m1",
		"trigger": "purchase", "amount": "100.50", "occurred_at": "2025-03-01T10:00:00Z"
	}`, id))}
}

func newConsumer(ctx context.Context, reader *fakeReader, acc *scriptedAccruer) (*ingest.Consumer, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	reader.cancel = cancel
	c := ingest.NewConsumerWithReader(reader, acc)
	c.Logger = log.New(io.Discard, "", 0)
	c.RetryDelay = time.Millisecond
	c.MaxAttempts = 3
	return c, ctx
}

func TestConsumer_CommitsAfterAccrual(t *testing.T) {
	// GIVEN: a valid message, a malformed one and one the service rejects
	// WHEN: the consumer runs
	// THEN: all three are committed; only the valid one reached Accrue successfully
	reader := &fakeReader{queue: []kafka.Message{
		message(1, "e1"),
		{Offset: 2, Value: []byte(`{not json`)},
		message(3, "e3"),
	}}
	acc := &scriptedAccruer{errs: map[string][]error{
		"e3": {&core.NotFoundError{Kind: "membership", ID: "m1"}},
	}}
	c, ctx := newConsumer(context.Background(), reader, acc)

	require.NoError(t, c.Run(ctx))

	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	require.Len(t, acc.events, 1)
	assert.Equal(t, core.TriggerPurchase, acc.events[0].Trigger)
	assert.True(t, decimal.RequireFromString("100.5").Equal(acc.events[0].Amount))
	assert.Equal(t, 1, acc.calls["e3"], "permanent errors are not retried")
}

func TestConsumer_RetriesTransientFailures(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{message(7, "e1")}}
	acc := &scriptedAccruer{errs: map[string][]error{
		"e1": {fmt.Errorf("%w: busy", core.ErrConcurrency)},
	}}
	c, ctx := newConsumer(context.Background(), reader, acc)

	require.NoError(t, c.Run(ctx))

	assert.Equal(t, 2, acc.calls["e1"])
	assert.Equal(t, []int64{7}, reader.committed)
}

func TestConsumer_StopsWithoutCommitWhenRetriesRunOut(t *testing.T) {
	// GIVEN: the store keeps failing
	// THEN: Run returns the error and the offset stays uncommitted
	transient := &core.PersistenceError{Op: "append ledger row", Err: io.ErrUnexpectedEOF}
	reader := &fakeReader{queue: []kafka.Message{message(9, "e1")}}
	acc := &scriptedAccruer{errs: map[string][]error{"e1": {transient, transient, transient}}}
	c, ctx := newConsumer(context.Background(), reader, acc)

	err := c.Run(ctx)

	assert.ErrorIs(t, err, core.ErrPersistence)
	assert.Empty(t, reader.committed)
	assert.Equal(t, 3, acc.calls["e1"])
}

func TestDecode_RejectsBadEvents(t *testing.T) {
	_, err := ingest.Decode([]byte(`{"source_event_id":"e1","tenant_id":"t1","membership_id":"m1","trigger":"DANCE","occurred_at":"2025-03-01T10:00:00Z"}`))
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = ingest.Decode([]byte(`{"tenant_id":"t1","membership_id":"m1","trigger":"VISIT","occurred_at":"2025-03-01T10:00:00Z"}`))
	assert.ErrorIs(t, err, core.ErrValidation)
}
