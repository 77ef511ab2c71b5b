package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/loyalty-engine/accrual"
	"github.com/warp/loyalty-engine/core"
)

// Reader is the subset of kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Accruer is implemented by *accrual.Service.
type Accruer interface {
	Accrue(ctx context.Context, e core.Event) (*accrual.Result, error)
}

type Consumer struct {
	reader  Reader
	accruer Accruer

	Logger      *log.Logger
	Timeout     time.Duration // per message
	MaxAttempts int           // per message, for transient failures
	RetryDelay  time.Duration
}

// NewConsumer joins the consumer group on topic.
func NewConsumer(brokers []string, topic, groupID string, accruer Accruer) *Consumer {
	return NewConsumerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}), accruer)
}

// NewConsumerWithReader allows injecting a test reader.
func NewConsumerWithReader(r Reader, accruer Accruer) *Consumer {
	return &Consumer{
		reader:      r,
		accruer:     accruer,
		Logger:      log.Default(),
		Timeout:     10 * time.Second,
		MaxAttempts: 5,
		RetryDelay:  time.Second,
	}
}

// Run consumes until ctx is cancelled (returns nil) or a message keeps
// failing transiently (returns the error, offset not committed).
func (c *Consumer) Run(ctx context.Context) error {
	c.Logger.Printf("[Consumer] started")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.Logger.Printf("[Consumer] stopped")
				return nil
			}
			c.Logger.Printf("[Consumer] fetch failed: %v", err)
			if !sleep(ctx, c.RetryDelay) {
				return nil
			}
			continue
		}

		if err := c.process(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("message %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.Logger.Printf("[Consumer] commit of offset %d failed: %v", m.Offset, err)
		}
	}
}

// process returns nil when the message may be committed.
func (c *Consumer) process(ctx context.Context, m kafka.Message) error {
	e, err := Decode(m.Value)
	if err != nil {
		c.Logger.Printf("[Consumer] dropping malformed message at offset %d: %v", m.Offset, err)
		return nil
	}

	var last error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		last = c.accrue(ctx, e)
		if last == nil {
			return nil
		}
		if permanent(last) {
			c.Logger.Printf("[Consumer] event %s rejected: %v", e.SourceEventID, last)
			return nil
		}
		c.Logger.Printf("[Consumer] event %s attempt %d/%d failed: %v", e.SourceEventID, attempt, c.MaxAttempts, last)
		if !sleep(ctx, c.RetryDelay) {
			return ctx.Err()
		}
	}
	return last
}

func (c *Consumer) accrue(ctx context.Context, e core.Event) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	res, err := c.accruer.Accrue(ctx, e)
	if err != nil {
		return err
	}
	if res.Duplicate() {
		c.Logger.Printf("[Consumer] event %s already processed", e.SourceEventID)
	}
	return nil
}

// permanent errors cannot succeed on redelivery.
func permanent(err error) bool {
	return errors.Is(err, core.ErrValidation) || errors.Is(err, core.ErrNotFound) ||
		errors.Is(err, core.ErrConflict)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
