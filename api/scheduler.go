/*
scheduler.go - Automated tier evaluation scheduler

PURPOSE:
  Periodically re-evaluates memberships whose tier status is due
  (NextEvalAt has passed) so grace periods finalize and rolling windows
  age out without waiting for new activity.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick evaluates at most BatchSize due memberships
  - A batch that comes back full is followed immediately by another one
  - Failures are logged by the tier service and retried on a later tick

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - BatchSize:     Memberships per EvaluateDue call (default: 500)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewTierScheduler(tiers)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerTierEvaluations endpoint (manual run)
  - tier/service.go: EvaluateDue
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/tier"
)

// DueEvaluator is implemented by *tier.Service.
type DueEvaluator interface {
	EvaluateDue(ctx context.Context, limit int) (tier.DueReport, error)
}

// TierScheduler drives scheduled tier evaluations.
type TierScheduler struct {
	Tiers         DueEvaluator
	CheckInterval time.Duration
	BatchSize     int
	Enabled       bool
	Logger        *log.Logger

	// maxBatches bounds the catch-up loop of a single tick.
	maxBatches int

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewTierScheduler creates a new scheduler.
func NewTierScheduler(tiers DueEvaluator) *TierScheduler {
	return &TierScheduler{
		Tiers:         tiers,
		CheckInterval: 1 * time.Hour,
		BatchSize:     500,
		Enabled:       true,
		Logger:        log.Default(),
		maxBatches:    100,
	}
}

// Start begins the scheduler.
func (ts *TierScheduler) Start() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.Enabled {
		ts.Logger.Println("[Scheduler] Disabled, not starting")
		return
	}
	if ts.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	ts.stop = make(chan struct{})
	ts.ticker = time.NewTicker(ts.CheckInterval)
	ts.wg.Add(1)

	go ts.run(ctx)

	ts.Logger.Printf("[Scheduler] Started with check interval: %v", ts.CheckInterval)
}

// Stop stops the scheduler and waits for a running batch to finish.
func (ts *TierScheduler) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.ticker == nil {
		return
	}
	ts.ticker.Stop()
	close(ts.stop)
	ts.cancel()
	ts.wg.Wait()
	ts.ticker = nil
	ts.Logger.Println("[Scheduler] Stopped")
}

func (ts *TierScheduler) run(ctx context.Context) {
	defer ts.wg.Done()

	// Run immediately on start
	ts.RunNow(ctx)

	for {
		select {
		case <-ts.ticker.C:
			ts.RunNow(ctx)
		case <-ts.stop:
			return
		}
	}
}

// RunNow evaluates every due membership, batch by batch, and returns the
// combined report.
func (ts *TierScheduler) RunNow(ctx context.Context) tier.DueReport {
	var total tier.DueReport
	for i := 0; i < ts.maxBatches; i++ {
		report, err := ts.Tiers.EvaluateDue(ctx, ts.BatchSize)
		if err != nil {
			ts.Logger.Printf("[Scheduler] Error listing due memberships: %v", err)
			break
		}
		total.Evaluated += report.Evaluated
		total.Changed += report.Changed
		total.Failed += report.Failed

		// A short batch means nothing else is due. A batch made only of
		// failures would be returned again unchanged.
		if ts.BatchSize <= 0 || report.Evaluated+report.Failed < ts.BatchSize || report.Evaluated == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if total.Evaluated > 0 {
		ts.Logger.Printf("[Scheduler] Completed: %d evaluated, %d changed, %d failed",
			total.Evaluated, total.Changed, total.Failed)
	}
	return total
}
