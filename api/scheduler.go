/*
scheduler.go - Automated payout run scheduler

PURPOSE:
  Periodically opens the draft payout run for a month once that month has
  ended, so the comp team never starts a cycle from a missing run.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - On each tick past the configured UTC hour, ensures a run exists for
    the just-ended month
  - A run that already exists (ErrDuplicateRun) is skipped silently;
    creation never recalculates or touches an existing cycle

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - HourUTC: Earliest UTC hour of day to open the run (default: 2)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRunScheduler(orchestrator, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CreateRun endpoint (manual run creation)
  - engine/run.go: Orchestrator
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/comp-engine/engine"
)

// RunScheduler opens draft runs for completed months.
type RunScheduler struct {
	Orchestrator  *engine.Orchestrator
	Log           *logrus.Logger
	CheckInterval time.Duration
	HourUTC       int
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRunScheduler creates a new scheduler.
func NewRunScheduler(o *engine.Orchestrator, log *logrus.Logger) *RunScheduler {
	return &RunScheduler{
		Orchestrator:  o,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		HourUTC:       2,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (rs *RunScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Log.Info("run scheduler disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	rs.Log.WithFields(logrus.Fields{
		"check_interval": rs.CheckInterval,
		"hour_utc":       rs.HourUTC,
	}).Info("run scheduler started")
}

// Stop stops the scheduler.
func (rs *RunScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.Log.Info("run scheduler stopped")
	}
}

func (rs *RunScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.ensureRun(time.Now().UTC())

	for {
		select {
		case <-rs.ticker.C:
			rs.ensureRun(time.Now().UTC())
		case <-rs.stop:
			return
		}
	}
}

// ensureRun opens the draft run for the month that just ended, once the
// configured hour has passed on or after the first of the following month.
func (rs *RunScheduler) ensureRun(now time.Time) {
	if now.Day() == 1 && now.Hour() < rs.HourUTC {
		return
	}

	target := engine.MonthOf(now).Prev()
	ctx := context.Background()

	run, err := rs.Orchestrator.CreateRun(ctx, target, "scheduler")
	switch {
	case err == nil:
		rs.Log.WithFields(logrus.Fields{
			"run_id": run.ID,
			"month":  target.String(),
		}).Info("opened draft payout run")
	case errors.Is(err, engine.ErrDuplicateRun):
		// Already opened, nothing to do.
	default:
		rs.Log.WithError(err).WithField("month", target.String()).Error("failed to open draft run")
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (rs *RunScheduler) RunNow() {
	rs.ensureRun(time.Now().UTC())
}
