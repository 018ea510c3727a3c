/*
scheduler.go - Background orphan-release scheduler

PURPOSE:
  Periodically runs the inventory reconciler, which releases seat holds
  abandoned by crashed booking workflows.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Fires once immediately on start, then on every tick
  - Stop blocks until the goroutine has drained

USAGE:
  scheduler := NewReconcileScheduler(reconciler, interval, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - inventory/reconcile.go: The reconciler itself
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/verdant/carpool-engine/inventory"
)

// ReconcileScheduler drives the orphan reconciler on a timer.
type ReconcileScheduler struct {
	Reconciler    *inventory.Reconciler
	CheckInterval time.Duration
	Log           zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewReconcileScheduler(rec *inventory.Reconciler, interval time.Duration, log zerolog.Logger) *ReconcileScheduler {
	return &ReconcileScheduler{
		Reconciler:    rec,
		CheckInterval: interval,
		Log:           log,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *ReconcileScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)
	go rs.run()

	rs.Log.Info().Dur("interval", rs.CheckInterval).Msg("reconcile scheduler started")
}

// Stop stops the scheduler and waits for the current run to finish.
func (rs *ReconcileScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.Log.Info().Msg("reconcile scheduler stopped")
	}
}

func (rs *ReconcileScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.sweep()

	for {
		select {
		case <-rs.ticker.C:
			rs.sweep()
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReconcileScheduler) sweep() {
	released, err := rs.Reconciler.ReleaseOrphans(context.Background())
	if err != nil {
		rs.Log.Error().Err(err).Msg("orphan sweep failed")
		return
	}
	if released > 0 {
		rs.Log.Info().Int("released", released).Msg("orphan sweep released holds")
	}
}
