/*
reconcile.go - Reversal of orphaned seat holds

PURPOSE:
  A booking workflow that crashes between allocating seats and committing
  the booking leaves a hold that no one will ever release. The reconciler
  finds unclaimed allocations older than a grace period and releases
  them, restoring the seats.

  Release is idempotent, so racing a reconciler run against a late
  booking rollback is safe - whichever runs second is a no-op.
*/
package inventory

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler reverses orphaned allocations. Run periodically.
type Reconciler struct {
	Allocator *Allocator

	// Grace is how old an unclaimed hold must be before it is treated
	// as orphaned. Short, but longer than any healthy booking takes.
	Grace time.Duration

	Log zerolog.Logger
}

func NewReconciler(al *Allocator, grace time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{Allocator: al, Grace: grace, Log: log}
}

// ReleaseOrphans releases every unclaimed allocation older than the grace
// period. Returns how many holds were released.
func (r *Reconciler) ReleaseOrphans(ctx context.Context) (int, error) {
	cutoff := r.Allocator.clock().UTC().Add(-r.Grace)
	orphans, err := r.Allocator.Allocations.Orphans(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, a := range orphans {
		if err := r.Allocator.Release(ctx, a.ID); err != nil {
			r.Log.Error().Err(err).
				Str("allocation_id", a.ID).
				Str("ride_id", a.RideID).
				Msg("failed to release orphaned allocation")
			continue
		}
		released++
		r.Log.Warn().
			Str("allocation_id", a.ID).
			Str("ride_id", a.RideID).
			Int("seats", a.Seats).
			Time("created_at", a.CreatedAt).
			Msg("released orphaned allocation")
	}
	return released, nil
}
