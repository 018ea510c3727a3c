/*
Package inventory manages the finite shared counters of the system:
available seats per ride and remaining stock per reward.

PURPOSE:
  Seat and stock counters are the only mutable shared counters in the
  system; every other piece of state is either immutable (the ledger) or
  derived (balance, level). Centralizing capacity arithmetic here is what
  prevents oversell races.

INVARIANTS:
  1. 0 <= seatsRemaining <= totalSeats at all times
  2. stockRemaining never goes negative (nil stock = unlimited)
  3. The capacity check and the decrement are one atomic step per key -
     a race for the last seat admits exactly one winner

ATOMICITY:
  The allocator does not lock; the stores guarantee per-key atomicity
  (conditional compare-and-swap updates in SQL, per-key locks in memory).
  Operations on different rides or rewards never block each other.

SEE ALSO:
  - reconcile.go: Reversal of orphaned allocations after a crash
  - store/sqlite: Conditional-update implementations
*/
package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/verdant/carpool-engine/ledger"
)

// =============================================================================
// ALLOCATION - A granted seat hold
// =============================================================================

// Allocation records that seats were taken from a ride's counter. It
// exists so a release can be made idempotent and so orphaned holds
// (allocated, then never claimed by a booking) can be found and reversed.
type Allocation struct {
	ID        string
	RideID    string
	Seats     int
	CreatedAt time.Time

	// BookingID is set when a booking commits against this hold.
	// Unclaimed allocations past the grace period are orphans.
	BookingID string

	// ReleasedAt is set exactly once; a second release is a no-op.
	ReleasedAt *time.Time
}

func (a Allocation) Released() bool { return a.ReleasedAt != nil }

// =============================================================================
// STORE CONTRACTS
// =============================================================================

// SeatStore mutates ride seat counters. Implementations must make each
// call atomic per ride.
type SeatStore interface {
	// ReserveSeats decrements seatsRemaining by n when the ride is
	// active, departs after now, and has at least n seats left.
	// Fails with *ledger.InsufficientCapacityError or ErrInvalidState.
	ReserveSeats(ctx context.Context, rideID string, n int, now time.Time) error

	// RestoreSeats increments seatsRemaining by n, capped at totalSeats.
	// Restoring past totalSeats is an integrity violation.
	RestoreSeats(ctx context.Context, rideID string, n int) error
}

// AllocationStore persists seat holds.
type AllocationStore interface {
	Create(ctx context.Context, a Allocation) error
	Get(ctx context.Context, id string) (Allocation, error)

	// Claim attaches a booking to the hold, taking it out of the
	// orphan set.
	Claim(ctx context.Context, id, bookingID string) error

	// MarkReleased sets ReleasedAt once. Returns false when the hold
	// was already released (the caller treats that as a no-op).
	MarkReleased(ctx context.Context, id string, at time.Time) (bool, error)

	// Orphans returns unreleased, unclaimed allocations created before
	// the cutoff.
	Orphans(ctx context.Context, cutoff time.Time) ([]Allocation, error)
}

// StockStore mutates reward stock counters. Implementations must make
// each call atomic per reward.
type StockStore interface {
	// DecrementStock takes one unit of stock. A nil (unlimited) stock
	// bypasses the check entirely. Fails with
	// *ledger.InsufficientCapacityError when stock is exhausted.
	DecrementStock(ctx context.Context, rewardID string) error

	// RestoreStock returns one unit of stock. No-op for unlimited stock.
	RestoreStock(ctx context.Context, rewardID string) error
}

// =============================================================================
// ALLOCATOR
// =============================================================================

// Allocator is the only component permitted to mutate seat and stock
// counters.
type Allocator struct {
	Seats       SeatStore
	Allocations AllocationStore
	Stock       StockStore

	clock func() time.Time
}

func NewAllocator(seats SeatStore, allocations AllocationStore, stock StockStore) *Allocator {
	return &Allocator{
		Seats:       seats,
		Allocations: allocations,
		Stock:       stock,
		clock:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (al *Allocator) WithClock(clock func() time.Time) *Allocator {
	al.clock = clock
	return al
}

// TryAllocate grants a seat hold, decrementing the ride's counter as part
// of the same atomic step as the capacity check.
func (al *Allocator) TryAllocate(ctx context.Context, rideID string, seats int) (Allocation, error) {
	if seats <= 0 {
		return Allocation{}, &ledger.IntegrityError{Key: rideID, Detail: "non-positive seat request"}
	}

	now := al.clock().UTC()
	if err := al.Seats.ReserveSeats(ctx, rideID, seats, now); err != nil {
		return Allocation{}, err
	}

	a := Allocation{
		ID:        uuid.NewString(),
		RideID:    rideID,
		Seats:     seats,
		CreatedAt: now,
	}
	if err := al.Allocations.Create(ctx, a); err != nil {
		// The counter was already decremented; give the seats back so
		// the hold never exists half-made.
		_ = al.Seats.RestoreSeats(ctx, rideID, seats)
		return Allocation{}, err
	}
	return a, nil
}

// Claim attaches a committed booking to a hold.
func (al *Allocator) Claim(ctx context.Context, allocationID, bookingID string) error {
	return al.Allocations.Claim(ctx, allocationID, bookingID)
}

// Release gives the seats back. Idempotent: releasing twice has no
// further effect; the second call is a no-op, not an error.
func (al *Allocator) Release(ctx context.Context, allocationID string) error {
	a, err := al.Allocations.Get(ctx, allocationID)
	if err != nil {
		return err
	}

	released, err := al.Allocations.MarkReleased(ctx, allocationID, al.clock().UTC())
	if err != nil {
		return err
	}
	if !released {
		return nil
	}
	return al.Seats.RestoreSeats(ctx, a.RideID, a.Seats)
}

// DecrementStock takes one unit of reward stock.
func (al *Allocator) DecrementStock(ctx context.Context, rewardID string) error {
	return al.Stock.DecrementStock(ctx, rewardID)
}

// RestoreStock returns one unit of reward stock.
func (al *Allocator) RestoreStock(ctx context.Context, rewardID string) error {
	return al.Stock.RestoreStock(ctx, rewardID)
}
