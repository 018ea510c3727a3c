/*
Package booking orchestrates the ride lifecycle: publication, seat
booking, cancellation, and completion.

PURPOSE:
  A booking spans two atomic units - the seat allocation and the wallet
  spend - that together must behave transactionally. The workflow
  composes them with compensating rollback: if the spend fails, the
  allocation is released on every exit path.

CREDITING TRIGGER POINTS:
  Carbon credits are earned at a fixed, enumerable set of points, each
  firing exactly once per source event (enforced by idempotency keys):

    1. ride-publish     -> driver's own CO2 saving, at publish only
    2. booking-confirmed -> passenger's prorated CO2 share
    3. achievement-unlock -> progression award

  NOTHING credits at ride completion. Completion only bumps the
  aggregate counters and re-evaluates progression.

SEE ALSO:
  - service.go: The workflow implementation
  - inventory: Seat allocation and release
  - spend: Wallet debits and credits
*/
package booking

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/ledger"
)

// =============================================================================
// RIDE OFFER
// =============================================================================

type RideStatus string

const (
	RideActive    RideStatus = "active"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// Ride is a published ride offer. SeatsRemaining is mutated only by the
// inventory allocator; status transitions to completed/cancelled are
// terminal, after which no further allocation is permitted.
type Ride struct {
	ID             string
	DriverID       ledger.AccountID
	Source         string
	Destination    string
	DepartureTime  time.Time
	TotalSeats     int
	SeatsRemaining int
	PricePerSeat   decimal.Decimal

	// DistanceKM and CO2SavedKG come from the external route estimator;
	// the engine treats them as opaque numeric inputs.
	DistanceKM decimal.Decimal
	CO2SavedKG decimal.Decimal

	Status    RideStatus
	CreatedAt time.Time
}

// =============================================================================
// BOOKING
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Booking is immutable except for its status transition.
type Booking struct {
	ID            string
	RideID        string
	PassengerID   ledger.AccountID
	Seats         int
	AmountCharged decimal.Decimal
	Status        Status

	// AllocationID links back to the seat hold so cancellation can
	// release exactly what was granted.
	AllocationID string

	CreatedAt time.Time
}

// =============================================================================
// ACCOUNT - Slowly-changing aggregate counters
// =============================================================================

// Account holds no mutable numeric balance (balances are always derived
// from the ledgers). The ride aggregates are display counters updated
// exactly once per completed ride.
type Account struct {
	ID                    ledger.AccountID
	Name                  string
	TotalRidesCompleted   int64
	TotalDistanceTraveled decimal.Decimal
	CreatedAt             time.Time
}

// =============================================================================
// STORE CONTRACTS
// =============================================================================

type RideStore interface {
	CreateRide(ctx context.Context, r Ride) error
	Ride(ctx context.Context, id string) (Ride, error)
	ListRides(ctx context.Context) ([]Ride, error)

	// TransitionRide moves the ride from one status to another as a
	// compare-and-swap. Returns false when the current status differs
	// from the expected one.
	TransitionRide(ctx context.Context, id string, from, to RideStatus) (bool, error)

	// UpdateRideDetails patches the closed set of updatable fields
	// (departure time, price per seat) while the ride is active.
	// Returns false when the ride is not active.
	UpdateRideDetails(ctx context.Context, id string, departure *time.Time, pricePerSeat *decimal.Decimal) (bool, error)
}

type BookingStore interface {
	CreateBooking(ctx context.Context, b Booking) error
	Booking(ctx context.Context, id string) (Booking, error)
	BookingsByRide(ctx context.Context, rideID string) ([]Booking, error)
	BookingsByAccount(ctx context.Context, accountID ledger.AccountID) ([]Booking, error)

	// TransitionBooking is the status compare-and-swap; false when the
	// current status differs from the expected one.
	TransitionBooking(ctx context.Context, id string, from, to Status) (bool, error)
}

type AccountStore interface {
	CreateAccount(ctx context.Context, a Account) error
	Account(ctx context.Context, id ledger.AccountID) (Account, error)

	// AddRideAggregates bumps the completed-ride counter by one and the
	// distance counter by the given amount.
	AddRideAggregates(ctx context.Context, id ledger.AccountID, distance decimal.Decimal) error
}
