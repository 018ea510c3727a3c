/*
service.go - Ride lifecycle workflow

PURPOSE:
  Implements publish, book, cancel, update, and complete. Every
  multi-step path leaves the system in "nothing happened" or
  "everything happened": compensating actions undo committed steps when
  a later step fails, and idempotency keys keep replays from crediting
  twice.

NOTIFICATIONS:
  Dispatched after the atomic unit commits, best-effort. A failed
  notification never rolls anything back.
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/inventory"
	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/notify"
	"github.com/verdant/carpool-engine/progression"
	"github.com/verdant/carpool-engine/spend"
)

// Service orchestrates the ride lifecycle.
type Service struct {
	Rides       RideStore
	Bookings    BookingStore
	Accounts    AccountStore
	Allocator   *inventory.Allocator
	Coordinator *spend.Coordinator
	Progression *progression.Engine
	Notifier    notify.Dispatcher
	Log         zerolog.Logger

	clock func() time.Time
}

func NewService(rides RideStore, bookings BookingStore, accounts AccountStore,
	allocator *inventory.Allocator, coordinator *spend.Coordinator,
	prog *progression.Engine, notifier notify.Dispatcher, log zerolog.Logger) *Service {
	return &Service{
		Rides:       rides,
		Bookings:    bookings,
		Accounts:    accounts,
		Allocator:   allocator,
		Coordinator: coordinator,
		Progression: prog,
		Notifier:    notifier,
		Log:         log,
		clock:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// =============================================================================
// PUBLISH
// =============================================================================

// PublishInput carries the driver's offer plus the opaque numbers from
// the external route estimator.
type PublishInput struct {
	DriverID      ledger.AccountID
	Source        string
	Destination   string
	DepartureTime time.Time
	TotalSeats    int
	PricePerSeat  decimal.Decimal
	DistanceKM    decimal.Decimal
	CO2SavedKG    decimal.Decimal
}

// PublishRide creates the ride and credits the driver's own CO2 saving.
// This is the ONLY point where the driver's saving is credited - not at
// completion, not per booking.
func (s *Service) PublishRide(ctx context.Context, in PublishInput) (Ride, error) {
	if in.DriverID == "" {
		return Ride{}, fmt.Errorf("%w: missing driver", ledger.ErrInvalidState)
	}
	if in.TotalSeats <= 0 {
		return Ride{}, fmt.Errorf("%w: ride must offer at least one seat", ledger.ErrInvalidState)
	}
	if in.PricePerSeat.IsNegative() || in.DistanceKM.IsNegative() || in.CO2SavedKG.IsNegative() {
		return Ride{}, fmt.Errorf("%w: negative price, distance or CO2 figure", ledger.ErrInvalidState)
	}
	now := s.clock().UTC()
	if !in.DepartureTime.After(now) {
		return Ride{}, fmt.Errorf("%w: departure must be in the future", ledger.ErrInvalidState)
	}

	ride := Ride{
		ID:             uuid.NewString(),
		DriverID:       in.DriverID,
		Source:         in.Source,
		Destination:    in.Destination,
		DepartureTime:  in.DepartureTime.UTC(),
		TotalSeats:     in.TotalSeats,
		SeatsRemaining: in.TotalSeats,
		PricePerSeat:   in.PricePerSeat,
		DistanceKM:     in.DistanceKM,
		CO2SavedKG:     in.CO2SavedKG,
		Status:         RideActive,
		CreatedAt:      now,
	}
	if err := s.Rides.CreateRide(ctx, ride); err != nil {
		return Ride{}, err
	}

	if in.CO2SavedKG.IsPositive() {
		_, err := s.Coordinator.Earn(ctx, spend.EarnRequest{
			AccountID:      in.DriverID,
			Kind:           ledger.KindCarbon,
			Amount:         in.CO2SavedKG,
			Category:       ledger.CategoryPublishReward,
			RelatedID:      ride.ID,
			Description:    fmt.Sprintf("CO2 saved publishing %s -> %s", ride.Source, ride.Destination),
			IdempotencyKey: "ride-publish:" + ride.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return Ride{}, err
		}
	}

	s.Notifier.Dispatch(ctx, notify.Event{
		Type:      "ride_published",
		AccountID: string(in.DriverID),
		RelatedID: ride.ID,
		Message:   "ride published",
	})
	return ride, nil
}

// =============================================================================
// BOOK
// =============================================================================

// Book allocates seats, debits the passenger, credits the driver, and
// credits the passenger's prorated CO2 share.
func (s *Service) Book(ctx context.Context, rideID string, passengerID ledger.AccountID, seats int) (Booking, error) {
	ride, err := s.Rides.Ride(ctx, rideID)
	if err != nil {
		return Booking{}, err
	}
	if ride.DriverID == passengerID {
		return Booking{}, fmt.Errorf("%w: driver cannot book own ride", ledger.ErrInvalidState)
	}

	// Step 1: seat hold. The allocator revalidates status, departure,
	// and capacity atomically.
	alloc, err := s.Allocator.TryAllocate(ctx, rideID, seats)
	if err != nil {
		return Booking{}, err
	}

	// Reprice from a fresh read: a concurrent patch may have changed
	// the price between the validation read above and the hold. The
	// charge must reflect what the ride said after the seats were won.
	ride, err = s.Rides.Ride(ctx, rideID)
	if err != nil {
		if relErr := s.Allocator.Release(ctx, alloc.ID); relErr != nil {
			s.Log.Error().Err(relErr).Str("allocation_id", alloc.ID).Msg("failed to release allocation after ride re-read failure")
		}
		return Booking{}, err
	}

	bookingID := uuid.NewString()
	price := ride.PricePerSeat.Mul(decimal.NewFromInt(int64(seats)))

	// Step 2: wallet debit. On failure the hold from step 1 is released
	// - the two atomic units together behave transactionally.
	if price.IsPositive() {
		_, err = s.Coordinator.Spend(ctx, spend.SpendRequest{
			AccountID:      passengerID,
			Kind:           ledger.KindWallet,
			Amount:         price,
			Category:       ledger.CategoryBookingPayment,
			RelatedID:      bookingID,
			Description:    fmt.Sprintf("Booking %d seat(s) on %s -> %s", seats, ride.Source, ride.Destination),
			IdempotencyKey: "booking-payment:" + bookingID,
		})
		if err != nil {
			if relErr := s.Allocator.Release(ctx, alloc.ID); relErr != nil {
				s.Log.Error().Err(relErr).Str("allocation_id", alloc.ID).Msg("failed to release allocation after spend failure")
			}
			return Booking{}, err
		}
	}

	b := Booking{
		ID:            bookingID,
		RideID:        rideID,
		PassengerID:   passengerID,
		Seats:         seats,
		AmountCharged: price,
		Status:        StatusConfirmed,
		AllocationID:  alloc.ID,
		CreatedAt:     s.clock().UTC(),
	}
	if err := s.Bookings.CreateBooking(ctx, b); err != nil {
		s.compensateFailedBooking(ctx, b)
		return Booking{}, err
	}
	if err := s.Allocator.Claim(ctx, alloc.ID, b.ID); err != nil {
		s.Log.Error().Err(err).Str("allocation_id", alloc.ID).Msg("failed to claim allocation")
	}

	// Step 3: the passenger's payment is a transfer, not destruction -
	// the driver's wallet receives the same amount. If the transfer
	// cannot land, the booking is backed out in full rather than left
	// with the payment destroyed.
	if price.IsPositive() {
		_, err = s.Coordinator.Earn(ctx, spend.EarnRequest{
			AccountID:      ride.DriverID,
			Kind:           ledger.KindWallet,
			Amount:         price,
			Category:       ledger.CategoryRideEarnings,
			RelatedID:      b.ID,
			Description:    fmt.Sprintf("Earnings from booking on %s -> %s", ride.Source, ride.Destination),
			IdempotencyKey: "booking-earnings:" + b.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			s.failBooking(ctx, ride, b, false)
			return Booking{}, err
		}
	}

	// Step 4: passenger's prorated share of the ride's CO2 saving. A
	// failure backs the booking out too, clawing the step-3 transfer
	// back from the driver.
	share := s.passengerShare(ride, seats)
	if share.IsPositive() {
		_, err = s.Coordinator.Earn(ctx, spend.EarnRequest{
			AccountID:      passengerID,
			Kind:           ledger.KindCarbon,
			Amount:         share,
			Category:       ledger.CategoryRideReward,
			RelatedID:      b.ID,
			Description:    fmt.Sprintf("CO2 share for booking on %s -> %s", ride.Source, ride.Destination),
			IdempotencyKey: "booking-co2:" + b.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			s.failBooking(ctx, ride, b, price.IsPositive())
			return Booking{}, err
		}
	}

	if _, err := s.Progression.Evaluate(ctx, passengerID); err != nil {
		s.Log.Error().Err(err).Str("account_id", string(passengerID)).Msg("progression evaluation failed")
	}

	s.Notifier.Dispatch(ctx, notify.Event{
		Type:      "booking_confirmed",
		AccountID: string(passengerID),
		RelatedID: b.ID,
		Message:   "booking confirmed",
	})
	return b, nil
}

// passengerShare prorates the ride's CO2 saving by booked seats.
func (s *Service) passengerShare(ride Ride, seats int) decimal.Decimal {
	if !ride.CO2SavedKG.IsPositive() || ride.TotalSeats <= 0 {
		return decimal.Zero
	}
	return ride.CO2SavedKG.
		Mul(decimal.NewFromInt(int64(seats))).
		DivRound(decimal.NewFromInt(int64(ride.TotalSeats)), 4)
}

// compensateFailedBooking undoes the debit and the hold when the booking
// row itself could not be written.
func (s *Service) compensateFailedBooking(ctx context.Context, b Booking) {
	if b.AmountCharged.IsPositive() {
		_, err := s.Coordinator.Earn(ctx, spend.EarnRequest{
			AccountID:      b.PassengerID,
			Kind:           ledger.KindWallet,
			Amount:         b.AmountCharged,
			Category:       ledger.CategoryRefund,
			RelatedID:      b.ID,
			Description:    "Refund for failed booking",
			IdempotencyKey: "booking-refund:" + b.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			s.Log.Error().Err(err).Str("booking_id", b.ID).Msg("failed to refund after booking write failure")
		}
	}
	if err := s.Allocator.Release(ctx, b.AllocationID); err != nil {
		s.Log.Error().Err(err).Str("allocation_id", b.AllocationID).Msg("failed to release allocation after booking write failure")
	}
}

// failBooking backs out a just-confirmed booking whose credit leg
// failed: the booking is cancelled, the passenger refunded, the seats
// released, and - when the driver transfer already landed - the
// earnings clawed back. The cancelled row keeps the audit trail; the
// idempotent refund and clawback keys make replays safe.
func (s *Service) failBooking(ctx context.Context, ride Ride, b Booking, clawback bool) {
	if _, err := s.Bookings.TransitionBooking(ctx, b.ID, StatusConfirmed, StatusCancelled); err != nil {
		s.Log.Error().Err(err).Str("booking_id", b.ID).Msg("failed to cancel booking after credit failure")
	}
	if b.AmountCharged.IsPositive() {
		_, err := s.Coordinator.Earn(ctx, spend.EarnRequest{
			AccountID:      b.PassengerID,
			Kind:           ledger.KindWallet,
			Amount:         b.AmountCharged,
			Category:       ledger.CategoryRefund,
			RelatedID:      b.ID,
			Description:    "Refund for failed booking",
			IdempotencyKey: "booking-refund:" + b.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			s.Log.Error().Err(err).Str("booking_id", b.ID).Msg("failed to refund after credit failure")
		}
	}
	if clawback && b.AmountCharged.IsPositive() {
		_, err := s.Coordinator.Spend(ctx, spend.SpendRequest{
			AccountID:      ride.DriverID,
			Kind:           ledger.KindWallet,
			Amount:         b.AmountCharged,
			Category:       ledger.CategoryReversal,
			RelatedID:      b.ID,
			Description:    "Reversal of earnings for failed booking",
			IdempotencyKey: "booking-clawback:" + b.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			s.Log.Error().Err(err).
				Str("booking_id", b.ID).
				Str("driver_id", string(ride.DriverID)).
				Msg("driver earnings clawback failed")
		}
	}
	if err := s.Allocator.Release(ctx, b.AllocationID); err != nil {
		s.Log.Error().Err(err).Str("allocation_id", b.AllocationID).Msg("failed to release allocation after credit failure")
	}
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel reverses a confirmed booking: compensating refund entry, seat
// release, and driver-earnings clawback. Idempotent - re-cancelling the
// same booking is a no-op.
func (s *Service) Cancel(ctx context.Context, bookingID string) error {
	b, err := s.Bookings.Booking(ctx, bookingID)
	if err != nil {
		return err
	}

	moved, err := s.Bookings.TransitionBooking(ctx, bookingID, StatusConfirmed, StatusCancelled)
	if err != nil {
		return err
	}
	if !moved {
		if b.Status == StatusCancelled {
			return nil
		}
		return fmt.Errorf("%w: booking %s is %s", ledger.ErrInvalidState, bookingID, b.Status)
	}

	ride, err := s.Rides.Ride(ctx, b.RideID)
	if err != nil {
		return err
	}

	// Refund is a compensating entry; the original debit stays in the
	// log. The idempotency key shields against replays.
	if b.AmountCharged.IsPositive() {
		_, err = s.Coordinator.Earn(ctx, spend.EarnRequest{
			AccountID:      b.PassengerID,
			Kind:           ledger.KindWallet,
			Amount:         b.AmountCharged,
			Category:       ledger.CategoryRefund,
			RelatedID:      b.ID,
			Description:    "Refund for cancelled booking",
			IdempotencyKey: "booking-refund:" + b.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return err
		}

		// Claw the transfer back from the driver. If the driver has
		// already spent it, the clawback fails without blocking the
		// passenger's cancellation; the shortfall is logged for
		// settlement.
		_, err = s.Coordinator.Spend(ctx, spend.SpendRequest{
			AccountID:      ride.DriverID,
			Kind:           ledger.KindWallet,
			Amount:         b.AmountCharged,
			Category:       ledger.CategoryReversal,
			RelatedID:      b.ID,
			Description:    "Reversal of earnings for cancelled booking",
			IdempotencyKey: "booking-clawback:" + b.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			s.Log.Error().Err(err).
				Str("booking_id", b.ID).
				Str("driver_id", string(ride.DriverID)).
				Msg("driver earnings clawback failed")
		}
	}

	if err := s.Allocator.Release(ctx, b.AllocationID); err != nil {
		return err
	}

	s.Notifier.Dispatch(ctx, notify.Event{
		Type:      "booking_cancelled",
		AccountID: string(b.PassengerID),
		RelatedID: b.ID,
		Message:   "booking cancelled",
	})
	return nil
}

// =============================================================================
// UPDATE
// =============================================================================

// RideUpdate is the closed set of updatable ride fields. Anything not
// listed here cannot be patched.
type RideUpdate struct {
	DepartureTime *time.Time
	PricePerSeat  *decimal.Decimal
}

// UpdateRide applies a validated partial update to an active ride.
func (s *Service) UpdateRide(ctx context.Context, rideID string, upd RideUpdate) error {
	if upd.DepartureTime == nil && upd.PricePerSeat == nil {
		return nil
	}
	if upd.DepartureTime != nil && !upd.DepartureTime.After(s.clock().UTC()) {
		return fmt.Errorf("%w: departure must be in the future", ledger.ErrInvalidState)
	}
	if upd.PricePerSeat != nil && upd.PricePerSeat.IsNegative() {
		return fmt.Errorf("%w: price per seat cannot be negative", ledger.ErrInvalidState)
	}

	ok, err := s.Rides.UpdateRideDetails(ctx, rideID, upd.DepartureTime, upd.PricePerSeat)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ride %s is not active", ledger.ErrInvalidState, rideID)
	}
	return nil
}

// =============================================================================
// COMPLETE / CANCEL RIDE
// =============================================================================

// CompleteRide moves the ride to its terminal completed state and bumps
// the aggregate counters for everyone on board, exactly once (the status
// compare-and-swap is the guard). No credit entries are written here.
func (s *Service) CompleteRide(ctx context.Context, rideID string) error {
	moved, err := s.Rides.TransitionRide(ctx, rideID, RideActive, RideCompleted)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: ride %s is not active", ledger.ErrInvalidState, rideID)
	}

	ride, err := s.Rides.Ride(ctx, rideID)
	if err != nil {
		return err
	}
	bookings, err := s.Bookings.BookingsByRide(ctx, rideID)
	if err != nil {
		return err
	}

	participants := []ledger.AccountID{ride.DriverID}
	for _, b := range bookings {
		if b.Status == StatusConfirmed {
			participants = append(participants, b.PassengerID)
		}
	}
	for _, accountID := range participants {
		if err := s.Accounts.AddRideAggregates(ctx, accountID, ride.DistanceKM); err != nil {
			return err
		}
		if _, err := s.Progression.Evaluate(ctx, accountID); err != nil {
			s.Log.Error().Err(err).Str("account_id", string(accountID)).Msg("progression evaluation failed")
		}
	}

	s.Notifier.Dispatch(ctx, notify.Event{
		Type:      "ride_completed",
		AccountID: string(ride.DriverID),
		RelatedID: rideID,
		Message:   "ride completed",
	})
	return nil
}

// CancelRide moves the ride to its terminal cancelled state and cancels
// every confirmed booking on it.
func (s *Service) CancelRide(ctx context.Context, rideID string) error {
	moved, err := s.Rides.TransitionRide(ctx, rideID, RideActive, RideCancelled)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: ride %s is not active", ledger.ErrInvalidState, rideID)
	}

	bookings, err := s.Bookings.BookingsByRide(ctx, rideID)
	if err != nil {
		return err
	}
	for _, b := range bookings {
		if b.Status != StatusConfirmed {
			continue
		}
		if err := s.Cancel(ctx, b.ID); err != nil {
			s.Log.Error().Err(err).Str("booking_id", b.ID).Msg("failed to cancel booking on ride cancellation")
		}
	}
	return nil
}
