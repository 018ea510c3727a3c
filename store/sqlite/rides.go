/*
rides.go - booking.RideStore, inventory.SeatStore, and
inventory.AllocationStore implementations

COUNTER CONTRACT:
  seats_remaining is only ever touched by the two conditional UPDATEs in
  this file. The WHERE clause carries the capacity check, so the check
  and the decrement are one atomic statement; the schema CHECK
  constraint backstops the 0..total_seats invariant.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/booking"
	"github.com/verdant/carpool-engine/inventory"
	"github.com/verdant/carpool-engine/ledger"
)

var (
	_ booking.RideStore         = (*Store)(nil)
	_ inventory.SeatStore       = (*Store)(nil)
	_ inventory.AllocationStore = (*Store)(nil)
)

// =============================================================================
// RIDE STORE
// =============================================================================

func (s *Store) CreateRide(ctx context.Context, r booking.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rides
		 (id, driver_id, source, destination, departure_time, total_seats, seats_remaining,
		  price_per_seat, distance_km, co2_saved_kg, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DriverID, r.Source, r.Destination,
		formatTime(r.DepartureTime), r.TotalSeats, r.SeatsRemaining,
		r.PricePerSeat.String(), r.DistanceKM.String(), r.CO2SavedKG.String(),
		r.Status, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create ride: %w", err)
	}
	return nil
}

func (s *Store) Ride(ctx context.Context, id string) (booking.Ride, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, driver_id, source, destination, departure_time, total_seats, seats_remaining,
		        price_per_seat, distance_km, co2_saved_kg, status, created_at
		 FROM rides WHERE id = ?`, id)
	return scanRide(row)
}

func (s *Store) ListRides(ctx context.Context) ([]booking.Ride, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, driver_id, source, destination, departure_time, total_seats, seats_remaining,
		        price_per_seat, distance_km, co2_saved_kg, status, created_at
		 FROM rides ORDER BY departure_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	defer rows.Close()

	var rides []booking.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, r)
	}
	return rides, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (booking.Ride, error) {
	var (
		r                                          booking.Ride
		departure, price, distance, co2, createdAt string
	)
	err := row.Scan(&r.ID, &r.DriverID, &r.Source, &r.Destination, &departure,
		&r.TotalSeats, &r.SeatsRemaining, &price, &distance, &co2, &r.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Ride{}, fmt.Errorf("ride: %w", ledger.ErrNotFound)
	}
	if err != nil {
		return booking.Ride{}, err
	}
	r.DepartureTime = parseTime(departure)
	r.PricePerSeat = parseDecimal(price)
	r.DistanceKM = parseDecimal(distance)
	r.CO2SavedKG = parseDecimal(co2)
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

func (s *Store) TransitionRide(ctx context.Context, id string, from, to booking.RideStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE rides SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition ride: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	exists, err := s.exists(ctx, "rides", id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, notFound("ride", id)
	}
	return false, nil
}

func (s *Store) UpdateRideDetails(ctx context.Context, id string, departure *time.Time, pricePerSeat *decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Only the closed set of updatable fields; everything else is
	// immutable or owned by the allocator.
	query := "UPDATE rides SET "
	var (
		sets []string
		args []any
	)
	if departure != nil {
		sets = append(sets, "departure_time = ?")
		args = append(args, formatTime(*departure))
	}
	if pricePerSeat != nil {
		sets = append(sets, "price_per_seat = ?")
		args = append(args, pricePerSeat.String())
	}
	if len(sets) == 0 {
		return true, nil
	}
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ? AND status = ?"
	args = append(args, id, booking.RideActive)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update ride: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	exists, err := s.exists(ctx, "rides", id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, notFound("ride", id)
	}
	return false, nil
}

// =============================================================================
// SEAT STORE
// =============================================================================

// ReserveSeats performs check-then-decrement as one conditional UPDATE.
func (s *Store) ReserveSeats(ctx context.Context, rideID string, n int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE rides SET seats_remaining = seats_remaining - ?
		 WHERE id = ? AND status = ? AND departure_time > ? AND seats_remaining >= ?`,
		n, rideID, booking.RideActive, formatTime(now), n)
	if err != nil {
		return fmt.Errorf("failed to reserve seats: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}

	// Diagnose why the conditional update matched nothing.
	ride, err := s.Ride(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.Status != booking.RideActive {
		return fmt.Errorf("%w: ride %s is %s", ledger.ErrInvalidState, rideID, ride.Status)
	}
	if !ride.DepartureTime.After(now) {
		return fmt.Errorf("%w: ride %s has departed", ledger.ErrInvalidState, rideID)
	}
	return &ledger.InsufficientCapacityError{
		Resource:  "seats",
		Key:       rideID,
		Requested: n,
		Remaining: ride.SeatsRemaining,
	}
}

func (s *Store) RestoreSeats(ctx context.Context, rideID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE rides SET seats_remaining = seats_remaining + ?
		 WHERE id = ? AND seats_remaining + ? <= total_seats`,
		n, rideID, n)
	if err != nil {
		return fmt.Errorf("failed to restore seats: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}
	exists, err := s.exists(ctx, "rides", rideID)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("ride", rideID)
	}
	// Restoring past total_seats means a release ran without a matching
	// reservation. That is never correctable silently.
	return &ledger.IntegrityError{Key: rideID, Detail: "seat restore would exceed total seats"}
}

// =============================================================================
// ALLOCATION STORE
// =============================================================================

func (s *Store) Create(ctx context.Context, a inventory.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO allocations (id, ride_id, seats, booking_id, created_at, released_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.RideID, a.Seats, nullString(a.BookingID),
		formatTime(a.CreatedAt), nullTime(a.ReleasedAt))
	if err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (inventory.Allocation, error) {
	var (
		a                     inventory.Allocation
		bookingID, releasedAt sql.NullString
		createdAt             string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ride_id, seats, booking_id, created_at, released_at
		 FROM allocations WHERE id = ?`, id).
		Scan(&a.ID, &a.RideID, &a.Seats, &bookingID, &createdAt, &releasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Allocation{}, notFound("allocation", id)
	}
	if err != nil {
		return inventory.Allocation{}, err
	}
	a.BookingID = bookingID.String
	a.CreatedAt = parseTime(createdAt)
	a.ReleasedAt = parseTimePtr(releasedAt)
	return a, nil
}

func (s *Store) Claim(ctx context.Context, id, bookingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE allocations SET booking_id = ? WHERE id = ?`, bookingID, id)
	if err != nil {
		return fmt.Errorf("failed to claim allocation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return notFound("allocation", id)
	}
	return nil
}

// MarkReleased sets released_at exactly once; the conditional UPDATE is
// what makes Release idempotent under races.
func (s *Store) MarkReleased(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE allocations SET released_at = ? WHERE id = ? AND released_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark allocation released: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	exists, err := s.exists(ctx, "allocations", id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, notFound("allocation", id)
	}
	return false, nil
}

func (s *Store) Orphans(ctx context.Context, cutoff time.Time) ([]inventory.Allocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ride_id, seats, booking_id, created_at, released_at
		 FROM allocations
		 WHERE released_at IS NULL AND booking_id IS NULL AND created_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query orphans: %w", err)
	}
	defer rows.Close()

	var orphans []inventory.Allocation
	for rows.Next() {
		var (
			a                     inventory.Allocation
			bookingID, releasedAt sql.NullString
			createdAt             string
		)
		if err := rows.Scan(&a.ID, &a.RideID, &a.Seats, &bookingID, &createdAt, &releasedAt); err != nil {
			return nil, err
		}
		a.BookingID = bookingID.String
		a.CreatedAt = parseTime(createdAt)
		a.ReleasedAt = parseTimePtr(releasedAt)
		orphans = append(orphans, a)
	}
	return orphans, rows.Err()
}
