// bookings.go - booking.BookingStore implementation
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/verdant/carpool-engine/booking"
	"github.com/verdant/carpool-engine/ledger"
)

var _ booking.BookingStore = (*Store)(nil)

func (s *Store) CreateBooking(ctx context.Context, b booking.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bookings (id, ride_id, passenger_id, seats, amount_charged, status, allocation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.RideID, b.PassengerID, b.Seats, b.AmountCharged.String(),
		b.Status, b.AllocationID, formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func (s *Store) Booking(ctx context.Context, id string) (booking.Booking, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ride_id, passenger_id, seats, amount_charged, status, allocation_id, created_at
		 FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Booking{}, notFound("booking", id)
	}
	return b, err
}

func (s *Store) BookingsByRide(ctx context.Context, rideID string) ([]booking.Booking, error) {
	return s.queryBookings(ctx,
		`SELECT id, ride_id, passenger_id, seats, amount_charged, status, allocation_id, created_at
		 FROM bookings WHERE ride_id = ? ORDER BY created_at ASC`, rideID)
}

func (s *Store) BookingsByAccount(ctx context.Context, accountID ledger.AccountID) ([]booking.Booking, error) {
	return s.queryBookings(ctx,
		`SELECT id, ride_id, passenger_id, seats, amount_charged, status, allocation_id, created_at
		 FROM bookings WHERE passenger_id = ? ORDER BY created_at DESC`, accountID)
}

func (s *Store) queryBookings(ctx context.Context, query string, arg any) ([]booking.Booking, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func scanBooking(row rowScanner) (booking.Booking, error) {
	var (
		b                 booking.Booking
		amount, createdAt string
	)
	err := row.Scan(&b.ID, &b.RideID, &b.PassengerID, &b.Seats, &amount,
		&b.Status, &b.AllocationID, &createdAt)
	if err != nil {
		return booking.Booking{}, err
	}
	b.AmountCharged = parseDecimal(amount)
	b.CreatedAt = parseTime(createdAt)
	return b, nil
}

// TransitionBooking is the status compare-and-swap behind idempotent
// cancellation.
func (s *Store) TransitionBooking(ctx context.Context, id string, from, to booking.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE bookings SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition booking: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	exists, err := s.exists(ctx, "bookings", id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, notFound("booking", id)
	}
	return false, nil
}
