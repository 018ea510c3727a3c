/*
accounts.go - booking.AccountStore and progression.AggregateSource
implementations

  Accounts carry display aggregates only. Balances never live here;
  they are always projected from ledger_entries.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/booking"
	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/progression"
)

var (
	_ booking.AccountStore        = (*Store)(nil)
	_ progression.AggregateSource = (*Store)(nil)
)

func (s *Store) CreateAccount(ctx context.Context, a booking.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, total_rides_completed, total_distance_traveled, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.TotalRidesCompleted, a.TotalDistanceTraveled.String(), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) Account(ctx context.Context, id ledger.AccountID) (booking.Account, error) {
	var (
		a                   booking.Account
		distance, createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, total_rides_completed, total_distance_traveled, created_at
		 FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.TotalRidesCompleted, &distance, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Account{}, notFound("account", string(id))
	}
	if err != nil {
		return booking.Account{}, err
	}
	a.TotalDistanceTraveled = parseDecimal(distance)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// AddRideAggregates bumps the completed-ride counters. Distance is kept
// as a decimal string, so the arithmetic happens here rather than in
// SQL; the store lock serializes the read-modify-write.
func (s *Store) AddRideAggregates(ctx context.Context, id ledger.AccountID, distance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT total_distance_traveled FROM accounts WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("account", string(id))
	}
	if err != nil {
		return err
	}

	total := parseDecimal(current).Add(distance)
	_, err = tx.ExecContext(ctx,
		`UPDATE accounts
		 SET total_rides_completed = total_rides_completed + 1,
		     total_distance_traveled = ?
		 WHERE id = ?`,
		total.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update aggregates: %w", err)
	}
	return tx.Commit()
}

// RideAggregates implements progression.AggregateSource. A missing
// account reads as zero aggregates rather than an error - progression
// may run before the account's first completed ride.
func (s *Store) RideAggregates(ctx context.Context, id ledger.AccountID) (int64, decimal.Decimal, error) {
	var (
		rides    int64
		distance string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT total_rides_completed, total_distance_traveled FROM accounts WHERE id = ?`, id).
		Scan(&rides, &distance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, decimal.Zero, nil
	}
	if err != nil {
		return 0, decimal.Zero, err
	}
	return rides, parseDecimal(distance), nil
}
