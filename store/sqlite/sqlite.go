/*
Package sqlite provides the SQLite-backed implementation of every
storage interface in the engine.

PURPOSE:
  One durable store for the two append-only ledgers, the mutable seat
  and stock counters, bookings, redemptions, and account achievements.
  The same patterns apply to PostgreSQL - only minor dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement ever touches ledger_entries. The
  balance-sufficiency check for a debit and the insert run inside one
  SQL transaction, so no concurrent append on the same (account, kind)
  can observe the gap.

COUNTER ATOMICITY:
  Seat and stock counters are mutated only by conditional UPDATEs whose
  WHERE clause re-checks capacity; zero rows affected means the check
  failed. CHECK constraints backstop the invariants at the schema level,
  so an oversell would fail loudly rather than corrupt state.

CONCURRENCY:
  SQLite is opened in WAL mode (readers don't block, single writer at a
  time). The store serializes writes with a mutex, mirroring SQLite's
  single-writer nature; per-key serializability comes from the
  conditional updates and transactions, not from the mutex.

USAGE:
  store, err := sqlite.New("./data/carpool.db")
  if err != nil { ... }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps the in-memory database coherent and
	// sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Value events (append-only; the wallet and carbon ledgers share
	-- this table, keyed by kind)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT NOT NULL,
		related_id TEXT,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account_kind
		ON ledger_entries(account_id, kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_related
		ON ledger_entries(related_id) WHERE related_id IS NOT NULL;

	-- Accounts (display aggregates only; balances are always derived)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		total_rides_completed INTEGER NOT NULL DEFAULT 0,
		total_distance_traveled TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	-- Ride offers (seat counter mutated only via conditional updates)
	CREATE TABLE IF NOT EXISTS rides (
		id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		departure_time TEXT NOT NULL,
		total_seats INTEGER NOT NULL,
		seats_remaining INTEGER NOT NULL,
		price_per_seat TEXT NOT NULL,
		distance_km TEXT NOT NULL,
		co2_saved_kg TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		CHECK (seats_remaining >= 0 AND seats_remaining <= total_seats)
	);

	CREATE INDEX IF NOT EXISTS idx_rides_status
		ON rides(status, departure_time);
	CREATE INDEX IF NOT EXISTS idx_rides_driver
		ON rides(driver_id);

	-- Seat holds (for idempotent release and orphan recovery)
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		ride_id TEXT NOT NULL,
		seats INTEGER NOT NULL,
		booking_id TEXT,
		created_at TEXT NOT NULL,
		released_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_orphans
		ON allocations(created_at) WHERE released_at IS NULL AND booking_id IS NULL;

	-- Bookings
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		ride_id TEXT NOT NULL,
		passenger_id TEXT NOT NULL,
		seats INTEGER NOT NULL,
		amount_charged TEXT NOT NULL,
		status TEXT NOT NULL,
		allocation_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_ride
		ON bookings(ride_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_passenger
		ON bookings(passenger_id);

	-- Rewards (stock counter mutated only via conditional updates;
	-- NULL stock = unlimited)
	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		credit_cost TEXT NOT NULL,
		stock_remaining INTEGER,
		expires_at TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		CHECK (stock_remaining IS NULL OR stock_remaining >= 0)
	);

	-- Redemptions (append-only except for status transition)
	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		reward_id TEXT NOT NULL,
		credits_spent TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_account
		ON redemptions(account_id);

	-- Account achievements (the uniqueness invariant lives in the
	-- primary key: at most one row per pair, ever)
	CREATE TABLE IF NOT EXISTS account_achievements (
		account_id TEXT NOT NULL,
		achievement_id TEXT NOT NULL,
		earned_at TEXT NOT NULL,
		PRIMARY KEY (account_id, achievement_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout is RFC3339 with fixed-width nanoseconds. Unlike
// RFC3339Nano it never trims trailing zeros, so stored UTC timestamps
// compare correctly as strings in SQL (orphan cutoffs, departure checks).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// exists reports whether a row with the given id exists in a table.
func (s *Store) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

// notFound maps a missing row to ledger.ErrNotFound.
func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ledger.ErrNotFound)
}
