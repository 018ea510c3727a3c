/*
ledger.go - Append-only ledger and its persistence contract

PURPOSE:
  The Ledger is the immutable source of truth for all balance changes.
  Every earn, spend, transfer, and reversal is recorded here. Balance is
  always computed by replaying entries - there is no separate "balance"
  field that can get out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. NON-NEGATIVE: A debit whose post-append balance would go negative is
     rejected. The sufficiency check and the write are a single atomic
     unit - no read-then-write gap is visible to a concurrent append on
     the same (account, kind).
  3. IDEMPOTENT: Same idempotency key = same entry (no duplicates).

CORRECTIONS:
  If a mistake is made, you don't edit the entry. You append a
  compensating entry with the opposite sign and a reversal category.
  Both remain in the ledger; the net effect is the correction, and the
  history is preserved.

SEE ALSO:
  - store/memory.go: In-memory Store for testing and development
  - store/sqlite: Durable Store implementation
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Persistence contract (append-only)
// =============================================================================

// Store handles persistence of ledger entries.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
//
// Append must be serializable per (AccountID, Kind): the balance
// sufficiency check for a debit and the write happen as one atomic step.
// Appends on different keys must not block each other.
type Store interface {
	// Append persists an entry. For a debit it fails with
	// *InsufficientBalanceError when the post-append balance would be
	// negative, writing nothing. Fails with ErrDuplicateIdempotencyKey
	// when the entry's key was seen before.
	Append(ctx context.Context, e Entry) error

	// Entries returns all entries for an (account, kind) pair,
	// ordered by CreatedAt. Read-only.
	Entries(ctx context.Context, accountID AccountID, kind Kind) ([]Entry, error)

	// Exists checks whether an idempotency key was already written.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// LEDGER - Append path with validation
// =============================================================================

// Ledger wraps a Store with input validation and ID/timestamp assignment.
// It is the only write path into the value logs.
type Ledger struct {
	store Store
	clock func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// WithClock overrides the timestamp source. Used by tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append validates and persists an entry, returning the stored record.
// Callers must not infer the write succeeded without the returned entry.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.AccountID == "" {
		return Entry{}, &IntegrityError{Key: "entry", Detail: "missing account id"}
	}
	if !e.Kind.Valid() {
		return Entry{}, &IntegrityError{Key: string(e.AccountID), Detail: "unknown ledger kind " + string(e.Kind)}
	}
	if e.Amount.IsZero() {
		return Entry{}, &IntegrityError{Key: string(e.AccountID), Detail: "zero-amount entry"}
	}
	if e.ID == "" {
		e.ID = EntryID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock().UTC()
	}
	e.Description = strings.TrimSpace(e.Description)

	if err := l.store.Append(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Entries returns the full log for an (account, kind) pair.
func (l *Ledger) Entries(ctx context.Context, accountID AccountID, kind Kind) ([]Entry, error) {
	return l.store.Entries(ctx, accountID, kind)
}

// Exists reports whether a source event was already credited.
func (l *Ledger) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return l.store.Exists(ctx, idempotencyKey)
}

// Sum folds a slice of entries into a balance. Exposed so the projector
// and tests share one definition of "balance".
func Sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
