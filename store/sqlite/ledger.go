/*
ledger.go - ledger.Store implementation

APPEND-ONLY CONTRACT:
  Append and nothing else. The sufficiency check for a debit and the
  insert run in one SQL transaction under the store's write lock, which
  is what makes "check-then-write" safe against a concurrent append on
  the same (account, kind).
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Append persists a ledger entry, enforcing the non-negative balance
// invariant at write time.
func (s *Store) Append(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if e.Amount.IsNegative() {
		balance, err := sumEntries(ctx, tx, e.AccountID, e.Kind)
		if err != nil {
			return err
		}
		if balance.Add(e.Amount).IsNegative() {
			return &ledger.InsufficientBalanceError{
				AccountID: e.AccountID,
				Kind:      e.Kind,
				Required:  e.Amount.Neg(),
				Current:   balance,
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries
		 (id, account_id, kind, amount, category, related_id, description, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.AccountID,
		e.Kind,
		e.Amount.String(),
		e.Category,
		nullString(e.RelatedID),
		e.Description,
		nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return tx.Commit()
}

// sumEntries folds amounts in decimal; amounts are stored as exact
// strings, never as floats.
func sumEntries(ctx context.Context, tx *sql.Tx, accountID ledger.AccountID, kind ledger.Kind) (decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT amount FROM ledger_entries WHERE account_id = ? AND kind = ?`,
		accountID, kind)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load amounts: %w", err)
	}
	defer rows.Close()

	balance := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		balance = balance.Add(parseDecimal(amount))
	}
	return balance, rows.Err()
}

// Entries returns the full log for an (account, kind) pair in append
// order.
func (s *Store) Entries(ctx context.Context, accountID ledger.AccountID, kind ledger.Kind) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, kind, amount, category, related_id, description, idempotency_key, created_at
		 FROM ledger_entries
		 WHERE account_id = ? AND kind = ?
		 ORDER BY created_at ASC, rowid ASC`,
		accountID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                  ledger.Entry
			amount, createdAt  string
			relatedID, idemKey sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &amount, &e.Category,
			&relatedID, &e.Description, &idemKey, &createdAt); err != nil {
			return nil, err
		}
		e.Amount = parseDecimal(amount)
		e.RelatedID = relatedID.String
		e.IdempotencyKey = idemKey.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Exists checks whether an idempotency key was already written.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?",
		idempotencyKey).Scan(&n)
	return n > 0, err
}
