/*
rewards.go - redeem.RewardStore, inventory.StockStore, and
redeem.RedemptionStore implementations

STOCK CONTRACT:
  stock_remaining NULL means unlimited: the decrement's WHERE clause
  passes NULL through untouched, so unlimited rewards bypass the check
  entirely. For finite stock the check and the decrement are one
  conditional UPDATE, backstopped by the schema CHECK constraint.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/verdant/carpool-engine/inventory"
	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/redeem"
)

var (
	_ redeem.RewardStore     = (*Store)(nil)
	_ redeem.RedemptionStore = (*Store)(nil)
	_ inventory.StockStore   = (*Store)(nil)
)

// =============================================================================
// REWARD STORE
// =============================================================================

// CreateReward seeds a catalog item. Not part of the redemption
// workflow contract, but the catalog has to come from somewhere.
func (s *Store) CreateReward(ctx context.Context, r redeem.Reward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stock any
	if r.StockRemaining != nil {
		stock = *r.StockRemaining
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rewards (id, title, description, credit_cost, stock_remaining, expires_at, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Title, r.Description, r.CreditCost.String(), stock,
		nullTime(r.ExpiresAt), r.IsActive, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create reward: %w", err)
	}
	return nil
}

func (s *Store) Reward(ctx context.Context, id string) (redeem.Reward, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, credit_cost, stock_remaining, expires_at, is_active, created_at
		 FROM rewards WHERE id = ?`, id)
	r, err := scanReward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return redeem.Reward{}, notFound("reward", id)
	}
	return r, err
}

func (s *Store) ListRewards(ctx context.Context, activeOnly bool) ([]redeem.Reward, error) {
	query := `SELECT id, title, description, credit_cost, stock_remaining, expires_at, is_active, created_at
	          FROM rewards`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY credit_cost ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	defer rows.Close()

	var rewards []redeem.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

func scanReward(row rowScanner) (redeem.Reward, error) {
	var (
		r               redeem.Reward
		cost, createdAt string
		stock           sql.NullInt64
		expiresAt       sql.NullString
	)
	err := row.Scan(&r.ID, &r.Title, &r.Description, &cost, &stock, &expiresAt, &r.IsActive, &createdAt)
	if err != nil {
		return redeem.Reward{}, err
	}
	r.CreditCost = parseDecimal(cost)
	if stock.Valid {
		v := stock.Int64
		r.StockRemaining = &v
	}
	r.ExpiresAt = parseTimePtr(expiresAt)
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

// =============================================================================
// STOCK STORE
// =============================================================================

// DecrementStock takes one unit; NULL stock passes through unchanged,
// which is how unlimited rewards bypass the capacity check.
func (s *Store) DecrementStock(ctx context.Context, rewardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE rewards
		 SET stock_remaining = CASE WHEN stock_remaining IS NULL THEN NULL ELSE stock_remaining - 1 END
		 WHERE id = ? AND (stock_remaining IS NULL OR stock_remaining > 0)`,
		rewardID)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	exists, err := s.exists(ctx, "rewards", rewardID)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("reward", rewardID)
	}
	return &ledger.InsufficientCapacityError{
		Resource:  "stock",
		Key:       rewardID,
		Requested: 1,
		Remaining: 0,
	}
}

func (s *Store) RestoreStock(ctx context.Context, rewardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// No-op for unlimited stock.
	res, err := s.db.ExecContext(ctx,
		`UPDATE rewards SET stock_remaining = stock_remaining + 1
		 WHERE id = ? AND stock_remaining IS NOT NULL`,
		rewardID)
	if err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	exists, err := s.exists(ctx, "rewards", rewardID)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("reward", rewardID)
	}
	return nil
}

// =============================================================================
// REDEMPTION STORE
// =============================================================================

func (s *Store) CreateRedemption(ctx context.Context, r redeem.Redemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO redemptions (id, account_id, reward_id, credits_spent, code, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AccountID, r.RewardID, r.CreditsSpent.String(), r.Code,
		r.Status, formatTime(r.ExpiresAt), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create redemption: %w", err)
	}
	return nil
}

func (s *Store) RedemptionByCode(ctx context.Context, code string) (redeem.Redemption, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, reward_id, credits_spent, code, status, expires_at, created_at
		 FROM redemptions WHERE code = ?`, code)
	r, err := scanRedemption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return redeem.Redemption{}, fmt.Errorf("redemption code: %w", ledger.ErrNotFound)
	}
	return r, err
}

func (s *Store) RedemptionsByAccount(ctx context.Context, accountID ledger.AccountID) ([]redeem.Redemption, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, reward_id, credits_spent, code, status, expires_at, created_at
		 FROM redemptions WHERE account_id = ? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var redemptions []redeem.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		redemptions = append(redemptions, r)
	}
	return redemptions, rows.Err()
}

func scanRedemption(row rowScanner) (redeem.Redemption, error) {
	var (
		r                         redeem.Redemption
		spent, expires, createdAt string
	)
	err := row.Scan(&r.ID, &r.AccountID, &r.RewardID, &spent, &r.Code, &r.Status, &expires, &createdAt)
	if err != nil {
		return redeem.Redemption{}, err
	}
	r.CreditsSpent = parseDecimal(spent)
	r.ExpiresAt = parseTime(expires)
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

func (s *Store) TransitionRedemption(ctx context.Context, id string, from, to redeem.RedemptionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE redemptions SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition redemption: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	exists, err := s.exists(ctx, "redemptions", id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, notFound("redemption", id)
	}
	return false, nil
}
