/*
achievements.go - progression.UnlockStore implementation

IDEMPOTENT UNLOCK:
  The (account_id, achievement_id) primary key enforces at-most-once.
  Insert maps the constraint violation to (false, nil) - already
  unlocked is a normal answer, not an error - which holds even when two
  evaluations race.
*/
package sqlite

import (
	"context"
	"fmt"

	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/progression"
)

var _ progression.UnlockStore = (*Store)(nil)

func (s *Store) Insert(ctx context.Context, u progression.Unlock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_achievements (account_id, achievement_id, earned_at)
		 VALUES (?, ?, ?)`,
		u.AccountID, u.AchievementID, formatTime(u.EarnedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert unlock: %w", err)
	}
	return true, nil
}

func (s *Store) ByAccount(ctx context.Context, accountID ledger.AccountID) ([]progression.Unlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, achievement_id, earned_at
		 FROM account_achievements WHERE account_id = ? ORDER BY earned_at ASC`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlocks: %w", err)
	}
	defer rows.Close()

	var unlocks []progression.Unlock
	for rows.Next() {
		var (
			u        progression.Unlock
			earnedAt string
		)
		if err := rows.Scan(&u.AccountID, &u.AchievementID, &earnedAt); err != nil {
			return nil, err
		}
		u.EarnedAt = parseTime(earnedAt)
		unlocks = append(unlocks, u)
	}
	return unlocks, rows.Err()
}
