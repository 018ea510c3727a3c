/*
Package progression derives achievement-unlock state and user level from
ledger and ride aggregates.

PURPOSE:
  The engine is read-only over its inputs and holds no independent
  numeric state: everything it awards is derived from the same event
  logs the rest of the system writes. It is safe to call redundantly
  (e.g., after every ride completion) without double-awarding.

IDEMPOTENCY:
  Two guards make redundant evaluation safe:
  1. The unlock insert is a no-op (not an error) when the
     (account, achievement) row already exists.
  2. The credit award carries an idempotency key derived from the pair,
     so even a racing double-insert cannot pay out twice. The award is
     re-attempted on every evaluation, so an unlock whose credit failed
     mid-flight is healed by the next evaluation rather than stranded.

SEE ALSO:
  - catalog.go: Static achievement definitions and JSON loading
  - spend: Earn path used for awards
*/
package progression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/spend"
)

// =============================================================================
// TYPES
// =============================================================================

// RequirementType selects which lifetime aggregate an achievement
// measures.
type RequirementType string

const (
	RequirementRidesCompleted RequirementType = "rides_completed"
	RequirementDistance       RequirementType = "distance_traveled"
	RequirementCO2Saved       RequirementType = "co2_saved"
	RequirementCreditsEarned  RequirementType = "credits_earned"
)

// Achievement is a static catalog row.
type Achievement struct {
	ID           string
	Title        string
	Requirement  RequirementType
	Threshold    decimal.Decimal
	CreditReward decimal.Decimal
}

// Unlock records that an account earned an achievement. Written at most
// once per (account, achievement) pair.
type Unlock struct {
	AccountID     ledger.AccountID
	AchievementID string
	EarnedAt      time.Time
}

// Stats are the lifetime aggregates achievements are measured against.
type Stats struct {
	RidesCompleted   int64
	DistanceTraveled decimal.Decimal
	CO2Saved         decimal.Decimal
	CreditsEarned    decimal.Decimal
}

// Result reports the unlock state after an evaluation.
type Result struct {
	Unlocked      []Achievement
	NewlyUnlocked []Achievement
	Level         ledger.Level
	Stats         Stats
}

// =============================================================================
// STORE CONTRACTS
// =============================================================================

// UnlockStore persists account achievements.
type UnlockStore interface {
	// Insert writes the unlock, returning false (and no error) when the
	// (account, achievement) pair already exists.
	Insert(ctx context.Context, u Unlock) (bool, error)

	// ByAccount returns all unlocks for an account.
	ByAccount(ctx context.Context, accountID ledger.AccountID) ([]Unlock, error)
}

// AggregateSource supplies the slowly-changing per-account ride counters.
type AggregateSource interface {
	RideAggregates(ctx context.Context, accountID ledger.AccountID) (ridesCompleted int64, distanceTraveled decimal.Decimal, err error)
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine evaluates achievement thresholds and awards unlock rewards.
type Engine struct {
	Catalog     []Achievement
	Unlocks     UnlockStore
	Aggregates  AggregateSource
	Projector   *ledger.Projector
	Coordinator *spend.Coordinator

	clock func() time.Time
}

func NewEngine(catalog []Achievement, unlocks UnlockStore, aggregates AggregateSource, projector *ledger.Projector, coordinator *spend.Coordinator) *Engine {
	return &Engine{
		Catalog:     catalog,
		Unlocks:     unlocks,
		Aggregates:  aggregates,
		Projector:   projector,
		Coordinator: coordinator,
		clock:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (en *Engine) WithClock(clock func() time.Time) *Engine {
	en.clock = clock
	return en
}

// AccountStats derives the lifetime aggregates for an account.
func (en *Engine) AccountStats(ctx context.Context, accountID ledger.AccountID) (Stats, error) {
	rides, distance, err := en.Aggregates.RideAggregates(ctx, accountID)
	if err != nil {
		return Stats{}, err
	}
	// CO2 saved counts only ride-derived carbon, not purchases or
	// bonuses; credits-earned keeps the broad definition.
	co2, err := en.Projector.EarnedInCategories(ctx, accountID, ledger.KindCarbon,
		ledger.CategoryRideReward, ledger.CategoryPublishReward)
	if err != nil {
		return Stats{}, err
	}
	earned, err := en.Projector.LifetimeEarned(ctx, accountID, ledger.KindCarbon)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		RidesCompleted:   rides,
		DistanceTraveled: distance,
		CO2Saved:         co2,
		CreditsEarned:    earned,
	}, nil
}

// Evaluate compares each catalog achievement against the account's
// lifetime aggregates and awards anything newly crossed. Safe to call
// redundantly.
func (en *Engine) Evaluate(ctx context.Context, accountID ledger.AccountID) (Result, error) {
	stats, err := en.AccountStats(ctx, accountID)
	if err != nil {
		return Result{}, err
	}

	existing, err := en.Unlocks.ByAccount(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	have := make(map[string]bool, len(existing))
	for _, u := range existing {
		have[u.AchievementID] = true
	}

	result := Result{
		Level: ledger.LevelFor(stats.CreditsEarned),
		Stats: stats,
	}

	for _, a := range en.Catalog {
		if !a.met(stats) {
			continue
		}
		result.Unlocked = append(result.Unlocked, a)

		if !have[a.ID] {
			inserted, err := en.Unlocks.Insert(ctx, Unlock{
				AccountID:     accountID,
				AchievementID: a.ID,
				EarnedAt:      en.clock().UTC(),
			})
			if err != nil {
				return Result{}, err
			}
			if inserted {
				result.NewlyUnlocked = append(result.NewlyUnlocked, a)
			}
		}

		if !a.CreditReward.IsPositive() {
			continue
		}
		// The award runs on every evaluation, not only the one that
		// inserted the unlock: a failure between the insert and the
		// credit would otherwise strand the reward forever. Once paid,
		// the idempotency key turns the replay into a no-op.
		_, err = en.Coordinator.Earn(ctx, spend.EarnRequest{
			AccountID:      accountID,
			Kind:           ledger.KindCarbon,
			Amount:         a.CreditReward,
			Category:       ledger.CategoryAchievement,
			RelatedID:      a.ID,
			Description:    "Achievement unlocked: " + a.Title,
			IdempotencyKey: awardKey(accountID, a.ID),
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return Result{}, err
		}
	}

	return result, nil
}

func (a Achievement) met(s Stats) bool {
	switch a.Requirement {
	case RequirementRidesCompleted:
		return decimal.NewFromInt(s.RidesCompleted).GreaterThanOrEqual(a.Threshold)
	case RequirementDistance:
		return s.DistanceTraveled.GreaterThanOrEqual(a.Threshold)
	case RequirementCO2Saved:
		return s.CO2Saved.GreaterThanOrEqual(a.Threshold)
	case RequirementCreditsEarned:
		return s.CreditsEarned.GreaterThanOrEqual(a.Threshold)
	default:
		return false
	}
}

func awardKey(accountID ledger.AccountID, achievementID string) string {
	return fmt.Sprintf("achievement:%s:%s", accountID, achievementID)
}
