/*
Package redeem orchestrates reward redemptions: price lookup, atomic
spend with stock decrement, voucher issuance, and expiry assignment.

PURPOSE:
  A redemption must never commit halfway: the carbon-credit debit and
  the stock decrement succeed or fail together (the spend coordinator's
  contract), and a redemption record exists only when both did.

VOUCHER CODES:
  Codes are random, unguessable, and unique - generated from crypto/rand
  over an alphabet without ambiguous characters.

SEE ALSO:
  - spend: The atomic debit + capacity composition
  - inventory: Stock counters (nil stock = unlimited)
*/
package redeem

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/inventory"
	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/notify"
	"github.com/verdant/carpool-engine/spend"
)

// DefaultExpiry applies when a reward has no expiry date of its own.
const DefaultExpiry = 90 * 24 * time.Hour

// =============================================================================
// TYPES
// =============================================================================

// Reward is a catalog item purchasable with carbon credits.
type Reward struct {
	ID          string
	Title       string
	Description string
	CreditCost  decimal.Decimal

	// StockRemaining nil means unlimited.
	StockRemaining *int64

	// ExpiresAt, when set, overrides the default voucher expiry.
	ExpiresAt *time.Time

	IsActive  bool
	CreatedAt time.Time
}

type RedemptionStatus string

const (
	RedemptionActive  RedemptionStatus = "active"
	RedemptionUsed    RedemptionStatus = "used"
	RedemptionExpired RedemptionStatus = "expired"
)

// Redemption is an issued voucher. Created atomically with the ledger
// debit and stock decrement.
type Redemption struct {
	ID           string
	AccountID    ledger.AccountID
	RewardID     string
	CreditsSpent decimal.Decimal
	Code         string
	Status       RedemptionStatus
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// =============================================================================
// STORE CONTRACTS
// =============================================================================

type RewardStore interface {
	Reward(ctx context.Context, id string) (Reward, error)
	ListRewards(ctx context.Context, activeOnly bool) ([]Reward, error)
}

type RedemptionStore interface {
	CreateRedemption(ctx context.Context, r Redemption) error
	RedemptionByCode(ctx context.Context, code string) (Redemption, error)
	RedemptionsByAccount(ctx context.Context, accountID ledger.AccountID) ([]Redemption, error)

	// TransitionRedemption is the status compare-and-swap; false when
	// the current status differs from the expected one.
	TransitionRedemption(ctx context.Context, id string, from, to RedemptionStatus) (bool, error)
}

// =============================================================================
// SERVICE
// =============================================================================

// Service runs the redemption workflow.
type Service struct {
	Rewards     RewardStore
	Redemptions RedemptionStore
	Allocator   *inventory.Allocator
	Coordinator *spend.Coordinator
	Notifier    notify.Dispatcher
	Log         zerolog.Logger

	clock func() time.Time
}

func NewService(rewards RewardStore, redemptions RedemptionStore,
	allocator *inventory.Allocator, coordinator *spend.Coordinator,
	notifier notify.Dispatcher, log zerolog.Logger) *Service {
	return &Service{
		Rewards:     rewards,
		Redemptions: redemptions,
		Allocator:   allocator,
		Coordinator: coordinator,
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

// Redeem exchanges carbon credits for a reward voucher. Fails with
// *ledger.InsufficientBalanceError or *ledger.InsufficientCapacityError;
// on any failure no redemption exists, no credits were spent, and no
// stock was consumed.
func (s *Service) Redeem(ctx context.Context, accountID ledger.AccountID, rewardID string) (Redemption, error) {
	reward, err := s.Rewards.Reward(ctx, rewardID)
	if err != nil {
		return Redemption{}, err
	}
	if !reward.IsActive {
		return Redemption{}, fmt.Errorf("%w: reward %s is inactive", ledger.ErrInvalidState, rewardID)
	}

	redemptionID := uuid.NewString()

	// The stock decrement rides inside the spend: both commit or
	// neither does. Unlimited stock bypasses the check in the store.
	_, err = s.Coordinator.Spend(ctx, spend.SpendRequest{
		AccountID:      accountID,
		Kind:           ledger.KindCarbon,
		Amount:         reward.CreditCost,
		Category:       ledger.CategoryRedemption,
		RelatedID:      redemptionID,
		Description:    "Redeemed: " + reward.Title,
		IdempotencyKey: "redemption:" + redemptionID,
		Capacity:       spend.StockDecrement(s.Allocator, rewardID),
	})
	if err != nil {
		return Redemption{}, err
	}

	now := s.clock().UTC()
	r := Redemption{
		ID:           redemptionID,
		AccountID:    accountID,
		RewardID:     rewardID,
		CreditsSpent: reward.CreditCost,
		Code:         NewVoucherCode(),
		Status:       RedemptionActive,
		ExpiresAt:    voucherExpiry(reward, now),
		CreatedAt:    now,
	}
	if err := s.Redemptions.CreateRedemption(ctx, r); err != nil {
		// The spend committed but the voucher didn't; give everything
		// back with compensating actions.
		if restoreErr := s.Allocator.RestoreStock(ctx, rewardID); restoreErr != nil {
			s.Log.Error().Err(restoreErr).Str("reward_id", rewardID).Msg("failed to restore stock after redemption write failure")
		}
		_, refundErr := s.Coordinator.Earn(ctx, spend.EarnRequest{
			AccountID:      accountID,
			Kind:           ledger.KindCarbon,
			Amount:         reward.CreditCost,
			Category:       ledger.CategoryReversal,
			RelatedID:      redemptionID,
			Description:    "Reversal of failed redemption",
			IdempotencyKey: "redemption-reversal:" + redemptionID,
		})
		if refundErr != nil && !errors.Is(refundErr, ledger.ErrDuplicateIdempotencyKey) {
			s.Log.Error().Err(refundErr).Str("redemption_id", redemptionID).Msg("failed to reverse failed redemption")
		}
		return Redemption{}, err
	}

	s.Notifier.Dispatch(ctx, notify.Event{
		Type:      "reward_redeemed",
		AccountID: string(accountID),
		RelatedID: r.ID,
		Message:   "reward redeemed: " + reward.Title,
	})
	return r, nil
}

// Use marks a voucher as used. Fails with ErrInvalidState when the
// voucher is already used or past its expiry.
func (s *Service) Use(ctx context.Context, code string) (Redemption, error) {
	r, err := s.Redemptions.RedemptionByCode(ctx, code)
	if err != nil {
		return Redemption{}, err
	}
	if r.Status != RedemptionActive {
		return Redemption{}, fmt.Errorf("%w: redemption is %s", ledger.ErrInvalidState, r.Status)
	}
	if s.clock().UTC().After(r.ExpiresAt) {
		// Lazily record the expiry; losing the race to another caller
		// is fine, the answer is the same.
		_, _ = s.Redemptions.TransitionRedemption(ctx, r.ID, RedemptionActive, RedemptionExpired)
		return Redemption{}, fmt.Errorf("%w: redemption expired at %s", ledger.ErrInvalidState, r.ExpiresAt.Format(time.RFC3339))
	}

	moved, err := s.Redemptions.TransitionRedemption(ctx, r.ID, RedemptionActive, RedemptionUsed)
	if err != nil {
		return Redemption{}, err
	}
	if !moved {
		return Redemption{}, fmt.Errorf("%w: redemption already used", ledger.ErrInvalidState)
	}
	r.Status = RedemptionUsed
	return r, nil
}

func voucherExpiry(reward Reward, now time.Time) time.Time {
	if reward.ExpiresAt != nil {
		return reward.ExpiresAt.UTC()
	}
	return now.Add(DefaultExpiry)
}

// =============================================================================
// VOUCHER CODES
// =============================================================================

// codeAlphabet omits 0/O/1/I/L to keep codes transcribable.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const codeLength = 20

// NewVoucherCode returns a random, unguessable voucher code. With 31^20
// possibilities, collisions are not a practical concern, and the store's
// unique index backstops them.
func NewVoucherCode() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf)
}
