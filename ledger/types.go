/*
Package ledger provides the core value-ledger engine.

PURPOSE:
  This package contains the types and algorithms for tracking account value
  as derived sums over append-only event logs. Two independent ledgers share
  the same machinery: a monetary wallet ledger and a carbon-credit ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: Which ledger an entry belongs to (wallet or carbon credit)
  - Category: Why value moved (earn, spend, transfer, reversal)
  - Entry: An immutable ledger record with a signed decimal amount

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derivation: Balance is always computed by folding entries - there is
     no mutable "balance" field that can drift out of sync
  4. Idempotency: Every credit tied to a source event carries an idempotency
     key, so the same event can never pay out twice

SEE ALSO:
  - ledger.go: Append path and persistence interface
  - projector.go: Balance and category-total derivation
  - level.go: Tier derivation from lifetime-earned credits
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string

// =============================================================================
// KIND - Which ledger an entry belongs to
// =============================================================================

// Kind selects one of the two independent ledgers. Entries of different
// kinds never mix: balances, category totals, and sufficiency checks are
// always scoped to a single (account, kind) pair.
type Kind string

const (
	KindWallet Kind = "wallet"
	KindCarbon Kind = "carbon_credit"
)

// Valid reports whether k is a known ledger kind.
func (k Kind) Valid() bool {
	return k == KindWallet || k == KindCarbon
}

// =============================================================================
// CATEGORY - Why value moved
// =============================================================================

type Category string

const (
	// Earning categories (positive amounts).
	CategoryRideReward    Category = "ride_reward"    // passenger CO2 share, credited at booking
	CategoryPublishReward Category = "publish_reward" // driver CO2 saving, credited at publish
	CategoryAchievement   Category = "achievement"    // achievement unlock reward
	CategoryRideEarnings  Category = "ride_earnings"  // driver wallet income from a booking
	CategoryTopUp         Category = "top_up"         // wallet deposit
	CategoryPurchase      Category = "purchase"       // purchased carbon offsets
	CategoryBonus         Category = "bonus"          // promotional credit

	// Spending categories (negative amounts).
	CategoryRedemption     Category = "redemption"      // reward redeemed with carbon credits
	CategoryBookingPayment Category = "booking_payment" // passenger wallet debit for a booking

	// Compensating categories. Reversals restore value without deleting
	// history; a refund is positive, a reversal claws back a prior credit.
	CategoryRefund   Category = "refund"
	CategoryReversal Category = "reversal"
)

// =============================================================================
// ENTRY - Immutable ledger record
// =============================================================================

// Entry is a single signed value event. Once written it is never updated
// or deleted; corrections are made by appending a compensating entry with
// the opposite sign.
type Entry struct {
	ID        EntryID
	AccountID AccountID
	Kind      Kind
	Amount    decimal.Decimal
	Category  Category

	// RelatedID links the entry to the source event (booking, ride,
	// redemption, achievement). Empty when there is no source entity.
	RelatedID   string
	Description string

	// IdempotencyKey makes "credit exactly once per source event"
	// enforceable at write time. Empty keys are not deduplicated.
	IdempotencyKey string

	CreatedAt time.Time
}

// IsDebit reports whether the entry decreases the balance.
func (e Entry) IsDebit() bool {
	return e.Amount.IsNegative()
}
