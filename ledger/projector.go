/*
projector.go - Balance and category-total derivation

PURPOSE:
  Computes current balance for an account by folding its ledger entries.
  This is the single read path used by every other component; no other
  package computes a balance independently.

KEY DISTINCTION:
  Balance        = sum of ALL entries (earns minus spends)
  LifetimeEarned = sum of POSITIVE entries only

  Lifetime-earned drives level/tier derivation, so a level never
  decreases when credits are later spent.

INTEGRITY:
  A negative balance can only mean a Store bug - the append path rejects
  any debit that would go below zero. The projector surfaces this as
  ErrIntegrityViolation instead of silently returning the value.
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Projector derives read-side values from the ledger. It holds no state
// of its own; every answer is a fold over the append-only log.
type Projector struct {
	store Store
}

func NewProjector(store Store) *Projector {
	return &Projector{store: store}
}

// Balance returns the current balance for an (account, kind) pair,
// defined as the sum of all its entries' amounts.
func (p *Projector) Balance(ctx context.Context, accountID AccountID, kind Kind) (decimal.Decimal, error) {
	entries, err := p.store.Entries(ctx, accountID, kind)
	if err != nil {
		return decimal.Zero, err
	}
	total := Sum(entries)
	if total.IsNegative() {
		return total, &IntegrityError{
			Key:    string(accountID) + "/" + string(kind),
			Detail: "projected balance is negative: " + total.String(),
		}
	}
	return total, nil
}

// TotalsByCategory returns the signed sum per category. Used for
// "earned vs redeemed" displays and achievement progress.
func (p *Projector) TotalsByCategory(ctx context.Context, accountID AccountID, kind Kind) (map[Category]decimal.Decimal, error) {
	entries, err := p.store.Entries(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	totals := make(map[Category]decimal.Decimal)
	for _, e := range entries {
		totals[e.Category] = totals[e.Category].Add(e.Amount)
	}
	return totals, nil
}

// LifetimeEarned returns the sum of all positive entries for an
// (account, kind) pair. Spends and reversals never reduce it.
//
// All positive categories count, including purchased offsets and
// bonuses - the broad definition.
func (p *Projector) LifetimeEarned(ctx context.Context, accountID AccountID, kind Kind) (decimal.Decimal, error) {
	entries, err := p.store.Entries(ctx, accountID, kind)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		if e.Amount.IsPositive() {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

// EarnedInCategories returns the sum of positive entries restricted to the
// given categories. Used for CO2-saved style aggregates where purchased
// credits must not count.
func (p *Projector) EarnedInCategories(ctx context.Context, accountID AccountID, kind Kind, categories ...Category) (decimal.Decimal, error) {
	entries, err := p.store.Entries(ctx, accountID, kind)
	if err != nil {
		return decimal.Zero, err
	}
	wanted := make(map[Category]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}
	total := decimal.Zero
	for _, e := range entries {
		if e.Amount.IsPositive() && wanted[e.Category] {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}
