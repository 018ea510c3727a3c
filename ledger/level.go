/*
level.go - Tier derivation from lifetime-earned credits

PURPOSE:
  Maps an account's lifetime-earned carbon credits to a display level.
  The function is pure and total: defined for every input, saturating at
  the top tier. Because it reads lifetime-earned (not current balance),
  spending credits can never demote an account.
*/
package ledger

import "github.com/shopspring/decimal"

// Level is a derived display tier. Number runs 1..len(tiers); the last
// tier is open-ended.
type Level struct {
	Number int
	Name   string

	// MinEarned is the lifetime-earned threshold for this level.
	MinEarned decimal.Decimal

	// NextAt is the threshold for the next level, nil at the top.
	NextAt *decimal.Decimal
}

var tiers = []struct {
	min  int64
	name string
}{
	{0, "Seedling"},
	{100, "Sprout"},
	{500, "Green Commuter"},
	{1000, "Eco Rider"},
	{2500, "Route Master"},
	{5000, "Carbon Saver"},
	{10000, "Planet Champion"},
}

// LevelFor returns the level for a lifetime-earned total. Negative inputs
// clamp to the first level; inputs past the last threshold saturate at
// the top.
func LevelFor(lifetimeEarned decimal.Decimal) Level {
	idx := 0
	for i := len(tiers) - 1; i >= 0; i-- {
		if lifetimeEarned.GreaterThanOrEqual(decimal.NewFromInt(tiers[i].min)) {
			idx = i
			break
		}
	}

	level := Level{
		Number:    idx + 1,
		Name:      tiers[idx].name,
		MinEarned: decimal.NewFromInt(tiers[idx].min),
	}
	if idx+1 < len(tiers) {
		next := decimal.NewFromInt(tiers[idx+1].min)
		level.NextAt = &next
	}
	return level
}
