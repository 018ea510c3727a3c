/*
catalog.go - Achievement catalog definitions and JSON loading

PURPOSE:
  Converts JSON achievement definitions into Achievement values. This
  enables catalog changes without code changes - the catalog can live in
  a config file or a database row and be reloaded on deploy.

JSON SCHEMA:
  [
    {
      "id": "first-ride",
      "title": "First Ride",
      "requirement_type": "rides_completed",
      "requirement_value": "1",
      "credit_reward": "10"
    }
  ]

  requirement_value and credit_reward are decimal strings so thresholds
  like "12.5" (kg CO2) round-trip exactly.

SEE ALSO:
  - progression.go: Engine that evaluates the catalog
*/
package progression

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// AchievementJSON is the JSON representation of a catalog row.
type AchievementJSON struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	RequirementType  string `json:"requirement_type"`
	RequirementValue string `json:"requirement_value"`
	CreditReward     string `json:"credit_reward,omitempty"`
}

var requirementTypes = map[string]RequirementType{
	string(RequirementRidesCompleted): RequirementRidesCompleted,
	string(RequirementDistance):       RequirementDistance,
	string(RequirementCO2Saved):       RequirementCO2Saved,
	string(RequirementCreditsEarned):  RequirementCreditsEarned,
}

// ParseCatalog converts a JSON document into a validated catalog.
func ParseCatalog(data []byte) ([]Achievement, error) {
	var rows []AchievementJSON
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("invalid achievement catalog: %w", err)
	}

	seen := make(map[string]bool, len(rows))
	catalog := make([]Achievement, 0, len(rows))
	for _, row := range rows {
		if row.ID == "" {
			return nil, fmt.Errorf("achievement with empty id")
		}
		if seen[row.ID] {
			return nil, fmt.Errorf("duplicate achievement id %q", row.ID)
		}
		seen[row.ID] = true

		req, ok := requirementTypes[row.RequirementType]
		if !ok {
			return nil, fmt.Errorf("achievement %q: unknown requirement type %q", row.ID, row.RequirementType)
		}

		threshold, err := decimal.NewFromString(row.RequirementValue)
		if err != nil || !threshold.IsPositive() {
			return nil, fmt.Errorf("achievement %q: invalid requirement value %q", row.ID, row.RequirementValue)
		}

		reward := decimal.Zero
		if row.CreditReward != "" {
			reward, err = decimal.NewFromString(row.CreditReward)
			if err != nil || reward.IsNegative() {
				return nil, fmt.Errorf("achievement %q: invalid credit reward %q", row.ID, row.CreditReward)
			}
		}

		catalog = append(catalog, Achievement{
			ID:           row.ID,
			Title:        row.Title,
			Requirement:  req,
			Threshold:    threshold,
			CreditReward: reward,
		})
	}
	return catalog, nil
}

// DefaultCatalog is the built-in achievement set.
func DefaultCatalog() []Achievement {
	return []Achievement{
		{ID: "first-ride", Title: "First Ride", Requirement: RequirementRidesCompleted, Threshold: decimal.NewFromInt(1), CreditReward: decimal.NewFromInt(10)},
		{ID: "ten-rides", Title: "Regular Rider", Requirement: RequirementRidesCompleted, Threshold: decimal.NewFromInt(10), CreditReward: decimal.NewFromInt(50)},
		{ID: "fifty-rides", Title: "Road Warrior", Requirement: RequirementRidesCompleted, Threshold: decimal.NewFromInt(50), CreditReward: decimal.NewFromInt(200)},
		{ID: "hundred-km", Title: "Century Traveler", Requirement: RequirementDistance, Threshold: decimal.NewFromInt(100), CreditReward: decimal.NewFromInt(25)},
		{ID: "thousand-km", Title: "Long Hauler", Requirement: RequirementDistance, Threshold: decimal.NewFromInt(1000), CreditReward: decimal.NewFromInt(100)},
		{ID: "co2-50", Title: "Air Cleaner", Requirement: RequirementCO2Saved, Threshold: decimal.NewFromInt(50), CreditReward: decimal.NewFromInt(30)},
		{ID: "co2-500", Title: "Climate Guardian", Requirement: RequirementCO2Saved, Threshold: decimal.NewFromInt(500), CreditReward: decimal.NewFromInt(150)},
		{ID: "credits-1000", Title: "Credit Collector", Requirement: RequirementCreditsEarned, Threshold: decimal.NewFromInt(1000), CreditReward: decimal.NewFromInt(75)},
	}
}
