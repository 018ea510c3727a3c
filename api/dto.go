/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  internal domain model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator struct tags; handlers run them through
  a shared validator instance before touching domain logic.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/booking"
	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/progression"
	"github.com/verdant/carpool-engine/redeem"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type CreateAccountRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

type AccountSummaryDTO struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	WalletBalance         string            `json:"wallet_balance"`
	CarbonBalance         string            `json:"carbon_balance"`
	CarbonEarned          string            `json:"carbon_earned"`
	Level                 LevelDTO          `json:"level"`
	TotalRidesCompleted   int64             `json:"total_rides_completed"`
	TotalDistanceTraveled string            `json:"total_distance_traveled"`
	CarbonByCategory      map[string]string `json:"carbon_by_category"`
}

type LevelDTO struct {
	Number    int     `json:"number"`
	Name      string  `json:"name"`
	MinEarned string  `json:"min_earned"`
	NextAt    *string `json:"next_at,omitempty"`
}

type TopUpRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type EntryDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	RelatedID   string `json:"related_id,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type AchievementDTO struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Requirement  string `json:"requirement"`
	Threshold    string `json:"threshold"`
	CreditReward string `json:"credit_reward"`
	Earned       bool   `json:"earned"`
}

// =============================================================================
// RIDES
// =============================================================================

type PublishRideRequest struct {
	DriverID      string `json:"driver_id" validate:"required"`
	Source        string `json:"source" validate:"required"`
	Destination   string `json:"destination" validate:"required"`
	DepartureTime string `json:"departure_time" validate:"required"`
	TotalSeats    int    `json:"total_seats" validate:"required,gt=0"`
	PricePerSeat  string `json:"price_per_seat" validate:"required"`
	DistanceKM    string `json:"distance_km" validate:"required"`
	CO2SavedKG    string `json:"co2_saved_kg" validate:"required"`
}

type UpdateRideRequest struct {
	DepartureTime *string `json:"departure_time,omitempty"`
	PricePerSeat  *string `json:"price_per_seat,omitempty"`
}

type RideDTO struct {
	ID             string `json:"id"`
	DriverID       string `json:"driver_id"`
	Source         string `json:"source"`
	Destination    string `json:"destination"`
	DepartureTime  string `json:"departure_time"`
	TotalSeats     int    `json:"total_seats"`
	SeatsRemaining int    `json:"seats_remaining"`
	PricePerSeat   string `json:"price_per_seat"`
	DistanceKM     string `json:"distance_km"`
	CO2SavedKG     string `json:"co2_saved_kg"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

type BookRequest struct {
	PassengerID string `json:"passenger_id" validate:"required"`
	Seats       int    `json:"seats" validate:"required,gt=0"`
}

type BookingDTO struct {
	ID            string `json:"id"`
	RideID        string `json:"ride_id"`
	PassengerID   string `json:"passenger_id"`
	Seats         int    `json:"seats"`
	AmountCharged string `json:"amount_charged"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

// =============================================================================
// REWARDS / REDEMPTIONS
// =============================================================================

type RewardDTO struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	CreditCost     string  `json:"credit_cost"`
	StockRemaining *int64  `json:"stock_remaining,omitempty"`
	ExpiresAt      *string `json:"expires_at,omitempty"`
	IsActive       bool    `json:"is_active"`
}

type RedeemRequest struct {
	AccountID string `json:"account_id" validate:"required"`
}

type UseRedemptionRequest struct {
	Code string `json:"code" validate:"required"`
}

type RedemptionDTO struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	RewardID     string `json:"reward_id"`
	CreditsSpent string `json:"credits_spent"`
	Code         string `json:"code"`
	Status       string `json:"status"`
	ExpiresAt    string `json:"expires_at"`
	CreatedAt    string `json:"created_at"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse carries the machine-readable shortfall amounts when a
// spend fails, so clients can render "needs X, have Y".
type ErrorResponse struct {
	Error    string `json:"error"`
	Details  string `json:"details,omitempty"`
	Required string `json:"required,omitempty"`
	Current  string `json:"current,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRideDTO(r booking.Ride) RideDTO {
	return RideDTO{
		ID:             r.ID,
		DriverID:       string(r.DriverID),
		Source:         r.Source,
		Destination:    r.Destination,
		DepartureTime:  r.DepartureTime.Format(time.RFC3339),
		TotalSeats:     r.TotalSeats,
		SeatsRemaining: r.SeatsRemaining,
		PricePerSeat:   r.PricePerSeat.String(),
		DistanceKM:     r.DistanceKM.String(),
		CO2SavedKG:     r.CO2SavedKG.String(),
		Status:         string(r.Status),
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
	}
}

func toBookingDTO(b booking.Booking) BookingDTO {
	return BookingDTO{
		ID:            b.ID,
		RideID:        b.RideID,
		PassengerID:   string(b.PassengerID),
		Seats:         b.Seats,
		AmountCharged: b.AmountCharged.String(),
		Status:        string(b.Status),
		CreatedAt:     b.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:          string(e.ID),
		Kind:        string(e.Kind),
		Amount:      e.Amount.String(),
		Category:    string(e.Category),
		RelatedID:   e.RelatedID,
		Description: e.Description,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
}

func toRewardDTO(r redeem.Reward) RewardDTO {
	dto := RewardDTO{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		CreditCost:     r.CreditCost.String(),
		StockRemaining: r.StockRemaining,
		IsActive:       r.IsActive,
	}
	if r.ExpiresAt != nil {
		s := r.ExpiresAt.Format(time.RFC3339)
		dto.ExpiresAt = &s
	}
	return dto
}

func toRedemptionDTO(r redeem.Redemption) RedemptionDTO {
	return RedemptionDTO{
		ID:           r.ID,
		AccountID:    string(r.AccountID),
		RewardID:     r.RewardID,
		CreditsSpent: r.CreditsSpent.String(),
		Code:         r.Code,
		Status:       string(r.Status),
		ExpiresAt:    r.ExpiresAt.Format(time.RFC3339),
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
	}
}

func toLevelDTO(l ledger.Level) LevelDTO {
	dto := LevelDTO{
		Number:    l.Number,
		Name:      l.Name,
		MinEarned: l.MinEarned.String(),
	}
	if l.NextAt != nil {
		s := l.NextAt.String()
		dto.NextAt = &s
	}
	return dto
}

func toAchievementDTOs(catalog []progression.Achievement, unlocks []progression.Unlock) []AchievementDTO {
	earned := make(map[string]bool, len(unlocks))
	for _, u := range unlocks {
		earned[u.AchievementID] = true
	}
	dtos := make([]AchievementDTO, len(catalog))
	for i, a := range catalog {
		dtos[i] = AchievementDTO{
			ID:           a.ID,
			Title:        a.Title,
			Requirement:  string(a.Requirement),
			Threshold:    a.Threshold.String(),
			CreditReward: a.CreditReward.String(),
			Earned:       earned[a.ID],
		}
	}
	return dtos
}

// parseDecimal is shared by handlers that accept decimal strings.
func parseDecimal(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
