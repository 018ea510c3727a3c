/*
handlers.go - HTTP handlers

PURPOSE:
  Translates HTTP requests into service calls and domain errors into
  status codes. Handlers own no business logic; every rule lives in the
  services they call.

ERROR MAPPING:
  400 - malformed JSON, failed validation, unparsable decimals
  404 - ErrNotFound
  409 - insufficient balance/capacity, invalid state, concurrency conflict
  500 - integrity violations and everything else

IDENTITY:
  Account IDs arrive from the route or body. Authentication is the
  gateway's job; by the time a request reaches this engine the caller
  is trusted.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/verdant/carpool-engine/booking"
	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/progression"
	"github.com/verdant/carpool-engine/redeem"
	"github.com/verdant/carpool-engine/spend"
)

// Handler bundles the engine's services behind the HTTP surface.
type Handler struct {
	Ledger      *ledger.Ledger
	Projector   *ledger.Projector
	Coordinator *spend.Coordinator
	Bookings    *booking.Service
	Redemptions *redeem.Service
	Progression *progression.Engine

	Accounts booking.AccountStore
	Rides    booking.RideStore
	Books    booking.BookingStore
	Rewards  redeem.RewardStore
	Vouchers redeem.RedemptionStore

	Log zerolog.Logger

	validate *validator.Validate
}

func NewHandler(
	lg *ledger.Ledger, projector *ledger.Projector, coordinator *spend.Coordinator,
	bookings *booking.Service, redemptions *redeem.Service, prog *progression.Engine,
	accounts booking.AccountStore, rides booking.RideStore, books booking.BookingStore,
	rewards redeem.RewardStore, vouchers redeem.RedemptionStore,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		Ledger:      lg,
		Projector:   projector,
		Coordinator: coordinator,
		Bookings:    bookings,
		Redemptions: redemptions,
		Progression: prog,
		Accounts:    accounts,
		Rides:       rides,
		Books:       books,
		Rewards:     rewards,
		Vouchers:    vouchers,
		Log:         log,
		validate:    validator.New(),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var balErr *ledger.InsufficientBalanceError
	var capErr *ledger.InsufficientCapacityError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &balErr):
		status = http.StatusConflict
		resp.Error = "insufficient balance"
		resp.Details = err.Error()
		resp.Required = balErr.Required.String()
		resp.Current = balErr.Current.String()
	case errors.As(err, &capErr):
		status = http.StatusConflict
		resp.Error = "insufficient capacity"
		resp.Details = err.Error()
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrConcurrencyConflict):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrIntegrityViolation):
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("ledger integrity violation")
	default:
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

// decodeAndValidate decodes the JSON body into v and runs struct
// validation. Writes the 400 itself and returns false on failure.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.badRequest(w, "validation failed: "+err.Error())
		return false
	}
	return true
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	a := booking.Account{
		ID:        ledger.AccountID(req.ID),
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Accounts.CreateAccount(r.Context(), a); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": string(a.ID)})
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))
	ctx := r.Context()

	a, err := h.Accounts.Account(ctx, accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	wallet, err := h.Projector.Balance(ctx, accountID, ledger.KindWallet)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	carbon, err := h.Projector.Balance(ctx, accountID, ledger.KindCarbon)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	earned, err := h.Projector.LifetimeEarned(ctx, accountID, ledger.KindCarbon)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	byCategory, err := h.Projector.TotalsByCategory(ctx, accountID, ledger.KindCarbon)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	categories := make(map[string]string, len(byCategory))
	for c, total := range byCategory {
		categories[string(c)] = total.String()
	}

	writeJSON(w, http.StatusOK, AccountSummaryDTO{
		ID:                    string(a.ID),
		Name:                  a.Name,
		WalletBalance:         wallet.String(),
		CarbonBalance:         carbon.String(),
		CarbonEarned:          earned.String(),
		Level:                 toLevelDTO(ledger.LevelFor(earned)),
		TotalRidesCompleted:   a.TotalRidesCompleted,
		TotalDistanceTraveled: a.TotalDistanceTraveled.String(),
		CarbonByCategory:      categories,
	})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))
	kind := ledger.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = ledger.KindCarbon
	}
	if !kind.Valid() {
		h.badRequest(w, "unknown ledger kind: "+string(kind))
		return
	}
	entries, err := h.Ledger.Entries(r.Context(), accountID, kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TopUp simulates an external payment-provider deposit into the wallet.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))
	var req TopUpRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	amount, ok := parseDecimal(req.Amount)
	if !ok || !amount.IsPositive() {
		h.badRequest(w, "amount must be a positive decimal")
		return
	}
	entry, err := h.Coordinator.Earn(r.Context(), spend.EarnRequest{
		AccountID:   accountID,
		Kind:        ledger.KindWallet,
		Amount:      amount,
		Category:    ledger.CategoryTopUp,
		Description: "Wallet top-up",
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))
	unlocks, err := h.Progression.Unlocks.ByAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAchievementDTOs(h.Progression.Catalog, unlocks))
}

func (h *Handler) ListAccountBookings(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))
	bookings, err := h.Books.BookingsByAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]BookingDTO, len(bookings))
	for i, b := range bookings {
		dtos[i] = toBookingDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListAccountRedemptions(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "accountID"))
	redemptions, err := h.Vouchers.RedemptionsByAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]RedemptionDTO, len(redemptions))
	for i, rd := range redemptions {
		dtos[i] = toRedemptionDTO(rd)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RIDES
// =============================================================================

func (h *Handler) PublishRide(w http.ResponseWriter, r *http.Request) {
	var req PublishRideRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	departure, err := time.Parse(time.RFC3339, req.DepartureTime)
	if err != nil {
		h.badRequest(w, "departure_time must be RFC3339")
		return
	}
	price, ok1 := parseDecimal(req.PricePerSeat)
	distance, ok2 := parseDecimal(req.DistanceKM)
	co2, ok3 := parseDecimal(req.CO2SavedKG)
	if !ok1 || !ok2 || !ok3 {
		h.badRequest(w, "price_per_seat, distance_km and co2_saved_kg must be decimals")
		return
	}

	ride, err := h.Bookings.PublishRide(r.Context(), booking.PublishInput{
		DriverID:      ledger.AccountID(req.DriverID),
		Source:        req.Source,
		Destination:   req.Destination,
		DepartureTime: departure,
		TotalSeats:    req.TotalSeats,
		PricePerSeat:  price,
		DistanceKM:    distance,
		CO2SavedKG:    co2,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRideDTO(ride))
}

func (h *Handler) ListRides(w http.ResponseWriter, r *http.Request) {
	rides, err := h.Rides.ListRides(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]RideDTO, len(rides))
	for i, ride := range rides {
		dtos[i] = toRideDTO(ride)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := h.Rides.Ride(r.Context(), chi.URLParam(r, "rideID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideDTO(ride))
}

func (h *Handler) UpdateRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	var req UpdateRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	var upd booking.RideUpdate
	if req.DepartureTime != nil {
		t, err := time.Parse(time.RFC3339, *req.DepartureTime)
		if err != nil {
			h.badRequest(w, "departure_time must be RFC3339")
			return
		}
		upd.DepartureTime = &t
	}
	if req.PricePerSeat != nil {
		p, ok := parseDecimal(*req.PricePerSeat)
		if !ok {
			h.badRequest(w, "price_per_seat must be a decimal")
			return
		}
		upd.PricePerSeat = &p
	}

	if err := h.Bookings.UpdateRide(r.Context(), rideID, upd); err != nil {
		h.writeError(w, r, err)
		return
	}
	ride, err := h.Rides.Ride(r.Context(), rideID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideDTO(ride))
}

func (h *Handler) CompleteRide(w http.ResponseWriter, r *http.Request) {
	if err := h.Bookings.CompleteRide(r.Context(), chi.URLParam(r, "rideID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(booking.RideCompleted)})
}

func (h *Handler) CancelRide(w http.ResponseWriter, r *http.Request) {
	if err := h.Bookings.CancelRide(r.Context(), chi.URLParam(r, "rideID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(booking.RideCancelled)})
}

// =============================================================================
// BOOKINGS
// =============================================================================

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	var req BookRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	b, err := h.Bookings.Book(r.Context(), rideID, ledger.AccountID(req.PassengerID), req.Seats)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Books.Booking(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	if err := h.Bookings.Cancel(r.Context(), chi.URLParam(r, "bookingID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(booking.StatusCancelled)})
}

// =============================================================================
// REWARDS / REDEMPTIONS
// =============================================================================

func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Rewards.ListRewards(r.Context(), true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]RewardDTO, len(rewards))
	for i, rw := range rewards {
		dtos[i] = toRewardDTO(rw)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	rewardID := chi.URLParam(r, "rewardID")
	var req RedeemRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	rd, err := h.Redemptions.Redeem(r.Context(), ledger.AccountID(req.AccountID), rewardID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRedemptionDTO(rd))
}

func (h *Handler) UseRedemption(w http.ResponseWriter, r *http.Request) {
	var req UseRedemptionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	rd, err := h.Redemptions.Use(r.Context(), req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(rd))
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
