/*
handlers_test.go - HTTP-level tests

Exercises the full stack through the router: JSON contracts, status
codes, and the error mapping for domain failures.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant/carpool-engine/booking"
	"github.com/verdant/carpool-engine/inventory"
	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/notify"
	"github.com/verdant/carpool-engine/progression"
	"github.com/verdant/carpool-engine/redeem"
	"github.com/verdant/carpool-engine/spend"
	"github.com/verdant/carpool-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	lg := ledger.New(s)
	proj := ledger.NewProjector(s)
	coordinator := spend.NewCoordinator(lg, proj)
	allocator := inventory.NewAllocator(s, s, s)
	engine := progression.NewEngine(progression.DefaultCatalog(), s, s, proj, coordinator)
	bookings := booking.NewService(s, s, s, allocator, coordinator, engine, notify.Discard{}, zerolog.Nop())
	redemptions := redeem.NewService(s, s, allocator, coordinator, notify.Discard{}, zerolog.Nop())

	handler := NewHandler(lg, proj, coordinator, bookings, redemptions, engine,
		s, s, s, s, s, zerolog.Nop())
	server := httptest.NewServer(NewRouter(handler, []string{"*"}))
	t.Cleanup(server.Close)
	return server, s
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func createAccount(t *testing.T, server *httptest.Server, id string) {
	t.Helper()
	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/accounts",
		CreateAccountRequest{ID: id, Name: "Rider " + id})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func topUp(t *testing.T, server *httptest.Server, id, amount string) {
	t.Helper()
	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/accounts/"+id+"/topup",
		TopUpRequest{Amount: amount})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func publishRide(t *testing.T, server *httptest.Server, driver string, seats int) RideDTO {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/rides", PublishRideRequest{
		DriverID:      driver,
		Source:        "Lyon",
		Destination:   "Annecy",
		DepartureTime: time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
		TotalSeats:    seats,
		PricePerSeat:  "10",
		DistanceKM:    "140",
		CO2SavedKG:    "20",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var ride RideDTO
	require.NoError(t, json.Unmarshal(body, &ride))
	return ride
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

func TestAPI_AccountSummary(t *testing.T) {
	server, _ := newTestServer(t)
	createAccount(t, server, "acct-1")
	topUp(t, server, "acct-1", "50")

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/accounts/acct-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary AccountSummaryDTO
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, "50", summary.WalletBalance)
	assert.Equal(t, "0", summary.CarbonBalance)
	assert.Equal(t, "Seedling", summary.Level.Name)
}

func TestAPI_AccountNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, server.URL+"/api/accounts/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateAccount_ValidationFailure(t *testing.T) {
	server, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/accounts",
		CreateAccountRequest{ID: "", Name: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ListEntriesByKind(t *testing.T) {
	server, _ := newTestServer(t)
	createAccount(t, server, "acct-1")
	topUp(t, server, "acct-1", "50")

	resp, body := doJSON(t, http.MethodGet,
		server.URL+"/api/accounts/acct-1/entries?kind=wallet", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []EntryDTO
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "top_up", entries[0].Category)

	resp, _ = doJSON(t, http.MethodGet,
		server.URL+"/api/accounts/acct-1/entries?kind=points", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown kind")
}

// =============================================================================
// RIDE / BOOKING ENDPOINTS
// =============================================================================

func TestAPI_BookingFlow(t *testing.T) {
	// GIVEN: A published ride and a funded passenger
	// WHEN: Booking 2 seats over HTTP
	// THEN: The booking confirms and the ride's remaining seats drop

	server, _ := newTestServer(t)
	createAccount(t, server, "driver-1")
	createAccount(t, server, "passenger-1")
	topUp(t, server, "passenger-1", "100")
	ride := publishRide(t, server, "driver-1", 4)

	resp, body := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/rides/%s/bookings", server.URL, ride.ID),
		BookRequest{PassengerID: "passenger-1", Seats: 2})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var b BookingDTO
	require.NoError(t, json.Unmarshal(body, &b))
	assert.Equal(t, "confirmed", b.Status)
	assert.Equal(t, "20", b.AmountCharged)

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/rides/"+ride.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got RideDTO
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 2, got.SeatsRemaining)

	// Cancel over HTTP and verify the seats come back.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/bookings/"+b.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/rides/"+ride.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 4, got.SeatsRemaining)
}

func TestAPI_Booking_InsufficientBalance_409WithAmounts(t *testing.T) {
	// GIVEN: A passenger with 5 in the wallet facing a 20 charge
	// WHEN: Booking over HTTP
	// THEN: 409 with the machine-readable required/current amounts

	server, _ := newTestServer(t)
	createAccount(t, server, "driver-1")
	createAccount(t, server, "passenger-1")
	topUp(t, server, "passenger-1", "5")
	ride := publishRide(t, server, "driver-1", 4)

	resp, body := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/rides/%s/bookings", server.URL, ride.ID),
		BookRequest{PassengerID: "passenger-1", Seats: 2})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "insufficient balance", errResp.Error)
	assert.Equal(t, "20", errResp.Required)
	assert.Equal(t, "5", errResp.Current)
}

func TestAPI_RideLifecycleEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	createAccount(t, server, "driver-1")
	ride := publishRide(t, server, "driver-1", 4)

	newPrice := "15"
	resp, body := doJSON(t, http.MethodPatch, server.URL+"/api/rides/"+ride.ID,
		UpdateRideRequest{PricePerSeat: &newPrice})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated RideDTO
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "15", updated.PricePerSeat)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/rides/"+ride.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Completing twice conflicts with the terminal state.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/rides/"+ride.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// =============================================================================
// REWARD ENDPOINTS
// =============================================================================

func TestAPI_RedeemFlow(t *testing.T) {
	// GIVEN: An account holding carbon credits and an active reward
	// WHEN: Redeeming and then using the voucher over HTTP
	// THEN: Both calls succeed and the voucher transitions to used

	server, store := newTestServer(t)
	createAccount(t, server, "acct-1")
	ctx := context.Background()

	lg := ledger.New(store)
	_, err := lg.Append(ctx, ledger.Entry{
		AccountID: "acct-1", Kind: ledger.KindCarbon,
		Amount: decimal.NewFromInt(100), Category: ledger.CategoryRideReward,
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateReward(ctx, redeem.Reward{
		ID: "reward-1", Title: "Bus pass", CreditCost: decimal.NewFromInt(60),
		IsActive: true, CreatedAt: time.Now().UTC(),
	}))

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/rewards/reward-1/redemptions",
		RedeemRequest{AccountID: "acct-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var rd RedemptionDTO
	require.NoError(t, json.Unmarshal(body, &rd))
	assert.Len(t, rd.Code, 20)
	assert.Equal(t, "active", rd.Status)

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/redemptions/use",
		UseRedemptionRequest{Code: rd.Code})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &rd))
	assert.Equal(t, "used", rd.Status)

	// Second use conflicts.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/redemptions/use",
		UseRedemptionRequest{Code: rd.Code})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
