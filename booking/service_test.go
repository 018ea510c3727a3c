package booking_test

import (
	"context"
	"errors"
	"sync"
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
	"github.com/verdant/carpool-engine/spend"
	"github.com/verdant/carpool-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	store       *sqlite.Store
	service     *booking.Service
	coordinator *spend.Coordinator
	projector   *ledger.Projector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	lg := ledger.New(s)
	proj := ledger.NewProjector(s)
	coordinator := spend.NewCoordinator(lg, proj)
	allocator := inventory.NewAllocator(s, s, s)
	engine := progression.NewEngine(progression.DefaultCatalog(), s, s, proj, coordinator)

	service := booking.NewService(s, s, s, allocator, coordinator, engine,
		notify.Discard{}, zerolog.Nop())
	return &fixture{store: s, service: service, coordinator: coordinator, projector: proj}
}

func (f *fixture) account(t *testing.T, id string) ledger.AccountID {
	t.Helper()
	accountID := ledger.AccountID(id)
	require.NoError(t, f.store.CreateAccount(context.Background(), booking.Account{
		ID: accountID, Name: id, CreatedAt: time.Now().UTC(),
	}))
	return accountID
}

func (f *fixture) fund(t *testing.T, id ledger.AccountID, amount int64) {
	t.Helper()
	_, err := f.coordinator.Earn(context.Background(), spend.EarnRequest{
		AccountID: id,
		Kind:      ledger.KindWallet,
		Amount:    decimal.NewFromInt(amount),
		Category:  ledger.CategoryTopUp,
	})
	require.NoError(t, err)
}

func (f *fixture) wallet(t *testing.T, id ledger.AccountID) decimal.Decimal {
	t.Helper()
	balance, err := f.projector.Balance(context.Background(), id, ledger.KindWallet)
	require.NoError(t, err)
	return balance
}

func (f *fixture) carbon(t *testing.T, id ledger.AccountID) decimal.Decimal {
	t.Helper()
	balance, err := f.projector.Balance(context.Background(), id, ledger.KindCarbon)
	require.NoError(t, err)
	return balance
}

func (f *fixture) publish(t *testing.T, driver ledger.AccountID, seats int, price, co2 int64) booking.Ride {
	t.Helper()
	ride, err := f.service.PublishRide(context.Background(), booking.PublishInput{
		DriverID:      driver,
		Source:        "Lyon",
		Destination:   "Annecy",
		DepartureTime: time.Now().UTC().Add(24 * time.Hour),
		TotalSeats:    seats,
		PricePerSeat:  decimal.NewFromInt(price),
		DistanceKM:    decimal.NewFromInt(140),
		CO2SavedKG:    decimal.NewFromInt(co2),
	})
	require.NoError(t, err)
	return ride
}

func intDec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// =============================================================================
// PUBLISH TESTS
// =============================================================================

func TestPublishRide_CreditsDriverCO2Once(t *testing.T) {
	// GIVEN: A driver publishing a ride saving 20kg CO2
	// WHEN: The ride is created
	// THEN: The driver's carbon ledger is credited 20 at publish - and
	//       nothing more arrives at completion

	f := newFixture(t)
	driver := f.account(t, "driver-1")

	ride := f.publish(t, driver, 4, 10, 20)
	assert.Equal(t, 4, ride.SeatsRemaining)
	assert.True(t, f.carbon(t, driver).Equal(intDec(20)))

	require.NoError(t, f.service.CompleteRide(context.Background(), ride.ID))
	assert.True(t, f.carbon(t, driver).Equal(intDec(20)), "completion credits nothing")
}

func TestPublishRide_Validation(t *testing.T) {
	f := newFixture(t)
	driver := f.account(t, "driver-1")
	ctx := context.Background()

	base := booking.PublishInput{
		DriverID:      driver,
		Source:        "A",
		Destination:   "B",
		DepartureTime: time.Now().UTC().Add(time.Hour),
		TotalSeats:    2,
		PricePerSeat:  intDec(5),
		DistanceKM:    intDec(10),
		CO2SavedKG:    intDec(2),
	}

	in := base
	in.TotalSeats = 0
	_, err := f.service.PublishRide(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrInvalidState, "zero seats")

	in = base
	in.DepartureTime = time.Now().UTC().Add(-time.Hour)
	_, err = f.service.PublishRide(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrInvalidState, "past departure")

	in = base
	in.PricePerSeat = intDec(-1)
	_, err = f.service.PublishRide(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrInvalidState, "negative price")

	in = base
	in.DriverID = ""
	_, err = f.service.PublishRide(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrInvalidState, "missing driver")
}

// =============================================================================
// BOOK TESTS
// =============================================================================

func TestBook_MovesValueAndSeats(t *testing.T) {
	// GIVEN: A 4-seat ride at 10/seat saving 20kg CO2
	// WHEN: A funded passenger books 2 seats
	// THEN: 20 moves from passenger wallet to driver wallet, the
	//       passenger gets a prorated 10kg CO2 share, seats drop to 2

	f := newFixture(t)
	driver := f.account(t, "driver-1")
	passenger := f.account(t, "passenger-1")
	f.fund(t, passenger, 100)
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	b, err := f.service.Book(ctx, ride.ID, passenger, 2)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.True(t, b.AmountCharged.Equal(intDec(20)))

	assert.True(t, f.wallet(t, passenger).Equal(intDec(80)))
	assert.True(t, f.wallet(t, driver).Equal(intDec(20)), "payment transfers to driver")
	assert.True(t, f.carbon(t, passenger).Equal(intDec(10)), "2 of 4 seats = half the 20kg saving")

	got, err := f.store.Ride(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SeatsRemaining)

	alloc, err := f.store.Get(ctx, b.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, alloc.BookingID, "hold claimed by the booking")
}

func TestBook_InsufficientBalance_ReleasesSeats(t *testing.T) {
	// GIVEN: A passenger with 5 in the wallet facing a 20 charge
	// WHEN: Booking 2 seats
	// THEN: The spend fails and the seat hold is rolled back

	f := newFixture(t)
	driver := f.account(t, "driver-1")
	passenger := f.account(t, "passenger-1")
	f.fund(t, passenger, 5)
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	_, err := f.service.Book(ctx, ride.ID, passenger, 2)
	require.Error(t, err)

	var balErr *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.True(t, balErr.Required.Equal(intDec(20)))
	assert.True(t, balErr.Current.Equal(intDec(5)))

	got, err := f.store.Ride(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.SeatsRemaining, "hold released after failed spend")
	assert.True(t, f.wallet(t, passenger).Equal(intDec(5)), "no debit written")
}

// earningsFailingStore fails the first driver-earnings append, then
// behaves normally.
type earningsFailingStore struct {
	ledger.Store
	failed bool
}

func (s *earningsFailingStore) Append(ctx context.Context, e ledger.Entry) error {
	if !s.failed && e.Category == ledger.CategoryRideEarnings {
		s.failed = true
		return errors.New("append: disk I/O error")
	}
	return s.Store.Append(ctx, e)
}

func TestBook_DriverCreditFailure_BacksOutBooking(t *testing.T) {
	// GIVEN: A ledger that fails the driver-earnings append once
	// WHEN: A funded passenger books 2 seats
	// THEN: The booking fails, the passenger is refunded, the seats come
	//       back, and the cancelled row keeps the audit trail

	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	flaky := &earningsFailingStore{Store: s}

	lg := ledger.New(flaky)
	proj := ledger.NewProjector(flaky)
	coordinator := spend.NewCoordinator(lg, proj)
	allocator := inventory.NewAllocator(s, s, s)
	engine := progression.NewEngine(progression.DefaultCatalog(), s, s, proj, coordinator)
	service := booking.NewService(s, s, s, allocator, coordinator, engine,
		notify.Discard{}, zerolog.Nop())

	ctx := context.Background()
	driver := ledger.AccountID("driver-1")
	passenger := ledger.AccountID("passenger-1")
	for _, id := range []ledger.AccountID{driver, passenger} {
		require.NoError(t, s.CreateAccount(ctx, booking.Account{
			ID: id, Name: string(id), CreatedAt: time.Now().UTC(),
		}))
	}
	_, err = coordinator.Earn(ctx, spend.EarnRequest{
		AccountID: passenger, Kind: ledger.KindWallet,
		Amount: intDec(100), Category: ledger.CategoryTopUp,
	})
	require.NoError(t, err)

	ride, err := service.PublishRide(ctx, booking.PublishInput{
		DriverID:      driver,
		Source:        "Lyon",
		Destination:   "Annecy",
		DepartureTime: time.Now().UTC().Add(24 * time.Hour),
		TotalSeats:    4,
		PricePerSeat:  intDec(10),
		DistanceKM:    intDec(140),
		CO2SavedKG:    intDec(20),
	})
	require.NoError(t, err)

	_, err = service.Book(ctx, ride.ID, passenger, 2)
	require.Error(t, err)

	pBal, err := proj.Balance(ctx, passenger, ledger.KindWallet)
	require.NoError(t, err)
	assert.True(t, pBal.Equal(intDec(100)), "debit compensated by refund")

	dBal, err := proj.Balance(ctx, driver, ledger.KindWallet)
	require.NoError(t, err)
	assert.True(t, dBal.IsZero(), "no earnings landed")

	got, err := s.Ride(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.SeatsRemaining, "seats released")

	bookings, err := s.BookingsByAccount(ctx, passenger)
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, booking.StatusCancelled, bookings[0].Status)
}

// repricingRideStore patches the price after the first read, standing in
// for a concurrent update landing between validation and the seat hold.
type repricingRideStore struct {
	booking.RideStore
	inner *sqlite.Store
	reads int
}

func (r *repricingRideStore) Ride(ctx context.Context, id string) (booking.Ride, error) {
	ride, err := r.RideStore.Ride(ctx, id)
	r.reads++
	if r.reads == 1 {
		newPrice := intDec(15)
		if _, uerr := r.inner.UpdateRideDetails(ctx, id, nil, &newPrice); uerr != nil {
			return booking.Ride{}, uerr
		}
	}
	return ride, err
}

func TestBook_ChargesRepricedRide(t *testing.T) {
	// GIVEN: A price patch from 10 to 15 landing right after the
	//        validation read
	// WHEN: A passenger books 2 seats
	// THEN: The charge reflects the patched price, not the stale read

	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	rides := &repricingRideStore{RideStore: s, inner: s}

	lg := ledger.New(s)
	proj := ledger.NewProjector(s)
	coordinator := spend.NewCoordinator(lg, proj)
	allocator := inventory.NewAllocator(s, s, s)
	engine := progression.NewEngine(progression.DefaultCatalog(), s, s, proj, coordinator)
	service := booking.NewService(rides, s, s, allocator, coordinator, engine,
		notify.Discard{}, zerolog.Nop())

	ctx := context.Background()
	driver := ledger.AccountID("driver-1")
	passenger := ledger.AccountID("passenger-1")
	for _, id := range []ledger.AccountID{driver, passenger} {
		require.NoError(t, s.CreateAccount(ctx, booking.Account{
			ID: id, Name: string(id), CreatedAt: time.Now().UTC(),
		}))
	}
	_, err = coordinator.Earn(ctx, spend.EarnRequest{
		AccountID: passenger, Kind: ledger.KindWallet,
		Amount: intDec(100), Category: ledger.CategoryTopUp,
	})
	require.NoError(t, err)

	ride, err := service.PublishRide(ctx, booking.PublishInput{
		DriverID:      driver,
		Source:        "Lyon",
		Destination:   "Annecy",
		DepartureTime: time.Now().UTC().Add(24 * time.Hour),
		TotalSeats:    4,
		PricePerSeat:  intDec(10),
		DistanceKM:    intDec(140),
		CO2SavedKG:    intDec(20),
	})
	require.NoError(t, err)

	b, err := service.Book(ctx, ride.ID, passenger, 2)
	require.NoError(t, err)
	assert.True(t, b.AmountCharged.Equal(intDec(30)), "2 seats at the patched 15")

	pBal, err := proj.Balance(ctx, passenger, ledger.KindWallet)
	require.NoError(t, err)
	assert.True(t, pBal.Equal(intDec(70)))

	dBal, err := proj.Balance(ctx, driver, ledger.KindWallet)
	require.NoError(t, err)
	assert.True(t, dBal.Equal(intDec(30)))
}

func TestBook_DriverCannotBookOwnRide(t *testing.T) {
	f := newFixture(t)
	driver := f.account(t, "driver-1")
	f.fund(t, driver, 100)
	ride := f.publish(t, driver, 4, 10, 20)

	_, err := f.service.Book(context.Background(), ride.ID, driver, 1)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestBook_ConcurrentBookings_NoOversell(t *testing.T) {
	// GIVEN: A ride with 4 seats and five funded passengers
	// WHEN: All five book 1 seat concurrently
	// THEN: Exactly four succeed, the fifth fails with insufficient
	//       capacity, and seatsRemaining lands at 0

	f := newFixture(t)
	driver := f.account(t, "driver-1")
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	passengers := make([]ledger.AccountID, 5)
	for i := range passengers {
		passengers[i] = f.account(t, "passenger-"+string(rune('a'+i)))
		f.fund(t, passengers[i], 50)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(passengers))
	for i, p := range passengers {
		wg.Add(1)
		go func(i int, p ledger.AccountID) {
			defer wg.Done()
			_, errs[i] = f.service.Book(ctx, ride.ID, p, 1)
		}(i, p)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientCapacity)
		}
	}
	assert.Equal(t, 4, wins)

	got, err := f.store.Ride(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.SeatsRemaining)
	assert.True(t, f.wallet(t, driver).Equal(intDec(40)), "one payment per winner")
}

// =============================================================================
// CANCEL TESTS
// =============================================================================

func TestCancel_RefundsAndRestoresSeats(t *testing.T) {
	// GIVEN: A confirmed 2-seat booking charged 20
	// WHEN: The passenger cancels
	// THEN: A compensating refund restores the wallet, the driver's
	//       earnings are clawed back, and the seats come back

	f := newFixture(t)
	driver := f.account(t, "driver-1")
	passenger := f.account(t, "passenger-1")
	f.fund(t, passenger, 100)
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	b, err := f.service.Book(ctx, ride.ID, passenger, 2)
	require.NoError(t, err)

	require.NoError(t, f.service.Cancel(ctx, b.ID))

	assert.True(t, f.wallet(t, passenger).Equal(intDec(100)), "refunded in full")
	assert.True(t, f.wallet(t, driver).IsZero(), "earnings clawed back")

	got, err := f.store.Ride(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.SeatsRemaining)

	// The history survives: original debit, refund, original credit,
	// reversal - four wallet entries for the passenger+driver pair.
	entries, err := f.store.Entries(ctx, passenger, ledger.KindWallet)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "top-up, payment, refund - nothing deleted")
}

func TestCancel_Idempotent(t *testing.T) {
	// GIVEN: A booking already cancelled
	// WHEN: Cancelling again
	// THEN: No error, no second refund, seats restored exactly once

	f := newFixture(t)
	driver := f.account(t, "driver-1")
	passenger := f.account(t, "passenger-1")
	f.fund(t, passenger, 100)
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	b, err := f.service.Book(ctx, ride.ID, passenger, 2)
	require.NoError(t, err)

	require.NoError(t, f.service.Cancel(ctx, b.ID))
	require.NoError(t, f.service.Cancel(ctx, b.ID), "re-cancel is a no-op")

	assert.True(t, f.wallet(t, passenger).Equal(intDec(100)), "refunded once, not twice")

	got, err := f.store.Ride(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.SeatsRemaining)
}

// =============================================================================
// UPDATE TESTS
// =============================================================================

func TestUpdateRide_PatchesClosedFieldSet(t *testing.T) {
	f := newFixture(t)
	driver := f.account(t, "driver-1")
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	newDeparture := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	newPrice := intDec(15)
	require.NoError(t, f.service.UpdateRide(ctx, ride.ID, booking.RideUpdate{
		DepartureTime: &newDeparture,
		PricePerSeat:  &newPrice,
	}))

	got, err := f.store.Ride(ctx, ride.ID)
	require.NoError(t, err)
	assert.True(t, got.DepartureTime.Equal(newDeparture))
	assert.True(t, got.PricePerSeat.Equal(newPrice))

	// Not updatable once the ride leaves the active state.
	require.NoError(t, f.service.CompleteRide(ctx, ride.ID))
	err = f.service.UpdateRide(ctx, ride.ID, booking.RideUpdate{PricePerSeat: &newPrice})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestUpdateRide_RejectsBadValues(t *testing.T) {
	f := newFixture(t)
	driver := f.account(t, "driver-1")
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	err := f.service.UpdateRide(ctx, ride.ID, booking.RideUpdate{DepartureTime: &past})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	negative := intDec(-3)
	err = f.service.UpdateRide(ctx, ride.ID, booking.RideUpdate{PricePerSeat: &negative})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	assert.NoError(t, f.service.UpdateRide(ctx, ride.ID, booking.RideUpdate{}), "empty patch is a no-op")
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestCompleteRide_BumpsAggregatesExactlyOnce(t *testing.T) {
	// GIVEN: A completed ride with one confirmed passenger
	// WHEN: Completion is attempted twice
	// THEN: The second attempt fails and the counters moved only once

	f := newFixture(t)
	driver := f.account(t, "driver-1")
	passenger := f.account(t, "passenger-1")
	f.fund(t, passenger, 100)
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	_, err := f.service.Book(ctx, ride.ID, passenger, 1)
	require.NoError(t, err)

	require.NoError(t, f.service.CompleteRide(ctx, ride.ID))
	err = f.service.CompleteRide(ctx, ride.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidState, "terminal state is final")

	for _, id := range []ledger.AccountID{driver, passenger} {
		acct, err := f.store.Account(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), acct.TotalRidesCompleted)
		assert.True(t, acct.TotalDistanceTraveled.Equal(intDec(140)))
	}
}

func TestRideLifecycle_TotalCreditedExactlyOnce(t *testing.T) {
	// GIVEN: Publish -> book -> complete, with idempotency keys guarding
	//        every credit point
	// WHEN: Totalling all carbon credits at the end
	// THEN: Driver holds the publish saving, the passenger the prorated
	//       share plus achievement awards - each credited exactly once

	f := newFixture(t)
	driver := f.account(t, "driver-1")
	passenger := f.account(t, "passenger-1")
	f.fund(t, passenger, 100)
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	b, err := f.service.Book(ctx, ride.ID, passenger, 1)
	require.NoError(t, err)
	require.NoError(t, f.service.CompleteRide(ctx, ride.ID))

	totals, err := f.projector.TotalsByCategory(ctx, passenger, ledger.KindCarbon)
	require.NoError(t, err)
	assert.True(t, totals[ledger.CategoryRideReward].Equal(intDec(5)), "1 of 4 seats = 5kg")

	driverTotals, err := f.projector.TotalsByCategory(ctx, driver, ledger.KindCarbon)
	require.NoError(t, err)
	assert.True(t, driverTotals[ledger.CategoryPublishReward].Equal(intDec(20)))

	// Replaying the booking's credit points cannot pay out again.
	_, err = f.coordinator.Earn(ctx, spend.EarnRequest{
		AccountID: passenger, Kind: ledger.KindCarbon,
		Amount: intDec(5), Category: ledger.CategoryRideReward,
		IdempotencyKey: "booking-co2:" + b.ID,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestCancelRide_CancelsConfirmedBookings(t *testing.T) {
	// GIVEN: An active ride with two confirmed bookings
	// WHEN: The driver cancels the ride
	// THEN: Both bookings are cancelled and refunded

	f := newFixture(t)
	driver := f.account(t, "driver-1")
	p1 := f.account(t, "passenger-1")
	p2 := f.account(t, "passenger-2")
	f.fund(t, p1, 50)
	f.fund(t, p2, 50)
	ride := f.publish(t, driver, 4, 10, 20)
	ctx := context.Background()

	b1, err := f.service.Book(ctx, ride.ID, p1, 1)
	require.NoError(t, err)
	b2, err := f.service.Book(ctx, ride.ID, p2, 2)
	require.NoError(t, err)

	require.NoError(t, f.service.CancelRide(ctx, ride.ID))

	for _, id := range []string{b1.ID, b2.ID} {
		got, err := f.store.Booking(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, booking.StatusCancelled, got.Status)
	}
	assert.True(t, f.wallet(t, p1).Equal(intDec(50)))
	assert.True(t, f.wallet(t, p2).Equal(intDec(50)))

	got, err := f.store.Ride(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.RideCancelled, got.Status)
	assert.Equal(t, 4, got.SeatsRemaining)
}
