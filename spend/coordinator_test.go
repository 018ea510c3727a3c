package spend_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/ledger/store"
	"github.com/verdant/carpool-engine/spend"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newCoordinator() (*spend.Coordinator, *ledger.Ledger, *ledger.Projector) {
	s := store.NewMemory()
	lg := ledger.New(s)
	proj := ledger.NewProjector(s)
	return spend.NewCoordinator(lg, proj), lg, proj
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func credit(t *testing.T, c *spend.Coordinator, account string, amount string) {
	t.Helper()
	_, err := c.Earn(context.Background(), spend.EarnRequest{
		AccountID: ledger.AccountID(account),
		Kind:      ledger.KindCarbon,
		Amount:    dec(amount),
		Category:  ledger.CategoryBonus,
	})
	require.NoError(t, err)
}

// fakeCapacity records Apply/Revert calls and can fail on demand.
type fakeCapacity struct {
	applied   int
	reverted  int
	applyErr  error
	revertErr error
}

func (f *fakeCapacity) Apply(context.Context) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied++
	return nil
}

func (f *fakeCapacity) Revert(context.Context) error {
	f.reverted++
	return f.revertErr
}

// =============================================================================
// SPEND TESTS
// =============================================================================

func TestSpend_DebitsAndReportsNewBalance(t *testing.T) {
	c, _, proj := newCoordinator()
	ctx := context.Background()
	credit(t, c, "acct-1", "100")

	result, err := c.Spend(ctx, spend.SpendRequest{
		AccountID: "acct-1",
		Kind:      ledger.KindCarbon,
		Amount:    dec("30"),
		Category:  ledger.CategoryRedemption,
	})
	require.NoError(t, err)
	assert.True(t, result.Entry.IsDebit())
	assert.True(t, result.NewBalance.Equal(dec("70")))

	balance, err := proj.Balance(ctx, "acct-1", ledger.KindCarbon)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("70")))
}

func TestSpend_InsufficientBalance_NoEntryWritten(t *testing.T) {
	// GIVEN: An account holding 10 credits
	// WHEN: Spending 50
	// THEN: The spend fails with required/current amounts and the log
	//       gains no entry

	c, lg, _ := newCoordinator()
	ctx := context.Background()
	credit(t, c, "acct-1", "10")

	_, err := c.Spend(ctx, spend.SpendRequest{
		AccountID: "acct-1",
		Kind:      ledger.KindCarbon,
		Amount:    dec("50"),
		Category:  ledger.CategoryRedemption,
	})
	require.Error(t, err)

	var balErr *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.True(t, balErr.Required.Equal(dec("50")))
	assert.True(t, balErr.Current.Equal(dec("10")))

	entries, err := lg.Entries(ctx, "acct-1", ledger.KindCarbon)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the initial credit")
}

func TestSpend_RejectsNonPositiveAmount(t *testing.T) {
	c, _, _ := newCoordinator()

	_, err := c.Spend(context.Background(), spend.SpendRequest{
		AccountID: "acct-1",
		Kind:      ledger.KindCarbon,
		Amount:    dec("-3"),
		Category:  ledger.CategoryRedemption,
	})
	assert.Error(t, err)

	_, err = c.Earn(context.Background(), spend.EarnRequest{
		AccountID: "acct-1",
		Kind:      ledger.KindCarbon,
		Amount:    decimal.Zero,
		Category:  ledger.CategoryBonus,
	})
	assert.Error(t, err)
}

func TestSpend_CapacityConsumedWithDebit(t *testing.T) {
	c, _, _ := newCoordinator()
	credit(t, c, "acct-1", "100")

	capOp := &fakeCapacity{}
	_, err := c.Spend(context.Background(), spend.SpendRequest{
		AccountID: "acct-1",
		Kind:      ledger.KindCarbon,
		Amount:    dec("40"),
		Category:  ledger.CategoryRedemption,
		Capacity:  capOp,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, capOp.applied)
	assert.Equal(t, 0, capOp.reverted)
}

func TestSpend_CapacityNotTouchedWhenBalanceInsufficient(t *testing.T) {
	// GIVEN: An account that cannot afford the spend
	// WHEN: Spending with a capacity op attached
	// THEN: The capacity op is never applied

	c, _, _ := newCoordinator()
	credit(t, c, "acct-1", "5")

	capOp := &fakeCapacity{}
	_, err := c.Spend(context.Background(), spend.SpendRequest{
		AccountID: "acct-1",
		Kind:      ledger.KindCarbon,
		Amount:    dec("40"),
		Category:  ledger.CategoryRedemption,
		Capacity:  capOp,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, 0, capOp.applied)
}

func TestSpend_CapacityRevertedWhenAppendFails(t *testing.T) {
	// GIVEN: A debit whose idempotency key was already consumed
	// WHEN: Spending with a capacity op attached
	// THEN: The capacity op is applied, the append fails, and the op is
	//       reverted - the spend leaves no trace

	c, lg, _ := newCoordinator()
	ctx := context.Background()
	credit(t, c, "acct-1", "100")

	_, err := lg.Append(ctx, ledger.Entry{
		AccountID:      "acct-1",
		Kind:           ledger.KindCarbon,
		Amount:         dec("1"),
		Category:       ledger.CategoryBonus,
		IdempotencyKey: "redemption:r-1",
	})
	require.NoError(t, err)

	capOp := &fakeCapacity{}
	_, err = c.Spend(ctx, spend.SpendRequest{
		AccountID:      "acct-1",
		Kind:           ledger.KindCarbon,
		Amount:         dec("10"),
		Category:       ledger.CategoryRedemption,
		IdempotencyKey: "redemption:r-1",
		Capacity:       capOp,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Equal(t, 1, capOp.applied)
	assert.Equal(t, 1, capOp.reverted)
}

func TestSpend_RevertFailureLoggedAndOriginalErrorKept(t *testing.T) {
	// GIVEN: A debit that fails after the capacity op was applied, and a
	//        revert that fails too
	// WHEN: Spending
	// THEN: The caller still sees the debit failure and the leaked
	//       capacity lands in the log

	var logs bytes.Buffer
	c, lg, _ := newCoordinator()
	c = c.WithLogger(zerolog.New(&logs))
	ctx := context.Background()
	credit(t, c, "acct-1", "100")

	_, err := lg.Append(ctx, ledger.Entry{
		AccountID:      "acct-1",
		Kind:           ledger.KindCarbon,
		Amount:         dec("1"),
		Category:       ledger.CategoryBonus,
		IdempotencyKey: "redemption:r-2",
	})
	require.NoError(t, err)

	capOp := &fakeCapacity{revertErr: errors.New("stock restore: connection reset")}
	_, err = c.Spend(ctx, spend.SpendRequest{
		AccountID:      "acct-1",
		Kind:           ledger.KindCarbon,
		Amount:         dec("10"),
		Category:       ledger.CategoryRedemption,
		IdempotencyKey: "redemption:r-2",
		Capacity:       capOp,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey, "revert failure does not mask the debit failure")
	assert.Equal(t, 1, capOp.reverted)
	assert.Contains(t, logs.String(), "capacity revert failed")
}

func TestSpend_CapacityApplyFailure_AbortsBeforeDebit(t *testing.T) {
	c, lg, _ := newCoordinator()
	ctx := context.Background()
	credit(t, c, "acct-1", "100")

	capOp := &fakeCapacity{applyErr: &ledger.InsufficientCapacityError{
		Resource: "stock", Key: "reward-1", Requested: 1, Remaining: 0,
	}}
	_, err := c.Spend(ctx, spend.SpendRequest{
		AccountID: "acct-1",
		Kind:      ledger.KindCarbon,
		Amount:    dec("10"),
		Category:  ledger.CategoryRedemption,
		Capacity:  capOp,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCapacity)

	entries, err := lg.Entries(ctx, "acct-1", ledger.KindCarbon)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no debit after capacity failure")
}

func TestEarn_IdempotencyKeyPaysOutOnce(t *testing.T) {
	c, _, proj := newCoordinator()
	ctx := context.Background()

	req := spend.EarnRequest{
		AccountID:      "acct-1",
		Kind:           ledger.KindCarbon,
		Amount:         dec("5"),
		Category:       ledger.CategoryPublishReward,
		IdempotencyKey: "ride-publish:r-9",
	}
	_, err := c.Earn(ctx, req)
	require.NoError(t, err)

	_, err = c.Earn(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	balance, err := proj.Balance(ctx, "acct-1", ledger.KindCarbon)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("5")))
}
