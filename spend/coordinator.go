/*
Package spend provides the Spend Coordinator: the single choke point
through which every balance-decreasing operation must pass.

PURPOSE:
  A spend composes a balance-sufficiency check, an optional capacity
  operation (seat hold, stock decrement), and the debit ledger append.
  If any step fails, none of its effects survive: no ledger entry is
  written and no capacity stays consumed.

HOW ATOMICITY IS ACHIEVED:
  The ledger store re-verifies sufficiency atomically at append time, so
  the early balance check here is a fast-fail that produces the
  required/current amounts for the caller. The capacity operation runs
  before the debit; if the debit then fails, the capacity operation is
  reverted (a compensating action, not a rollback of the ledger).

  No other component is permitted to append a negative-amount entry.
  Credits flow through Earn, which has no sufficiency check.

SEE ALSO:
  - ledger: Append path and error taxonomy
  - inventory: Capacity operations composed into spends
*/
package spend

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/verdant/carpool-engine/inventory"
	"github.com/verdant/carpool-engine/ledger"
)

// =============================================================================
// CAPACITY OPERATIONS
// =============================================================================

// CapacityOp is a reversible capacity mutation performed inside a spend.
// Apply runs before the debit; Revert runs only if the debit fails.
type CapacityOp interface {
	Apply(ctx context.Context) error
	Revert(ctx context.Context) error
}

// StockDecrement is the capacity op for redeeming a finite-stock reward.
func StockDecrement(al *inventory.Allocator, rewardID string) CapacityOp {
	return &stockOp{allocator: al, rewardID: rewardID}
}

type stockOp struct {
	allocator *inventory.Allocator
	rewardID  string
}

func (op *stockOp) Apply(ctx context.Context) error {
	return op.allocator.DecrementStock(ctx, op.rewardID)
}

func (op *stockOp) Revert(ctx context.Context) error {
	return op.allocator.RestoreStock(ctx, op.rewardID)
}

// =============================================================================
// COORDINATOR
// =============================================================================

// SpendRequest describes a balance-decreasing operation. Amount is the
// positive magnitude to debit.
type SpendRequest struct {
	AccountID   ledger.AccountID
	Kind        ledger.Kind
	Amount      decimal.Decimal
	Category    ledger.Category
	RelatedID   string
	Description string

	// IdempotencyKey dedupes replayed spends. Optional.
	IdempotencyKey string

	// Capacity, when set, is consumed as part of the spend.
	Capacity CapacityOp
}

// SpendResult is returned on success.
type SpendResult struct {
	Entry      ledger.Entry
	NewBalance decimal.Decimal
}

// EarnRequest describes a balance-increasing operation. Amount is the
// positive magnitude to credit.
type EarnRequest struct {
	AccountID   ledger.AccountID
	Kind        ledger.Kind
	Amount      decimal.Decimal
	Category    ledger.Category
	RelatedID   string
	Description string

	// IdempotencyKey ties the credit to its source event so the same
	// event can never pay out twice.
	IdempotencyKey string
}

// Coordinator performs spends and earns against the ledger.
type Coordinator struct {
	Ledger    *ledger.Ledger
	Projector *ledger.Projector
	Log       zerolog.Logger
}

func NewCoordinator(l *ledger.Ledger, p *ledger.Projector) *Coordinator {
	return &Coordinator{Ledger: l, Projector: p, Log: zerolog.Nop()}
}

// WithLogger overrides the no-op default logger.
func (c *Coordinator) WithLogger(log zerolog.Logger) *Coordinator {
	c.Log = log
	return c
}

// Spend validates sufficiency, consumes capacity, and appends the debit
// as one unit. Fails with *ledger.InsufficientBalanceError or
// *ledger.InsufficientCapacityError, distinguishable to the caller.
func (c *Coordinator) Spend(ctx context.Context, req SpendRequest) (SpendResult, error) {
	if !req.Amount.IsPositive() {
		return SpendResult{}, fmt.Errorf("spend amount must be positive, got %s", req.Amount)
	}

	// Fast-fail with required/current before touching capacity. The
	// store repeats this check atomically at append time, so a race
	// that drains the balance in between still cannot overdraw.
	balance, err := c.Projector.Balance(ctx, req.AccountID, req.Kind)
	if err != nil {
		return SpendResult{}, err
	}
	if balance.LessThan(req.Amount) {
		return SpendResult{}, &ledger.InsufficientBalanceError{
			AccountID: req.AccountID,
			Kind:      req.Kind,
			Required:  req.Amount,
			Current:   balance,
		}
	}

	if req.Capacity != nil {
		if err := req.Capacity.Apply(ctx); err != nil {
			return SpendResult{}, err
		}
	}

	entry, err := c.Ledger.Append(ctx, ledger.Entry{
		AccountID:      req.AccountID,
		Kind:           req.Kind,
		Amount:         req.Amount.Neg(),
		Category:       req.Category,
		RelatedID:      req.RelatedID,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if req.Capacity != nil {
			// Give the capacity back; the spend must leave no trace. A
			// revert that itself fails leaks consumed capacity, so it is
			// recorded rather than dropped.
			if revertErr := req.Capacity.Revert(ctx); revertErr != nil {
				c.Log.Error().Err(revertErr).
					Str("account_id", string(req.AccountID)).
					Str("related_id", req.RelatedID).
					Msg("capacity revert failed after debit failure")
			}
		}
		return SpendResult{}, err
	}

	return SpendResult{Entry: entry, NewBalance: balance.Sub(req.Amount)}, nil
}

// Earn appends a positive entry. There is no sufficiency check; the only
// failure modes are validation and duplicate idempotency keys (which
// callers treat as "already credited").
func (c *Coordinator) Earn(ctx context.Context, req EarnRequest) (ledger.Entry, error) {
	if !req.Amount.IsPositive() {
		return ledger.Entry{}, fmt.Errorf("earn amount must be positive, got %s", req.Amount)
	}
	return c.Ledger.Append(ctx, ledger.Entry{
		AccountID:      req.AccountID,
		Kind:           req.Kind,
		Amount:         req.Amount,
		Category:       req.Category,
		RelatedID:      req.RelatedID,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
}
