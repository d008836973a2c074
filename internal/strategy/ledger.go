// Package strategy maintains the Strategy Ledger: the custodied balance (in
// strategy units) and last valuation of every investment strategy.
//
// Each strategy is backed by a native custody sub-account holding exactly
// its balance at its last valuation. When a valuation moves, the strategy's
// venue settles the difference against that sub-account (see Settle).
//
// Every operation takes the caller's store transaction. The ledger never
// opens its own, so a failing debit inside a larger operation rolls the
// whole operation back.
package strategy

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/custody"
	"github.com/kalefund/fund-engine/internal/ident"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/store"
)

var (
	// ErrUnknownStrategy is returned for IDs outside the deployed set.
	ErrUnknownStrategy = errors.New("strategy: unknown strategy")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("strategy: insufficient balance")

	// ErrInvalidUnits rejects non-positive or over-precise unit amounts.
	ErrInvalidUnits = errors.New("strategy: invalid units")

	// ErrInvalidValuation rejects non-positive prices and reserve repricing.
	ErrInvalidValuation = errors.New("strategy: invalid valuation")
)

// Get returns one ledger entry.
func Get(ctx context.Context, tx store.Tx, id string) (*model.StrategyEntry, error) {
	e, err := tx.GetStrategy(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrap(ErrUnknownStrategy, id)
	}
	return e, err
}

// Credit adds units to a strategy's balance.
func Credit(ctx context.Context, tx store.Tx, id string, units decimal.Decimal) error {
	if err := checkUnits(units); err != nil {
		return err
	}
	e, err := Get(ctx, tx, id)
	if err != nil {
		return err
	}
	e.Balance = e.Balance.Add(units)
	return tx.PutStrategy(ctx, e)
}

// Debit removes units from a strategy's balance. The balance never goes
// negative.
func Debit(ctx context.Context, tx store.Tx, id string, units decimal.Decimal) error {
	if err := checkUnits(units); err != nil {
		return err
	}
	e, err := Get(ctx, tx, id)
	if err != nil {
		return err
	}
	if e.Balance.LessThan(units) {
		return errors.Wrapf(ErrInsufficientBalance, "%s holds %s, debit %s", id, e.Balance, units)
	}
	e.Balance = e.Balance.Sub(units)
	return tx.PutStrategy(ctx, e)
}

// SetValuation records the native value of one unit of a strategy as of epoch.
// The reserve strategy's valuation is pinned and cannot be changed.
func SetValuation(ctx context.Context, tx store.Tx, id string, price decimal.Decimal, epoch int64) error {
	if !price.IsPositive() {
		return errors.Wrapf(ErrInvalidValuation, "%s price %s", id, price)
	}
	e, err := Get(ctx, tx, id)
	if err != nil {
		return err
	}
	if e.Reserve {
		if !price.Equal(model.One) {
			return errors.Wrapf(ErrInvalidValuation, "reserve %s is pinned to 1", id)
		}
		return nil
	}
	e.Price = price
	e.ValuationEpoch = epoch
	return tx.PutStrategy(ctx, e)
}

// Install creates a ledger entry at deployment. Existing entries are left
// untouched; strategies are never destroyed.
func Install(ctx context.Context, tx store.Tx, id string, price decimal.Decimal, reserve bool, epoch int64) error {
	_, err := tx.GetStrategy(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if reserve {
		price = model.One
	}
	if !price.IsPositive() {
		return errors.Wrapf(ErrInvalidValuation, "%s initial price %s", id, price)
	}
	return tx.PutStrategy(ctx, &model.StrategyEntry{
		ID:             id,
		Balance:        decimal.Zero,
		Price:          price,
		ValuationEpoch: epoch,
		Reserve:        reserve,
	})
}

// TotalValue sums every entry's balance at its last valuation.
func TotalValue(ctx context.Context, tx store.Tx) (decimal.Decimal, error) {
	entries, err := tx.ListStrategies(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range entries {
		total = total.Add(entries[i].Value())
	}
	return total, nil
}

// Settle brings the strategy's custody sub-account to the entry's value,
// moving the difference to or from the strategy's venue. It returns what the
// venue paid in (negative when it took native out). A venue that cannot
// cover a gain fails with custody.ErrInsufficientBalance.
func Settle(ctx context.Context, tx store.Tx, id string) (decimal.Decimal, error) {
	e, err := Get(ctx, tx, id)
	if err != nil {
		return decimal.Zero, err
	}
	paid, err := custody.Settle(ctx, tx, ident.StrategyAccount(id), ident.VenueAccount(id), e.Value())
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "settle %s", id)
	}
	return paid, nil
}

func checkUnits(units decimal.Decimal) error {
	if !units.IsPositive() || !model.AtUnitScale(units) {
		return errors.Wrapf(ErrInvalidUnits, "%s", units)
	}
	return nil
}
