// Package custody models the host ledger's native-token account transfers.
// Balances live in the same store transaction as the fund's own tables, so
// a failed operation never leaves tokens half-moved.
package custody

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/store"
)

var (
	// ErrInsufficientBalance is returned when the source account cannot
	// cover a move.
	ErrInsufficientBalance = errors.New("custody: insufficient balance")

	// ErrInvalidMove rejects non-positive amounts and self transfers.
	ErrInvalidMove = errors.New("custody: invalid move")
)

// Move transfers amount from one account to another. It never mints or burns.
func Move(ctx context.Context, tx store.Tx, from, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() || from == to || !model.AtUnitScale(amount) {
		return errors.Wrapf(ErrInvalidMove, "%s -> %s amount %s", from, to, amount)
	}

	src, err := tx.AccountBalance(ctx, from)
	if err != nil {
		return err
	}
	if src.LessThan(amount) {
		return errors.Wrapf(ErrInsufficientBalance, "%s holds %s, needs %s", from, src, amount)
	}
	dst, err := tx.AccountBalance(ctx, to)
	if err != nil {
		return err
	}

	if err := tx.PutAccountBalance(ctx, from, src.Sub(amount)); err != nil {
		return err
	}
	return tx.PutAccountBalance(ctx, to, dst.Add(amount))
}

// Settle moves native between account and counterparty until account holds
// exactly target. It returns the amount the counterparty paid in, negative
// when account paid out.
func Settle(ctx context.Context, tx store.Tx, account, counterparty string, target decimal.Decimal) (decimal.Decimal, error) {
	if target.IsNegative() || !model.AtUnitScale(target) {
		return decimal.Zero, errors.Wrapf(ErrInvalidMove, "settle %s to %s", account, target)
	}
	held, err := tx.AccountBalance(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	delta := target.Sub(held)
	switch {
	case delta.IsPositive():
		err = Move(ctx, tx, counterparty, account, delta)
	case delta.IsNegative():
		err = Move(ctx, tx, account, counterparty, delta.Neg())
	}
	if err != nil {
		return decimal.Zero, err
	}
	return delta, nil
}

// Fund credits an external account with tokens that arrived from outside the
// pool: an inbound ledger transfer to a participant or to a strategy venue.
func Fund(ctx context.Context, tx store.Tx, account string, amount decimal.Decimal) error {
	if !amount.IsPositive() || !model.AtUnitScale(amount) {
		return errors.Wrapf(ErrInvalidMove, "fund %s amount %s", account, amount)
	}
	bal, err := tx.AccountBalance(ctx, account)
	if err != nil {
		return err
	}
	return tx.PutAccountBalance(ctx, account, bal.Add(amount))
}
