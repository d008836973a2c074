package model

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Bps is a fixed-point weight in basis points; FullWeight == 1.0.
type Bps int64

const (
	// FullWeight is one whole unit of weight (100%).
	FullWeight Bps = 10000

	// UnitScale is the number of decimal places of the smallest native
	// unit. Every persisted amount, share and unit count lives at this scale.
	UnitScale int32 = 7
)

var (
	// Dust is the smallest value delta the rebalancer acts on, regardless of
	// the configured deadband. Below it, unit rounding alone would churn.
	Dust = decimal.New(1, -4)

	// One is the reserve strategy's pinned valuation.
	One = decimal.NewFromInt(1)

	fullWeight = decimal.NewFromInt(int64(FullWeight))
)

var (
	// ErrPaused is returned by mutating operations while governance has
	// paused the pool.
	ErrPaused = errors.New("fund: pool is paused")

	// ErrInvariantViolation marks a state that would break conservation.
	// Transactions hitting it are always rolled back.
	ErrInvariantViolation = errors.New("fund: invariant violation")
)

// Truncate cuts d to UnitScale, rounding toward zero.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(UnitScale)
}

// AtUnitScale reports whether d carries no precision beyond UnitScale.
func AtUnitScale(d decimal.Decimal) bool {
	return d.Equal(Truncate(d))
}

// ApplyBps returns d * bps / FullWeight truncated to UnitScale.
func ApplyBps(d decimal.Decimal, bps Bps) decimal.Decimal {
	return Truncate(d.Mul(decimal.NewFromInt(int64(bps))).Div(fullWeight))
}

// MulDiv returns a * b / c truncated to UnitScale. c must be non-zero.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	return Truncate(a.Mul(b).Div(c))
}
