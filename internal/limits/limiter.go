// Package limits enforces deposit ceilings on individual participants and on
// whole profile cohorts.
//
// A cohort is rebalanced as one allocation unit, so a single whale in a thin
// cohort can dominate every transfer the engine emits. The per-cohort cap
// bounds that aggregate exposure the same way the per-participant cap bounds
// one account.
package limits

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrParticipantLimitExceeded is returned when a deposit would push a
	// single position's value beyond the per-participant maximum.
	ErrParticipantLimitExceeded = errors.New("limits: participant position limit exceeded")

	// ErrCohortLimitExceeded is returned when a deposit would push the
	// aggregate value of a profile cohort beyond the cohort maximum.
	ErrCohortLimitExceeded = errors.New("limits: cohort value limit exceeded")
)

// DepositLimiter enforces position limits with cohort awareness.
// A zero maximum disables that check.
type DepositLimiter struct {
	// MaxPosition is the maximum value of any single participant's position.
	MaxPosition decimal.Decimal

	// MaxCohort is the maximum aggregate value across all positions that
	// share the same risk profile.
	MaxCohort decimal.Decimal
}

// NewDepositLimiter creates a limiter with the given per-participant and
// per-cohort value limits.
func NewDepositLimiter(maxPosition, maxCohort decimal.Decimal) *DepositLimiter {
	return &DepositLimiter{
		MaxPosition: maxPosition,
		MaxCohort:   maxCohort,
	}
}

// CheckDeposit validates whether a deposit respects the limits.
//
// Parameters:
//   - positionValue: current value of the depositor's position (zero if new)
//   - cohortValue: current value of the target profile's cohort
//   - amount: value being deposited
//
// Returns nil if the deposit is within limits, or an error describing the violation.
func (l *DepositLimiter) CheckDeposit(positionValue, cohortValue, amount decimal.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Per-participant limit.
	newPosition := positionValue.Add(amount)
	if l.MaxPosition.IsPositive() && newPosition.GreaterThan(l.MaxPosition) {
		return errors.Wrapf(ErrParticipantLimitExceeded, "%s > %s", newPosition, l.MaxPosition)
	}

	// 2. Cohort aggregate.
	newCohort := cohortValue.Add(amount)
	if l.MaxCohort.IsPositive() && newCohort.GreaterThan(l.MaxCohort) {
		return errors.Wrapf(ErrCohortLimitExceeded, "%s > %s", newCohort, l.MaxCohort)
	}

	return nil
}
