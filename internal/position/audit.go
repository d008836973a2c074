package position

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/ident"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/store"
)

// Verify checks every conservation invariant inside tx:
//
//   - no strategy balance, holding, share count or principal is negative
//   - each strategy balance equals the sum of cohort holdings in it
//   - each cohort's shares equal the sum of its positions' shares
//   - the pool's total shares equal the sum of cohort shares
//   - total strategy value equals total cohort value, within rounding
//   - each strategy's custody account holds exactly the strategy's value
//   - the clearing account is empty
//
// The returned error wraps model.ErrInvariantViolation when any check fails;
// callers inside Update must return it so the transaction rolls back.
func Verify(ctx context.Context, tx store.Tx) (model.AuditReport, error) {
	var report model.AuditReport
	violate := func(format string, args ...any) {
		report.Violations = append(report.Violations, fmt.Sprintf(format, args...))
	}

	entries, err := tx.ListStrategies(ctx)
	if err != nil {
		return report, err
	}
	prices := make(map[string]decimal.Decimal, len(entries))
	held := make(map[string]decimal.Decimal, len(entries))
	for i := range entries {
		e := &entries[i]
		prices[e.ID] = e.Price
		if e.Balance.IsNegative() {
			violate("strategy %s balance %s is negative", e.ID, e.Balance)
		}
		report.TotalStrategyValue = report.TotalStrategyValue.Add(e.Value())

		held, err := tx.AccountBalance(ctx, ident.StrategyAccount(e.ID))
		if err != nil {
			return report, err
		}
		if !held.Equal(e.Value()) {
			violate("strategy %s custody %s != value %s", e.ID, held, e.Value())
		}
		report.TotalCustody = report.TotalCustody.Add(held)
	}
	clearing, err := tx.AccountBalance(ctx, ident.ClearingAccount)
	if err != nil {
		return report, err
	}
	if !clearing.IsZero() {
		violate("clearing account holds %s", clearing)
	}

	cohorts, err := tx.ListCohorts(ctx)
	if err != nil {
		return report, err
	}
	cohortShares := make(map[string]decimal.Decimal, len(cohorts))
	var holdingCount int
	for _, c := range cohorts {
		if c.Shares.IsNegative() {
			violate("cohort %s shares %s are negative", c.ProfileID, c.Shares)
		}
		cohortShares[c.ProfileID] = c.Shares
		report.TotalShares = report.TotalShares.Add(c.Shares)

		h, err := tx.Holdings(ctx, c.ProfileID)
		if err != nil {
			return report, err
		}
		for id, units := range h {
			if units.IsNegative() {
				violate("cohort %s holding %s is negative", c.ProfileID, id)
			}
			if _, ok := prices[id]; !ok {
				violate("cohort %s holds unknown strategy %s", c.ProfileID, id)
			}
			held[id] = held[id].Add(units)
			holdingCount++
		}
		report.TotalCohortValue = report.TotalCohortValue.Add(h.Value(prices))
		if c.Shares.IsZero() && len(h) > 0 {
			violate("cohort %s holds units with no shares outstanding", c.ProfileID)
		}
	}

	for _, e := range entries {
		if !e.Balance.Equal(held[e.ID]) {
			violate("strategy %s balance %s != cohort holdings %s", e.ID, e.Balance, held[e.ID])
		}
	}

	positions, err := tx.ListPositions(ctx)
	if err != nil {
		return report, err
	}
	byCohort := make(map[string]decimal.Decimal, len(cohorts))
	for _, p := range positions {
		if p.Shares.IsNegative() || p.Principal.IsNegative() {
			violate("position %s is negative", p.Participant)
		}
		byCohort[p.ProfileID] = byCohort[p.ProfileID].Add(p.Shares)
	}
	for id, shares := range byCohort {
		if !shares.Equal(cohortShares[id]) {
			violate("cohort %s shares %s != position shares %s", id, cohortShares[id], shares)
		}
	}
	for id, shares := range cohortShares {
		if _, ok := byCohort[id]; !ok && !shares.IsZero() {
			violate("cohort %s has %s shares but no positions", id, shares)
		}
	}

	st, err := tx.PoolState(ctx)
	if err != nil {
		return report, err
	}
	if !st.TotalShares.Equal(report.TotalShares) {
		violate("pool total shares %s != cohort shares %s", st.TotalShares, report.TotalShares)
	}

	// Strategy value truncates once per strategy, cohort value once per
	// holding, so the two may drift by one unit per holding.
	epsilon := decimal.New(int64(holdingCount+1), -model.UnitScale)
	if report.TotalStrategyValue.Sub(report.TotalCohortValue).Abs().GreaterThan(epsilon) {
		violate("strategy value %s != cohort value %s", report.TotalStrategyValue, report.TotalCohortValue)
	}

	report.OK = len(report.Violations) == 0
	if !report.OK {
		return report, errors.Wrapf(model.ErrInvariantViolation, "%d violation(s): %s", len(report.Violations), report.Violations[0])
	}
	return report, nil
}
