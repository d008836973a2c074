package position

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kalefund/fund-engine/internal/custody"
	"github.com/kalefund/fund-engine/internal/ident"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/store"
	"github.com/kalefund/fund-engine/internal/strategy"
)

// ErrNoCohorts is returned when rewards arrive while no cohort has shares.
var ErrNoCohorts = errors.New("position: no cohort to reward")

// DistributeRewards moves amount from source into the reserve strategy and
// attributes the new reserve units to the active cohorts pro rata by value.
// No shares are minted, so every rewarded cohort's share price rises.
func (b *Book) DistributeRewards(ctx context.Context, source string, amount decimal.Decimal) (*model.RewardResult, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	defer observe("distribute_rewards", time.Now())
	var result *model.RewardResult
	err := b.store.Update(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		if st.Paused {
			return model.ErrPaused
		}
		if st.ReserveStrategy == "" {
			return ErrNotDeployed
		}
		prices, err := store.Prices(ctx, tx)
		if err != nil {
			return err
		}

		cohorts, err := tx.ListCohorts(ctx)
		if err != nil {
			return err
		}
		var active []*CohortSnapshot
		total := decimal.Zero
		for _, c := range cohorts {
			if c.Shares.IsZero() {
				continue
			}
			snap, err := LoadCohort(ctx, tx, c.ProfileID, prices)
			if err != nil {
				return err
			}
			if !snap.Value.IsPositive() {
				continue
			}
			active = append(active, snap)
			total = total.Add(snap.Value)
		}
		if len(active) == 0 {
			return ErrNoCohorts
		}

		if err := custody.Move(ctx, tx, source, ident.StrategyAccount(st.ReserveStrategy), amount); err != nil {
			return err
		}
		if err := strategy.Credit(ctx, tx, st.ReserveStrategy, amount); err != nil {
			return err
		}

		// The last cohort takes the truncation remainder so every unit lands.
		alloc := make(map[string]decimal.Decimal, len(active))
		left := amount
		for i, snap := range active {
			share := left
			if i < len(active)-1 {
				share = model.MulDiv(amount, snap.Value, total)
			}
			left = left.Sub(share)
			if !share.IsPositive() {
				continue
			}
			id := snap.Cohort.ProfileID
			if err := tx.PutHolding(ctx, id, st.ReserveStrategy, snap.Holdings[st.ReserveStrategy].Add(share)); err != nil {
				return err
			}
			alloc[id] = share
		}

		if _, err := Verify(ctx, tx); err != nil {
			return err
		}
		result = &model.RewardResult{Source: source, Amount: amount, Allocations: alloc}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("rewards distributed",
		zap.String("source", source),
		zap.String("amount", amount.String()),
		zap.Int("cohorts", len(result.Allocations)),
	)
	return result, nil
}
