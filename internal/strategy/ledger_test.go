package strategy

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalefund/fund-engine/internal/custody"
	"github.com/kalefund/fund-engine/internal/ident"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := Install(ctx, tx, "KALE", decimal.Zero, true, 0); err != nil {
			return err
		}
		return Install(ctx, tx, "BTC", d("2"), false, 0)
	}))
	return s
}

func TestCreditDebit(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, Credit(ctx, tx, "BTC", d("10")))
		return Debit(ctx, tx, "BTC", d("3.5"))
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		e, err := Get(ctx, tx, "BTC")
		require.NoError(t, err)
		assert.True(t, e.Balance.Equal(d("6.5")), e.Balance.String())
		assert.True(t, e.Value().Equal(d("13")))
		return nil
	}))
}

func TestDebit_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	err := s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, Credit(ctx, tx, "BTC", d("1")))
		return Debit(ctx, tx, "BTC", d("1.0000001"))
	})
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	// The credit rolled back with the failed debit.
	entries, err := s.ListStrategies(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.Balance.IsZero(), e.ID)
	}
}

func TestUnknownStrategy(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	err := s.Update(ctx, func(tx store.Tx) error {
		return Credit(ctx, tx, "DOGE", d("1"))
	})
	assert.True(t, errors.Is(err, ErrUnknownStrategy))
}

func TestInvalidUnits(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		assert.True(t, errors.Is(Credit(ctx, tx, "BTC", decimal.Zero), ErrInvalidUnits))
		assert.True(t, errors.Is(Debit(ctx, tx, "BTC", d("-1")), ErrInvalidUnits))
		assert.True(t, errors.Is(Credit(ctx, tx, "BTC", d("0.00000001")), ErrInvalidUnits))
		return nil
	}))
}

func TestSetValuation(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, SetValuation(ctx, tx, "BTC", d("4"), 100))
		assert.True(t, errors.Is(SetValuation(ctx, tx, "BTC", decimal.Zero, 101), ErrInvalidValuation))

		// The reserve accepts its pinned price and nothing else.
		require.NoError(t, SetValuation(ctx, tx, "KALE", model.One, 100))
		assert.True(t, errors.Is(SetValuation(ctx, tx, "KALE", d("2"), 100), ErrInvalidValuation))
		return nil
	}))

	entries, err := s.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "BTC", entries[0].ID)
	assert.True(t, entries[0].Price.Equal(d("4")))
	assert.Equal(t, int64(100), entries[0].ValuationEpoch)
	assert.True(t, entries[1].Price.Equal(model.One))
}

func TestInstall_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, Credit(ctx, tx, "BTC", d("7")))
		return Install(ctx, tx, "BTC", d("99"), false, 5)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		e, err := Get(ctx, tx, "BTC")
		require.NoError(t, err)
		assert.True(t, e.Balance.Equal(d("7")))
		assert.True(t, e.Price.Equal(d("2")))

		total, err := TotalValue(ctx, tx)
		require.NoError(t, err)
		assert.True(t, total.Equal(d("14")))
		return nil
	}))
}

func TestSettle_MarksCustodyToValue(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, custody.Fund(ctx, tx, ident.VenueAccount("BTC"), d("100")))
		require.NoError(t, custody.Fund(ctx, tx, ident.StrategyAccount("BTC"), d("20")))
		require.NoError(t, Credit(ctx, tx, "BTC", d("10")))

		paid, err := Settle(ctx, tx, "BTC")
		require.NoError(t, err)
		assert.True(t, paid.IsZero(), "10 units at 2 already backed by 20")

		require.NoError(t, SetValuation(ctx, tx, "BTC", d("3.5"), 1))
		paid, err = Settle(ctx, tx, "BTC")
		require.NoError(t, err)
		assert.True(t, paid.Equal(d("15")))

		require.NoError(t, SetValuation(ctx, tx, "BTC", d("1"), 2))
		paid, err = Settle(ctx, tx, "BTC")
		require.NoError(t, err)
		assert.True(t, paid.Equal(d("-25")))
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		sub, _ := tx.AccountBalance(ctx, ident.StrategyAccount("BTC"))
		venue, _ := tx.AccountBalance(ctx, ident.VenueAccount("BTC"))
		assert.True(t, sub.Equal(d("10")))
		assert.True(t, venue.Equal(d("110")))
		return nil
	}))
}

func TestSettle_VenueShortfall(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	err := s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, Credit(ctx, tx, "BTC", d("10")))
		_, err := Settle(ctx, tx, "BTC")
		return err
	})
	assert.True(t, errors.Is(err, custody.ErrInsufficientBalance))
}
