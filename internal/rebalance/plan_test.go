package rebalance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalefund/fund-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func prices(kv ...string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = d(kv[i+1])
	}
	return out
}

var moderate = map[string]model.Bps{"BTC": 6000, "USDC": 4000}

func TestDiff_FreshDepositLeavesReserve(t *testing.T) {
	plan := Diff([]CohortInput{{
		ProfileID: "moderate",
		Weights:   moderate,
		Holdings:  model.Holdings{"KALE": d("1000")},
	}}, prices("KALE", "1", "BTC", "1", "USDC", "1"), model.Policy{})

	require.Len(t, plan.Moves, 2)
	require.Len(t, plan.Transfers, 2)

	assert.Equal(t, "KALE", plan.Transfers[0].From)
	assert.Equal(t, "BTC", plan.Transfers[0].To)
	assert.True(t, plan.Transfers[0].FromUnits.Equal(d("600")))
	assert.True(t, plan.Transfers[0].ToUnits.Equal(d("600")))

	assert.Equal(t, "KALE", plan.Transfers[1].From)
	assert.Equal(t, "USDC", plan.Transfers[1].To)
	assert.True(t, plan.Transfers[1].FromUnits.Equal(d("400")))
	assert.True(t, plan.Transfers[1].ToUnits.Equal(d("400")))
}

func TestDiff_PriceMoveShiftsValue(t *testing.T) {
	plan := Diff([]CohortInput{{
		ProfileID: "moderate",
		Weights:   moderate,
		Holdings:  model.Holdings{"BTC": d("600"), "USDC": d("400")},
	}}, prices("BTC", "2", "USDC", "1"), model.Policy{})

	// 1600 total: target BTC 960 / USDC 640, so 240 of value leaves BTC.
	require.Len(t, plan.Transfers, 1)
	tr := plan.Transfers[0]
	assert.Equal(t, "BTC", tr.From)
	assert.Equal(t, "USDC", tr.To)
	assert.True(t, tr.Value.Equal(d("240")))
	assert.True(t, tr.FromUnits.Equal(d("120")))
	assert.True(t, tr.ToUnits.Equal(d("240")))
}

func TestDiff_AlreadyBalancedIsEmpty(t *testing.T) {
	plan := Diff([]CohortInput{{
		ProfileID: "moderate",
		Weights:   moderate,
		Holdings:  model.Holdings{"BTC": d("480"), "USDC": d("640")},
	}}, prices("BTC", "2", "USDC", "1"), model.Policy{})
	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Transfers)
}

func TestDiff_Deadband(t *testing.T) {
	cohort := CohortInput{
		ProfileID: "moderate",
		Weights:   moderate,
		Holdings:  model.Holdings{"BTC": d("600"), "USDC": d("400")},
	}
	px := prices("BTC", "1.01", "USDC", "1")

	// 1006 total, BTC is 2.4 over target: inside a 1% deadband (10.06).
	assert.True(t, Diff([]CohortInput{cohort}, px, model.Policy{DeadbandBps: 100}).Empty())

	plan := Diff([]CohortInput{cohort}, px, model.Policy{})
	require.Len(t, plan.Transfers, 1)
	assert.Equal(t, "BTC", plan.Transfers[0].From)
}

func TestDiff_DustFloor(t *testing.T) {
	// A 0.00005 drift is below Dust even with no deadband.
	plan := Diff([]CohortInput{{
		ProfileID: "moderate",
		Weights:   map[string]model.Bps{"BTC": 5000, "USDC": 5000},
		Holdings:  model.Holdings{"BTC": d("500.0001"), "USDC": d("500")},
	}}, prices("BTC", "1", "USDC", "1"), model.Policy{})
	assert.True(t, plan.Empty())
}

func TestDiff_DrainTakesEveryUnit(t *testing.T) {
	plan := Diff([]CohortInput{{
		ProfileID: "stable",
		Weights:   map[string]model.Bps{"USDC": 10000},
		Holdings:  model.Holdings{"XLM": d("1.0000001")},
	}}, prices("XLM", "0.7", "USDC", "1"), model.Policy{})

	require.Len(t, plan.Moves, 1)
	m := plan.Moves[0]
	assert.Equal(t, "XLM", m.From)
	assert.True(t, m.FromUnits.Equal(d("1.0000001")), "drain left %s behind", d("1.0000001").Sub(m.FromUnits))
	assert.True(t, m.ToUnits.Equal(d("0.7")))
}

func TestDiff_MergesCohortsPerPair(t *testing.T) {
	plan := Diff([]CohortInput{
		{ProfileID: "b", Weights: map[string]model.Bps{"BTC": 10000}, Holdings: model.Holdings{"KALE": d("300")}},
		{ProfileID: "a", Weights: map[string]model.Bps{"BTC": 10000}, Holdings: model.Holdings{"KALE": d("200")}},
		{ProfileID: "c", Weights: map[string]model.Bps{"USDC": 10000}, Holdings: model.Holdings{"BTC": d("50")}},
	}, prices("KALE", "1", "BTC", "2", "USDC", "1"), model.Policy{})

	require.Len(t, plan.Moves, 3)
	assert.Equal(t, "a", plan.Moves[0].ProfileID)
	assert.Equal(t, "b", plan.Moves[1].ProfileID)
	assert.Equal(t, "c", plan.Moves[2].ProfileID)

	require.Len(t, plan.Transfers, 2)
	assert.Equal(t, "BTC", plan.Transfers[0].From)
	assert.Equal(t, "USDC", plan.Transfers[0].To)
	assert.True(t, plan.Transfers[0].ToUnits.Equal(d("100")))

	assert.Equal(t, "KALE", plan.Transfers[1].From)
	assert.Equal(t, "BTC", plan.Transfers[1].To)
	assert.True(t, plan.Transfers[1].FromUnits.Equal(d("500")))
	assert.True(t, plan.Transfers[1].ToUnits.Equal(d("250")))
}

func TestDiff_UnitsBalancePerStrategy(t *testing.T) {
	cohorts := []CohortInput{
		{ProfileID: "x", Weights: map[string]model.Bps{"BTC": 3333, "USDC": 3333, "XLM": 3334}, Holdings: model.Holdings{"KALE": d("1234.5678901")}},
		{ProfileID: "y", Weights: map[string]model.Bps{"BTC": 7000, "KALE": 3000}, Holdings: model.Holdings{"XLM": d("77.7777777"), "USDC": d("10")}},
	}
	px := prices("KALE", "1", "BTC", "3.1415926", "USDC", "0.9999", "XLM", "0.1234567")
	plan := Diff(cohorts, px, model.Policy{})
	require.False(t, plan.Empty())

	moved := map[string]decimal.Decimal{}
	for _, m := range plan.Moves {
		moved[m.From] = moved[m.From].Sub(m.FromUnits)
		moved[m.To] = moved[m.To].Add(m.ToUnits)
	}
	transferred := map[string]decimal.Decimal{}
	for _, tr := range plan.Transfers {
		transferred[tr.From] = transferred[tr.From].Sub(tr.FromUnits)
		transferred[tr.To] = transferred[tr.To].Add(tr.ToUnits)
	}
	for id, units := range moved {
		assert.True(t, units.Equal(transferred[id]), "strategy %s: moves %s, transfers %s", id, units, transferred[id])
	}

	for _, c := range cohorts {
		after := model.Holdings{}
		for id, u := range c.Holdings {
			after[id] = u
		}
		for _, m := range plan.Moves {
			if m.ProfileID != c.ProfileID {
				continue
			}
			after[m.From] = after[m.From].Sub(m.FromUnits)
			after[m.To] = after[m.To].Add(m.ToUnits)
			assert.True(t, m.FromUnits.IsPositive())
			assert.True(t, model.AtUnitScale(m.FromUnits) && model.AtUnitScale(m.ToUnits))
		}
		for id, u := range after {
			assert.False(t, u.IsNegative(), "cohort %s went negative in %s", c.ProfileID, id)
		}
		// Value never grows; it may shrink by truncation only.
		before := c.Holdings.Value(px)
		assert.True(t, after.Value(px).LessThanOrEqual(before))
	}
}

func TestDiff_IsDeterministicAndPure(t *testing.T) {
	holdings := model.Holdings{"KALE": d("1000")}
	in := []CohortInput{{ProfileID: "moderate", Weights: moderate, Holdings: holdings}}
	px := prices("KALE", "1", "BTC", "1", "USDC", "1")

	first := Diff(in, px, model.Policy{})
	second := Diff(in, px, model.Policy{})
	assert.Equal(t, first, second)
	assert.True(t, holdings["KALE"].Equal(d("1000")))
	assert.Len(t, holdings, 1)
}

func TestDiff_SkipsUnpricedAndEmpty(t *testing.T) {
	plan := Diff([]CohortInput{
		{ProfileID: "empty", Weights: moderate, Holdings: model.Holdings{}},
		{ProfileID: "unpriced", Weights: map[string]model.Bps{"DOGE": 10000}, Holdings: model.Holdings{"KALE": d("10")}},
	}, prices("KALE", "1"), model.Policy{})
	assert.True(t, plan.Empty())
}

func TestDiff_DeadbandScalesWithTotalValue(t *testing.T) {
	small := CohortInput{ProfileID: "small", Weights: moderate, Holdings: model.Holdings{"BTC": d("60"), "USDC": d("40")}}
	big := CohortInput{ProfileID: "big", Weights: moderate, Holdings: model.Holdings{"BTC": d("6000"), "USDC": d("4000")}}
	px := prices("BTC", "1.1", "USDC", "1")

	// Pooled value 10706 puts a 1% deadband at 107.06. The small cohort is
	// only 2.4 off target and stays put; the big one is 240 off and moves.
	plan := Diff([]CohortInput{small, big}, px, model.Policy{DeadbandBps: 100})
	require.NotEmpty(t, plan.Moves)
	for _, m := range plan.Moves {
		assert.Equal(t, "big", m.ProfileID)
	}

	// On its own the small cohort sits outside its own 1%.
	alone := Diff([]CohortInput{small}, px, model.Policy{DeadbandBps: 100})
	require.Len(t, alone.Moves, 1)
	assert.Equal(t, "small", alone.Moves[0].ProfileID)
}

func TestDiff_MinRebalanceValue(t *testing.T) {
	in := []CohortInput{{ProfileID: "moderate", Weights: moderate, Holdings: model.Holdings{"KALE": d("1000")}}}
	px := prices("KALE", "1", "BTC", "1", "USDC", "1")

	assert.True(t, Diff(in, px, model.Policy{MinRebalanceValue: d("1000.0000001")}).Empty())
	assert.False(t, Diff(in, px, model.Policy{MinRebalanceValue: d("1000")}).Empty())
}

func TestDiff_MaxTransfersDefersTheRest(t *testing.T) {
	in := []CohortInput{{ProfileID: "moderate", Weights: moderate, Holdings: model.Holdings{"KALE": d("1000")}}}
	px := prices("KALE", "1", "BTC", "1", "USDC", "1")

	plan := Diff(in, px, model.Policy{MaxTransfers: 1})
	require.Len(t, plan.Transfers, 1)
	assert.Equal(t, "BTC", plan.Transfers[0].To)
	require.Len(t, plan.Moves, 1)
	assert.Equal(t, "BTC", plan.Moves[0].To)
	assert.Equal(t, 1, plan.Deferred)

	full := Diff(in, px, model.Policy{MaxTransfers: 2})
	assert.Len(t, full.Transfers, 2)
	assert.Zero(t, full.Deferred)
}
