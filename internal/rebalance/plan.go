package rebalance

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/model"
)

// CohortInput is one cohort as the diff sees it.
type CohortInput struct {
	ProfileID string
	Weights   map[string]model.Bps
	Holdings  model.Holdings
}

// Move re-allocates value inside one cohort.
type Move struct {
	ProfileID string
	From      string
	To        string
	Value     decimal.Decimal
	FromUnits decimal.Decimal
	ToUnits   decimal.Decimal
}

// Plan is the output of Diff: per-cohort moves and the merged ledger
// transfers that realize them. Deferred counts transfers dropped by the
// policy's transfer cap; the next run picks them up.
type Plan struct {
	Moves     []Move
	Transfers []model.Transfer
	Deferred  int
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool { return len(p.Moves) == 0 }

type leg struct {
	id    string
	value decimal.Decimal // remaining value to move
	units decimal.Decimal // remaining units (sources only)
	drain bool            // target is zero: the last move takes every unit
}

// Diff computes the moves that bring every cohort to its target weights at
// the given prices. It is pure and deterministic: sources and sinks are
// matched greedily in ascending strategy ID order.
//
// Deltas smaller than max(totalValue*DeadbandBps, model.Dust) are ignored,
// where totalValue is the value of every cohort together. Nothing moves while
// totalValue is below MinRebalanceValue. With MaxTransfers set, only the
// first MaxTransfers merged transfers in (from, to) order are kept.
func Diff(cohorts []CohortInput, prices map[string]decimal.Decimal, policy model.Policy) Plan {
	ordered := append([]CohortInput(nil), cohorts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ProfileID < ordered[j].ProfileID })

	total := decimal.Zero
	for _, c := range ordered {
		total = total.Add(c.Holdings.Value(prices))
	}
	var plan Plan
	if !total.IsPositive() || total.LessThan(policy.MinRebalanceValue) {
		return plan
	}
	threshold := model.ApplyBps(total, policy.DeadbandBps)
	if threshold.LessThan(model.Dust) {
		threshold = model.Dust
	}

	for _, c := range ordered {
		plan.Moves = append(plan.Moves, diffCohort(c, prices, threshold)...)
	}
	plan.Transfers = merge(plan.Moves)
	if policy.MaxTransfers > 0 && len(plan.Transfers) > policy.MaxTransfers {
		plan = capTransfers(plan, policy.MaxTransfers)
	}
	return plan
}

// capTransfers keeps the first n transfers and the moves that feed them.
func capTransfers(plan Plan, n int) Plan {
	type key struct{ from, to string }
	kept := make(map[key]struct{}, n)
	for _, t := range plan.Transfers[:n] {
		kept[key{t.From, t.To}] = struct{}{}
	}
	out := Plan{Transfers: plan.Transfers[:n], Deferred: len(plan.Transfers) - n}
	for _, m := range plan.Moves {
		if _, ok := kept[key{m.From, m.To}]; ok {
			out.Moves = append(out.Moves, m)
		}
	}
	return out
}

func diffCohort(c CohortInput, prices map[string]decimal.Decimal, threshold decimal.Decimal) []Move {
	value := c.Holdings.Value(prices)
	if !value.IsPositive() {
		return nil
	}

	ids := make(map[string]struct{}, len(c.Weights)+len(c.Holdings))
	for id := range c.Weights {
		ids[id] = struct{}{}
	}
	for id := range c.Holdings {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	var sources, sinks []*leg
	for _, id := range sorted {
		price, ok := prices[id]
		if !ok || !price.IsPositive() {
			continue
		}
		units := c.Holdings[id]
		actual := model.Truncate(units.Mul(price))
		target := model.ApplyBps(value, c.Weights[id])
		delta := target.Sub(actual)
		if delta.Abs().LessThan(threshold) {
			continue
		}
		if delta.IsNegative() {
			sources = append(sources, &leg{id: id, value: delta.Neg(), units: units, drain: c.Weights[id] == 0})
		} else {
			sinks = append(sinks, &leg{id: id, value: delta})
		}
	}

	var moves []Move
	for i, j := 0, 0; i < len(sources) && j < len(sinks); {
		src, dst := sources[i], sinks[j]
		amount := decimal.Min(src.value, dst.value)
		src.value = src.value.Sub(amount)
		dst.value = dst.value.Sub(amount)

		fromUnits := model.MulDiv(amount, model.One, prices[src.id])
		if src.value.IsZero() && src.drain {
			fromUnits = src.units
		}
		if fromUnits.GreaterThan(src.units) {
			fromUnits = src.units
		}
		moved := model.Truncate(fromUnits.Mul(prices[src.id]))
		toUnits := model.MulDiv(moved, model.One, prices[dst.id])

		if fromUnits.IsPositive() && toUnits.IsPositive() {
			src.units = src.units.Sub(fromUnits)
			moves = append(moves, Move{
				ProfileID: c.ProfileID,
				From:      src.id,
				To:        dst.id,
				Value:     moved,
				FromUnits: fromUnits,
				ToUnits:   toUnits,
			})
		}

		if src.value.IsZero() {
			i++
		}
		if dst.value.IsZero() {
			j++
		}
	}
	return moves
}

// merge folds cohort moves with the same (from, to) pair into one ledger
// instruction, ordered by (from, to).
func merge(moves []Move) []model.Transfer {
	type key struct{ from, to string }
	byPair := make(map[key]*model.Transfer)
	var keys []key
	for _, m := range moves {
		k := key{m.From, m.To}
		t, ok := byPair[k]
		if !ok {
			t = &model.Transfer{From: m.From, To: m.To, Value: decimal.Zero, FromUnits: decimal.Zero, ToUnits: decimal.Zero}
			byPair[k] = t
			keys = append(keys, k)
		}
		t.Value = t.Value.Add(m.Value)
		t.FromUnits = t.FromUnits.Add(m.FromUnits)
		t.ToUnits = t.ToUnits.Add(m.ToUnits)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].to < keys[j].to
	})

	out := make([]model.Transfer, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byPair[k])
	}
	return out
}
