package position

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/store"
)

// CohortSnapshot is one profile cohort priced at the last persisted
// valuations.
type CohortSnapshot struct {
	Cohort   model.Cohort
	Holdings model.Holdings
	Value    decimal.Decimal
}

// LoadCohort reads a cohort and its holdings and prices them. A cohort that
// was never opened comes back empty.
func LoadCohort(ctx context.Context, tx store.Tx, profileID string, prices map[string]decimal.Decimal) (*CohortSnapshot, error) {
	c, err := store.CohortOrEmpty(ctx, tx, profileID)
	if err != nil {
		return nil, err
	}
	h, err := tx.Holdings(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return &CohortSnapshot{Cohort: *c, Holdings: h, Value: h.Value(prices)}, nil
}

// Empty reports whether the cohort has no shares outstanding.
func (s *CohortSnapshot) Empty() bool {
	return s.Cohort.Shares.IsZero()
}

// SharePrice is value per share, or 1 for an empty cohort.
func (s *CohortSnapshot) SharePrice() decimal.Decimal {
	if s.Empty() || s.Value.IsZero() {
		return model.One
	}
	return model.MulDiv(s.Value, model.One, s.Cohort.Shares)
}

// SharesFor converts value into shares at the cohort's share price,
// truncating in the pool's favour.
func (s *CohortSnapshot) SharesFor(value decimal.Decimal) decimal.Decimal {
	if s.Empty() {
		return model.Truncate(value)
	}
	return model.MulDiv(value, s.Cohort.Shares, s.Value)
}

// ValueOf converts shares into value at the cohort's share price.
func (s *CohortSnapshot) ValueOf(shares decimal.Decimal) decimal.Decimal {
	if s.Empty() {
		return decimal.Zero
	}
	return model.MulDiv(shares, s.Value, s.Cohort.Shares)
}

// Slice returns the units per strategy attributable to shares. Taking every
// share of the cohort takes every unit, so no dust is stranded.
func (s *CohortSnapshot) Slice(shares decimal.Decimal) model.Holdings {
	out := make(model.Holdings, len(s.Holdings))
	all := shares.Equal(s.Cohort.Shares)
	for id, units := range s.Holdings {
		take := units
		if !all {
			take = model.MulDiv(units, shares, s.Cohort.Shares)
		}
		if take.IsPositive() {
			out[id] = take
		}
	}
	return out
}

// sortedIDs returns the strategy IDs of h in ascending order.
func sortedIDs(h model.Holdings) []string {
	ids := make([]string, 0, len(h))
	for id := range h {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
