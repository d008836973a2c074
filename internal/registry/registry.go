// Package registry stores the immutable risk profiles participants choose
// from. A profile is an ordered list of (strategy, weight) pairs whose
// weights sum to exactly model.FullWeight. Changing an allocation means
// registering a new profile; stored profiles are never edited.
package registry

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/kalefund/fund-engine/internal/ident"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/store"
)

var (
	// ErrUnknownProfile is returned for IDs that were never registered.
	ErrUnknownProfile = errors.New("registry: unknown profile")

	// ErrInvalidWeights is returned when an allocation is empty, negative,
	// duplicated, references an unknown strategy, or does not sum to
	// model.FullWeight.
	ErrInvalidWeights = errors.New("registry: invalid weights")

	// ErrProfileExists is returned when Seed would overwrite a different
	// profile under the same ID.
	ErrProfileExists = errors.New("registry: profile already exists")
)

// customPrefix names generated profile IDs: custom-1, custom-2, ...
const customPrefix = "custom-"

// Definition is a profile with a caller-chosen ID, installed at deployment.
type Definition struct {
	ID          string             `json:"id" yaml:"id"`
	Allocations []model.Allocation `json:"allocations" yaml:"allocations"`
}

// Canonical returns the deployment profiles over KALE, BTC, USDC and XLM.
func Canonical() []Definition {
	mk := func(id string, kale, btc, usdc, xlm model.Bps) Definition {
		return Definition{ID: id, Allocations: []model.Allocation{
			{StrategyID: "KALE", Weight: kale},
			{StrategyID: "BTC", Weight: btc},
			{StrategyID: "USDC", Weight: usdc},
			{StrategyID: "XLM", Weight: xlm},
		}}
	}
	return []Definition{
		mk("conservative", 2000, 3000, 4000, 1000),
		mk("moderate", 3500, 4000, 2000, 500),
		mk("aggressive", 5000, 3500, 1000, 500),
	}
}

// Get returns the profile with the given ID.
func Get(ctx context.Context, tx store.Tx, id string) (*model.RiskProfile, error) {
	p, err := tx.GetProfile(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrap(ErrUnknownProfile, id)
	}
	return p, err
}

// List returns every registered profile, sorted by ID.
func List(ctx context.Context, tx store.Tx) ([]model.RiskProfile, error) {
	return tx.ListProfiles(ctx)
}

// Register validates allocations and stores them under a freshly generated ID.
func Register(ctx context.Context, tx store.Tx, allocations []model.Allocation, now int64) (*model.RiskProfile, error) {
	if err := Validate(ctx, tx, allocations); err != nil {
		return nil, err
	}

	st, err := tx.PoolState(ctx)
	if err != nil {
		return nil, err
	}
	// Skip IDs already taken by seeded profiles.
	var id string
	for {
		st.ProfileCounter++
		id = fmt.Sprintf("%s%d", customPrefix, st.ProfileCounter)
		if _, err := tx.GetProfile(ctx, id); errors.Is(err, store.ErrNotFound) {
			break
		} else if err != nil {
			return nil, err
		}
	}
	if err := tx.PutPoolState(ctx, st); err != nil {
		return nil, err
	}

	p := &model.RiskProfile{
		ID:          id,
		Allocations: append([]model.Allocation(nil), allocations...),
		CreatedAt:   now,
	}
	if err := tx.PutProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Seed installs definitions under their own IDs. Re-seeding an identical
// profile is a no-op; a conflicting one is ErrProfileExists.
func Seed(ctx context.Context, tx store.Tx, defs []Definition, now int64) error {
	for _, def := range defs {
		if err := ident.Profile(def.ID); err != nil {
			return err
		}
		if err := Validate(ctx, tx, def.Allocations); err != nil {
			return errors.Wrapf(err, "profile %s", def.ID)
		}
		existing, err := tx.GetProfile(ctx, def.ID)
		if err == nil {
			if !sameAllocations(existing.Allocations, def.Allocations) {
				return errors.Wrap(ErrProfileExists, def.ID)
			}
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		p := &model.RiskProfile{
			ID:          def.ID,
			Allocations: append([]model.Allocation(nil), def.Allocations...),
			CreatedAt:   now,
		}
		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks an allocation against the Strategy Ledger.
func Validate(ctx context.Context, tx store.Tx, allocations []model.Allocation) error {
	if len(allocations) == 0 {
		return errors.Wrap(ErrInvalidWeights, "no allocations")
	}

	seen := make(map[string]struct{}, len(allocations))
	var sum model.Bps
	for _, a := range allocations {
		if a.Weight < 0 {
			return errors.Wrapf(ErrInvalidWeights, "negative weight for %s", a.StrategyID)
		}
		if _, dup := seen[a.StrategyID]; dup {
			return errors.Wrapf(ErrInvalidWeights, "duplicate strategy %s", a.StrategyID)
		}
		seen[a.StrategyID] = struct{}{}

		if _, err := tx.GetStrategy(ctx, a.StrategyID); errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrInvalidWeights, "unknown strategy %s", a.StrategyID)
		} else if err != nil {
			return err
		}
		sum += a.Weight
	}
	if sum != model.FullWeight {
		return errors.Wrapf(ErrInvalidWeights, "weights sum to %d, want %d", sum, model.FullWeight)
	}
	return nil
}

func sameAllocations(a, b []model.Allocation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
