package fund

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/ident"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/registry"
	"github.com/kalefund/fund-engine/internal/store"
	"github.com/kalefund/fund-engine/internal/strategy"
)

// ErrInvalidDeploy rejects a genesis configuration that cannot produce a
// working pool.
var ErrInvalidDeploy = errors.New("fund: invalid deployment")

// StrategySeed is one strategy installed at genesis.
type StrategySeed struct {
	ID      string
	Price   decimal.Decimal
	Reserve bool
}

// DeployConfig is the genesis state of a pool.
type DeployConfig struct {
	Strategies []StrategySeed
	// Profiles defaults to registry.Canonical when empty.
	Profiles []registry.Definition
	Policy   model.Policy
}

// Deploy installs strategies, profiles and the policy in one transaction. A
// pool that is already deployed is left as it is; Deploy reports whether it
// did anything.
func Deploy(ctx context.Context, st store.Store, cfg DeployConfig, now time.Time) (bool, error) {
	var reserve string
	for _, s := range cfg.Strategies {
		if err := ident.Strategy(s.ID); err != nil {
			return false, errors.Wrapf(ErrInvalidDeploy, "%v", err)
		}
		if s.Reserve {
			if reserve != "" {
				return false, errors.Wrapf(ErrInvalidDeploy, "two reserve strategies: %s and %s", reserve, s.ID)
			}
			reserve = s.ID
		}
	}
	if reserve == "" {
		return false, errors.Wrap(ErrInvalidDeploy, "no reserve strategy")
	}
	if err := validatePolicy(cfg.Policy); err != nil {
		return false, errors.Wrapf(ErrInvalidDeploy, "%v", err)
	}
	profiles := cfg.Profiles
	if len(profiles) == 0 {
		profiles = registry.Canonical()
	}

	deployed := false
	err := st.Update(ctx, func(tx store.Tx) error {
		pool, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		if pool.Deployed {
			return nil
		}

		for _, s := range cfg.Strategies {
			if err := strategy.Install(ctx, tx, s.ID, s.Price, s.Reserve, now.Unix()); err != nil {
				return err
			}
		}
		if err := registry.Seed(ctx, tx, profiles, now.Unix()); err != nil {
			return err
		}

		pool.Deployed = true
		pool.ReserveStrategy = reserve
		pool.Policy = cfg.Policy
		if err := tx.PutPoolState(ctx, pool); err != nil {
			return err
		}
		deployed = true
		return nil
	})
	return deployed, err
}
