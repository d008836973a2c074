package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/rebalance"
)

// Rebalancer is the governance surface the periodic trigger needs.
type Rebalancer interface {
	Rebalance(ctx context.Context, trig rebalance.Trigger) (*model.RebalanceResult, error)
}

// RebalanceJob fires an unforced rebalance for the next sequence. The
// engine's trigger interval decides whether the pass is due, so the cron
// schedule only sets the polling rate.
func RebalanceJob(r Rebalancer, timeout time.Duration) Job {
	return Job{
		Name: "rebalance",
		Run: func(ctx context.Context) error {
			_, err := r.Rebalance(ctx, rebalance.Trigger{})
			return err
		},
		Quiet:   quietRebalanceError,
		Timeout: timeout,
	}
}

func quietRebalanceError(err error) bool {
	return errors.Is(err, rebalance.ErrNotDue) || errors.Is(err, model.ErrPaused)
}
