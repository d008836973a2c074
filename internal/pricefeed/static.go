package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/model"
)

// Emergency overrides are published with this source and confidence.
const (
	EmergencySource     = "EMERGENCY"
	EmergencyConfidence = model.Bps(5000)
)

// Publisher accepts governance price overrides.
type Publisher interface {
	Publish(ctx context.Context, strategyID string, price decimal.Decimal, epoch int64) error
}

// StaticOracle serves quotes held in memory. Tests drive it directly; in
// production it backs the emergency override path when no relay is wired.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	down   map[string]bool
}

// NewStaticOracle creates an empty oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		quotes: make(map[string]Quote),
		down:   make(map[string]bool),
	}
}

// Set stores a quote for strategyID.
func (o *StaticOracle) Set(strategyID string, q Quote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[strategyID] = q
	delete(o.down, strategyID)
}

// Fail makes reads of strategyID fail until the next Set.
func (o *StaticOracle) Fail(strategyID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.down[strategyID] = true
}

// Publish records a governance override.
func (o *StaticOracle) Publish(_ context.Context, strategyID string, price decimal.Decimal, epoch int64) error {
	if !price.IsPositive() {
		return errors.Wrapf(ErrOracleUnavailable, "override %s: non-positive price %s", strategyID, price)
	}
	o.Set(strategyID, Quote{
		Price:      price,
		Epoch:      epoch,
		Confidence: EmergencyConfidence,
		Source:     EmergencySource,
	})
	return nil
}

// Read returns the stored quote. Staleness is left to the Feed.
func (o *StaticOracle) Read(_ context.Context, strategyID string, _ time.Duration) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.down[strategyID] {
		return Quote{}, errors.Wrapf(ErrOracleUnavailable, "%s: source down", strategyID)
	}
	q, ok := o.quotes[strategyID]
	if !ok {
		return Quote{}, errors.Wrapf(ErrOracleUnavailable, "%s: no quote", strategyID)
	}
	return q, nil
}
