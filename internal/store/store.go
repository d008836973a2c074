// Package store defines the persistence interface for the fund engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation runs inside Update: the callback sees a consistent snapshot
// and its writes commit atomically, or not at all if it returns an error.
// This is the transaction boundary the host ledger provides natively; callers
// never lock anything themselves.
package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/model"
)

// ErrNotFound is returned by Tx getters for missing rows.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Update runs fn in a serializable read-write transaction.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error

	// GetPosition reads one position outside any transaction (cacheable).
	GetPosition(ctx context.Context, participant string) (*model.Position, error)

	// ListStrategies reads the Strategy Ledger outside any transaction (cacheable).
	ListStrategies(ctx context.Context) ([]model.StrategyEntry, error)

	// Close releases the store's resources.
	Close() error
}

// Tx is the table-level view of one transaction.
type Tx interface {
	// --- Pool state (single row) ---

	PoolState(ctx context.Context) (model.PoolState, error)
	PutPoolState(ctx context.Context, st model.PoolState) error

	// --- Position Book ---

	GetPosition(ctx context.Context, participant string) (*model.Position, error)
	PutPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, participant string) error
	ListPositions(ctx context.Context) ([]model.Position, error)

	// --- Risk Profile Registry ---

	GetProfile(ctx context.Context, id string) (*model.RiskProfile, error)
	PutProfile(ctx context.Context, p *model.RiskProfile) error
	ListProfiles(ctx context.Context) ([]model.RiskProfile, error)

	// --- Strategy Ledger ---

	GetStrategy(ctx context.Context, id string) (*model.StrategyEntry, error)
	PutStrategy(ctx context.Context, s *model.StrategyEntry) error
	// ListStrategies returns entries sorted by ID ascending.
	ListStrategies(ctx context.Context) ([]model.StrategyEntry, error)

	// --- Cohorts and their holdings ---

	GetCohort(ctx context.Context, profileID string) (*model.Cohort, error)
	PutCohort(ctx context.Context, c *model.Cohort) error
	ListCohorts(ctx context.Context) ([]model.Cohort, error)
	// Holdings returns the units a cohort holds per strategy (empty, never nil).
	Holdings(ctx context.Context, profileID string) (model.Holdings, error)
	PutHolding(ctx context.Context, profileID, strategyID string, units decimal.Decimal) error

	// --- Native accounts (host account model) ---

	// AccountBalance returns zero for unknown accounts.
	AccountBalance(ctx context.Context, account string) (decimal.Decimal, error)
	PutAccountBalance(ctx context.Context, account string, balance decimal.Decimal) error
}

// CohortOrEmpty returns the cohort for profileID, or a zero-share cohort
// when none has been opened yet.
func CohortOrEmpty(ctx context.Context, tx Tx, profileID string) (*model.Cohort, error) {
	c, err := tx.GetCohort(ctx, profileID)
	if errors.Is(err, ErrNotFound) {
		return &model.Cohort{ProfileID: profileID, Shares: decimal.Zero}, nil
	}
	return c, err
}

// Prices returns the last persisted valuation of every strategy.
func Prices(ctx context.Context, tx Tx) (map[string]decimal.Decimal, error) {
	entries, err := tx.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		prices[e.ID] = e.Price
	}
	return prices, nil
}
