// Package journal persists committed rebalance runs for audit.
//
// A journal entry is written after the run's transaction has committed, so
// the journal can lag the store but never lead it.
package journal

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kalefund/fund-engine/internal/model"
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 50

// ErrClosed is returned by a journal after Close.
var ErrClosed = errors.New("journal: closed")

// Journal appends and lists rebalance runs.
type Journal interface {
	Append(ctx context.Context, result model.RebalanceResult) error
	// List returns up to limit runs, newest first.
	List(ctx context.Context, limit int) ([]model.RebalanceResult, error)
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
