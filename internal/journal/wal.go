package journal

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/kalefund/fund-engine/internal/model"
)

const (
	// DefaultWALDir is used when no directory is configured.
	DefaultWALDir = "./wal/rebalance"

	segmentLimit = 100
	maxSegments  = 10

	runKeyPrefix = "rebalance_"
)

// WALJournal writes runs to a segmented write-ahead log. Old segments are
// rotated out, so List only sees the retained window.
type WALJournal struct {
	wal    *gowal.Wal
	mu     sync.RWMutex
	closed bool
}

// NewWALJournal opens (or creates) a journal in dir.
func NewWALJournal(dir string) (*WALJournal, error) {
	if dir == "" {
		dir = DefaultWALDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create WAL dir %s", dir)
	}
	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "run_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init rebalance WAL")
	}
	return &WALJournal{wal: wal}, nil
}

// Append writes one run under its run ID.
func (j *WALJournal) Append(_ context.Context, result model.RebalanceResult) error {
	if result.RunID == "" {
		return errors.New("journal: run id is required")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal rebalance run")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.wal.Write(j.wal.CurrentIndex()+1, runKeyPrefix+result.RunID, payload)
}

// List walks the log backwards from the newest index.
func (j *WALJournal) List(_ context.Context, limit int) ([]model.RebalanceResult, error) {
	limit = normalizeLimit(limit)

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	var out []model.RebalanceResult
	for idx := j.wal.CurrentIndex(); idx > 0 && len(out) < limit; idx-- {
		key, payload, err := j.wal.Get(idx)
		if err != nil {
			// rotated out
			break
		}
		if !strings.HasPrefix(key, runKeyPrefix) {
			continue
		}
		var r model.RebalanceResult
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, errors.Wrapf(err, "decode rebalance run at %d", idx)
		}
		out = append(out, r)
	}
	return out, nil
}

// Close closes the underlying WAL.
func (j *WALJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.wal.Close()
}
