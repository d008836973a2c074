package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalefund/fund-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache once the
// transaction commits; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.Update(ctx, func(tx Tx) error {
		rec := &recordingTx{Tx: tx}
		if err := fn(rec); err != nil {
			return err
		}
		touched = rec.keys()
		return nil
	})
	if err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	if len(touched) > 0 {
		s.rdb.Del(ctx, touched...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, participant string) (*model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionKey(participant)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, participant)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(participant), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListStrategies(ctx context.Context) ([]model.StrategyEntry, error) {
	data, err := s.rdb.Get(ctx, strategiesKey).Bytes()
	if err == nil {
		var entries []model.StrategyEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, strategiesKey, data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.primary.View(ctx, fn)
}

func (s *CachedStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		return err
	}
	return s.primary.Close()
}

// recordingTx notes every cached key a transaction writes.
type recordingTx struct {
	Tx
	positions  map[string]struct{}
	strategies bool
}

func (t *recordingTx) touchPosition(participant string) {
	if t.positions == nil {
		t.positions = make(map[string]struct{})
	}
	t.positions[participant] = struct{}{}
}

func (t *recordingTx) keys() []string {
	out := make([]string, 0, len(t.positions)+1)
	for p := range t.positions {
		out = append(out, positionKey(p))
	}
	if t.strategies {
		out = append(out, strategiesKey)
	}
	return out
}

func (t *recordingTx) PutPosition(ctx context.Context, p *model.Position) error {
	t.touchPosition(p.Participant)
	return t.Tx.PutPosition(ctx, p)
}

func (t *recordingTx) DeletePosition(ctx context.Context, participant string) error {
	t.touchPosition(participant)
	return t.Tx.DeletePosition(ctx, participant)
}

func (t *recordingTx) PutStrategy(ctx context.Context, e *model.StrategyEntry) error {
	t.strategies = true
	return t.Tx.PutStrategy(ctx, e)
}

// --- Cache helpers ---

const strategiesKey = "strategies"

func positionKey(participant string) string { return fmt.Sprintf("position:%s", participant) }
