package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/model"
)

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("store: read-only transaction")

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update works on a deep copy of the state and swaps it in only when the
// callback succeeds, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	pool       model.PoolState
	positions  map[string]model.Position
	profiles   map[string]model.RiskProfile
	strategies map[string]model.StrategyEntry
	cohorts    map[string]model.Cohort
	holdings   map[string]model.Holdings
	accounts   map[string]decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		pool:       model.PoolState{TotalShares: decimal.Zero},
		positions:  make(map[string]model.Position),
		profiles:   make(map[string]model.RiskProfile),
		strategies: make(map[string]model.StrategyEntry),
		cohorts:    make(map[string]model.Cohort),
		holdings:   make(map[string]model.Holdings),
		accounts:   make(map[string]decimal.Decimal),
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		pool:       s.pool,
		positions:  make(map[string]model.Position, len(s.positions)),
		profiles:   make(map[string]model.RiskProfile, len(s.profiles)),
		strategies: make(map[string]model.StrategyEntry, len(s.strategies)),
		cohorts:    make(map[string]model.Cohort, len(s.cohorts)),
		holdings:   make(map[string]model.Holdings, len(s.holdings)),
		accounts:   make(map[string]decimal.Decimal, len(s.accounts)),
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	// Profiles are immutable once stored; sharing the allocation slice is safe.
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.strategies {
		c.strategies[k] = v
	}
	for k, v := range s.cohorts {
		c.cohorts[k] = v
	}
	for k, h := range s.holdings {
		hc := make(model.Holdings, len(h))
		for id, units := range h {
			hc[id] = units
		}
		c.holdings[k] = hc
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	return c
}

// Update runs fn against a private copy of the state and commits it on success.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// View runs fn against the current state under a read lock.
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memTx{st: s.state, readOnly: true})
}

func (s *MemoryStore) GetPosition(ctx context.Context, participant string) (*model.Position, error) {
	var p *model.Position
	err := s.View(ctx, func(tx Tx) error {
		var err error
		p, err = tx.GetPosition(ctx, participant)
		return err
	})
	return p, err
}

func (s *MemoryStore) ListStrategies(ctx context.Context) ([]model.StrategyEntry, error) {
	var out []model.StrategyEntry
	err := s.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListStrategies(ctx)
		return err
	})
	return out, err
}

func (s *MemoryStore) Close() error { return nil }

// memTx is the Tx view of one memState. Values are copied in and out so
// callers never alias stored records.
type memTx struct {
	st       *memState
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) PoolState(_ context.Context) (model.PoolState, error) {
	return copyTerms(t.st.pool), nil
}

func (t *memTx) PutPoolState(_ context.Context, st model.PoolState) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.pool = copyTerms(st)
	return nil
}

// copyTerms detaches the terms pointer so callers never share it with the
// stored state.
func copyTerms(st model.PoolState) model.PoolState {
	if st.Terms != nil {
		terms := *st.Terms
		st.Terms = &terms
	}
	return st
}

func (t *memTx) GetPosition(_ context.Context, participant string) (*model.Position, error) {
	p, ok := t.st.positions[participant]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "position %s", participant)
	}
	return &p, nil
}

func (t *memTx) PutPosition(_ context.Context, p *model.Position) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.positions[p.Participant] = *p
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, participant string) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.st.positions, participant)
	return nil
}

func (t *memTx) ListPositions(_ context.Context) ([]model.Position, error) {
	out := make([]model.Position, 0, len(t.st.positions))
	for _, p := range t.st.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out, nil
}

func (t *memTx) GetProfile(_ context.Context, id string) (*model.RiskProfile, error) {
	p, ok := t.st.profiles[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "profile %s", id)
	}
	p.Allocations = append([]model.Allocation(nil), p.Allocations...)
	return &p, nil
}

func (t *memTx) PutProfile(_ context.Context, p *model.RiskProfile) error {
	if err := t.writable(); err != nil {
		return err
	}
	c := *p
	c.Allocations = append([]model.Allocation(nil), p.Allocations...)
	t.st.profiles[p.ID] = c
	return nil
}

func (t *memTx) ListProfiles(_ context.Context) ([]model.RiskProfile, error) {
	out := make([]model.RiskProfile, 0, len(t.st.profiles))
	for _, p := range t.st.profiles {
		p.Allocations = append([]model.Allocation(nil), p.Allocations...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) GetStrategy(_ context.Context, id string) (*model.StrategyEntry, error) {
	e, ok := t.st.strategies[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "strategy %s", id)
	}
	return &e, nil
}

func (t *memTx) PutStrategy(_ context.Context, e *model.StrategyEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.strategies[e.ID] = *e
	return nil
}

func (t *memTx) ListStrategies(_ context.Context) ([]model.StrategyEntry, error) {
	out := make([]model.StrategyEntry, 0, len(t.st.strategies))
	for _, e := range t.st.strategies {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) GetCohort(_ context.Context, profileID string) (*model.Cohort, error) {
	c, ok := t.st.cohorts[profileID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "cohort %s", profileID)
	}
	return &c, nil
}

func (t *memTx) PutCohort(_ context.Context, c *model.Cohort) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.cohorts[c.ProfileID] = *c
	return nil
}

func (t *memTx) ListCohorts(_ context.Context) ([]model.Cohort, error) {
	out := make([]model.Cohort, 0, len(t.st.cohorts))
	for _, c := range t.st.cohorts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out, nil
}

func (t *memTx) Holdings(_ context.Context, profileID string) (model.Holdings, error) {
	h := t.st.holdings[profileID]
	out := make(model.Holdings, len(h))
	for id, units := range h {
		out[id] = units
	}
	return out, nil
}

func (t *memTx) PutHolding(_ context.Context, profileID, strategyID string, units decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	h, ok := t.st.holdings[profileID]
	if !ok {
		h = make(model.Holdings)
		t.st.holdings[profileID] = h
	}
	if units.IsZero() {
		delete(h, strategyID)
		return nil
	}
	h[strategyID] = units
	return nil
}

func (t *memTx) AccountBalance(_ context.Context, account string) (decimal.Decimal, error) {
	return t.st.accounts[account], nil
}

func (t *memTx) PutAccountBalance(_ context.Context, account string, balance decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.accounts[account] = balance
	return nil
}
