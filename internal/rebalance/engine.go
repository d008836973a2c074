// Package rebalance converges every profile cohort toward its target
// allocation.
//
// A run moves through Idle → Pricing → Diffing → Applying → Idle, or ends in
// Aborted. Pricing and Diffing only read; Applying is a single store
// transaction, so a run either commits every valuation, transfer and the new
// sequence number together, or nothing at all. The persisted sequence number
// is the idempotence key: a trigger carrying an already-committed sequence
// is a no-op.
package rebalance

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kalefund/fund-engine/internal/custody"
	"github.com/kalefund/fund-engine/internal/ident"
	"github.com/kalefund/fund-engine/internal/metrics"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/position"
	"github.com/kalefund/fund-engine/internal/pricefeed"
	"github.com/kalefund/fund-engine/internal/store"
	"github.com/kalefund/fund-engine/internal/strategy"
)

var (
	// ErrSequenceGap is returned for a trigger that skips sequence numbers.
	ErrSequenceGap = errors.New("rebalance: sequence gap")

	// ErrNotDue is returned when an unforced trigger arrives before the
	// policy's trigger interval has elapsed.
	ErrNotDue = errors.New("rebalance: not due")

	// ErrConcurrentRebalance is returned when another run committed between
	// this run's snapshot and its apply.
	ErrConcurrentRebalance = errors.New("rebalance: concurrent rebalance committed")

	// ErrApplyAborted wraps the debit or credit failure that rolled back an
	// apply phase.
	ErrApplyAborted = errors.New("rebalance: apply aborted")
)

// State is the engine's position in the run state machine.
type State int32

const (
	Idle State = iota
	Pricing
	Diffing
	Applying
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pricing:
		return "pricing"
	case Diffing:
		return "diffing"
	case Applying:
		return "applying"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Trigger starts a run. Sequence zero means "the next sequence".
type Trigger struct {
	Sequence uint64 `json:"sequence"`
	Force    bool   `json:"force"`
}

// PriceSource is the read side of the price feed.
type PriceSource interface {
	GetPrice(ctx context.Context, strategyID string) (model.PriceSample, error)
}

// Recorder persists completed runs.
type Recorder interface {
	Append(ctx context.Context, result model.RebalanceResult) error
}

// Engine runs rebalances against a store.
type Engine struct {
	store        store.Store
	prices       PriceSource
	journal      Recorder
	logger       *zap.Logger
	now          func() time.Time
	maxDeviation model.Bps

	mu    sync.Mutex // one run at a time per process
	state atomic.Int32
	last  atomic.Pointer[model.RebalanceResult]
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithJournal records every committed run.
func WithJournal(r Recorder) Option {
	return func(e *Engine) { e.journal = r }
}

// WithMaxDeviation rejects samples that moved more than bps away from the
// persisted valuation. Zero disables the guard.
func WithMaxDeviation(bps model.Bps) Option {
	return func(e *Engine) { e.maxDeviation = bps }
}

// NewEngine creates an engine.
func NewEngine(st store.Store, prices PriceSource, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:  st,
		prices: prices,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current state of the run state machine. Aborted sticks
// until the next run starts.
func (e *Engine) State() State { return State(e.state.Load()) }

// Last returns the most recent committed result, if any.
func (e *Engine) Last() *model.RebalanceResult { return e.last.Load() }

func (e *Engine) enter(s State) {
	e.state.Store(int32(s))
}

// snapshot is everything a run reads before it writes.
type snapshot struct {
	pool     model.PoolState
	entries  map[string]model.StrategyEntry
	cohorts  []CohortInput
	profiles []string // active cohorts, sorted
}

// Run executes one rebalance pass.
func (e *Engine) Run(ctx context.Context, trig Trigger) (*model.RebalanceResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	now := e.now()

	snap, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	st := snap.pool
	if st.Paused {
		return nil, model.ErrPaused
	}
	seq := trig.Sequence
	if seq == 0 {
		seq = st.Sequence + 1
	}
	switch {
	case seq <= st.Sequence:
		metrics.RebalanceRuns.WithLabelValues(model.RebalanceDuplicate).Inc()
		e.logger.Info("duplicate rebalance trigger", zap.Uint64("sequence", seq), zap.Uint64("persisted", st.Sequence))
		return &model.RebalanceResult{Sequence: seq, Status: model.RebalanceDuplicate, Epoch: st.LastRebalanceEpoch}, nil
	case seq > st.Sequence+1:
		return nil, errors.Wrapf(ErrSequenceGap, "trigger %d, persisted %d", seq, st.Sequence)
	}
	if !trig.Force && st.LastRebalanceEpoch > 0 && st.Policy.TriggerInterval > 0 {
		if elapsed := time.Duration(now.Unix()-st.LastRebalanceEpoch) * time.Second; elapsed < st.Policy.TriggerInterval {
			return nil, errors.Wrapf(ErrNotDue, "%s since last run, interval %s", elapsed, st.Policy.TriggerInterval)
		}
	}

	// --- Pricing ---
	e.enter(Pricing)
	samples, degraded, err := e.price(ctx, snap)
	if err != nil {
		e.abort("pricing", err)
		return nil, err
	}

	// --- Diffing ---
	e.enter(Diffing)
	prices := make(map[string]decimal.Decimal, len(snap.entries))
	for id, entry := range snap.entries {
		prices[id] = entry.Price
	}
	for _, s := range samples {
		prices[s.StrategyID] = s.Price
	}
	plan := Diff(snap.cohorts, prices, st.Policy)
	if plan.Deferred > 0 {
		e.logger.Info("transfers deferred by policy cap", zap.Int("deferred", plan.Deferred), zap.Int("max", st.Policy.MaxTransfers))
	}

	// --- Applying ---
	e.enter(Applying)
	result, err := e.apply(ctx, snap, seq, now, samples, plan)
	if err != nil {
		e.abort("applying", err)
		return nil, err
	}
	result.RunID = ident.NewRunID(now)
	result.Degraded = degraded
	for i := range result.Transfers {
		result.Transfers[i].ID = ident.NewTransferID()
	}
	e.enter(Idle)
	e.last.Store(result)

	metrics.RebalanceRuns.WithLabelValues(result.Status).Inc()
	metrics.RebalanceTransfers.Add(float64(len(result.Transfers)))
	metrics.RebalanceLatency.Observe(time.Since(start).Seconds())
	metrics.PoolValue.Set(result.TotalValueAfter.InexactFloat64())

	e.logger.Info("rebalance committed",
		zap.String("run_id", result.RunID),
		zap.Uint64("sequence", result.Sequence),
		zap.String("status", result.Status),
		zap.Int("transfers", len(result.Transfers)),
		zap.Strings("degraded", degraded),
	)

	if e.journal != nil {
		if err := e.journal.Append(ctx, *result); err != nil {
			metrics.JournalFailures.Inc()
			e.logger.Error("journal append failed", zap.String("run_id", result.RunID), zap.Error(err))
		}
	}
	return result, nil
}

func (e *Engine) abort(phase string, err error) {
	e.enter(Aborted)
	metrics.RebalanceRuns.WithLabelValues("aborted").Inc()
	e.logger.Warn("rebalance aborted", zap.String("phase", phase), zap.Error(err))
}

// load reads the pool, ledger and every active cohort.
func (e *Engine) load(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{entries: make(map[string]model.StrategyEntry)}
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		if snap.pool, err = tx.PoolState(ctx); err != nil {
			return err
		}
		entries, err := tx.ListStrategies(ctx)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			snap.entries[entry.ID] = entry
		}
		cohorts, err := tx.ListCohorts(ctx)
		if err != nil {
			return err
		}
		for _, c := range cohorts {
			if !c.Shares.IsPositive() {
				continue
			}
			profile, err := tx.GetProfile(ctx, c.ProfileID)
			if err != nil {
				return errors.Wrapf(err, "profile of cohort %s", c.ProfileID)
			}
			h, err := tx.Holdings(ctx, c.ProfileID)
			if err != nil {
				return err
			}
			snap.cohorts = append(snap.cohorts, CohortInput{
				ProfileID: c.ProfileID,
				Weights:   profile.Weights(),
				Holdings:  h,
			})
			snap.profiles = append(snap.profiles, c.ProfileID)
		}
		return nil
	})
	return snap, err
}

// price samples every non-reserve strategy an active cohort targets or holds.
// Under the strict policy the first failure aborts the run; under the
// lenient policy the strategy keeps its persisted valuation and is reported
// as degraded.
func (e *Engine) price(ctx context.Context, snap *snapshot) ([]model.PriceSample, []string, error) {
	needed := make(map[string]struct{})
	for _, c := range snap.cohorts {
		for id := range c.Weights {
			needed[id] = struct{}{}
		}
		for id := range c.Holdings {
			needed[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(needed))
	for id := range needed {
		if entry, ok := snap.entries[id]; ok && !entry.Reserve {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var samples []model.PriceSample
	var degraded []string
	for _, id := range ids {
		last := snap.entries[id]
		sample, err := e.prices.GetPrice(ctx, id)
		if err == nil {
			err = pricefeed.CheckDeviation(sample, last.Price, e.maxDeviation)
		}
		if err != nil {
			if !pricefeed.IsOracleError(err) {
				return nil, nil, err
			}
			metrics.OracleFailures.WithLabelValues(oracleFailureKind(err)).Inc()
			if snap.pool.Policy.Mode != model.PolicyLenient {
				return nil, nil, errors.Wrapf(err, "price %s", id)
			}
			e.logger.Warn("using persisted valuation", zap.String("strategy", id), zap.Error(err))
			degraded = append(degraded, id)
			samples = append(samples, model.PriceSample{
				StrategyID: id,
				Price:      last.Price,
				Epoch:      last.ValuationEpoch,
				Source:     "persisted",
				Degraded:   true,
			})
			continue
		}
		samples = append(samples, sample)
	}
	return samples, degraded, nil
}

func oracleFailureKind(err error) string {
	switch {
	case errors.Is(err, pricefeed.ErrStalePrice):
		return "stale"
	case errors.Is(err, pricefeed.ErrPriceDeviation):
		return "deviation"
	}
	return "unavailable"
}

// apply commits valuations, transfers and the new sequence in one transaction.
//
// Custody follows the ledger: every strategy account is first marked to its
// new value against the strategy's venue, each transfer then carries its
// value in native from the source account to the destination account, and a
// final settlement squares the sub-unit rounding with the venues.
func (e *Engine) apply(ctx context.Context, snap *snapshot, seq uint64, now time.Time, samples []model.PriceSample, plan Plan) (*model.RebalanceResult, error) {
	result := &model.RebalanceResult{
		Sequence:  seq,
		Status:    model.RebalanceApplied,
		Transfers: append([]model.Transfer(nil), plan.Transfers...),
		Epoch:     now.Unix(),
	}
	if plan.Empty() {
		result.Status = model.RebalanceNoop
	}

	err := e.store.Update(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		if st.Sequence != snap.pool.Sequence {
			return errors.Wrapf(ErrConcurrentRebalance, "sequence moved from %d to %d", snap.pool.Sequence, st.Sequence)
		}
		if st.Paused {
			return model.ErrPaused
		}

		for _, s := range samples {
			if s.Degraded {
				continue
			}
			if err := strategy.SetValuation(ctx, tx, s.StrategyID, s.Price, s.Epoch); err != nil {
				return err
			}
		}
		if result.TotalValueBefore, err = strategy.TotalValue(ctx, tx); err != nil {
			return err
		}
		settled := make(map[string]decimal.Decimal, len(snap.entries))
		if err := settleAll(ctx, tx, snap, settled); err != nil {
			return err
		}

		if err := moveHoldings(ctx, tx, plan.Moves); err != nil {
			return errors.Wrapf(ErrApplyAborted, "%v", err)
		}
		for _, t := range plan.Transfers {
			if err := strategy.Debit(ctx, tx, t.From, t.FromUnits); err != nil {
				return errors.Wrapf(ErrApplyAborted, "debit %s: %v", t.From, err)
			}
			if err := custody.Move(ctx, tx, ident.StrategyAccount(t.From), ident.StrategyAccount(t.To), t.Value); err != nil {
				return errors.Wrapf(ErrApplyAborted, "move %s -> %s: %v", t.From, t.To, err)
			}
			if err := strategy.Credit(ctx, tx, t.To, t.ToUnits); err != nil {
				return errors.Wrapf(ErrApplyAborted, "credit %s: %v", t.To, err)
			}
		}
		if err := settleAll(ctx, tx, snap, settled); err != nil {
			return err
		}
		for id, amount := range settled {
			if amount.IsZero() {
				delete(settled, id)
			}
		}
		if len(settled) > 0 {
			result.Settled = settled
		}

		if _, err := position.Verify(ctx, tx); err != nil {
			e.logger.Error("rebalance would break conservation", zap.Uint64("sequence", seq), zap.Error(err))
			return err
		}
		if result.TotalValueAfter, err = strategy.TotalValue(ctx, tx); err != nil {
			return err
		}

		for _, id := range snap.profiles {
			c, err := store.CohortOrEmpty(ctx, tx, id)
			if err != nil {
				return err
			}
			c.LastRebalanceSeq = seq
			c.LastRebalanceEpoch = now.Unix()
			if err := tx.PutCohort(ctx, c); err != nil {
				return err
			}
		}

		st.Sequence = seq
		st.LastRebalanceEpoch = now.Unix()
		return tx.PutPoolState(ctx, st)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settleAll marks every strategy's custody account to its value, adding
// what each venue paid into settled.
func settleAll(ctx context.Context, tx store.Tx, snap *snapshot, settled map[string]decimal.Decimal) error {
	ids := make([]string, 0, len(snap.entries))
	for id := range snap.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		paid, err := strategy.Settle(ctx, tx, id)
		if err != nil {
			return errors.Wrapf(ErrApplyAborted, "%v", err)
		}
		settled[id] = settled[id].Add(paid)
	}
	return nil
}

// moveHoldings re-attributes units between strategies inside each cohort.
// Holdings are re-read inside the transaction, so a withdrawal that landed
// after the snapshot surfaces here as a shortfall instead of a negative
// holding.
func moveHoldings(ctx context.Context, tx store.Tx, moves []Move) error {
	cache := make(map[string]model.Holdings)
	for _, m := range moves {
		h, ok := cache[m.ProfileID]
		if !ok {
			var err error
			if h, err = tx.Holdings(ctx, m.ProfileID); err != nil {
				return err
			}
			cache[m.ProfileID] = h
		}
		left := h[m.From].Sub(m.FromUnits)
		if left.IsNegative() {
			return errors.Wrapf(strategy.ErrInsufficientBalance, "cohort %s holds %s of %s, move needs %s", m.ProfileID, h[m.From], m.From, m.FromUnits)
		}
		h[m.From] = left
		h[m.To] = h[m.To].Add(m.ToUnits)
		if err := tx.PutHolding(ctx, m.ProfileID, m.From, h[m.From]); err != nil {
			return err
		}
		if err := tx.PutHolding(ctx, m.ProfileID, m.To, h[m.To]); err != nil {
			return err
		}
	}
	return nil
}
