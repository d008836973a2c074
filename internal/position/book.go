// Package position implements the Position Book: the authoritative custody
// record of every participant's shares and principal.
//
// Participants sharing a risk profile form a cohort with its own share class.
// A cohort's value is its holdings (units per strategy) at the last
// valuation, and its share price is that value over its share supply. Keeping
// the classes apart means value earned by one allocation is never credited to
// participants of another.
package position

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kalefund/fund-engine/internal/custody"
	"github.com/kalefund/fund-engine/internal/ident"
	"github.com/kalefund/fund-engine/internal/limits"
	"github.com/kalefund/fund-engine/internal/metrics"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/registry"
	"github.com/kalefund/fund-engine/internal/store"
	"github.com/kalefund/fund-engine/internal/strategy"
)

var (
	// ErrInvalidAmount rejects non-positive, over-precise or out-of-range
	// amounts, and operations that would mint or release nothing.
	ErrInvalidAmount = errors.New("position: invalid amount")

	// ErrUnknownPosition is returned for participants without a position.
	ErrUnknownPosition = errors.New("position: unknown position")

	// ErrInsufficientShares is returned when a withdrawal exceeds the
	// participant's shares.
	ErrInsufficientShares = errors.New("position: insufficient shares")

	// ErrInsufficientLiquidity is returned when a withdrawal cannot be paid
	// in full. Nothing is committed.
	ErrInsufficientLiquidity = errors.New("position: insufficient liquidity")

	// ErrProfileMismatch is returned when a participant deposits under a
	// profile other than the one their open position uses.
	ErrProfileMismatch = errors.New("position: deposit profile differs from position profile")

	// ErrNotDeployed is returned before genesis has installed the strategies.
	ErrNotDeployed = errors.New("position: pool not deployed")
)

// ErrInvalidTerms rejects deposit and withdrawal rules that cannot be applied.
var ErrInvalidTerms = errors.New("position: invalid fund terms")

// Config holds the default deposit and withdrawal rules. Terms persisted by
// governance take precedence over it.
type Config = model.FundTerms

// ValidateTerms checks that terms can be applied to every operation.
func ValidateTerms(t model.FundTerms) error {
	switch {
	case !t.MinDeposit.IsPositive() || !model.AtUnitScale(t.MinDeposit):
		return errors.Wrapf(ErrInvalidTerms, "min deposit %s", t.MinDeposit)
	case t.MaxDeposit.IsNegative() || !model.AtUnitScale(t.MaxDeposit):
		return errors.Wrapf(ErrInvalidTerms, "max deposit %s", t.MaxDeposit)
	case t.MaxDeposit.IsPositive() && t.MaxDeposit.LessThan(t.MinDeposit):
		return errors.Wrapf(ErrInvalidTerms, "max deposit %s below min %s", t.MaxDeposit, t.MinDeposit)
	case t.LockPeriod < 0:
		return errors.Wrapf(ErrInvalidTerms, "lock period %s", t.LockPeriod)
	case t.WithdrawalFeeBps < 0 || t.EarlyPenaltyBps < 0 ||
		t.WithdrawalFeeBps+t.EarlyPenaltyBps > model.FullWeight:
		return errors.Wrapf(ErrInvalidTerms, "fee %d + penalty %d bps", t.WithdrawalFeeBps, t.EarlyPenaltyBps)
	}
	return nil
}

// Book executes participant operations, each in its own store transaction.
type Book struct {
	store   store.Store
	cfg     Config
	limiter *limits.DepositLimiter
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Book.
type Option func(*Book)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// WithLimiter installs deposit limits.
func WithLimiter(l *limits.DepositLimiter) Option {
	return func(b *Book) { b.limiter = l }
}

// NewBook creates a Position Book over st.
func NewBook(st store.Store, cfg Config, logger *zap.Logger, opts ...Option) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Book{
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the default rules.
func (b *Book) Config() Config { return b.cfg }

// Terms returns the rules in force.
func (b *Book) Terms(ctx context.Context) (model.FundTerms, error) {
	var terms model.FundTerms
	err := b.store.View(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		terms = b.termsOf(st)
		return nil
	})
	return terms, err
}

// SetTerms persists new deposit and withdrawal rules. They apply to every
// operation that commits after them; existing lock expiries are unchanged.
func (b *Book) SetTerms(ctx context.Context, terms model.FundTerms) error {
	if err := ValidateTerms(terms); err != nil {
		return err
	}
	err := b.store.Update(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		st.Terms = &terms
		return tx.PutPoolState(ctx, st)
	})
	if err != nil {
		return err
	}
	b.logger.Info("fund terms updated",
		zap.String("min_deposit", terms.MinDeposit.String()),
		zap.String("max_deposit", terms.MaxDeposit.String()),
		zap.Duration("lock_period", terms.LockPeriod),
		zap.Int64("withdrawal_fee_bps", int64(terms.WithdrawalFeeBps)),
		zap.Int64("early_penalty_bps", int64(terms.EarlyPenaltyBps)),
	)
	return nil
}

func (b *Book) termsOf(st model.PoolState) model.FundTerms {
	if st.Terms != nil {
		return *st.Terms
	}
	return b.cfg
}

// Deposit moves amount from the participant's account into the reserve
// strategy's custody account, credits the reserve and mints cohort shares at
// the current share price.
func (b *Book) Deposit(ctx context.Context, participant string, amount decimal.Decimal, profileID string) (*model.DepositResult, error) {
	if err := ident.Participant(participant); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	defer observe("deposit", time.Now())
	now := b.now()
	var result *model.DepositResult
	err := b.store.Update(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		if st.Paused {
			return model.ErrPaused
		}
		if st.ReserveStrategy == "" {
			return ErrNotDeployed
		}
		terms := b.termsOf(st)
		if err := checkRange(amount, terms); err != nil {
			return err
		}
		if _, err := registry.Get(ctx, tx, profileID); err != nil {
			return err
		}

		pos, err := tx.GetPosition(ctx, participant)
		switch {
		case errors.Is(err, store.ErrNotFound):
			pos = &model.Position{
				Participant: participant,
				ProfileID:   profileID,
				Principal:   decimal.Zero,
				Shares:      decimal.Zero,
				CreatedAt:   now.Unix(),
			}
		case err != nil:
			return err
		case pos.ProfileID != profileID:
			return errors.Wrapf(ErrProfileMismatch, "%s holds %s, deposit targets %s", participant, pos.ProfileID, profileID)
		}

		prices, err := store.Prices(ctx, tx)
		if err != nil {
			return err
		}
		snap, err := LoadCohort(ctx, tx, profileID, prices)
		if err != nil {
			return err
		}
		if !snap.Empty() && !snap.Value.IsPositive() {
			return errors.Wrapf(model.ErrInvariantViolation, "cohort %s has shares but no value", profileID)
		}
		if err := b.limiter.CheckDeposit(snap.ValueOf(pos.Shares), snap.Value, amount); err != nil {
			return err
		}

		minted := snap.SharesFor(amount)
		if !minted.IsPositive() {
			return errors.Wrapf(ErrInvalidAmount, "deposit %s mints no shares at %s", amount, snap.SharePrice())
		}
		sharePrice := snap.SharePrice()

		if err := custody.Move(ctx, tx, participant, ident.StrategyAccount(st.ReserveStrategy), amount); err != nil {
			return err
		}
		if err := strategy.Credit(ctx, tx, st.ReserveStrategy, amount); err != nil {
			return err
		}
		if err := tx.PutHolding(ctx, profileID, st.ReserveStrategy, snap.Holdings[st.ReserveStrategy].Add(amount)); err != nil {
			return err
		}

		snap.Cohort.Shares = snap.Cohort.Shares.Add(minted)
		if err := tx.PutCohort(ctx, &snap.Cohort); err != nil {
			return err
		}
		st.TotalShares = st.TotalShares.Add(minted)
		if err := tx.PutPoolState(ctx, st); err != nil {
			return err
		}

		pos.Shares = pos.Shares.Add(minted)
		pos.Principal = pos.Principal.Add(amount)
		pos.LockedUntil = now.Add(terms.LockPeriod).Unix()
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}

		if _, err := Verify(ctx, tx); err != nil {
			return err
		}

		result = &model.DepositResult{
			Participant:  participant,
			ProfileID:    profileID,
			Amount:       amount,
			SharesMinted: minted,
			SharePrice:   sharePrice,
			Shares:       pos.Shares,
			Principal:    pos.Principal,
			LockedUntil:  pos.LockedUntil,
		}
		return nil
	})
	if err != nil {
		countLimitRejection(err)
		return nil, err
	}

	metrics.DepositsTotal.WithLabelValues(profileID).Inc()
	b.logger.Info("deposit",
		zap.String("participant", participant),
		zap.String("profile", profileID),
		zap.String("amount", amount.String()),
		zap.String("shares_minted", result.SharesMinted.String()),
	)
	return result, nil
}

// Withdraw burns shares and pays their value, less fee and any early
// withdrawal penalty. Each strategy releases the native backing the debited
// units from its custody account. Either every debit succeeds or the
// withdrawal fails with ErrInsufficientLiquidity and nothing changes.
func (b *Book) Withdraw(ctx context.Context, participant string, shares decimal.Decimal) (*model.WithdrawalResult, error) {
	if !shares.IsPositive() || !model.AtUnitScale(shares) {
		return nil, errors.Wrapf(ErrInvalidAmount, "shares %s", shares)
	}

	defer observe("withdraw", time.Now())
	now := b.now()
	var result *model.WithdrawalResult
	err := b.store.Update(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		if st.Paused {
			return model.ErrPaused
		}

		pos, err := tx.GetPosition(ctx, participant)
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrap(ErrUnknownPosition, participant)
		}
		if err != nil {
			return err
		}
		if shares.GreaterThan(pos.Shares) {
			return errors.Wrapf(ErrInsufficientShares, "%s holds %s, requested %s", participant, pos.Shares, shares)
		}

		prices, err := store.Prices(ctx, tx)
		if err != nil {
			return err
		}
		snap, err := LoadCohort(ctx, tx, pos.ProfileID, prices)
		if err != nil {
			return err
		}

		slice := snap.Slice(shares)
		gross, dust := decimal.Zero, decimal.Zero
		for _, id := range sortedIDs(slice) {
			units := slice[id]
			left := snap.Holdings[id].Sub(units)
			if left.IsNegative() {
				return errors.Wrapf(ErrInsufficientLiquidity, "cohort %s holds %s of %s, needs %s", pos.ProfileID, snap.Holdings[id], id, units)
			}
			if err := tx.PutHolding(ctx, pos.ProfileID, id, left); err != nil {
				return err
			}
			if err := strategy.Debit(ctx, tx, id, units); err != nil {
				if errors.Is(err, strategy.ErrInsufficientBalance) {
					return errors.Wrapf(ErrInsufficientLiquidity, "%v", err)
				}
				return err
			}

			pay := model.Truncate(units.Mul(prices[id]))
			released, err := release(ctx, tx, id)
			if err != nil {
				return err
			}
			if released.LessThan(pay) {
				return errors.Wrapf(ErrInsufficientLiquidity, "strategy %s released %s, owes %s", id, released, pay)
			}
			gross = gross.Add(pay)
			dust = dust.Add(released.Sub(pay))
		}
		if !gross.IsPositive() {
			return errors.Wrapf(ErrInvalidAmount, "%s shares are worth nothing", shares)
		}

		fee, penalty := charges(b.termsOf(st), gross, pos, now)
		net := gross.Sub(fee).Sub(penalty)

		if err := payOut(ctx, tx, participant, net); err != nil {
			return err
		}
		if err := payOut(ctx, tx, ident.TreasuryAccount, fee.Add(penalty).Add(dust)); err != nil {
			return err
		}

		snap.Cohort.Shares = snap.Cohort.Shares.Sub(shares)
		if err := tx.PutCohort(ctx, &snap.Cohort); err != nil {
			return err
		}
		st.TotalShares = st.TotalShares.Sub(shares)
		if err := tx.PutPoolState(ctx, st); err != nil {
			return err
		}

		if shares.Equal(pos.Shares) {
			pos.Principal = decimal.Zero
		} else {
			pos.Principal = pos.Principal.Sub(model.MulDiv(pos.Principal, shares, pos.Shares))
		}
		pos.Shares = pos.Shares.Sub(shares)
		if pos.Empty() {
			err = tx.DeletePosition(ctx, participant)
		} else {
			err = tx.PutPosition(ctx, pos)
		}
		if err != nil {
			return err
		}

		if _, err := Verify(ctx, tx); err != nil {
			return err
		}

		result = &model.WithdrawalResult{
			Participant:  participant,
			SharesBurned: shares,
			Debits:       slice,
			Gross:        gross,
			Fee:          fee,
			Penalty:      penalty,
			Net:          net,
			Dust:         dust,
			Shares:       pos.Shares,
			Principal:    pos.Principal,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalsTotal.Inc()
	b.logger.Info("withdrawal",
		zap.String("participant", participant),
		zap.String("shares_burned", shares.String()),
		zap.String("gross", result.Gross.String()),
		zap.String("net", result.Net.String()),
	)
	return result, nil
}

// ChangeProfile moves a participant to another cohort. Their pro-rata slice
// of the old cohort's holdings is re-attributed to the new cohort and their
// shares are converted at the two share prices. No strategy balance moves;
// the next rebalance converges the new cohort to its target.
func (b *Book) ChangeProfile(ctx context.Context, participant, profileID string) (*model.PositionView, error) {
	defer observe("change_profile", time.Now())
	var view *model.PositionView
	var from string
	err := b.store.Update(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		if st.Paused {
			return model.ErrPaused
		}
		pos, err := tx.GetPosition(ctx, participant)
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrap(ErrUnknownPosition, participant)
		}
		if err != nil {
			return err
		}
		if _, err := registry.Get(ctx, tx, profileID); err != nil {
			return err
		}
		from = pos.ProfileID

		prices, err := store.Prices(ctx, tx)
		if err != nil {
			return err
		}
		if from == profileID {
			view, err = b.view(ctx, tx, pos, prices)
			return err
		}

		oldSnap, err := LoadCohort(ctx, tx, from, prices)
		if err != nil {
			return err
		}
		newSnap, err := LoadCohort(ctx, tx, profileID, prices)
		if err != nil {
			return err
		}
		if !newSnap.Empty() && !newSnap.Value.IsPositive() {
			return errors.Wrapf(model.ErrInvariantViolation, "cohort %s has shares but no value", profileID)
		}

		slice := oldSnap.Slice(pos.Shares)
		moved := slice.Value(prices)
		if err := b.limiter.CheckDeposit(decimal.Zero, newSnap.Value, moved); err != nil {
			return err
		}
		newShares := newSnap.SharesFor(moved)
		if !newShares.IsPositive() {
			return errors.Wrapf(ErrInvalidAmount, "position %s is too small to convert", participant)
		}

		for _, id := range sortedIDs(slice) {
			units := slice[id]
			if err := tx.PutHolding(ctx, from, id, oldSnap.Holdings[id].Sub(units)); err != nil {
				return err
			}
			if err := tx.PutHolding(ctx, profileID, id, newSnap.Holdings[id].Add(units)); err != nil {
				return err
			}
		}

		oldSnap.Cohort.Shares = oldSnap.Cohort.Shares.Sub(pos.Shares)
		if err := tx.PutCohort(ctx, &oldSnap.Cohort); err != nil {
			return err
		}
		newSnap.Cohort.Shares = newSnap.Cohort.Shares.Add(newShares)
		if err := tx.PutCohort(ctx, &newSnap.Cohort); err != nil {
			return err
		}
		st.TotalShares = st.TotalShares.Sub(pos.Shares).Add(newShares)
		if err := tx.PutPoolState(ctx, st); err != nil {
			return err
		}

		pos.ProfileID = profileID
		pos.Shares = newShares
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}

		if _, err := Verify(ctx, tx); err != nil {
			return err
		}
		view, err = b.view(ctx, tx, pos, prices)
		return err
	})
	if err != nil {
		countLimitRejection(err)
		return nil, err
	}

	b.logger.Info("profile changed",
		zap.String("participant", participant),
		zap.String("from", from),
		zap.String("to", profileID),
	)
	return view, nil
}

// Position returns the participant's position valued at the cohort's
// current share price. The position row comes through the store's cached
// read; the cohort and prices from a snapshot. Reads are never blocked by a
// pause.
func (b *Book) Position(ctx context.Context, participant string) (*model.PositionView, error) {
	pos, err := b.store.GetPosition(ctx, participant)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrap(ErrUnknownPosition, participant)
	}
	if err != nil {
		return nil, err
	}

	var view *model.PositionView
	err = b.store.View(ctx, func(tx store.Tx) error {
		prices, err := store.Prices(ctx, tx)
		if err != nil {
			return err
		}
		view, err = b.view(ctx, tx, pos, prices)
		return err
	})
	return view, err
}

// Audit runs the full conservation check against a read snapshot.
func (b *Book) Audit(ctx context.Context) (model.AuditReport, error) {
	var report model.AuditReport
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		report, err = Verify(ctx, tx)
		if errors.Is(err, model.ErrInvariantViolation) {
			b.logger.Error("audit failed", zap.Strings("violations", report.Violations))
			return nil
		}
		return err
	})
	return report, err
}

func (b *Book) view(ctx context.Context, tx store.Tx, pos *model.Position, prices map[string]decimal.Decimal) (*model.PositionView, error) {
	snap, err := LoadCohort(ctx, tx, pos.ProfileID, prices)
	if err != nil {
		return nil, err
	}
	return &model.PositionView{
		Position:           *pos,
		Value:              snap.ValueOf(pos.Shares),
		SharePrice:         snap.SharePrice(),
		LastRebalanceSeq:   snap.Cohort.LastRebalanceSeq,
		LastRebalanceEpoch: snap.Cohort.LastRebalanceEpoch,
	}, nil
}

func checkAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return errors.Wrapf(ErrInvalidAmount, "amount %s must be positive", amount)
	case !model.AtUnitScale(amount):
		return errors.Wrapf(ErrInvalidAmount, "amount %s exceeds %d decimal places", amount, model.UnitScale)
	}
	return nil
}

func checkRange(amount decimal.Decimal, terms model.FundTerms) error {
	switch {
	case amount.LessThan(terms.MinDeposit):
		return errors.Wrapf(ErrInvalidAmount, "amount %s below minimum %s", amount, terms.MinDeposit)
	case terms.MaxDeposit.IsPositive() && amount.GreaterThan(terms.MaxDeposit):
		return errors.Wrapf(ErrInvalidAmount, "amount %s above maximum %s", amount, terms.MaxDeposit)
	}
	return nil
}

// charges computes the withdrawal fee and, while the position is still
// locked, the early withdrawal penalty. Both are taken from gross.
func charges(terms model.FundTerms, gross decimal.Decimal, pos *model.Position, now time.Time) (fee, penalty decimal.Decimal) {
	fee = model.ApplyBps(gross, terms.WithdrawalFeeBps)
	penalty = decimal.Zero
	if now.Unix() < pos.LockedUntil {
		penalty = model.ApplyBps(gross, terms.EarlyPenaltyBps)
	}
	return fee, penalty
}

// release moves whatever the strategy's custody account holds above the
// strategy's value into the clearing account and returns it. Called after a
// debit, that is the native backing the debited units.
func release(ctx context.Context, tx store.Tx, strategyID string) (decimal.Decimal, error) {
	e, err := strategy.Get(ctx, tx, strategyID)
	if err != nil {
		return decimal.Zero, err
	}
	account := ident.StrategyAccount(strategyID)
	held, err := tx.AccountBalance(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	out := held.Sub(e.Value())
	if out.IsNegative() {
		return decimal.Zero, errors.Wrapf(ErrInsufficientLiquidity, "%s custody %s below value %s", strategyID, held, e.Value())
	}
	if out.IsZero() {
		return out, nil
	}
	if err := custody.Move(ctx, tx, account, ident.ClearingAccount, out); err != nil {
		return decimal.Zero, err
	}
	return out, nil
}

// payOut pays amount from the clearing account.
func payOut(ctx context.Context, tx store.Tx, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := custody.Move(ctx, tx, ident.ClearingAccount, to, amount); err != nil {
		if errors.Is(err, custody.ErrInsufficientBalance) {
			return errors.Wrapf(ErrInsufficientLiquidity, "%v", err)
		}
		return err
	}
	return nil
}

func countLimitRejection(err error) {
	if errors.Is(err, limits.ErrParticipantLimitExceeded) || errors.Is(err, limits.ErrCohortLimitExceeded) {
		metrics.LimitRejections.Inc()
	}
}

func observe(op string, start time.Time) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
