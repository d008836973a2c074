// Package pricefeed normalizes external oracle reads into model.PriceSample
// values with a staleness bound. It holds no state of its own and never
// retries: failures surface to the caller, which decides whether to abort
// or fall back to the last persisted valuation.
package pricefeed

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/model"
)

var (
	// ErrOracleUnavailable is returned when the oracle cannot produce a
	// usable quote: no data, transport failure, a non-positive price, low
	// confidence, or an epoch ahead of ledger time.
	ErrOracleUnavailable = errors.New("pricefeed: oracle unavailable")

	// ErrStalePrice is returned when the quote is older than MaxAge.
	ErrStalePrice = errors.New("pricefeed: stale price")

	// ErrPriceDeviation is returned when a quote moves further from the last
	// persisted valuation than the configured threshold allows.
	ErrPriceDeviation = errors.New("pricefeed: price deviation exceeds threshold")
)

// IsOracleError reports whether err is one of the transient oracle failures.
func IsOracleError(err error) bool {
	return errors.Is(err, ErrOracleUnavailable) ||
		errors.Is(err, ErrStalePrice) ||
		errors.Is(err, ErrPriceDeviation)
}

// Quote is one raw oracle reading.
type Quote struct {
	Price      decimal.Decimal `json:"price"`
	Epoch      int64           `json:"epoch"` // unix seconds
	Confidence model.Bps       `json:"confidence_bps"`
	Source     string          `json:"source"`
}

// Oracle is the read contract of an external price network.
type Oracle interface {
	Read(ctx context.Context, strategyID string, maxAge time.Duration) (Quote, error)
}

// Default bounds.
const (
	DefaultMaxAge        = 5 * time.Minute
	DefaultMinConfidence = model.Bps(5000)
)

// Feed validates oracle quotes against ledger time.
type Feed struct {
	oracle        Oracle
	maxAge        time.Duration
	minConfidence model.Bps
	now           func() time.Time
}

// Option configures a Feed.
type Option func(*Feed)

// WithMaxAge sets the staleness bound.
func WithMaxAge(d time.Duration) Option {
	return func(f *Feed) { f.maxAge = d }
}

// WithMinConfidence sets the lowest accepted confidence.
func WithMinConfidence(c model.Bps) Option {
	return func(f *Feed) { f.minConfidence = c }
}

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// NewFeed creates a Feed over oracle.
func NewFeed(oracle Oracle, opts ...Option) *Feed {
	f := &Feed{
		oracle:        oracle,
		maxAge:        DefaultMaxAge,
		minConfidence: DefaultMinConfidence,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MaxAge returns the configured staleness bound.
func (f *Feed) MaxAge() time.Duration { return f.maxAge }

// GetPrice reads and validates one strategy's price. A quote exactly MaxAge
// old is accepted; one second older is stale.
func (f *Feed) GetPrice(ctx context.Context, strategyID string) (model.PriceSample, error) {
	q, err := f.oracle.Read(ctx, strategyID, f.maxAge)
	if err != nil {
		if IsOracleError(err) {
			return model.PriceSample{}, err
		}
		return model.PriceSample{}, errors.Wrapf(ErrOracleUnavailable, "%s: %v", strategyID, err)
	}

	now := f.now().Unix()
	switch {
	case !q.Price.IsPositive():
		return model.PriceSample{}, errors.Wrapf(ErrOracleUnavailable, "%s: non-positive price %s", strategyID, q.Price)
	case q.Epoch > now:
		return model.PriceSample{}, errors.Wrapf(ErrOracleUnavailable, "%s: epoch %d ahead of ledger time %d", strategyID, q.Epoch, now)
	case time.Duration(now-q.Epoch)*time.Second > f.maxAge:
		return model.PriceSample{}, errors.Wrapf(ErrStalePrice, "%s: age %ds exceeds %s", strategyID, now-q.Epoch, f.maxAge)
	case q.Confidence < f.minConfidence:
		return model.PriceSample{}, errors.Wrapf(ErrOracleUnavailable, "%s: confidence %d below %d", strategyID, q.Confidence, f.minConfidence)
	}

	return model.PriceSample{
		StrategyID: strategyID,
		Price:      model.Truncate(q.Price),
		Epoch:      q.Epoch,
		Confidence: q.Confidence,
		Source:     q.Source,
	}, nil
}

// CheckDeviation rejects a sample that moved more than maxBps away from the
// last persisted price. maxBps == 0 disables the guard, as does a zero last
// price (nothing to compare against). Governance overrides are exempt: they
// are how a valuation stuck behind the guard gets moved.
func CheckDeviation(sample model.PriceSample, last decimal.Decimal, maxBps model.Bps) error {
	if maxBps <= 0 || !last.IsPositive() || sample.Source == EmergencySource {
		return nil
	}
	diff := sample.Price.Sub(last).Abs()
	limit := last.Mul(decimal.NewFromInt(int64(maxBps))).Div(decimal.NewFromInt(int64(model.FullWeight)))
	if diff.GreaterThan(limit) {
		return errors.Wrapf(ErrPriceDeviation, "%s: %s -> %s exceeds %d bps", sample.StrategyID, last, sample.Price, maxBps)
	}
	return nil
}
