package pricefeed

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalefund/fund-engine/internal/model"
)

var ledgerNow = time.Unix(1_700_000_000, 0)

func newFeed(o Oracle) *Feed {
	return NewFeed(o,
		WithMaxAge(5*time.Minute),
		WithMinConfidence(5000),
		WithClock(func() time.Time { return ledgerNow }),
	)
}

func quote(price string, age time.Duration) Quote {
	return Quote{
		Price:      decimal.RequireFromString(price),
		Epoch:      ledgerNow.Add(-age).Unix(),
		Confidence: 9500,
		Source:     "REFLECTOR",
	}
}

func TestGetPrice_Fresh(t *testing.T) {
	o := NewStaticOracle()
	o.Set("BTC", quote("2.5", time.Minute))

	s, err := newFeed(o).GetPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "BTC", s.StrategyID)
	assert.True(t, s.Price.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, model.Bps(9500), s.Confidence)
	assert.False(t, s.Degraded)
}

func TestGetPrice_StalenessBoundary(t *testing.T) {
	o := NewStaticOracle()
	f := newFeed(o)
	ctx := context.Background()

	o.Set("BTC", quote("1", 5*time.Minute))
	_, err := f.GetPrice(ctx, "BTC")
	assert.NoError(t, err, "a quote exactly max age old is accepted")

	o.Set("BTC", quote("1", 5*time.Minute+time.Second))
	_, err = f.GetPrice(ctx, "BTC")
	assert.True(t, errors.Is(err, ErrStalePrice), "got %v", err)
}

func TestGetPrice_Unavailable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(o *StaticOracle)
	}{
		{"missing", func(o *StaticOracle) {}},
		{"source down", func(o *StaticOracle) { o.Set("BTC", quote("1", 0)); o.Fail("BTC") }},
		{"zero price", func(o *StaticOracle) { o.Set("BTC", quote("0", 0)) }},
		{"negative price", func(o *StaticOracle) { o.Set("BTC", quote("-3", 0)) }},
		{"future epoch", func(o *StaticOracle) { o.Set("BTC", quote("1", -time.Second)) }},
		{"low confidence", func(o *StaticOracle) {
			q := quote("1", 0)
			q.Confidence = 4999
			o.Set("BTC", q)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewStaticOracle()
			tt.setup(o)
			_, err := newFeed(o).GetPrice(ctx, "BTC")
			assert.True(t, errors.Is(err, ErrOracleUnavailable), "got %v", err)
			assert.True(t, IsOracleError(err))
		})
	}
}

type brokenOracle struct{}

func (brokenOracle) Read(context.Context, string, time.Duration) (Quote, error) {
	return Quote{}, errors.New("connection refused")
}

func TestGetPrice_TransportErrorIsUnavailable(t *testing.T) {
	_, err := newFeed(brokenOracle{}).GetPrice(context.Background(), "BTC")
	assert.True(t, errors.Is(err, ErrOracleUnavailable))
}

func TestPublish_EmergencyOverride(t *testing.T) {
	o := NewStaticOracle()
	ctx := context.Background()
	o.Fail("XLM")

	require.NoError(t, o.Publish(ctx, "XLM", decimal.RequireFromString("0.12"), ledgerNow.Unix()))
	s, err := newFeed(o).GetPrice(ctx, "XLM")
	require.NoError(t, err)
	assert.Equal(t, EmergencySource, s.Source)
	assert.Equal(t, EmergencyConfidence, s.Confidence)

	assert.Error(t, o.Publish(ctx, "XLM", decimal.Zero, ledgerNow.Unix()))
}

func TestCheckDeviation(t *testing.T) {
	sample := func(p string) model.PriceSample {
		return model.PriceSample{StrategyID: "BTC", Price: decimal.RequireFromString(p)}
	}
	last := decimal.NewFromInt(100)

	assert.NoError(t, CheckDeviation(sample("110"), last, 1000))
	assert.NoError(t, CheckDeviation(sample("90"), last, 1000))
	assert.True(t, errors.Is(CheckDeviation(sample("110.01"), last, 1000), ErrPriceDeviation))
	assert.True(t, errors.Is(CheckDeviation(sample("50"), last, 1000), ErrPriceDeviation))

	// Disabled guard and missing history.
	assert.NoError(t, CheckDeviation(sample("500"), last, 0))
	assert.NoError(t, CheckDeviation(sample("500"), decimal.Zero, 1000))

	// Governance overrides pass regardless of distance.
	override := sample("500")
	override.Source = EmergencySource
	assert.NoError(t, CheckDeviation(override, last, 1000))
}

func TestDecodeQuote(t *testing.T) {
	q, err := decodeQuote(map[string]string{
		"price":      "1.2345",
		"epoch":      "1700000000",
		"confidence": "9500",
		"source":     "REFLECTOR",
	})
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("1.2345")))
	assert.Equal(t, int64(1700000000), q.Epoch)
	assert.Equal(t, model.Bps(9500), q.Confidence)

	q, err = decodeQuote(map[string]string{"price": "2", "epoch": "1"})
	require.NoError(t, err)
	assert.Equal(t, model.FullWeight, q.Confidence)

	_, err = decodeQuote(map[string]string{"price": "abc", "epoch": "1"})
	assert.Error(t, err)
	_, err = decodeQuote(map[string]string{"price": "1", "epoch": "x"})
	assert.Error(t, err)
}
