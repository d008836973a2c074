package pricefeed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/model"
)

// RedisOracle reads quotes that an off-chain relay writes into Redis hashes
// named price:<strategy> with fields price, epoch, confidence and source.
type RedisOracle struct {
	rdb *redis.Client
}

// NewRedisOracle creates an oracle over rdb.
func NewRedisOracle(rdb *redis.Client) *RedisOracle {
	return &RedisOracle{rdb: rdb}
}

// Read fetches one quote. Quotes older than maxAge are reported stale
// without being decoded further.
func (o *RedisOracle) Read(ctx context.Context, strategyID string, maxAge time.Duration) (Quote, error) {
	fields, err := o.rdb.HGetAll(ctx, priceKey(strategyID)).Result()
	if err != nil {
		return Quote{}, errors.Wrapf(ErrOracleUnavailable, "%s: %v", strategyID, err)
	}
	if len(fields) == 0 {
		return Quote{}, errors.Wrapf(ErrOracleUnavailable, "%s: no quote", strategyID)
	}
	q, err := decodeQuote(fields)
	if err != nil {
		return Quote{}, errors.Wrapf(ErrOracleUnavailable, "%s: %v", strategyID, err)
	}
	if maxAge > 0 && time.Since(time.Unix(q.Epoch, 0)) > maxAge+time.Second {
		return Quote{}, errors.Wrapf(ErrStalePrice, "%s: epoch %d", strategyID, q.Epoch)
	}
	return q, nil
}

// Publish writes a governance override into the relay's hash, so every
// engine sharing the Redis instance picks it up.
func (o *RedisOracle) Publish(ctx context.Context, strategyID string, price decimal.Decimal, epoch int64) error {
	if !price.IsPositive() {
		return errors.Wrapf(ErrOracleUnavailable, "override %s: non-positive price %s", strategyID, price)
	}
	return o.rdb.HSet(ctx, priceKey(strategyID), encodeQuote(Quote{
		Price:      price,
		Epoch:      epoch,
		Confidence: EmergencyConfidence,
		Source:     EmergencySource,
	})).Err()
}

func encodeQuote(q Quote) map[string]any {
	return map[string]any{
		"price":      q.Price.String(),
		"epoch":      strconv.FormatInt(q.Epoch, 10),
		"confidence": strconv.FormatInt(int64(q.Confidence), 10),
		"source":     q.Source,
	}
}

func decodeQuote(fields map[string]string) (Quote, error) {
	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return Quote{}, errors.Wrap(err, "price")
	}
	epoch, err := strconv.ParseInt(fields["epoch"], 10, 64)
	if err != nil {
		return Quote{}, errors.Wrap(err, "epoch")
	}
	conf := int64(model.FullWeight)
	if raw, ok := fields["confidence"]; ok {
		if conf, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Quote{}, errors.Wrap(err, "confidence")
		}
	}
	return Quote{
		Price:      price,
		Epoch:      epoch,
		Confidence: model.Bps(conf),
		Source:     fields["source"],
	}, nil
}

func priceKey(strategyID string) string { return fmt.Sprintf("price:%s", strategyID) }
