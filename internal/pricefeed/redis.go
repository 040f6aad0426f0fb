package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"PositionLedger/internal/pnl"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const DefaultKeyPrefix = "markprice"

// Getter is the subset of *redis.Client the feed reads with.
type Getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisOptions configures the connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis reads mark prices stored as decimal strings under <prefix>:<ASSET>.
// Some other process owns the keys; this service only reads them.
type Redis struct {
	client Getter
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(client Getter, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis opens a client and verifies it with PING.
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedis(rdb, opts.KeyPrefix), rdb, nil
}

func (r *Redis) key(asset string) string {
	return r.prefix + ":" + strings.ToUpper(asset)
}

// MarkPrice implements pnl.MarkPriceSource.
func (r *Redis) MarkPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	key := r.key(asset)
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("asset %s: %w", asset, pnl.ErrNoMarkPrice)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis get %s: %w", key, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(val))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price %s=%q: %w", key, val, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("mark price %s=%s not positive: %w", key, price, pnl.ErrNoMarkPrice)
	}
	return price, nil
}
