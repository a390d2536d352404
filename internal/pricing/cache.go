// Package pricing provides the realtime price cache and the oracle that
// resolves the price an order should trade against.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stock_trader/internal/core"
	"stock_trader/pkg/telemetry"
)

const (
	priceKeyPrefix = "realtime:stock:"
	bookKeyPrefix  = "realtime:orderbook:"
	closeKeyPrefix = "close:"

	priceTTL = 60 * time.Second
	bookTTL  = 60 * time.Second
	closeTTL = 7 * 24 * time.Hour

	scanBatch = 100
)

// redisCommander is the slice of the redis API the cache needs. *redis.Client
// satisfies it; tests provide a map-backed fake.
type redisCommander interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// RedisCache implements core.IPriceCache on top of redis. Writes are
// last-writer-wins per key; readers treat absent keys as normal misses.
type RedisCache struct {
	rdb    redisCommander
	logger core.ILogger
}

// NewRedisCache wraps an established redis client.
func NewRedisCache(rdb redisCommander, logger core.ILogger) *RedisCache {
	return &RedisCache{
		rdb:    rdb,
		logger: logger.WithField("component", "price_cache"),
	}
}

// NewRedisClient dials redis with the configured address and database.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (c *RedisCache) PutPrice(ctx context.Context, snap *core.PriceSnapshot) error {
	if snap == nil || snap.Ticker == "" {
		return fmt.Errorf("price snapshot requires a ticker")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode price snapshot for %s: %w", snap.Ticker, err)
	}
	if err := c.rdb.Set(ctx, priceKeyPrefix+snap.Ticker, data, priceTTL).Err(); err != nil {
		return fmt.Errorf("failed to store price for %s: %w", snap.Ticker, err)
	}
	return nil
}

func (c *RedisCache) GetPrice(ctx context.Context, ticker string) (*core.PriceSnapshot, error) {
	data, err := c.rdb.Get(ctx, priceKeyPrefix+ticker).Bytes()
	if errors.Is(err, redis.Nil) {
		c.recordMiss(ctx, "price")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read price for %s: %w", ticker, err)
	}
	var snap core.PriceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode price for %s: %w", ticker, err)
	}
	return &snap, nil
}

func (c *RedisCache) PutBook(ctx context.Context, snap *core.OrderBookSnapshot) error {
	if snap == nil || snap.Ticker == "" {
		return fmt.Errorf("orderbook snapshot requires a ticker")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode orderbook for %s: %w", snap.Ticker, err)
	}
	if err := c.rdb.Set(ctx, bookKeyPrefix+snap.Ticker, data, bookTTL).Err(); err != nil {
		return fmt.Errorf("failed to store orderbook for %s: %w", snap.Ticker, err)
	}
	return nil
}

func (c *RedisCache) GetBook(ctx context.Context, ticker string) (*core.OrderBookSnapshot, error) {
	data, err := c.rdb.Get(ctx, bookKeyPrefix+ticker).Bytes()
	if errors.Is(err, redis.Nil) {
		c.recordMiss(ctx, "book")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read orderbook for %s: %w", ticker, err)
	}
	var snap core.OrderBookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode orderbook for %s: %w", ticker, err)
	}
	return &snap, nil
}

func (c *RedisCache) PutClose(ctx context.Context, ticker string, price int64) error {
	if err := c.rdb.Set(ctx, closeKeyPrefix+ticker, price, closeTTL).Err(); err != nil {
		return fmt.Errorf("failed to store close for %s: %w", ticker, err)
	}
	return nil
}

// PutCloses stores a batch of prior closes. The first write error aborts the
// batch; already-written entries are kept.
func (c *RedisCache) PutCloses(ctx context.Context, closes map[string]int64) error {
	for ticker, price := range closes {
		if err := c.PutClose(ctx, ticker, price); err != nil {
			return err
		}
	}
	return nil
}

func (c *RedisCache) GetClose(ctx context.Context, ticker string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, closeKeyPrefix+ticker).Result()
	if errors.Is(err, redis.Nil) {
		c.recordMiss(ctx, "close")
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read close for %s: %w", ticker, err)
	}
	price, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to decode close for %s: %w", ticker, err)
	}
	return price, true, nil
}

// ListActiveTickers scans realtime price keys and returns the tickers with a
// live entry.
func (c *RedisCache) ListActiveTickers(ctx context.Context) ([]string, error) {
	var (
		tickers []string
		cursor  uint64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, priceKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan active tickers: %w", err)
		}
		for _, key := range keys {
			tickers = append(tickers, strings.TrimPrefix(key, priceKeyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return tickers, nil
}

// Evict removes the realtime entries for a ticker. Close prices keep their
// own TTL and are not touched.
func (c *RedisCache) Evict(ctx context.Context, ticker string) error {
	if err := c.rdb.Del(ctx, priceKeyPrefix+ticker, bookKeyPrefix+ticker).Err(); err != nil {
		return fmt.Errorf("failed to evict cache entries for %s: %w", ticker, err)
	}
	return nil
}

func (c *RedisCache) recordMiss(ctx context.Context, kind string) {
	if counter := telemetry.GetGlobalMetrics().CacheMissesTotal; counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
