package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stock_trader/internal/core"
)

const (
	retryCountPrefix = "retry:count:"
	retryDelayPrefix = "retry:delay:"

	retryRecordTTL = 24 * time.Hour
	retryScanBatch = 100
)

// redisCommander is the slice of the redis API the retry store needs.
type redisCommander interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// RedisRetryStore implements core.IRetryStore on redis, one count key and
// one eligibility key per order, both expiring after 24 hours.
type RedisRetryStore struct {
	rdb    redisCommander
	logger core.ILogger
}

func NewRedisRetryStore(rdb redisCommander, logger core.ILogger) *RedisRetryStore {
	return &RedisRetryStore{
		rdb:    rdb,
		logger: logger.WithField("component", "retry_store"),
	}
}

func (s *RedisRetryStore) Save(ctx context.Context, orderID string, retryCount int, nextEligibleAt time.Time) error {
	if err := s.rdb.Set(ctx, retryCountPrefix+orderID, int64(retryCount), retryRecordTTL).Err(); err != nil {
		return fmt.Errorf("failed to store retry count for %s: %w", orderID, err)
	}
	if err := s.rdb.Set(ctx, retryDelayPrefix+orderID, nextEligibleAt.UnixMilli(), retryRecordTTL).Err(); err != nil {
		return fmt.Errorf("failed to store retry eligibility for %s: %w", orderID, err)
	}
	return nil
}

func (s *RedisRetryStore) Get(ctx context.Context, orderID string) (int, time.Time, bool, error) {
	countVal, err := s.rdb.Get(ctx, retryCountPrefix+orderID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("failed to read retry count for %s: %w", orderID, err)
	}
	count, err := strconv.Atoi(countVal)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("failed to decode retry count for %s: %w", orderID, err)
	}

	var eligibleAt time.Time
	delayVal, err := s.rdb.Get(ctx, retryDelayPrefix+orderID).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Count without eligibility can happen when the delay key expired
		// first; treat the retry as immediately eligible.
	case err != nil:
		return 0, time.Time{}, false, fmt.Errorf("failed to read retry eligibility for %s: %w", orderID, err)
	default:
		millis, perr := strconv.ParseInt(delayVal, 10, 64)
		if perr != nil {
			return 0, time.Time{}, false, fmt.Errorf("failed to decode retry eligibility for %s: %w", orderID, perr)
		}
		eligibleAt = time.UnixMilli(millis)
	}

	return count, eligibleAt, true, nil
}

func (s *RedisRetryStore) Delete(ctx context.Context, orderID string) error {
	if err := s.rdb.Del(ctx, retryCountPrefix+orderID, retryDelayPrefix+orderID).Err(); err != nil {
		return fmt.Errorf("failed to delete retry record for %s: %w", orderID, err)
	}
	return nil
}

// ListOrderIDs scans the count keys and returns the order ids with a live
// retry record.
func (s *RedisRetryStore) ListOrderIDs(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, retryCountPrefix+"*", retryScanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan retry records: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, retryCountPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}
