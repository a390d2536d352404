package pricing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_trader/internal/core"
	"stock_trader/internal/mock"
)

// fakeRedis implements redisCommander with a map, enough to exercise the
// cache without a server.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	case int64:
		f.data[key] = strconv.FormatInt(v, 10)
	default:
		f.data[key] = fmt.Sprintf("%v", v)
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			delete(f.ttls, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return redis.NewScanCmdResult(keys, 0, nil)
}

func newTestCache(t *testing.T) (*RedisCache, *fakeRedis) {
	t.Helper()
	f := newFakeRedis()
	return NewRedisCache(f, mock.NewLogger()), f
}

func TestPriceRoundTrip(t *testing.T) {
	cache, f := newTestCache(t)
	ctx := context.Background()

	received := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	snap := &core.PriceSnapshot{
		Ticker:     "005930",
		LastPrice:  71_500,
		Volume:     1200,
		ReceivedAt: received,
	}
	require.NoError(t, cache.PutPrice(ctx, snap))

	got, err := cache.GetPrice(ctx, "005930")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(71_500), got.LastPrice)
	assert.True(t, got.ReceivedAt.Equal(received))

	assert.Equal(t, priceTTL, f.ttls["realtime:stock:005930"])
}

func TestGetPriceMissReturnsNil(t *testing.T) {
	cache, _ := newTestCache(t)

	got, err := cache.GetPrice(context.Background(), "000660")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBookRoundTrip(t *testing.T) {
	cache, f := newTestCache(t)
	ctx := context.Background()

	snap := &core.OrderBookSnapshot{
		Ticker:    "000660",
		AskPrices: []int64{120_100, 120_200},
		AskSizes:  []int64{10, 20},
		BidPrices: []int64{120_000, 119_900},
		BidSizes:  []int64{30, 5},
	}
	require.NoError(t, cache.PutBook(ctx, snap))

	got, err := cache.GetBook(ctx, "000660")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(120_100), got.BestAsk())
	assert.Equal(t, int64(120_000), got.BestBid())

	assert.Equal(t, bookTTL, f.ttls["realtime:orderbook:000660"])
}

func TestCloseRoundTrip(t *testing.T) {
	cache, f := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.PutClose(ctx, "035420", 199_000))

	price, ok, err := cache.GetClose(ctx, "035420")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(199_000), price)

	assert.Equal(t, closeTTL, f.ttls["close:035420"])

	_, ok, err = cache.GetClose(ctx, "999999")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutCloses(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.PutCloses(ctx, map[string]int64{
		"005930": 70_000,
		"000660": 120_000,
	}))

	price, ok, err := cache.GetClose(ctx, "005930")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(70_000), price)
}

func TestListActiveTickers(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	for _, ticker := range []string{"005930", "000660", "035420"} {
		require.NoError(t, cache.PutPrice(ctx, &core.PriceSnapshot{Ticker: ticker, LastPrice: 1000}))
	}
	// Close entries and books must not count as active
	require.NoError(t, cache.PutClose(ctx, "051910", 300_000))
	require.NoError(t, cache.PutBook(ctx, &core.OrderBookSnapshot{Ticker: "006400"}))

	tickers, err := cache.ListActiveTickers(ctx)
	require.NoError(t, err)
	sort.Strings(tickers)
	assert.Equal(t, []string{"000660", "005930", "035420"}, tickers)
}

func TestEvict(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.PutPrice(ctx, &core.PriceSnapshot{Ticker: "005930", LastPrice: 70_000}))
	require.NoError(t, cache.PutBook(ctx, &core.OrderBookSnapshot{Ticker: "005930"}))
	require.NoError(t, cache.PutClose(ctx, "005930", 69_000))

	require.NoError(t, cache.Evict(ctx, "005930"))

	price, err := cache.GetPrice(ctx, "005930")
	require.NoError(t, err)
	assert.Nil(t, price)

	// Close prices survive eviction
	closePrice, ok, err := cache.GetClose(ctx, "005930")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(69_000), closePrice)
}

func TestCorruptPayloadSurfacesError(t *testing.T) {
	cache, f := newTestCache(t)
	ctx := context.Background()

	f.data["realtime:stock:005930"] = "{not json"
	_, err := cache.GetPrice(ctx, "005930")
	assert.Error(t, err)

	f.data["close:005930"] = "seventy"
	_, _, err = cache.GetClose(ctx, "005930")
	assert.Error(t, err)
}

func TestBackendErrorIsWrapped(t *testing.T) {
	cache, f := newTestCache(t)
	f.err = fmt.Errorf("connection refused")

	_, err := cache.GetPrice(context.Background(), "005930")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "005930")
}
