package mock

import (
	"context"
	"sync"
	"time"

	"stock_trader/internal/core"
)

// PriceCache implements core.IPriceCache with plain maps for testing.
type PriceCache struct {
	mu     sync.Mutex
	prices map[string]*core.PriceSnapshot
	books  map[string]*core.OrderBookSnapshot
	closes map[string]int64

	// FailReads makes every read return this error when set.
	FailReads error
}

func NewPriceCache() *PriceCache {
	return &PriceCache{
		prices: make(map[string]*core.PriceSnapshot),
		books:  make(map[string]*core.OrderBookSnapshot),
		closes: make(map[string]int64),
	}
}

func (c *PriceCache) PutPrice(ctx context.Context, snap *core.PriceSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *snap
	c.prices[snap.Ticker] = &cp
	return nil
}

func (c *PriceCache) GetPrice(ctx context.Context, ticker string) (*core.PriceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailReads != nil {
		return nil, c.FailReads
	}
	snap, ok := c.prices[ticker]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (c *PriceCache) PutBook(ctx context.Context, snap *core.OrderBookSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *snap
	c.books[snap.Ticker] = &cp
	return nil
}

func (c *PriceCache) GetBook(ctx context.Context, ticker string) (*core.OrderBookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailReads != nil {
		return nil, c.FailReads
	}
	snap, ok := c.books[ticker]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (c *PriceCache) PutClose(ctx context.Context, ticker string, price int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes[ticker] = price
	return nil
}

func (c *PriceCache) PutCloses(ctx context.Context, closes map[string]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ticker, price := range closes {
		c.closes[ticker] = price
	}
	return nil
}

func (c *PriceCache) GetClose(ctx context.Context, ticker string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailReads != nil {
		return 0, false, c.FailReads
	}
	price, ok := c.closes[ticker]
	return price, ok, nil
}

func (c *PriceCache) ListActiveTickers(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tickers := make([]string, 0, len(c.prices))
	for t := range c.prices {
		tickers = append(tickers, t)
	}
	return tickers, nil
}

// DeletePrice drops the live entry, simulating TTL expiry.
func (c *PriceCache) DeletePrice(ticker string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.prices, ticker)
}

// Calendar implements core.ICalendar with fixed answers.
type Calendar struct {
	mu         sync.Mutex
	open       bool
	nextOpenAt time.Time
}

func NewCalendar(open bool, nextOpenAt time.Time) *Calendar {
	return &Calendar{open: open, nextOpenAt: nextOpenAt}
}

func (c *Calendar) IsOpenAt(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Calendar) NextOpen(t time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextOpenAt
}

// SetOpen flips the market state.
func (c *Calendar) SetOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}
