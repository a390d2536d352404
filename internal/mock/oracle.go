package mock

import (
	"context"
	"sync"

	"stock_trader/internal/core"
)

// Oracle implements core.IPriceOracle with canned prices per ticker.
type Oracle struct {
	mu       sync.Mutex
	prices   map[string]int64
	fallback int64
	FailWith error
}

func NewOracle(fallback int64) *Oracle {
	return &Oracle{prices: make(map[string]int64), fallback: fallback}
}

// SetPrice fixes the price returned for a ticker.
func (o *Oracle) SetPrice(ticker string, price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[ticker] = price
}

func (o *Oracle) CurrentPrice(ctx context.Context, ticker string) (int64, error) {
	q, err := o.Resolve(ctx, ticker)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}

func (o *Oracle) Resolve(ctx context.Context, ticker string) (core.Quote, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailWith != nil {
		return core.Quote{}, o.FailWith
	}
	price, ok := o.prices[ticker]
	if !ok {
		price = o.fallback
	}
	return core.Quote{Ticker: ticker, Price: price, Source: core.SourceDefault}, nil
}
