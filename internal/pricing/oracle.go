package pricing

import (
	"context"
	"time"

	"stock_trader/internal/core"
)

// Oracle resolves the trading price for a ticker. Resolution order: a fresh
// live price while the market is open, then the prior close, then a stale
// live price while closed, then the static default.
type Oracle struct {
	cache     core.IPriceCache
	calendar  core.ICalendar
	clock     core.IClock
	freshness time.Duration
	logger    core.ILogger
}

// NewOracle builds an oracle. freshness bounds how old a live price may be
// before it stops being trusted during the session.
func NewOracle(cache core.IPriceCache, calendar core.ICalendar, clock core.IClock, freshness time.Duration, logger core.ILogger) *Oracle {
	return &Oracle{
		cache:     cache,
		calendar:  calendar,
		clock:     clock,
		freshness: freshness,
		logger:    logger.WithField("component", "price_oracle"),
	}
}

// CurrentPrice returns the resolved price for a ticker.
func (o *Oracle) CurrentPrice(ctx context.Context, ticker string) (int64, error) {
	q, err := o.Resolve(ctx, ticker)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}

// Resolve returns the price together with its provenance. Cache failures are
// tolerated: the oracle degrades down the ladder instead of failing the
// caller.
func (o *Oracle) Resolve(ctx context.Context, ticker string) (core.Quote, error) {
	now := o.clock.Now()
	open := o.calendar.IsOpenAt(now)

	snap, err := o.cache.GetPrice(ctx, ticker)
	if err != nil {
		o.logger.Warn("Live price read failed, degrading", "ticker", ticker, "error", err)
		snap = nil
	}

	if open && snap != nil && o.isFresh(snap, now) {
		return core.Quote{Ticker: ticker, Price: snap.LastPrice, Source: core.SourceLive, MarketOpen: open}, nil
	}

	closePrice, ok, err := o.cache.GetClose(ctx, ticker)
	if err != nil {
		o.logger.Warn("Close price read failed, degrading", "ticker", ticker, "error", err)
	} else if ok {
		return core.Quote{Ticker: ticker, Price: closePrice, Source: core.SourceClose, MarketOpen: open}, nil
	}

	// A stale live price is still better than the static table, but only
	// outside the session where staleness is expected.
	if snap != nil && !open {
		return core.Quote{Ticker: ticker, Price: snap.LastPrice, Source: core.SourceStale, MarketOpen: open}, nil
	}

	return core.Quote{Ticker: ticker, Price: DefaultPrice(ticker), Source: core.SourceDefault, MarketOpen: open}, nil
}

func (o *Oracle) isFresh(snap *core.PriceSnapshot, now time.Time) bool {
	return now.Sub(snap.ReceivedAt) < o.freshness
}
