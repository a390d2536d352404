package feedsim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"stock_trader/internal/core"
	"stock_trader/pkg/tradingutils"
)

const (
	// walkSpread bounds each step of the random walk at ±0.5%.
	walkSpread = 0.005

	bookDepth = 5
	tickSize  = 100
)

// Simulator drives a random walk around per-ticker base prices and publishes
// trade and book events for every ticker someone is subscribed to.
type Simulator struct {
	hub       *Hub
	interval  time.Duration
	basePrice func(ticker string) int64
	logger    Logger

	mu   sync.Mutex
	rng  *rand.Rand
	last map[string]int64
}

// NewSimulator creates a simulator. basePrice anchors each ticker's walk and
// seed makes the walk reproducible.
func NewSimulator(hub *Hub, interval time.Duration, basePrice func(string) int64, seed int64, logger Logger) *Simulator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Simulator{
		hub:       hub,
		interval:  interval,
		basePrice: basePrice,
		logger:    logger,
		rng:       rand.New(rand.NewSource(seed)),
		last:      make(map[string]int64),
	}
}

// Run emits one step per interval until the context is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.logger != nil {
		s.logger.Info("Simulator started", "interval", s.interval.String())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// Step advances every active ticker one walk step and publishes the events.
func (s *Simulator) Step(now time.Time) {
	for _, ticker := range s.hub.ActiveTickers() {
		price, volume := s.nextPrice(ticker)
		s.hub.Publish(ticker, NewTradeMessage(s.tradeEvent(ticker, price, volume, now)))
		s.hub.Publish(ticker, NewBookMessage(s.bookEvent(ticker, price, now)))
	}
}

// nextPrice moves the ticker's last price by up to ±0.5%, snapped to the
// tick size and floored at one tick.
func (s *Simulator) nextPrice(ticker string) (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.last[ticker]
	if !ok {
		price = s.basePrice(ticker)
	}

	delta := int64(float64(price) * (s.rng.Float64()*2 - 1) * walkSpread)
	next := (price + delta) / tickSize * tickSize
	if next < tickSize {
		next = tickSize
	}
	s.last[ticker] = next

	volume := int64(s.rng.Intn(1000) + 1)
	return next, volume
}

func (s *Simulator) tradeEvent(ticker string, price, volume int64, now time.Time) core.PriceSnapshot {
	base := s.basePrice(ticker)
	sign := 3 // flat
	switch {
	case price > base:
		sign = 2
	case price < base:
		sign = 5
	}
	return core.PriceSnapshot{
		Ticker:       ticker,
		LastPrice:    price,
		ChangeSign:   sign,
		ChangeAmount: price - base,
		ChangeRate:   tradingutils.ChangeRate(base, price),
		Volume:       volume,
		TradeTime:    now.Format("150405"),
		ReceivedAt:   now,
	}
}

// bookEvent builds a symmetric book around the last price: asks start one
// tick above it, bids at it.
func (s *Simulator) bookEvent(ticker string, price int64, now time.Time) core.OrderBookSnapshot {
	book := core.OrderBookSnapshot{
		Ticker:     ticker,
		AskPrices:  make([]int64, bookDepth),
		AskSizes:   make([]int64, bookDepth),
		BidPrices:  make([]int64, bookDepth),
		BidSizes:   make([]int64, bookDepth),
		ReceivedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < bookDepth; i++ {
		book.AskPrices[i] = price + int64(i+1)*tickSize
		book.BidPrices[i] = price - int64(i)*tickSize
		book.AskSizes[i] = int64(s.rng.Intn(500) + 1)
		book.BidSizes[i] = int64(s.rng.Intn(500) + 1)
	}
	return book
}

// LastPrice returns the current walk position for a ticker, or the base
// price before the first step.
func (s *Simulator) LastPrice(ticker string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.last[ticker]; ok {
		return p
	}
	return s.basePrice(ticker)
}
