// Package service is the read-side facade: order detail, balances, account
// history, portfolio valuation and quotes. It never mutates state.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"stock_trader/internal/config"
	"stock_trader/internal/core"
	apperrors "stock_trader/pkg/errors"
	"stock_trader/pkg/ticker"
	"stock_trader/pkg/tradingutils"
)

// RetryStatusReader exposes the retry progress of an order.
type RetryStatusReader interface {
	Status(ctx context.Context, orderID string) (*core.RetryStatus, error)
}

// OrderDetail is an order together with its retry progress.
type OrderDetail struct {
	Order *core.Order
	Retry *core.RetryStatus
}

// Position is one holding marked at the resolved price.
type Position struct {
	Ticker        string
	Name          string
	Quantity      int64
	AvgCost       int64
	CurrentPrice  int64
	PriceSource   core.PriceSource
	CostBasis     int64
	MarketValue   int64
	UnrealizedPnL int64
	ReturnRate    decimal.Decimal
}

// Portfolio is the full account valuation.
type Portfolio struct {
	AccountID        string
	CashBalance      int64
	Positions        []Position
	TotalCostBasis   int64
	TotalMarketValue int64
	TotalPnL         int64
	ReturnRate       decimal.Decimal
}

// QuoteDetail is an oracle resolution plus order-book stats when a book
// snapshot exists.
type QuoteDetail struct {
	Quote    core.Quote
	HasBook  bool
	BestBid  int64
	BestAsk  int64
	Spread   int64
	BidRatio decimal.Decimal
}

// QueryService serves the read-only operations.
type QueryService struct {
	ledger   core.ILedger
	orders   core.IOrderStore
	catalog  core.ICatalog
	cache    core.IPriceCache
	oracle   core.IPriceOracle
	calendar core.ICalendar
	clock    core.IClock
	retries  RetryStatusReader
	limits   config.TradingConfig
	logger   core.ILogger
}

func NewQueryService(
	ledger core.ILedger,
	orders core.IOrderStore,
	cat core.ICatalog,
	cache core.IPriceCache,
	oracle core.IPriceOracle,
	calendar core.ICalendar,
	clock core.IClock,
	retries RetryStatusReader,
	limits config.TradingConfig,
	logger core.ILogger,
) *QueryService {
	return &QueryService{
		ledger:   ledger,
		orders:   orders,
		catalog:  cat,
		cache:    cache,
		oracle:   oracle,
		calendar: calendar,
		clock:    clock,
		retries:  retries,
		limits:   limits,
		logger:   logger.WithField("component", "query_service"),
	}
}

// Order returns one order with its retry status.
func (s *QueryService) Order(ctx context.Context, orderID string) (*OrderDetail, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	status, err := s.retries.Status(ctx, orderID)
	if err != nil {
		// The order itself is authoritative; a retry-store outage only
		// hides the countdown.
		s.logger.Warn("Failed to read retry status", "order_id", orderID, "error", err)
		status = nil
	}
	return &OrderDetail{Order: order, Retry: status}, nil
}

// Orders lists the user's orders, optionally filtered by status. A user
// without an account has no orders.
func (s *QueryService) Orders(ctx context.Context, userID string, status core.OrderStatus) ([]*core.Order, error) {
	acct, err := s.ledger.AccountByUser(ctx, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if status == "" {
		return s.orders.ListByAccount(ctx, acct.AccountID)
	}
	return s.orders.ListByAccountStatus(ctx, acct.AccountID, status)
}

// Balance returns the user's cash balance.
func (s *QueryService) Balance(ctx context.Context, userID string) (int64, error) {
	acct, err := s.ledger.AccountByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.CashBalance, nil
}

// History returns the user's most recent account history rows. The
// configured page limit caps the size and doubles as the default.
func (s *QueryService) History(ctx context.Context, userID string, limit int) ([]*core.AccountHistory, error) {
	if limit <= 0 || limit > s.limits.HistoryPageLimit {
		limit = s.limits.HistoryPageLimit
	}
	acct, err := s.ledger.AccountByUser(ctx, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, acct.AccountID, limit)
}

// Portfolio values every holding at the oracle price. A pricing failure on
// one position falls back to its cost basis rather than failing the whole
// valuation.
func (s *QueryService) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	acct, err := s.ledger.AccountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.ledger.Holdings(ctx, acct.AccountID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{
		AccountID:   acct.AccountID,
		CashBalance: acct.CashBalance,
		Positions:   make([]Position, 0, len(holdings)),
	}
	for _, h := range holdings {
		pos := Position{
			Ticker:       h.Ticker,
			Quantity:     h.Quantity,
			AvgCost:      h.AvgCost,
			CurrentPrice: h.AvgCost,
			CostBasis:    tradingutils.OrderAmount(h.AvgCost, h.Quantity),
		}
		if stock, err := s.catalog.Get(ctx, h.Ticker); err == nil {
			pos.Name = stock.Name
		}
		quote, err := s.oracle.Resolve(ctx, h.Ticker)
		if err != nil {
			s.logger.Warn("Failed to price position, using cost basis",
				"ticker", h.Ticker, "error", err)
		} else {
			pos.CurrentPrice = quote.Price
			pos.PriceSource = quote.Source
		}
		pos.MarketValue = tradingutils.OrderAmount(pos.CurrentPrice, h.Quantity)
		pos.UnrealizedPnL = tradingutils.UnrealizedPnL(h.Quantity, h.AvgCost, pos.CurrentPrice)
		pos.ReturnRate = tradingutils.ReturnRate(h.AvgCost, pos.CurrentPrice)

		p.Positions = append(p.Positions, pos)
		p.TotalCostBasis += pos.CostBasis
		p.TotalMarketValue += pos.MarketValue
		p.TotalPnL += pos.UnrealizedPnL
	}
	if p.TotalCostBasis > 0 {
		p.ReturnRate = decimal.NewFromInt(p.TotalPnL).Div(decimal.NewFromInt(p.TotalCostBasis))
	}
	return p, nil
}

// Quote resolves a price with provenance plus book stats when a snapshot
// exists.
func (s *QueryService) Quote(ctx context.Context, rawTicker string) (*QuoteDetail, error) {
	tick, err := ticker.Normalize(rawTicker)
	if err != nil {
		return nil, fmt.Errorf("ticker %q: %w", rawTicker, err)
	}
	if _, err := s.catalog.Get(ctx, tick); err != nil {
		return nil, err
	}

	quote, err := s.oracle.Resolve(ctx, tick)
	if err != nil {
		return nil, err
	}
	detail := &QuoteDetail{Quote: quote}

	book, err := s.cache.GetBook(ctx, tick)
	if err != nil {
		s.logger.Warn("Failed to read order book", "ticker", tick, "error", err)
	} else if book != nil {
		detail.HasBook = true
		detail.BestBid = book.BestBid()
		detail.BestAsk = book.BestAsk()
		detail.Spread = book.Spread()
		detail.BidRatio = book.BidRatio()
	}
	return detail, nil
}

// MarketStatus is the current calendar snapshot.
func (s *QueryService) MarketStatus() core.MarketStatus {
	now := s.clock.Now()
	return core.MarketStatus{
		IsOpen:   s.calendar.IsOpenAt(now),
		Now:      now,
		NextOpen: s.calendar.NextOpen(now),
	}
}
