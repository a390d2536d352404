package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stock_trader/internal/bus"
	"stock_trader/internal/config"
	"stock_trader/internal/core"
	apperrors "stock_trader/pkg/errors"
	"stock_trader/pkg/retry"
	"stock_trader/pkg/telemetry"
	"stock_trader/pkg/ticker"
	"stock_trader/pkg/tradingutils"
)

// AdmissionService validates incoming orders, reserves funds or shares and
// hands admitted orders to the execution bus. While the market is closed
// orders are parked as RESERVED and picked up by the reservation opener.
type AdmissionService struct {
	ledger    core.ILedger
	store     core.IOrderStore
	catalog   core.ICatalog
	oracle    core.IPriceOracle
	calendar  core.ICalendar
	clock     core.IClock
	publisher core.IPublisher
	limits    config.TradingConfig
	logger    core.ILogger

	abuseMu    sync.Mutex
	rejections map[string]int
}

func NewAdmissionService(
	ledger core.ILedger,
	store core.IOrderStore,
	cat core.ICatalog,
	oracle core.IPriceOracle,
	calendar core.ICalendar,
	clock core.IClock,
	publisher core.IPublisher,
	limits config.TradingConfig,
	logger core.ILogger,
) *AdmissionService {
	return &AdmissionService{
		ledger:     ledger,
		store:      store,
		catalog:    cat,
		oracle:     oracle,
		calendar:   calendar,
		clock:      clock,
		publisher:  publisher,
		limits:     limits,
		logger:     logger.WithField("component", "admission"),
		rejections: make(map[string]int),
	}
}

// SubmitBuy admits a buy order. A limit of zero means "at the oracle price".
// The cash reservation is taken here; a later fill moves no cash. The debit
// and the order insert commit in one transaction, so a crash mid-admission
// cannot strand a reservation without its order row.
func (s *AdmissionService) SubmitBuy(ctx context.Context, userID, rawTicker string, qty, limit int64) (*core.Order, error) {
	tick, price, err := s.prepare(ctx, userID, rawTicker, qty, limit)
	if err != nil {
		s.noteRejection(ctx, userID)
		return nil, err
	}

	acct, err := s.ledger.CreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	amount := tradingutils.OrderAmount(price, qty)
	now := s.clock.Now()
	open := s.calendar.IsOpenAt(now)
	order := &core.Order{
		OrderID:   uuid.NewString(),
		Side:      core.SideBuy,
		AccountID: acct.AccountID,
		UserID:    userID,
		Ticker:    tick,
		Price:     price,
		Quantity:  qty,
		Status:    core.StatusReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if open {
		order.Status = core.StatusPending
	}

	err = retry.Do(ctx, retry.OncePolicy, retry.OnlyErrors(apperrors.ErrConflict, apperrors.ErrUnavailable), func() error {
		return s.ledger.RunTx(ctx, func(tx *sql.Tx) error {
			if err := s.ledger.ReserveCashTx(ctx, tx, acct.AccountID, amount, order.OrderID); err != nil {
				return err
			}
			if err := s.store.InsertTx(ctx, tx, order); err != nil {
				s.logger.Error("Failed to persist buy order",
					"order_id", order.OrderID, "account_id", acct.AccountID, "error", err)
				return fmt.Errorf("failed to persist buy order: %w", apperrors.ErrInternal)
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientFunds) {
			s.noteRejection(ctx, userID)
		}
		return nil, err
	}

	s.afterAdmit(ctx, order, open)
	return order, nil
}

// SubmitSell admits a sell order. No cash is reserved; instead the holding
// must cover the quantity after subtracting already-open sells. The
// availability check and the insert run in one transaction so two
// concurrent sells cannot both pass on the same shares, and the ledger
// still re-checks at fill time.
func (s *AdmissionService) SubmitSell(ctx context.Context, userID, rawTicker string, qty, limit int64) (*core.Order, error) {
	tick, price, err := s.prepare(ctx, userID, rawTicker, qty, limit)
	if err != nil {
		s.noteRejection(ctx, userID)
		return nil, err
	}

	acct, err := s.ledger.CreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	open := s.calendar.IsOpenAt(now)
	order := &core.Order{
		OrderID:   uuid.NewString(),
		Side:      core.SideSell,
		AccountID: acct.AccountID,
		UserID:    userID,
		Ticker:    tick,
		Price:     price,
		Quantity:  qty,
		Status:    core.StatusReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if open {
		order.Status = core.StatusPending
	}

	err = s.ledger.RunTx(ctx, func(tx *sql.Tx) error {
		holding, err := s.ledger.HoldingTx(ctx, tx, acct.AccountID, tick)
		if err != nil {
			return err
		}
		if holding == nil {
			return fmt.Errorf("no holding in %s: %w", tick, apperrors.ErrInsufficientHolding)
		}
		openSells, err := s.store.OpenSellQuantityTx(ctx, tx, acct.AccountID, tick)
		if err != nil {
			return fmt.Errorf("failed to check open sells: %w", apperrors.ErrInternal)
		}
		if available := holding.Quantity - openSells; available < qty {
			s.logger.Warn("Sell admission rejected",
				"user_id", userID, "ticker", tick, "held", holding.Quantity, "open_sells", openSells, "requested", qty)
			return fmt.Errorf("available %d of %s: %w", available, tick, apperrors.ErrInsufficientHolding)
		}
		if err := s.store.InsertTx(ctx, tx, order); err != nil {
			s.logger.Error("Failed to persist sell order", "order_id", order.OrderID, "error", err)
			return fmt.Errorf("failed to persist sell order: %w", apperrors.ErrInternal)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientHolding) {
			s.noteRejection(ctx, userID)
		}
		return nil, err
	}

	s.afterAdmit(ctx, order, open)
	return order, nil
}

// prepare runs the shared validation and price resolution for both sides.
func (s *AdmissionService) prepare(ctx context.Context, userID, rawTicker string, qty, limit int64) (string, int64, error) {
	if userID == "" {
		return "", 0, fmt.Errorf("user id is required: %w", apperrors.ErrInvalidArgument)
	}
	tick, err := ticker.Normalize(rawTicker)
	if err != nil {
		return "", 0, fmt.Errorf("ticker %q: %w", rawTicker, err)
	}
	if qty < 1 || qty > s.limits.MaxQuantity {
		return "", 0, fmt.Errorf("quantity %d outside [1, %d]: %w", qty, s.limits.MaxQuantity, apperrors.ErrInvalidArgument)
	}
	if limit < 0 || limit > s.limits.MaxPrice {
		return "", 0, fmt.Errorf("price %d outside [1, %d]: %w", limit, s.limits.MaxPrice, apperrors.ErrInvalidArgument)
	}

	stock, err := s.catalog.Get(ctx, tick)
	if err != nil {
		return "", 0, err
	}
	if stock.Status != core.StockListed {
		return "", 0, fmt.Errorf("%s is delisted: %w", tick, apperrors.ErrUnknownTicker)
	}

	price := limit
	if price == 0 {
		price, err = s.oracle.CurrentPrice(ctx, tick)
		if err != nil {
			return "", 0, fmt.Errorf("failed to resolve price for %s: %w", tick, err)
		}
	}
	return tick, price, nil
}

// noteRejection counts refused submissions per user and suspends the
// account once the configured threshold is crossed. Counters are in-memory;
// a restart starts the tally over.
func (s *AdmissionService) noteRejection(ctx context.Context, userID string) {
	if !s.limits.SuspendOnRepeatedAbuse || userID == "" {
		return
	}
	s.abuseMu.Lock()
	s.rejections[userID]++
	n := s.rejections[userID]
	s.abuseMu.Unlock()
	if n < s.limits.AbuseRejectionThreshold {
		return
	}

	acct, err := s.ledger.AccountByUser(ctx, userID)
	if err != nil {
		// No account to suspend; the counter keeps the user on notice.
		return
	}
	if err := s.ledger.Suspend(ctx, acct.AccountID); err != nil {
		s.logger.Error("Failed to suspend account",
			"user_id", userID, "account_id", acct.AccountID, "error", err)
		return
	}
	s.logger.Warn("Account suspended after repeated rejections",
		"user_id", userID, "account_id", acct.AccountID, "rejections", n)
}

// afterAdmit publishes market-open orders and records metrics. Publishing is
// best effort: a lost publish is repaired by the startup recovery scan and
// the close housekeeping, so admission never fails on it.
func (s *AdmissionService) afterAdmit(ctx context.Context, order *core.Order, open bool) {
	if s.limits.SuspendOnRepeatedAbuse {
		s.abuseMu.Lock()
		delete(s.rejections, order.UserID)
		s.abuseMu.Unlock()
	}
	if open {
		msg := core.Message{
			OrderID:    order.OrderID,
			Side:       order.Side,
			EnqueuedAt: s.clock.Now(),
		}
		if err := s.publisher.Publish(ctx, bus.TopicActive, msg); err != nil {
			s.logger.Warn("Failed to publish admitted order, recovery will republish",
				"order_id", order.OrderID, "error", err)
		}
	}

	if counter := telemetry.GetGlobalMetrics().OrdersAdmittedTotal; counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("side", string(order.Side)),
			attribute.String("status", string(order.Status))))
	}
	s.logger.Info("Order admitted",
		"order_id", order.OrderID, "side", string(order.Side), "ticker", order.Ticker,
		"qty", order.Quantity, "price", order.Price, "status", string(order.Status))
}
