package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stock_trader/internal/bus"
	"stock_trader/internal/core"
	apperrors "stock_trader/pkg/errors"
	"stock_trader/pkg/telemetry"
	"stock_trader/pkg/tradingutils"
)

const defaultOpenerBatch = 500

// Opener promotes RESERVED orders at the session open: each order is
// re-anchored to the live price, the buy-side cash reservation is adjusted
// by the delta, and orders the account can no longer cover are cancelled.
// The cash movement and the status transition commit in one transaction, so
// a failed sweep leaves both the reservation and the order untouched.
type Opener struct {
	orders     core.IOrderStore
	ledger     core.ILedger
	oracle     core.IPriceOracle
	publisher  core.IPublisher
	clock      core.IClock
	batchLimit int
	logger     core.ILogger
}

func NewOpener(
	orders core.IOrderStore,
	ledger core.ILedger,
	oracle core.IPriceOracle,
	publisher core.IPublisher,
	clock core.IClock,
	batchLimit int,
	logger core.ILogger,
) *Opener {
	if batchLimit < 1 {
		batchLimit = defaultOpenerBatch
	}
	return &Opener{
		orders:     orders,
		ledger:     ledger,
		oracle:     oracle,
		publisher:  publisher,
		clock:      clock,
		batchLimit: batchLimit,
		logger:     logger.WithField("component", "reservation_opener"),
	}
}

// OpenReserved sweeps all RESERVED orders in batches of the configured size.
// Each order settles in its own transaction; one failure is logged and does
// not stop the sweep. Returns the number of orders promoted to PENDING.
func (o *Opener) OpenReserved(ctx context.Context) (int, error) {
	promoted := 0
	for {
		batch, err := o.orders.ListByStatusLimit(ctx, core.StatusReserved, o.batchLimit)
		if err != nil {
			return promoted, fmt.Errorf("failed to list reserved orders: %w", err)
		}
		if len(batch) == 0 {
			return promoted, nil
		}
		o.logger.Info("Opening reserved orders", "count", len(batch))

		settled := 0
		for _, order := range batch {
			if err := o.openOne(ctx, order); err != nil {
				o.logger.Error("Failed to open reserved order",
					"order_id", order.OrderID, "error", err)
				continue
			}
			settled++
			if order.Status == core.StatusPending {
				promoted++
			}
		}
		if settled == 0 {
			// Every order in the batch failed; leave them for the next
			// sweep instead of spinning on the same rows.
			return promoted, nil
		}
	}
}

func (o *Opener) openOne(ctx context.Context, order *core.Order) error {
	live, err := o.oracle.CurrentPrice(ctx, order.Ticker)
	if err != nil {
		return fmt.Errorf("failed to price %s: %w", order.Ticker, err)
	}

	if order.Side == core.SideSell {
		return o.promote(ctx, order, live, 0)
	}

	delta := tradingutils.OrderAmount(live, order.Quantity) - tradingutils.OrderAmount(order.Price, order.Quantity)
	if delta > 0 {
		ok, err := o.ledger.CanReserve(ctx, order.AccountID, delta)
		if err != nil {
			return err
		}
		if !ok {
			return o.cancel(ctx, order, delta)
		}
	}

	err = o.promote(ctx, order, live, delta)
	if errors.Is(err, apperrors.ErrInsufficientFunds) {
		// Lost the balance race between the check and the adjust.
		return o.cancel(ctx, order, delta)
	}
	return err
}

// promote re-anchors the order to the live price, moves it to PENDING and
// hands it to the matching pipeline. The reservation adjustment and the
// status transition are one transaction.
func (o *Opener) promote(ctx context.Context, order *core.Order, live, delta int64) error {
	err := o.ledger.RunTx(ctx, func(tx *sql.Tx) error {
		if delta != 0 {
			if err := o.ledger.AdjustReserveTx(ctx, tx, order.AccountID, delta, order.OrderID); err != nil {
				return err
			}
		}
		if live != order.Price {
			return o.orders.TransitionWithPriceTx(ctx, tx, order.OrderID, core.StatusReserved, core.StatusPending, live)
		}
		return o.orders.TransitionTx(ctx, tx, order.OrderID, core.StatusReserved, core.StatusPending)
	})
	if err != nil {
		return err
	}
	if live != order.Price {
		o.logger.Info("Order re-anchored",
			"order_id", order.OrderID, "old_price", order.Price, "new_price", live)
		order.Price = live
	}
	order.Status = core.StatusPending

	msg := core.Message{
		OrderID:    order.OrderID,
		Side:       order.Side,
		EnqueuedAt: o.clock.Now(),
	}
	if err := o.publisher.Publish(ctx, bus.TopicActive, msg); err != nil {
		// The order is already PENDING; the recovery republish covers it.
		o.logger.Warn("Failed to publish opened order",
			"order_id", order.OrderID, "error", err)
	}
	return nil
}

// cancel refunds the original reservation when the account cannot cover the
// re-anchored price. The refund commits together with the CANCELLED
// transition: if either fails the order stays RESERVED with its reservation
// intact, so the next sweep refunds exactly once.
func (o *Opener) cancel(ctx context.Context, order *core.Order, shortfall int64) error {
	amount := tradingutils.OrderAmount(order.Price, order.Quantity)
	err := o.ledger.RunTx(ctx, func(tx *sql.Tx) error {
		if err := o.ledger.ReleaseCashTx(ctx, tx, order.AccountID, amount, order.OrderID); err != nil {
			return fmt.Errorf("failed to refund reservation: %w", err)
		}
		return o.orders.TransitionTx(ctx, tx, order.OrderID, core.StatusReserved, core.StatusCancelled)
	})
	if err != nil {
		return err
	}
	order.Status = core.StatusCancelled

	if counter := telemetry.GetGlobalMetrics().OrdersCancelledTotal; counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(order.Side))))
	}
	o.logger.Info("Reserved order cancelled on shortfall",
		"order_id", order.OrderID, "shortfall", shortfall, "refunded", amount)
	return nil
}
