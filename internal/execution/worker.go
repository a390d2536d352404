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

// Notifier raises operational alerts from the execution path. Implementations
// must not block.
type Notifier interface {
	OrderFailed(ctx context.Context, order *core.Order, reason error)
	ForcedFill(ctx context.Context, order *core.Order)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) OrderFailed(context.Context, *core.Order, error) {}
func (NopNotifier) ForcedFill(context.Context, *core.Order)         {}

// Worker is the matching worker: it consumes the active topic, draws the
// probabilistic fill and applies the ledger effects. Redeliveries are safe
// because a settled order is no longer PENDING and is acked untouched.
type Worker struct {
	orders    core.IOrderStore
	ledger    core.ILedger
	retries   core.IRetryStore
	scheduler *RetryScheduler
	decider   FillDecider
	notifier  Notifier
	logger    core.ILogger
}

func NewWorker(
	orders core.IOrderStore,
	ledger core.ILedger,
	retries core.IRetryStore,
	scheduler *RetryScheduler,
	decider FillDecider,
	notifier Notifier,
	logger core.ILogger,
) *Worker {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Worker{
		orders:    orders,
		ledger:    ledger,
		retries:   retries,
		scheduler: scheduler,
		decider:   decider,
		notifier:  notifier,
		logger:    logger.WithField("component", "matching_worker"),
	}
}

// Handle processes one active-topic delivery.
func (w *Worker) Handle(ctx context.Context, d *bus.Delivery) error {
	msg := d.Msg

	order, err := w.orders.Get(ctx, msg.OrderID)
	if errors.Is(err, apperrors.ErrNotFound) {
		w.logger.Warn("Message for unknown order dropped", "order_id", msg.OrderID)
		d.Ack()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", msg.OrderID, err)
	}
	if order.Status != core.StatusPending {
		w.logger.Debug("Redelivery for settled order dropped",
			"order_id", order.OrderID, "status", string(order.Status))
		d.Ack()
		return nil
	}

	outcome := w.decider.Decide(msg.RetryCount)
	w.observeAttempt(ctx, order, outcome)

	switch outcome {
	case OutcomeMissed:
		if err := w.scheduler.Schedule(ctx, order.OrderID, order.Side, msg.RetryCount); err != nil {
			return fmt.Errorf("failed to schedule retry for %s: %w", order.OrderID, err)
		}
		d.Ack()
		return nil

	case OutcomeFilled, OutcomeForcedFilled:
		w.settle(ctx, order)
		if outcome == OutcomeForcedFilled && order.Status == core.StatusExecuted {
			w.notifier.ForcedFill(ctx, order)
		}
		d.Ack()
		return nil
	}
	return nil
}

// settle applies the ledger effects of a fill and moves the order to its
// terminal status. Ledger rejections fail the order instead of bouncing the
// message; a buy's reservation is released so the cash returns.
func (w *Worker) settle(ctx context.Context, order *core.Order) {
	var err error
	switch order.Side {
	case core.SideBuy:
		err = w.ledger.ApplyBuyFill(ctx, order.AccountID, order.Ticker, order.Quantity, order.Price)
	case core.SideSell:
		err = w.ledger.ApplySellFill(ctx, order.AccountID, order.Ticker, order.Quantity)
		if err == nil {
			amount := tradingutils.OrderAmount(order.Price, order.Quantity)
			err = w.ledger.CreditCash(ctx, order.AccountID, amount, order.OrderID)
		}
	default:
		err = fmt.Errorf("order %s has unknown side %q: %w", order.OrderID, order.Side, apperrors.ErrInternal)
	}

	if err != nil {
		w.fail(ctx, order, err)
		return
	}

	if err := w.orders.Transition(ctx, order.OrderID, core.StatusPending, core.StatusExecuted); err != nil {
		// A concurrent settle won the race; the fill below already
		// committed, so this should not happen with per-order partitions.
		w.logger.Error("Failed to mark order executed",
			"order_id", order.OrderID, "error", err)
		return
	}
	order.Status = core.StatusExecuted
	w.cleanupRetryRecord(ctx, order.OrderID)

	if counter := telemetry.GetGlobalMetrics().OrdersExecutedTotal; counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(order.Side))))
	}
	w.logger.Info("Order executed",
		"order_id", order.OrderID, "side", string(order.Side), "ticker", order.Ticker,
		"qty", order.Quantity, "price", order.Price)
}

func (w *Worker) fail(ctx context.Context, order *core.Order, cause error) {
	w.logger.Error("Fill failed, order marked FAILED",
		"order_id", order.OrderID, "side", string(order.Side), "error", cause)

	// A buy's refund and the FAILED transition commit together, so a
	// republished message can never refund the reservation twice.
	var err error
	if order.Side == core.SideBuy {
		amount := tradingutils.OrderAmount(order.Price, order.Quantity)
		err = w.ledger.RunTx(ctx, func(tx *sql.Tx) error {
			if err := w.ledger.ReleaseCashTx(ctx, tx, order.AccountID, amount, order.OrderID); err != nil {
				return fmt.Errorf("failed to release buy reservation: %w", err)
			}
			return w.orders.TransitionTx(ctx, tx, order.OrderID, core.StatusPending, core.StatusFailed)
		})
	} else {
		err = w.orders.Transition(ctx, order.OrderID, core.StatusPending, core.StatusFailed)
	}
	if err != nil {
		w.logger.Error("Failed to mark order failed", "order_id", order.OrderID, "error", err)
		return
	}
	order.Status = core.StatusFailed
	w.cleanupRetryRecord(ctx, order.OrderID)
	w.notifier.OrderFailed(ctx, order, cause)

	if counter := telemetry.GetGlobalMetrics().OrdersFailedTotal; counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(order.Side))))
	}
}

func (w *Worker) cleanupRetryRecord(ctx context.Context, orderID string) {
	if err := w.retries.Delete(ctx, orderID); err != nil {
		w.logger.Warn("Failed to delete retry record", "order_id", orderID, "error", err)
	}
}

func (w *Worker) observeAttempt(ctx context.Context, order *core.Order, outcome Outcome) {
	if counter := telemetry.GetGlobalMetrics().FillAttemptsTotal; counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome.String()),
			attribute.String("side", string(order.Side))))
	}
}
