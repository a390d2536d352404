package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_trader/internal/bus"
	"stock_trader/internal/core"
	"stock_trader/internal/mock"
)

func newWorker(f *execFixture, decider FillDecider, notifier Notifier) *Worker {
	return NewWorker(f.orders, f.ledger, f.retries, f.scheduler, decider, notifier, mock.NewLogger())
}

func deliveryFor(order *core.Order, retryCount int) *bus.Delivery {
	return &bus.Delivery{Msg: core.Message{
		OrderID:    order.OrderID,
		Side:       order.Side,
		RetryCount: retryCount,
	}}
}

func TestHandleBuyFill(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusPending, 2, 70_000)

	w := newWorker(f, &scriptDecider{outcomes: []Outcome{OutcomeFilled}}, nil)
	d := deliveryFor(order, 0)
	require.NoError(t, w.Handle(ctx, d))

	assert.True(t, d.Acked())
	assert.Equal(t, core.StatusExecuted, f.status(t, order.OrderID))

	h, err := f.ledger.Holding(ctx, acct, "005930")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, int64(2), h.Quantity)
	assert.Equal(t, int64(70_000), h.AvgCost)

	// Cash moved at admission: a fill must not move it again.
	assert.Equal(t, int64(testInitialCash-140_000), f.balance(t, acct))
}

func TestHandleSellFill(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	require.NoError(t, f.ledger.ApplyBuyFill(ctx, acct, "005930", 3, 65_000))
	order := f.seedOrder(t, acct, core.SideSell, core.StatusPending, 2, 70_000)

	w := newWorker(f, &scriptDecider{outcomes: []Outcome{OutcomeFilled}}, nil)
	d := deliveryFor(order, 0)
	require.NoError(t, w.Handle(ctx, d))

	assert.True(t, d.Acked())
	assert.Equal(t, core.StatusExecuted, f.status(t, order.OrderID))

	h, err := f.ledger.Holding(ctx, acct, "005930")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, int64(1), h.Quantity)
	assert.Equal(t, int64(testInitialCash+140_000), f.balance(t, acct))
}

func TestHandleMissedSchedulesRetry(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusPending, 1, 70_000)

	w := newWorker(f, &scriptDecider{outcomes: []Outcome{OutcomeMissed}}, nil)
	d := deliveryFor(order, 0)
	require.NoError(t, w.Handle(ctx, d))

	assert.True(t, d.Acked())
	assert.Equal(t, core.StatusPending, f.status(t, order.OrderID))

	count, _, ok, err := f.retries.Get(ctx, order.OrderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, f.publisher.Count(bus.TopicRetry))
}

func TestHandleForcedFillNotifies(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusPending, 1, 70_000)

	notifier := &recordNotifier{}
	w := newWorker(f, &scriptDecider{outcomes: []Outcome{OutcomeForcedFilled}}, notifier)
	d := deliveryFor(order, testMaxRetries)
	require.NoError(t, w.Handle(ctx, d))

	assert.Equal(t, core.StatusExecuted, f.status(t, order.OrderID))
	assert.Equal(t, []string{order.OrderID}, notifier.forced)
	assert.Empty(t, notifier.failed)
}

func TestHandleOversoldSellFails(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	// No holding: the ledger rejects the fill and the order goes FAILED.
	order := f.seedOrder(t, acct, core.SideSell, core.StatusPending, 1, 70_000)

	notifier := &recordNotifier{}
	w := newWorker(f, &scriptDecider{outcomes: []Outcome{OutcomeFilled}}, notifier)
	d := deliveryFor(order, 0)
	require.NoError(t, w.Handle(ctx, d))

	assert.True(t, d.Acked())
	assert.Equal(t, core.StatusFailed, f.status(t, order.OrderID))
	assert.Equal(t, []string{order.OrderID}, notifier.failed)
	// No proceeds were credited.
	assert.Equal(t, int64(testInitialCash), f.balance(t, acct))
}

func TestHandleUnknownOrderDropped(t *testing.T) {
	f := newExecFixture(t)
	w := newWorker(f, &scriptDecider{outcomes: []Outcome{OutcomeFilled}}, nil)

	d := &bus.Delivery{Msg: core.Message{OrderID: "ghost", Side: core.SideBuy}}
	require.NoError(t, w.Handle(context.Background(), d))
	assert.True(t, d.Acked())
}

func TestHandleRedeliveryOfSettledOrder(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusPending, 1, 70_000)

	w := newWorker(f, &scriptDecider{outcomes: []Outcome{OutcomeFilled}}, nil)
	require.NoError(t, w.Handle(ctx, deliveryFor(order, 0)))
	require.Equal(t, core.StatusExecuted, f.status(t, order.OrderID))

	// A redelivery must not apply the fill a second time.
	d := deliveryFor(order, 0)
	require.NoError(t, w.Handle(ctx, d))
	assert.True(t, d.Acked())

	h, err := f.ledger.Holding(ctx, acct, "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.Quantity)
}

func TestHandleFillClearsRetryRecord(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusPending, 1, 70_000)
	require.NoError(t, f.retries.Save(ctx, order.OrderID, 2, f.clock.Now().Add(time.Minute)))

	w := newWorker(f, &scriptDecider{outcomes: []Outcome{OutcomeFilled}}, nil)
	require.NoError(t, w.Handle(ctx, deliveryFor(order, 2)))

	_, _, ok, err := f.retries.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMissThenFillSequence(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusPending, 1, 70_000)

	w := newWorker(f, &scriptDecider{outcomes: []Outcome{OutcomeMissed, OutcomeMissed, OutcomeFilled}}, nil)

	require.NoError(t, w.Handle(ctx, deliveryFor(order, 0)))
	require.NoError(t, w.Handle(ctx, deliveryFor(order, 1)))
	require.NoError(t, w.Handle(ctx, deliveryFor(order, 2)))

	assert.Equal(t, core.StatusExecuted, f.status(t, order.OrderID))
	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, 2, f.publisher.Count(bus.TopicRetry))
}
