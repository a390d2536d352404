package execution

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_trader/internal/bus"
	"stock_trader/internal/core"
	"stock_trader/internal/mock"
	"stock_trader/internal/orders"
)

func newOpener(f *execFixture) *Opener {
	return NewOpener(f.orders, f.ledger, f.oracle, f.publisher, f.clock, 0, mock.NewLogger())
}

// flakyTransitionStore fails a configured number of transition calls, as a
// transient lock on the order table would.
type flakyTransitionStore struct {
	*orders.Store
	failTransitions      int
	failPriceTransitions int
}

func (s *flakyTransitionStore) TransitionTx(ctx context.Context, tx *sql.Tx, orderID string, from, to core.OrderStatus) error {
	if s.failTransitions > 0 {
		s.failTransitions--
		return errors.New("database is locked")
	}
	return s.Store.TransitionTx(ctx, tx, orderID, from, to)
}

func (s *flakyTransitionStore) TransitionWithPriceTx(ctx context.Context, tx *sql.Tx, orderID string, from, to core.OrderStatus, price int64) error {
	if s.failPriceTransitions > 0 {
		s.failPriceTransitions--
		return errors.New("database is locked")
	}
	return s.Store.TransitionWithPriceTx(ctx, tx, orderID, from, to, price)
}

func (f *execFixture) refunds(t *testing.T, accountID string) []*core.AccountHistory {
	t.Helper()
	rows, err := f.ledger.History(context.Background(), accountID, 100)
	require.NoError(t, err)
	var out []*core.AccountHistory
	for _, row := range rows {
		if row.Type == core.TxRefund {
			out = append(out, row)
		}
	}
	return out
}

func TestOpenReservedSell(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	require.NoError(t, f.ledger.ApplyBuyFill(ctx, acct, "005930", 2, 65_000))
	order := f.seedOrder(t, acct, core.SideSell, core.StatusReserved, 2, 68_000)
	f.oracle.SetPrice("005930", 71_000)

	promoted, err := newOpener(f).OpenReserved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Equal(t, int64(71_000), stored.Price)
	assert.Equal(t, 1, f.publisher.Count(bus.TopicActive))
	// Sells never touch cash at the open.
	assert.Equal(t, int64(testInitialCash), f.balance(t, acct))
}

func TestOpenReservedBuyPriceUp(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusReserved, 2, 70_000)
	f.oracle.SetPrice("005930", 75_000)

	promoted, err := newOpener(f).OpenReserved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Equal(t, int64(75_000), stored.Price)
	// The reservation grew by the delta: 2 * (75000 - 70000).
	assert.Equal(t, int64(testInitialCash-150_000), f.balance(t, acct))
}

func TestOpenReservedBuyPriceDown(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusReserved, 2, 70_000)
	f.oracle.SetPrice("005930", 64_000)

	promoted, err := newOpener(f).OpenReserved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(64_000), stored.Price)
	assert.Equal(t, int64(testInitialCash-128_000), f.balance(t, acct))
}

func TestOpenReservedBuyShortfallCancels(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	// Reserve nearly everything, then gap the price beyond the remainder.
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusReserved, 10, 99_000)
	f.oracle.SetPrice("005930", 110_000)

	promoted, err := newOpener(f).OpenReserved(ctx)
	require.NoError(t, err)
	assert.Zero(t, promoted)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, stored.Status)
	// The original reservation came back in full.
	assert.Equal(t, int64(testInitialCash), f.balance(t, acct))
	assert.Zero(t, f.publisher.Count(bus.TopicActive))
}

func TestOpenReservedUnchangedPrice(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusReserved, 1, 70_000)
	f.oracle.SetPrice("005930", 70_000)

	promoted, err := newOpener(f).OpenReserved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Equal(t, int64(70_000), stored.Price)
	assert.Equal(t, int64(testInitialCash-70_000), f.balance(t, acct))
}

func TestOpenReservedOracleFailureLeavesOrder(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusReserved, 1, 70_000)
	f.oracle.FailWith = errors.New("pricing down")

	promoted, err := newOpener(f).OpenReserved(ctx)
	require.NoError(t, err, "per-order failures must not abort the sweep")
	assert.Zero(t, promoted)
	assert.Equal(t, core.StatusReserved, f.status(t, order.OrderID))
}

func TestOpenReservedSkipsOtherStatuses(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	f.seedOrder(t, acct, core.SideBuy, core.StatusPending, 1, 70_000)
	f.seedOrder(t, acct, core.SideBuy, core.StatusExecuted, 1, 70_000)

	promoted, err := newOpener(f).OpenReserved(ctx)
	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.Zero(t, f.publisher.Count(bus.TopicActive))
}

func TestOpenReservedCancelRefundsOnceAcrossFailedSweeps(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusReserved, 10, 99_000)
	f.oracle.SetPrice("005930", 110_000)

	store := &flakyTransitionStore{Store: f.orders, failTransitions: 1}
	opener := NewOpener(store, f.ledger, f.oracle, f.publisher, f.clock, 0, mock.NewLogger())

	// First sweep: the CANCELLED transition fails, so the refund must roll
	// back with it and leave the reservation in place.
	promoted, err := opener.OpenReserved(ctx)
	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.Equal(t, core.StatusReserved, f.status(t, order.OrderID))
	assert.Equal(t, int64(testInitialCash-990_000), f.balance(t, acct))
	assert.Empty(t, f.refunds(t, acct))

	// Second sweep: the cancel lands and refunds exactly once.
	promoted, err = opener.OpenReserved(ctx)
	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.Equal(t, core.StatusCancelled, f.status(t, order.OrderID))
	assert.Equal(t, int64(testInitialCash), f.balance(t, acct))
	assert.Len(t, f.refunds(t, acct), 1)
}

func TestOpenReservedAdjustRollsBackWithTransition(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	order := f.seedOrder(t, acct, core.SideBuy, core.StatusReserved, 2, 70_000)
	f.oracle.SetPrice("005930", 75_000)

	store := &flakyTransitionStore{Store: f.orders, failPriceTransitions: 1}
	opener := NewOpener(store, f.ledger, f.oracle, f.publisher, f.clock, 0, mock.NewLogger())

	// First sweep: the re-anchor fails, so the reservation delta must not
	// stick against the still-old stored price.
	promoted, err := opener.OpenReserved(ctx)
	require.NoError(t, err)
	assert.Zero(t, promoted)
	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusReserved, stored.Status)
	assert.Equal(t, int64(70_000), stored.Price)
	assert.Equal(t, int64(testInitialCash-140_000), f.balance(t, acct))

	// Second sweep: the delta is applied exactly once.
	promoted, err = opener.OpenReserved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	stored, err = f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Equal(t, int64(75_000), stored.Price)
	assert.Equal(t, int64(testInitialCash-150_000), f.balance(t, acct))
}

func TestOpenReservedWorksThroughBatches(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	for i := 0; i < 3; i++ {
		f.seedOrder(t, acct, core.SideBuy, core.StatusReserved, 1, 70_000)
	}
	f.oracle.SetPrice("005930", 70_000)

	opener := NewOpener(f.orders, f.ledger, f.oracle, f.publisher, f.clock, 1, mock.NewLogger())
	promoted, err := opener.OpenReserved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, promoted)
	assert.Equal(t, 3, f.publisher.Count(bus.TopicActive))
}

func TestOpenReservedMixedSweep(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	acct := f.seedAccount(t, "u1")
	require.NoError(t, f.ledger.ApplyBuyFill(ctx, acct, "005930", 1, 65_000))

	buy := f.seedOrder(t, acct, core.SideBuy, core.StatusReserved, 1, 70_000)
	sell := f.seedOrder(t, acct, core.SideSell, core.StatusReserved, 1, 70_000)
	f.oracle.SetPrice("005930", 72_000)

	promoted, err := newOpener(f).OpenReserved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, promoted)
	assert.Equal(t, core.StatusPending, f.status(t, buy.OrderID))
	assert.Equal(t, core.StatusPending, f.status(t, sell.OrderID))
	assert.Equal(t, 2, f.publisher.Count(bus.TopicActive))
}
