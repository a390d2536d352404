package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_trader/internal/core"
	"stock_trader/internal/mock"
	"stock_trader/internal/storage"
	apperrors "stock_trader/pkg/errors"
)

const seedCash = 1_000_000

func newTestLedger(t *testing.T) (*Ledger, *mock.Clock) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clock := mock.NewClock(time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC))
	return New(db, clock, seedCash, mock.NewLogger()), clock
}

func TestCreateAccountIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(seedCash), first.CashBalance)
	assert.Equal(t, core.AccountActive, first.Status)

	second, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, second.AccountID)

	other, err := l.CreateAccount(ctx, "u2")
	require.NoError(t, err)
	assert.NotEqual(t, first.AccountID, other.AccountID)
}

func TestCreateAccountEmptyUser(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.CreateAccount(context.Background(), "  ")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidArgument))
}

func TestSuspendRefusesUserAtAccountLookup(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, l.Suspend(ctx, acct.AccountID))

	stored, err := l.Account(ctx, acct.AccountID)
	require.NoError(t, err)
	assert.Equal(t, core.AccountSuspended, stored.Status)

	// A suspended user gets neither the old account back nor a fresh one.
	_, err = l.CreateAccount(ctx, "u1")
	assert.True(t, errors.Is(err, apperrors.ErrAccountSuspended))
	_, err = l.AccountByUser(ctx, "u1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestSuspendUnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	err := l.Suspend(context.Background(), "ghost")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestReserveAndReleaseCash(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, l.ReserveCash(ctx, acct.AccountID, 300_000, "o1"))
	balance, err := l.Balance(ctx, acct.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(seedCash-300_000), balance)

	require.NoError(t, l.ReleaseCash(ctx, acct.AccountID, 300_000, "o1"))
	balance, err = l.Balance(ctx, acct.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(seedCash), balance)
}

func TestReserveCashInsufficient(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)

	err = l.ReserveCash(ctx, acct.AccountID, seedCash+1, "o1")
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientFunds))

	// A rejected reservation must not move cash or write history.
	balance, err := l.Balance(ctx, acct.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(seedCash), balance)
	history, err := l.History(ctx, acct.AccountID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCanReserve(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)

	ok, err := l.CanReserve(ctx, acct.AccountID, seedCash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.CanReserve(ctx, acct.AccountID, seedCash+1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyBuyFillAverageCost(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, l.ApplyBuyFill(ctx, acct.AccountID, "005930", 2, 70_000))
	require.NoError(t, l.ApplyBuyFill(ctx, acct.AccountID, "005930", 1, 70_100))

	h, err := l.Holding(ctx, acct.AccountID, "005930")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, int64(3), h.Quantity)
	// (2*70000 + 1*70100) / 3, truncated.
	assert.Equal(t, int64(70_033), h.AvgCost)
}

func TestApplySellFill(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, l.ApplyBuyFill(ctx, acct.AccountID, "035420", 3, 180_000))

	require.NoError(t, l.ApplySellFill(ctx, acct.AccountID, "035420", 2))
	h, err := l.Holding(ctx, acct.AccountID, "035420")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, int64(1), h.Quantity)
	assert.Equal(t, int64(180_000), h.AvgCost, "avg cost is unchanged on sells")

	// Selling the last share deletes the row.
	require.NoError(t, l.ApplySellFill(ctx, acct.AccountID, "035420", 1))
	h, err = l.Holding(ctx, acct.AccountID, "035420")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestApplySellFillOversold(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)

	err = l.ApplySellFill(ctx, acct.AccountID, "035420", 1)
	assert.True(t, errors.Is(err, apperrors.ErrOversold))

	require.NoError(t, l.ApplyBuyFill(ctx, acct.AccountID, "035420", 2, 180_000))
	err = l.ApplySellFill(ctx, acct.AccountID, "035420", 3)
	assert.True(t, errors.Is(err, apperrors.ErrOversold))

	h, err := l.Holding(ctx, acct.AccountID, "035420")
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.Quantity, "rejected sell must not touch the holding")
}

func TestAdjustReserve(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, l.ReserveCash(ctx, acct.AccountID, 200_000, "o1"))

	// Price moved up: debit the difference.
	require.NoError(t, l.AdjustReserve(ctx, acct.AccountID, 50_000, "o1"))
	balance, err := l.Balance(ctx, acct.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(seedCash-250_000), balance)

	// Price moved down: refund.
	require.NoError(t, l.AdjustReserve(ctx, acct.AccountID, -100_000, "o1"))
	balance, err = l.Balance(ctx, acct.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(seedCash-150_000), balance)

	assert.NoError(t, l.AdjustReserve(ctx, acct.AccountID, 0, "o1"))
}

func TestHistoryRows(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, l.ReserveCash(ctx, acct.AccountID, 140_000, "o1"))
	clock.Advance(time.Minute)
	require.NoError(t, l.CreditCash(ctx, acct.AccountID, 90_000, "o2"))
	clock.Advance(time.Minute)
	require.NoError(t, l.ReleaseCash(ctx, acct.AccountID, 140_000, "o1"))

	history, err := l.History(ctx, acct.AccountID, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)

	// Newest first, and every row's before/after chain must line up.
	assert.Equal(t, core.TxRefund, history[0].Type)
	assert.Equal(t, int64(140_000), history[0].Amount)
	assert.Equal(t, core.TxSellStock, history[1].Type)
	assert.Equal(t, "o2", history[1].OrderID)
	assert.Equal(t, core.TxBuyStock, history[2].Type)
	assert.Equal(t, int64(-140_000), history[2].Amount)
	assert.Equal(t, int64(seedCash), history[2].BalanceBefore)
	assert.Equal(t, history[2].BalanceAfter, history[1].BalanceBefore)
	assert.Equal(t, history[1].BalanceAfter, history[0].BalanceBefore)
	assert.Equal(t, int64(seedCash-140_000+90_000+140_000), history[0].BalanceAfter)
}

func TestHistoryLimit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "u1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.ReserveCash(ctx, acct.AccountID, 1_000, "o1"))
	}
	history, err := l.History(ctx, acct.AccountID, 3)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestBalanceUnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Balance(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestMoveCashUnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	err := l.ReserveCash(context.Background(), "missing", 1_000, "o1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
