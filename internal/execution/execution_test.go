package execution

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"stock_trader/internal/core"
	"stock_trader/internal/ledger"
	"stock_trader/internal/mock"
	"stock_trader/internal/orders"
	"stock_trader/internal/storage"
)

const (
	testInitialCash = 1_000_000
	testRetryDelay  = 3 * time.Minute
	testMaxRetries  = 5
)

type execFixture struct {
	ledger    *ledger.Ledger
	orders    *orders.Store
	retries   *mock.RetryStore
	publisher *mock.Publisher
	clock     *mock.Clock
	oracle    *mock.Oracle
	scheduler *RetryScheduler
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "execution.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := mock.NewLogger()
	clock := mock.NewClock(time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC))
	f := &execFixture{
		ledger:    ledger.New(db, clock, testInitialCash, logger),
		orders:    orders.NewStore(db, clock, logger),
		retries:   mock.NewRetryStore(),
		publisher: mock.NewPublisher(),
		clock:     clock,
		oracle:    mock.NewOracle(70_000),
	}
	f.scheduler = NewRetryScheduler(
		f.retries, f.orders, f.publisher, clock, testRetryDelay, testMaxRetries, logger)
	return f
}

// seedAccount opens an account and returns its id.
func (f *execFixture) seedAccount(t *testing.T, userID string) string {
	t.Helper()
	acct, err := f.ledger.CreateAccount(context.Background(), userID)
	require.NoError(t, err)
	return acct.AccountID
}

// seedOrder inserts an order row. A PENDING or RESERVED buy also takes the
// matching cash reservation so the ledger mirrors the admission path.
func (f *execFixture) seedOrder(t *testing.T, accountID string, side core.OrderSide, status core.OrderStatus, qty, price int64) *core.Order {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	o := &core.Order{
		OrderID:   uuid.NewString(),
		Side:      side,
		AccountID: accountID,
		UserID:    "user-" + accountID,
		Ticker:    "005930",
		Price:     price,
		Quantity:  qty,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.orders.Insert(ctx, o))
	if side == core.SideBuy && !status.Terminal() {
		require.NoError(t, f.ledger.ReserveCash(ctx, accountID, price*qty, o.OrderID))
	}
	return o
}

func (f *execFixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return balance
}

func (f *execFixture) status(t *testing.T, orderID string) core.OrderStatus {
	t.Helper()
	o, err := f.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

// scriptDecider replays a fixed outcome sequence, then repeats the last one.
type scriptDecider struct {
	mu       sync.Mutex
	outcomes []Outcome
	i        int
}

func (d *scriptDecider) Decide(int) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.i < len(d.outcomes)-1 {
		d.i++
		return d.outcomes[d.i-1]
	}
	return d.outcomes[len(d.outcomes)-1]
}

// recordNotifier captures execution alerts for assertions.
type recordNotifier struct {
	mu     sync.Mutex
	failed []string
	forced []string
}

func (n *recordNotifier) OrderFailed(_ context.Context, order *core.Order, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, order.OrderID)
}

func (n *recordNotifier) ForcedFill(_ context.Context, order *core.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forced = append(n.forced, order.OrderID)
}
