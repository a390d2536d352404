// Package ledger is the sole writer of cash balances, holdings and the
// account history. Every mutation runs in one serializable transaction that
// also appends the matching history row.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stock_trader/internal/core"
	apperrors "stock_trader/pkg/errors"
	"stock_trader/pkg/telemetry"
)

// Ledger implements core.ILedger on SQLite.
type Ledger struct {
	db          *sql.DB
	clock       core.IClock
	initialCash int64
	logger      core.ILogger
}

func New(db *sql.DB, clock core.IClock, initialCash int64, logger core.ILogger) *Ledger {
	return &Ledger{
		db:          db,
		clock:       clock,
		initialCash: initialCash,
		logger:      logger.WithField("component", "ledger"),
	}
}

// CreateAccount opens an account seeded with the initial cash. If the user
// already has an ACTIVE account it is returned unchanged; a SUSPENDED user
// is refused.
func (l *Ledger) CreateAccount(ctx context.Context, userID string) (*core.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.ErrInvalidArgument
	}
	defer l.observeTx("create_account", time.Now())

	tx, err := l.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var suspended int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM account WHERE user_id = ? AND status = ?`,
		userID, string(core.AccountSuspended)).Scan(&suspended); err != nil {
		return nil, wrapDB("check suspension", err)
	}
	if suspended > 0 {
		return nil, apperrors.ErrAccountSuspended
	}

	existing, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT account_id, user_id, status, cash_balance, withdrawable_balance, created_at, updated_at
		 FROM account WHERE user_id = ? AND status = ?`, userID, string(core.AccountActive)))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapDB("look up account", err)
	}

	now := l.clock.Now()
	acct := &core.Account{
		AccountID:           uuid.NewString(),
		UserID:              userID,
		Status:              core.AccountActive,
		CashBalance:         l.initialCash,
		WithdrawableBalance: l.initialCash,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO account (account_id, user_id, status, cash_balance, withdrawable_balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.AccountID, acct.UserID, string(acct.Status), acct.CashBalance, acct.WithdrawableBalance, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return nil, wrapDB("insert account", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapDB("commit account", err)
	}

	l.logger.Info("Account created", "account_id", acct.AccountID, "user_id", userID, "initial_cash", l.initialCash)
	return acct, nil
}

// AccountByUser returns the user's ACTIVE account.
func (l *Ledger) AccountByUser(ctx context.Context, userID string) (*core.Account, error) {
	acct, err := scanAccount(l.db.QueryRowContext(ctx,
		`SELECT account_id, user_id, status, cash_balance, withdrawable_balance, created_at, updated_at
		 FROM account WHERE user_id = ? AND status = ?`, userID, string(core.AccountActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB("look up account by user", err)
	}
	return acct, nil
}

// Account returns an account by id.
func (l *Ledger) Account(ctx context.Context, accountID string) (*core.Account, error) {
	acct, err := scanAccount(l.db.QueryRowContext(ctx,
		`SELECT account_id, user_id, status, cash_balance, withdrawable_balance, created_at, updated_at
		 FROM account WHERE account_id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB("look up account", err)
	}
	return acct, nil
}

// Suspend marks an account SUSPENDED. A suspended user is refused at
// admission until the account is reinstated by hand.
func (l *Ledger) Suspend(ctx context.Context, accountID string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE account SET status = ?, updated_at = ? WHERE account_id = ?`,
		string(core.AccountSuspended), l.clock.Now(), accountID)
	if err != nil {
		return wrapDB("suspend account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	l.logger.Warn("Account suspended", "account_id", accountID)
	return nil
}

// Balance returns the current cash balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT cash_balance FROM account WHERE account_id = ?`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperrors.ErrNotFound
	}
	if err != nil {
		return 0, wrapDB("read balance", err)
	}
	return balance, nil
}

// CanReserve reports whether the account holds at least amount in cash.
func (l *Ledger) CanReserve(ctx context.Context, accountID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, apperrors.ErrInvalidArgument
	}
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// ReserveCash debits amount for a pending buy. The matching history row is
// the BUY_STOCK debit; a later fill moves no cash.
func (l *Ledger) ReserveCash(ctx context.Context, accountID string, amount int64, orderID string) error {
	if amount <= 0 {
		return apperrors.ErrInvalidArgument
	}
	return l.moveCash(ctx, "reserve_cash", accountID, -amount, core.TxBuyStock, orderID)
}

// ReleaseCash refunds a reservation after a cancel or a failed buy fill.
func (l *Ledger) ReleaseCash(ctx context.Context, accountID string, amount int64, orderID string) error {
	if amount <= 0 {
		return apperrors.ErrInvalidArgument
	}
	return l.moveCash(ctx, "release_cash", accountID, amount, core.TxRefund, orderID)
}

// CreditCash credits sale proceeds on a sell fill.
func (l *Ledger) CreditCash(ctx context.Context, accountID string, amount int64, orderID string) error {
	if amount <= 0 {
		return apperrors.ErrInvalidArgument
	}
	return l.moveCash(ctx, "credit_cash", accountID, amount, core.TxSellStock, orderID)
}

// AdjustReserve moves a reservation up (delta > 0 debits more cash) or down
// (delta < 0 refunds the difference) when an order is re-anchored to a new
// price. A zero delta is a no-op.
func (l *Ledger) AdjustReserve(ctx context.Context, accountID string, delta int64, orderID string) error {
	if delta == 0 {
		return nil
	}
	return l.moveCash(ctx, "adjust_reserve", accountID, -delta, core.TxReserveAdjust, orderID)
}

// moveCash applies a signed cash delta and appends the history row in one
// transaction. Negative deltas must be covered by the current balance.
func (l *Ledger) moveCash(ctx context.Context, op, accountID string, delta int64, txType core.TransactionType, orderID string) error {
	defer l.observeTx(op, time.Now())
	return l.RunTx(ctx, func(tx *sql.Tx) error {
		return l.moveCashIn(ctx, tx, accountID, delta, txType, orderID)
	})
}

// moveCashIn is the body of moveCash running inside the caller's transaction.
func (l *Ledger) moveCashIn(ctx context.Context, tx *sql.Tx, accountID string, delta int64, txType core.TransactionType, orderID string) error {
	var before int64
	err := tx.QueryRowContext(ctx, `SELECT cash_balance FROM account WHERE account_id = ?`, accountID).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return wrapDB("read balance", err)
	}

	after := before + delta
	if after < 0 {
		l.logger.Warn("Cash movement rejected",
			"account_id", accountID, "order_id", orderID, "balance", before, "delta", delta)
		return apperrors.ErrInsufficientFunds
	}

	now := l.clock.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE account SET cash_balance = ?, withdrawable_balance = ?, updated_at = ? WHERE account_id = ?`,
		after, after, now, accountID); err != nil {
		return wrapDB("update balance", err)
	}
	if err := appendHistory(ctx, tx, accountID, txType, orderID, delta, before, after, now); err != nil {
		return err
	}

	l.logger.Debug("Cash moved",
		"account_id", accountID, "order_id", orderID, "type", string(txType), "delta", delta, "balance", after)
	return nil
}

// RunTx runs fn inside one serializable transaction. Stores bound to the
// same database join it through their Tx method variants, so a cash movement
// and an order-status write commit or roll back together.
func (l *Ledger) RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDB("commit transaction", err)
	}
	return nil
}

// ReserveCashTx is ReserveCash inside the caller's transaction.
func (l *Ledger) ReserveCashTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64, orderID string) error {
	if amount <= 0 {
		return apperrors.ErrInvalidArgument
	}
	return l.moveCashIn(ctx, tx, accountID, -amount, core.TxBuyStock, orderID)
}

// ReleaseCashTx is ReleaseCash inside the caller's transaction.
func (l *Ledger) ReleaseCashTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64, orderID string) error {
	if amount <= 0 {
		return apperrors.ErrInvalidArgument
	}
	return l.moveCashIn(ctx, tx, accountID, amount, core.TxRefund, orderID)
}

// AdjustReserveTx is AdjustReserve inside the caller's transaction.
func (l *Ledger) AdjustReserveTx(ctx context.Context, tx *sql.Tx, accountID string, delta int64, orderID string) error {
	if delta == 0 {
		return nil
	}
	return l.moveCashIn(ctx, tx, accountID, -delta, core.TxReserveAdjust, orderID)
}

// ApplyBuyFill upserts the holding and recomputes the average cost with
// integer truncation. Cash moved at admission, so no history row here.
func (l *Ledger) ApplyBuyFill(ctx context.Context, accountID, ticker string, qty, price int64) error {
	if qty <= 0 || price <= 0 {
		return apperrors.ErrInvalidArgument
	}
	defer l.observeTx("apply_buy_fill", time.Now())

	tx, err := l.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := l.clock.Now()
	var oldQty, oldAvg int64
	err = tx.QueryRowContext(ctx,
		`SELECT quantity, avg_cost FROM holding WHERE account_id = ? AND ticker = ?`,
		accountID, ticker).Scan(&oldQty, &oldAvg)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO holding (account_id, ticker, quantity, avg_cost, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			accountID, ticker, qty, price, now, now)
		if err != nil {
			return wrapDB("insert holding", err)
		}
	case err != nil:
		return wrapDB("read holding", err)
	default:
		newQty := oldQty + qty
		newAvg := (oldQty*oldAvg + qty*price) / newQty
		_, err = tx.ExecContext(ctx,
			`UPDATE holding SET quantity = ?, avg_cost = ?, updated_at = ? WHERE account_id = ? AND ticker = ?`,
			newQty, newAvg, now, accountID, ticker)
		if err != nil {
			return wrapDB("update holding", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapDB("commit buy fill", err)
	}
	l.logger.Debug("Buy fill applied", "account_id", accountID, "ticker", ticker, "qty", qty, "price", price)
	return nil
}

// ApplySellFill decrements the holding and deletes the row at zero. The
// sale proceeds are credited separately via CreditCash.
func (l *Ledger) ApplySellFill(ctx context.Context, accountID, ticker string, qty int64) error {
	if qty <= 0 {
		return apperrors.ErrInvalidArgument
	}
	defer l.observeTx("apply_sell_fill", time.Now())

	tx, err := l.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var oldQty int64
	err = tx.QueryRowContext(ctx,
		`SELECT quantity FROM holding WHERE account_id = ? AND ticker = ?`,
		accountID, ticker).Scan(&oldQty)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrOversold
	}
	if err != nil {
		return wrapDB("read holding", err)
	}
	if oldQty < qty {
		l.logger.Warn("Sell fill rejected",
			"account_id", accountID, "ticker", ticker, "held", oldQty, "requested", qty)
		return apperrors.ErrOversold
	}

	remaining := oldQty - qty
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM holding WHERE account_id = ? AND ticker = ?`, accountID, ticker); err != nil {
			return wrapDB("delete holding", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE holding SET quantity = ?, updated_at = ? WHERE account_id = ? AND ticker = ?`,
			remaining, l.clock.Now(), accountID, ticker); err != nil {
			return wrapDB("update holding", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapDB("commit sell fill", err)
	}
	l.logger.Debug("Sell fill applied", "account_id", accountID, "ticker", ticker, "qty", qty, "remaining", remaining)
	return nil
}

// Holding returns the position for one ticker, or nil when none is held.
func (l *Ledger) Holding(ctx context.Context, accountID, ticker string) (*core.Holding, error) {
	return holdingOn(ctx, l.db, accountID, ticker)
}

// HoldingTx is Holding inside the caller's transaction.
func (l *Ledger) HoldingTx(ctx context.Context, tx *sql.Tx, accountID, ticker string) (*core.Holding, error) {
	return holdingOn(ctx, tx, accountID, ticker)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func holdingOn(ctx context.Context, q rowQuerier, accountID, ticker string) (*core.Holding, error) {
	h := &core.Holding{}
	err := q.QueryRowContext(ctx,
		`SELECT account_id, ticker, quantity, avg_cost, created_at, updated_at
		 FROM holding WHERE account_id = ? AND ticker = ?`,
		accountID, ticker).Scan(&h.AccountID, &h.Ticker, &h.Quantity, &h.AvgCost, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB("read holding", err)
	}
	return h, nil
}

// Holdings returns all positions for an account ordered by ticker.
func (l *Ledger) Holdings(ctx context.Context, accountID string) ([]*core.Holding, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT account_id, ticker, quantity, avg_cost, created_at, updated_at
		 FROM holding WHERE account_id = ? ORDER BY ticker`, accountID)
	if err != nil {
		return nil, wrapDB("list holdings", err)
	}
	defer rows.Close()

	var holdings []*core.Holding
	for rows.Next() {
		h := &core.Holding{}
		if err := rows.Scan(&h.AccountID, &h.Ticker, &h.Quantity, &h.AvgCost, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, wrapDB("scan holding", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// History returns the newest history rows first, at most limit of them.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*core.AccountHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT history_id, account_id, type, order_id, amount, balance_before, balance_after, created_at
		 FROM account_history WHERE account_id = ? ORDER BY history_id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, wrapDB("list history", err)
	}
	defer rows.Close()

	var history []*core.AccountHistory
	for rows.Next() {
		h := &core.AccountHistory{}
		var orderID sql.NullString
		var txType string
		if err := rows.Scan(&h.HistoryID, &h.AccountID, &txType, &orderID, &h.Amount, &h.BalanceBefore, &h.BalanceAfter, &h.At); err != nil {
			return nil, wrapDB("scan history", err)
		}
		h.Type = core.TransactionType(txType)
		h.OrderID = orderID.String
		history = append(history, h)
	}
	return history, rows.Err()
}

func (l *Ledger) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, wrapDB("begin transaction", err)
	}
	return tx, nil
}

func (l *Ledger) observeTx(op string, start time.Time) {
	if h := telemetry.GetGlobalMetrics().LedgerTxLatency; h != nil {
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0
		h.Record(context.Background(), elapsed, metric.WithAttributes(attribute.String("op", op)))
	}
}

func appendHistory(ctx context.Context, tx *sql.Tx, accountID string, txType core.TransactionType, orderID string, amount, before, after int64, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO account_history (account_id, type, order_id, amount, balance_before, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, string(txType), orderID, amount, before, after, at)
	if err != nil {
		return wrapDB("append history", err)
	}
	return nil
}

func scanAccount(row *sql.Row) (*core.Account, error) {
	a := &core.Account{}
	var status string
	if err := row.Scan(&a.AccountID, &a.UserID, &status, &a.CashBalance, &a.WithdrawableBalance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = core.AccountStatus(status)
	return a, nil
}

func wrapDB(op string, err error) error {
	return &dbError{op: op, err: err}
}

// dbError marks infrastructure failures so callers can distinguish them
// from domain rejections.
type dbError struct {
	op  string
	err error
}

func (e *dbError) Error() string {
	return "ledger: failed to " + e.op + ": " + e.err.Error()
}

func (e *dbError) Unwrap() error {
	return apperrors.ErrUnavailable
}
