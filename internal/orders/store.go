// Package orders persists orders and admits new ones into the execution
// pipeline.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stock_trader/internal/core"
	apperrors "stock_trader/pkg/errors"
)

const orderColumns = `order_id, side, account_id, user_id, ticker, price, quantity, status, retry_count, created_at, updated_at`

// Store implements core.IOrderStore on SQLite. Status transitions use an
// optimistic guard: the UPDATE matches the expected current status and a
// zero row count is a Conflict.
type Store struct {
	db     *sql.DB
	clock  core.IClock
	logger core.ILogger
}

func NewStore(db *sql.DB, clock core.IClock, logger core.ILogger) *Store {
	return &Store{
		db:     db,
		clock:  clock,
		logger: logger.WithField("component", "order_store"),
	}
}

// execer is the subset of *sql.DB and *sql.Tx the write paths need, so each
// statement can run standalone or join a ledger transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Insert persists a new order row.
func (s *Store) Insert(ctx context.Context, o *core.Order) error {
	return s.insertOn(ctx, s.db, o)
}

// InsertTx is Insert inside the caller's transaction.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, o *core.Order) error {
	return s.insertOn(ctx, tx, o)
}

func (s *Store) insertOn(ctx context.Context, ex execer, o *core.Order) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO stock_order (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, string(o.Side), o.AccountID, o.UserID, o.Ticker,
		o.Price, o.Quantity, string(o.Status), o.RetryCount, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.OrderID, err)
	}
	return nil
}

// Get returns one order by id.
func (s *Store) Get(ctx context.Context, orderID string) (*core.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM stock_order WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order %s: %w", orderID, err)
	}
	return o, nil
}

// ListByAccount returns all orders for an account, newest first.
func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]*core.Order, error) {
	return s.list(ctx,
		`SELECT `+orderColumns+` FROM stock_order WHERE account_id = ? ORDER BY created_at DESC, order_id`,
		accountID)
}

// ListByAccountStatus returns an account's orders in one status, newest first.
func (s *Store) ListByAccountStatus(ctx context.Context, accountID string, status core.OrderStatus) ([]*core.Order, error) {
	return s.list(ctx,
		`SELECT `+orderColumns+` FROM stock_order WHERE account_id = ? AND status = ? ORDER BY created_at DESC, order_id`,
		accountID, string(status))
}

// ListByStatus returns every order in one status, oldest first so sweeps
// work through the backlog in admission order.
func (s *Store) ListByStatus(ctx context.Context, status core.OrderStatus) ([]*core.Order, error) {
	return s.list(ctx,
		`SELECT `+orderColumns+` FROM stock_order WHERE status = ? ORDER BY created_at, order_id`,
		string(status))
}

// ListByStatusLimit is ListByStatus capped at limit rows, so sweeps can work
// in bounded batches. A limit below one returns nothing.
func (s *Store) ListByStatusLimit(ctx context.Context, status core.OrderStatus, limit int) ([]*core.Order, error) {
	if limit < 1 {
		return nil, nil
	}
	return s.list(ctx,
		`SELECT `+orderColumns+` FROM stock_order WHERE status = ? ORDER BY created_at, order_id LIMIT ?`,
		string(status), limit)
}

// ListStalePending returns PENDING orders not touched since olderThan. Used
// by the close housekeeping to recover lost bus messages.
func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time) ([]*core.Order, error) {
	return s.list(ctx,
		`SELECT `+orderColumns+` FROM stock_order WHERE status = ? AND updated_at < ? ORDER BY created_at, order_id`,
		string(core.StatusPending), olderThan)
}

// Transition moves an order from one status to another. Returns Conflict
// when the order is no longer in the expected status.
func (s *Store) Transition(ctx context.Context, orderID string, from, to core.OrderStatus) error {
	return s.transitionOn(ctx, s.db, orderID, from, to)
}

// TransitionTx is Transition inside the caller's transaction.
func (s *Store) TransitionTx(ctx context.Context, tx *sql.Tx, orderID string, from, to core.OrderStatus) error {
	return s.transitionOn(ctx, tx, orderID, from, to)
}

func (s *Store) transitionOn(ctx context.Context, ex execer, orderID string, from, to core.OrderStatus) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE stock_order SET status = ?, updated_at = ? WHERE order_id = ? AND status = ?`,
		string(to), s.clock.Now(), orderID, string(from))
	return s.checkTransition(ctx, res, err, orderID, from, to)
}

// TransitionWithPrice transitions and re-anchors the limit price in the same
// statement, for the reservation opener.
func (s *Store) TransitionWithPrice(ctx context.Context, orderID string, from, to core.OrderStatus, price int64) error {
	return s.transitionWithPriceOn(ctx, s.db, orderID, from, to, price)
}

// TransitionWithPriceTx is TransitionWithPrice inside the caller's
// transaction.
func (s *Store) TransitionWithPriceTx(ctx context.Context, tx *sql.Tx, orderID string, from, to core.OrderStatus, price int64) error {
	return s.transitionWithPriceOn(ctx, tx, orderID, from, to, price)
}

func (s *Store) transitionWithPriceOn(ctx context.Context, ex execer, orderID string, from, to core.OrderStatus, price int64) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE stock_order SET status = ?, price = ?, updated_at = ? WHERE order_id = ? AND status = ?`,
		string(to), price, s.clock.Now(), orderID, string(from))
	return s.checkTransition(ctx, res, err, orderID, from, to)
}

// SetRetryCount records the attempt counter on the order row so reads can
// report it without consulting the retry store.
func (s *Store) SetRetryCount(ctx context.Context, orderID string, count int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stock_order SET retry_count = ?, updated_at = ? WHERE order_id = ?`,
		count, s.clock.Now(), orderID)
	if err != nil {
		return fmt.Errorf("failed to set retry count for %s: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// OpenSellQuantity sums the quantity of PENDING and RESERVED sell orders on
// a ticker, the amount already spoken for from the holding.
func (s *Store) OpenSellQuantity(ctx context.Context, accountID, ticker string) (int64, error) {
	return s.openSellQuantityOn(ctx, s.db, accountID, ticker)
}

// OpenSellQuantityTx is OpenSellQuantity inside the caller's transaction.
func (s *Store) OpenSellQuantityTx(ctx context.Context, tx *sql.Tx, accountID, ticker string) (int64, error) {
	return s.openSellQuantityOn(ctx, tx, accountID, ticker)
}

func (s *Store) openSellQuantityOn(ctx context.Context, ex execer, accountID, ticker string) (int64, error) {
	var qty sql.NullInt64
	err := ex.QueryRowContext(ctx,
		`SELECT SUM(quantity) FROM stock_order
		 WHERE account_id = ? AND ticker = ? AND side = ? AND status IN (?, ?)`,
		accountID, ticker, string(core.SideSell),
		string(core.StatusPending), string(core.StatusReserved)).Scan(&qty)
	if err != nil {
		return 0, fmt.Errorf("failed to sum open sells for %s/%s: %w", accountID, ticker, err)
	}
	return qty.Int64, nil
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, err error, orderID string, from, to core.OrderStatus) error {
	if err != nil {
		return fmt.Errorf("failed to transition order %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition of order %s: %w", orderID, err)
	}
	if n == 0 {
		s.logger.Warn("Order transition lost the race",
			"order_id", orderID, "from", string(from), "to", string(to))
		return apperrors.ErrConflict
	}
	s.logger.Debug("Order transitioned", "order_id", orderID, "from", string(from), "to", string(to))
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o := &core.Order{}
		var side, status string
		if err := rows.Scan(&o.OrderID, &side, &o.AccountID, &o.UserID, &o.Ticker,
			&o.Price, &o.Quantity, &status, &o.RetryCount, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = core.OrderSide(side)
		o.Status = core.OrderStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row *sql.Row) (*core.Order, error) {
	o := &core.Order{}
	var side, status string
	if err := row.Scan(&o.OrderID, &side, &o.AccountID, &o.UserID, &o.Ticker,
		&o.Price, &o.Quantity, &status, &o.RetryCount, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = core.OrderSide(side)
	o.Status = core.OrderStatus(status)
	return o, nil
}
