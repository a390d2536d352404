// Package core defines the shared types and interfaces for the trading system
package core

import (
	"context"
	"database/sql"
	"time"
)

// IClock abstracts time reads so tests can inject a fake clock.
type IClock interface {
	Now() time.Time
}

// ICalendar decides market-hours questions.
type ICalendar interface {
	IsOpenAt(t time.Time) bool
	NextOpen(t time.Time) time.Time
}

// IPriceCache is the realtime price store written by the feed and read by
// the oracle. A miss returns (nil, nil) / (0, false, nil); misses are normal.
type IPriceCache interface {
	PutPrice(ctx context.Context, snap *PriceSnapshot) error
	GetPrice(ctx context.Context, ticker string) (*PriceSnapshot, error)
	PutBook(ctx context.Context, snap *OrderBookSnapshot) error
	GetBook(ctx context.Context, ticker string) (*OrderBookSnapshot, error)
	PutClose(ctx context.Context, ticker string, price int64) error
	PutCloses(ctx context.Context, closes map[string]int64) error
	GetClose(ctx context.Context, ticker string) (int64, bool, error)
	ListActiveTickers(ctx context.Context) ([]string, error)
}

// IPriceOracle resolves the price to use for admission and execution.
type IPriceOracle interface {
	CurrentPrice(ctx context.Context, ticker string) (int64, error)
	Resolve(ctx context.Context, ticker string) (Quote, error)
}

// ILedger owns cash balances, holdings and the account history. Every
// mutation is one atomic transaction that also appends the history row.
// RunTx opens a transaction on the shared database; the Tx variants join it
// so a cash movement can commit together with an order-store write.
type ILedger interface {
	CreateAccount(ctx context.Context, userID string) (*Account, error)
	AccountByUser(ctx context.Context, userID string) (*Account, error)
	Account(ctx context.Context, accountID string) (*Account, error)
	Suspend(ctx context.Context, accountID string) error
	Balance(ctx context.Context, accountID string) (int64, error)
	CanReserve(ctx context.Context, accountID string, amount int64) (bool, error)
	ReserveCash(ctx context.Context, accountID string, amount int64, orderID string) error
	ReleaseCash(ctx context.Context, accountID string, amount int64, orderID string) error
	CreditCash(ctx context.Context, accountID string, amount int64, orderID string) error
	AdjustReserve(ctx context.Context, accountID string, amount int64, orderID string) error
	ApplyBuyFill(ctx context.Context, accountID, ticker string, qty, price int64) error
	ApplySellFill(ctx context.Context, accountID, ticker string, qty int64) error
	Holding(ctx context.Context, accountID, ticker string) (*Holding, error)
	Holdings(ctx context.Context, accountID string) ([]*Holding, error)
	History(ctx context.Context, accountID string, limit int) ([]*AccountHistory, error)

	RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	ReserveCashTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64, orderID string) error
	ReleaseCashTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64, orderID string) error
	AdjustReserveTx(ctx context.Context, tx *sql.Tx, accountID string, delta int64, orderID string) error
	HoldingTx(ctx context.Context, tx *sql.Tx, accountID, ticker string) (*Holding, error)
}

// IOrderStore persists orders. Transition applies an optimistic guard: the
// update succeeds only when the current status equals the expected one. The
// Tx variants join a transaction opened by the ledger on the same database.
type IOrderStore interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	ListByAccount(ctx context.Context, accountID string) ([]*Order, error)
	ListByAccountStatus(ctx context.Context, accountID string, status OrderStatus) ([]*Order, error)
	ListByStatus(ctx context.Context, status OrderStatus) ([]*Order, error)
	ListByStatusLimit(ctx context.Context, status OrderStatus, limit int) ([]*Order, error)
	ListStalePending(ctx context.Context, olderThan time.Time) ([]*Order, error)
	Transition(ctx context.Context, orderID string, from, to OrderStatus) error
	TransitionWithPrice(ctx context.Context, orderID string, from, to OrderStatus, price int64) error
	SetRetryCount(ctx context.Context, orderID string, count int) error
	OpenSellQuantity(ctx context.Context, accountID, ticker string) (int64, error)

	InsertTx(ctx context.Context, tx *sql.Tx, o *Order) error
	TransitionTx(ctx context.Context, tx *sql.Tx, orderID string, from, to OrderStatus) error
	TransitionWithPriceTx(ctx context.Context, tx *sql.Tx, orderID string, from, to OrderStatus, price int64) error
	OpenSellQuantityTx(ctx context.Context, tx *sql.Tx, accountID, ticker string) (int64, error)
}

// ICatalog is the listed-ticker reference data.
type ICatalog interface {
	Get(ctx context.Context, ticker string) (*Stock, error)
	List(ctx context.Context) ([]*Stock, error)
	Seed(ctx context.Context, stocks []Stock) error
}

// IPublisher is the producer side of the execution bus.
type IPublisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// IRetryStore persists per-order retry counters and eligibility instants.
type IRetryStore interface {
	Save(ctx context.Context, orderID string, retryCount int, nextEligibleAt time.Time) error
	Get(ctx context.Context, orderID string) (retryCount int, nextEligibleAt time.Time, ok bool, err error)
	Delete(ctx context.Context, orderID string) error
	ListOrderIDs(ctx context.Context) ([]string, error)
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
