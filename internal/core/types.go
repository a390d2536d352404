package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide distinguishes the two order variants.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusReserved  OrderStatus = "RESERVED"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusFailed    OrderStatus = "FAILED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCancelled
}

// AccountStatus is the account lifecycle state.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountInactive  AccountStatus = "INACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// StockStatus marks catalog entries as tradeable or not.
type StockStatus string

const (
	StockListed   StockStatus = "LISTED"
	StockDelisted StockStatus = "DELISTED"
)

// TransactionType classifies account history rows.
type TransactionType string

const (
	TxBuyStock      TransactionType = "BUY_STOCK"
	TxSellStock     TransactionType = "SELL_STOCK"
	TxBuyProduct    TransactionType = "BUY_PRODUCT"
	TxRefund        TransactionType = "REFUND"
	TxReserveAdjust TransactionType = "RESERVE_ADJUST"
)

// Account holds a user's cash. All amounts are integer minor units.
type Account struct {
	AccountID           string
	UserID              string
	Status              AccountStatus
	CashBalance         int64
	WithdrawableBalance int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AccountHistory is one append-only ledger row. BalanceAfter is always
// BalanceBefore + Amount.
type AccountHistory struct {
	HistoryID     int64
	AccountID     string
	Type          TransactionType
	OrderID       string
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	At            time.Time
}

// Holding is a position in one ticker. Rows exist only while Quantity > 0.
type Holding struct {
	AccountID string
	Ticker    string
	Quantity  int64
	AvgCost   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stock is catalog reference data.
type Stock struct {
	Ticker string
	Name   string
	Sector string
	Status StockStatus
}

// Order is a buy or sell order. Price is the limit in minor units.
type Order struct {
	OrderID    string
	Side       OrderSide
	AccountID  string
	UserID     string
	Ticker     string
	Price      int64
	Quantity   int64
	Status     OrderStatus
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Amount is the total cash value of the order.
func (o *Order) Amount() int64 {
	return o.Price * o.Quantity
}

// PriceSnapshot is the last trade for a ticker as delivered by the feed.
type PriceSnapshot struct {
	Ticker       string          `json:"ticker"`
	LastPrice    int64           `json:"last_price"`
	ChangeSign   int             `json:"change_sign"` // vendor convention: 1 limit-up .. 5 limit-down
	ChangeAmount int64           `json:"change_amount"`
	ChangeRate   decimal.Decimal `json:"change_rate"`
	Volume       int64           `json:"volume"`
	TradeTime    string          `json:"trade_time"` // HHMMSS as sent by the feed
	ReceivedAt   time.Time       `json:"received_at"`
}

// OrderBookSnapshot is a ten-deep book for a ticker.
type OrderBookSnapshot struct {
	Ticker     string    `json:"ticker"`
	AskPrices  []int64   `json:"ask_prices"`
	AskSizes   []int64   `json:"ask_sizes"`
	BidPrices  []int64   `json:"bid_prices"`
	BidSizes   []int64   `json:"bid_sizes"`
	ReceivedAt time.Time `json:"received_at"`
}

// BestAsk returns the lowest ask, or 0 when the book side is empty.
func (b *OrderBookSnapshot) BestAsk() int64 {
	if len(b.AskPrices) == 0 {
		return 0
	}
	return b.AskPrices[0]
}

// BestBid returns the highest bid, or 0 when the book side is empty.
func (b *OrderBookSnapshot) BestBid() int64 {
	if len(b.BidPrices) == 0 {
		return 0
	}
	return b.BidPrices[0]
}

// Spread returns BestAsk − BestBid, or 0 when either side is empty.
func (b *OrderBookSnapshot) Spread() int64 {
	ask, bid := b.BestAsk(), b.BestBid()
	if ask == 0 || bid == 0 {
		return 0
	}
	return ask - bid
}

// BidRatio returns bid volume / (bid volume + ask volume) across all levels.
// Zero when the book is empty.
func (b *OrderBookSnapshot) BidRatio() decimal.Decimal {
	var bidVol, askVol int64
	for _, v := range b.BidSizes {
		bidVol += v
	}
	for _, v := range b.AskSizes {
		askVol += v
	}
	total := bidVol + askVol
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(bidVol).Div(decimal.NewFromInt(total))
}

// Message is one execution-bus delivery unit. NotBefore of zero means
// deliverable immediately.
type Message struct {
	OrderID    string    `json:"order_id"`
	Side       OrderSide `json:"side"`
	RetryCount int       `json:"retry_count"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	NotBefore  time.Time `json:"not_before,omitempty"`
}

// PriceSource names where the oracle resolved a price from.
type PriceSource string

const (
	SourceLive    PriceSource = "live"
	SourceClose   PriceSource = "close"
	SourceStale   PriceSource = "stale"
	SourceDefault PriceSource = "default"
)

// Quote is an oracle resolution with its provenance.
type Quote struct {
	Ticker     string
	Price      int64
	Source     PriceSource
	MarketOpen bool
}

// RetryStatus reports the retry progress of one order.
type RetryStatus struct {
	OrderID        string
	RetryCount     int
	MaxRetryCount  int
	NextEligibleAt time.Time
	MaxReached     bool
}

// MarketStatus is a point-in-time calendar snapshot.
type MarketStatus struct {
	IsOpen   bool
	Now      time.Time
	NextOpen time.Time
}
