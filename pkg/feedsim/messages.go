// Package feedsim is a simulated quote feed for development and end-to-end
// runs: an approval endpoint plus a WebSocket stream that emits randomized
// trade and order-book events for subscribed tickers.
package feedsim

// Message is one WebSocket frame sent to a subscriber.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Frame types emitted by the simulator.
const (
	TypeTrade      = "trade"
	TypeBook       = "book"
	TypeSubscribed = "subscribed"
)

// NewTradeMessage wraps a trade payload.
func NewTradeMessage(data interface{}) Message {
	return Message{Type: TypeTrade, Data: data}
}

// NewBookMessage wraps an order-book payload.
func NewBookMessage(data interface{}) Message {
	return Message{Type: TypeBook, Data: data}
}
