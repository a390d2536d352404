// Package feed connects to the realtime quote feed and writes incoming
// trade and order-book events into the price cache.
package feed

import "encoding/json"

// Event types carried in the stream envelope.
const (
	EventTrade      = "trade"
	EventBook       = "book"
	EventSubscribed = "subscribed"
	EventPong       = "pong"
)

// Envelope frames every message on the feed socket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest asks the feed to start streaming one ticker.
type SubscribeRequest struct {
	Type        string `json:"type"`
	ApprovalKey string `json:"approval_key"`
	Ticker      string `json:"ticker"`
}

// ApprovalRequest is the handshake body sent to /approval.
type ApprovalRequest struct {
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret,omitempty"`
}

// ApprovalResponse carries the key required to open the stream.
type ApprovalResponse struct {
	ApprovalKey string `json:"approval_key"`
}
