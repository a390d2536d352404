package feedsim

import (
	"context"
	"sync"
)

// Subscriber is one WebSocket consumer and the set of tickers it asked for.
type Subscriber struct {
	id      string
	send    chan Message
	mu      sync.Mutex
	closed  bool
	tickers map[string]struct{}
}

// NewSubscriber creates a subscriber with a buffered outbound queue.
func NewSubscriber(id string) *Subscriber {
	return &Subscriber{
		id:      id,
		send:    make(chan Message, 256),
		tickers: make(map[string]struct{}),
	}
}

// Send queues a message without blocking. Returns false when the subscriber
// is closed or its queue is full.
func (s *Subscriber) Send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.send <- msg:
		return true
	default:
		// queue full, subscriber is slow
		return false
	}
}

// SendChan exposes the outbound queue to the write pump.
func (s *Subscriber) SendChan() <-chan Message {
	return s.send
}

// Subscribe adds a ticker to the subscriber's set.
func (s *Subscriber) Subscribe(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[ticker] = struct{}{}
}

// Subscribed reports whether the subscriber asked for a ticker.
func (s *Subscriber) Subscribed(ticker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tickers[ticker]
	return ok
}

// Tickers returns the subscriber's current ticker set.
func (s *Subscriber) Tickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tickers))
	for t := range s.tickers {
		out = append(out, t)
	}
	return out
}

// Close shuts the outbound queue. Safe to call twice.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

type tickerMessage struct {
	ticker string
	msg    Message
}

// Hub routes published ticker events to the subscribers that asked for them.
type Hub struct {
	subscribers map[*Subscriber]bool

	publish    chan tickerMessage
	register   chan *Subscriber
	unregister chan *Subscriber

	mu     sync.RWMutex
	logger Logger
}

// Logger is the minimal logging surface the hub and server need.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// NewHub creates an empty hub. logger may be nil.
func NewHub(logger Logger) *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		publish:     make(chan tickerMessage, 256),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		logger:      logger,
	}
}

// Run drives the hub until the context is cancelled, then closes every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.subscribers {
				sub.Close()
				delete(h.subscribers, sub)
			}
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = true
			total := len(h.subscribers)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("Subscriber registered", "subscriber_id", sub.id, "total", total)
			}

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				sub.Close()
			}
			total := len(h.subscribers)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("Subscriber unregistered", "subscriber_id", sub.id, "total", total)
			}

		case tm := <-h.publish:
			h.mu.RLock()
			targets := make([]*Subscriber, 0, len(h.subscribers))
			for sub := range h.subscribers {
				if sub.Subscribed(tm.ticker) {
					targets = append(targets, sub)
				}
			}
			h.mu.RUnlock()

			// Deliver outside the lock; drop slow subscribers.
			for _, sub := range targets {
				if !sub.Send(tm.msg) {
					select {
					case h.unregister <- sub:
					default:
					}
				}
			}
		}
	}
}

// Register adds a subscriber to the hub.
func (h *Hub) Register(sub *Subscriber) {
	h.register <- sub
}

// Unregister removes a subscriber from the hub.
func (h *Hub) Unregister(sub *Subscriber) {
	h.unregister <- sub
}

// Publish queues an event for every subscriber of the ticker. Non-blocking;
// drops the event when the hub is saturated.
func (h *Hub) Publish(ticker string, msg Message) {
	select {
	case h.publish <- tickerMessage{ticker: ticker, msg: msg}:
	default:
		if h.logger != nil {
			h.logger.Warn("Publish queue full, dropping event", "ticker", ticker, "type", msg.Type)
		}
	}
}

// ActiveTickers returns the union of every subscriber's ticker set.
func (h *Hub) ActiveTickers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	for sub := range h.subscribers {
		for _, t := range sub.Tickers() {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
