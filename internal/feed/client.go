package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"stock_trader/internal/config"
	"stock_trader/internal/core"
	apphttp "stock_trader/pkg/http"
	"stock_trader/pkg/telemetry"
	"stock_trader/pkg/websocket"
)

// Client is the feed consumer: it performs the approval handshake, keeps a
// reconnecting WebSocket to the feed and writes events into the price cache.
// Subscriptions are paced by a rate limiter so a refresh burst cannot flood
// the feed.
type Client struct {
	cfg     config.FeedConfig
	http    *apphttp.Client
	cache   core.IPriceCache
	orders  core.IOrderStore
	clock   core.IClock
	logger  core.ILogger
	limiter *rate.Limiter

	mu          sync.Mutex
	ws          *websocket.Client
	approvalKey string
	subscribed  map[string]struct{}
}

// NewClient builds a feed client. orders may be nil; it is only used to
// widen the subscription set to tickers with open orders.
func NewClient(
	cfg config.FeedConfig,
	httpClient *apphttp.Client,
	cache core.IPriceCache,
	orders core.IOrderStore,
	clock core.IClock,
	logger core.ILogger,
) *Client {
	interval := time.Duration(cfg.RefreshIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Client{
		cfg:        cfg,
		http:       httpClient,
		cache:      cache,
		orders:     orders,
		clock:      clock,
		logger:     logger.WithField("component", "feed_client"),
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		subscribed: make(map[string]struct{}),
	}
}

// Start obtains the approval key and opens the stream. The socket reconnects
// on its own; subscriptions are re-issued after every reconnect.
func (c *Client) Start(ctx context.Context) error {
	key, err := c.approve(ctx)
	if err != nil {
		return fmt.Errorf("feed approval failed: %w", err)
	}

	c.mu.Lock()
	c.approvalKey = key
	wsURL, err := c.streamURL(key)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	ws := websocket.NewClient(wsURL, c.handleMessage, c.logger)
	ws.SetOnConnected(c.onConnected)
	c.ws = ws
	c.mu.Unlock()

	ws.Start()
	c.logger.Info("Feed client started", "tickers", len(c.cfg.Tickers))
	return nil
}

// Stop closes the stream.
func (c *Client) Stop() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Stop()
	}
	telemetry.GetGlobalMetrics().SetFeedConnected("quote_feed", false)
}

// Connected reports whether the stream is up. Used as a health check.
func (c *Client) Connected() bool {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	return ws != nil && ws.Connected()
}

// Subscribe issues one paced subscription per ticker.
func (c *Client) Subscribe(ctx context.Context, tickers ...string) error {
	c.mu.Lock()
	ws := c.ws
	key := c.approvalKey
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("feed stream not started")
	}

	for _, ticker := range tickers {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req := SubscribeRequest{Type: "subscribe", ApprovalKey: key, Ticker: ticker}
		if err := ws.Send(req); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", ticker, err)
		}
		c.mu.Lock()
		c.subscribed[ticker] = struct{}{}
		c.mu.Unlock()
		c.logger.Debug("Subscribed to ticker", "ticker", ticker)
	}
	return nil
}

// RefreshSubscriptions re-issues subscriptions for the configured tickers
// plus every ticker with an open order. Run pre-open by the scheduler.
func (c *Client) RefreshSubscriptions(ctx context.Context) error {
	want := make(map[string]struct{}, len(c.cfg.Tickers))
	for _, t := range c.cfg.Tickers {
		want[t] = struct{}{}
	}
	for _, status := range []core.OrderStatus{core.StatusPending, core.StatusReserved} {
		if c.orders == nil {
			break
		}
		open, err := c.orders.ListByStatus(ctx, status)
		if err != nil {
			c.logger.Warn("Failed to list open orders for subscription refresh",
				"status", string(status), "error", err)
			continue
		}
		for _, o := range open {
			want[o.Ticker] = struct{}{}
		}
	}

	tickers := make([]string, 0, len(want))
	for t := range want {
		tickers = append(tickers, t)
	}
	c.logger.Info("Refreshing feed subscriptions", "count", len(tickers))
	return c.Subscribe(ctx, tickers...)
}

func (c *Client) approve(ctx context.Context) (string, error) {
	var resp ApprovalResponse
	req := ApprovalRequest{
		AppKey:    c.cfg.AppKey.Reveal(),
		AppSecret: c.cfg.AppSecret.Reveal(),
	}
	if err := c.http.PostJSON(ctx, "/approval", req, &resp); err != nil {
		return "", err
	}
	if resp.ApprovalKey == "" {
		return "", fmt.Errorf("feed returned an empty approval key")
	}
	return resp.ApprovalKey, nil
}

func (c *Client) streamURL(key string) (string, error) {
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return "", fmt.Errorf("invalid feed ws url: %w", err)
	}
	q := u.Query()
	q.Set("approval_key", key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// onConnected re-subscribes after every (re)connect; the feed keeps no
// subscription state across sockets.
func (c *Client) onConnected() {
	telemetry.GetGlobalMetrics().SetFeedConnected("quote_feed", true)

	c.mu.Lock()
	tickers := make([]string, 0, len(c.subscribed)+len(c.cfg.Tickers))
	seen := make(map[string]struct{})
	for t := range c.subscribed {
		tickers = append(tickers, t)
		seen[t] = struct{}{}
	}
	for _, t := range c.cfg.Tickers {
		if _, ok := seen[t]; !ok {
			tickers = append(tickers, t)
		}
	}
	c.mu.Unlock()

	if err := c.Subscribe(context.Background(), tickers...); err != nil {
		c.logger.Warn("Failed to restore subscriptions after connect", "error", err)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("Dropping malformed feed message", "error", err)
		return
	}
	ctx := context.Background()

	switch env.Type {
	case EventTrade:
		var snap core.PriceSnapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			c.logger.Warn("Dropping malformed trade event", "error", err)
			return
		}
		if snap.Ticker == "" {
			return
		}
		if snap.ReceivedAt.IsZero() {
			snap.ReceivedAt = c.clock.Now()
		}
		if err := c.cache.PutPrice(ctx, &snap); err != nil {
			c.logger.Warn("Failed to cache trade event", "ticker", snap.Ticker, "error", err)
			return
		}
		c.observeEvent(ctx, EventTrade)

	case EventBook:
		var snap core.OrderBookSnapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			c.logger.Warn("Dropping malformed book event", "error", err)
			return
		}
		if snap.Ticker == "" {
			return
		}
		if snap.ReceivedAt.IsZero() {
			snap.ReceivedAt = c.clock.Now()
		}
		if err := c.cache.PutBook(ctx, &snap); err != nil {
			c.logger.Warn("Failed to cache book event", "ticker", snap.Ticker, "error", err)
			return
		}
		c.observeEvent(ctx, EventBook)

	case EventSubscribed, EventPong:
		// control frames, nothing to store

	default:
		c.logger.Debug("Ignoring unknown feed event", "type", env.Type)
	}
}

func (c *Client) observeEvent(ctx context.Context, eventType string) {
	if counter := telemetry.GetGlobalMetrics().FeedEventsTotal; counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
	}
}
