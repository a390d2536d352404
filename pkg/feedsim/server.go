package feedsim

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	feedsimActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedsim_active_connections",
		Help: "Current number of active feed stream connections",
	}, []string{"endpoint"})

	feedsimRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsim_rejected_total",
		Help: "Total number of rejected feed stream connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(feedsimActiveConnections)
	prometheus.MustRegister(feedsimRejectedTotal)
}

// approvalRequest is the handshake body received on /approval.
type approvalRequest struct {
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret,omitempty"`
}

// approvalResponse carries the key a client needs to open the stream.
type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// subscribeFrame is the per-ticker request read off the stream socket.
type subscribeFrame struct {
	Type        string `json:"type"`
	ApprovalKey string `json:"approval_key"`
	Ticker      string `json:"ticker"`
}

// Server serves the simulated feed: POST /approval issues a stream key and
// /ws streams events for the tickers each connection subscribes to.
type Server struct {
	hub            *Hub
	srv            *http.Server
	logger         Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	mu             sync.Mutex

	maxConnections int
	connSemaphore  chan struct{}

	rateLimitEnabled bool
	ipLimiters       sync.Map // map[string]*rate.Limiter
	rateLimit        rate.Limit
	rateBurst        int

	production bool

	keyMu        sync.Mutex
	approvalKeys map[string]time.Time
}

// NewServer creates a feed server around the hub.
func NewServer(hub *Hub, logger Logger, allowedOrigins []string) *Server {
	s := &Server{
		hub:              hub,
		logger:           logger,
		allowedOrigins:   allowedOrigins,
		maxConnections:   1000,
		connSemaphore:    make(chan struct{}, 1000),
		rateLimitEnabled: true,
		rateLimit:        10.0,
		rateBurst:        20,
		approvalKeys:     make(map[string]time.Time),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// checkOrigin validates browser origins against the whitelist. Requests with
// no Origin header come from native clients and are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Rejected stream connection with invalid Origin",
				"origin", origin, "error", err)
		}
		feedsimRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			if s.production {
				feedsimRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	if s.logger != nil {
		s.logger.Warn("Rejected stream connection from unauthorized origin",
			"origin", origin, "remote_addr", r.RemoteAddr)
	}
	feedsimRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("Starting feed simulator", "addr", addr)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Handler returns the route mux. Exposed so tests can mount it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/approval", s.handleApproval)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	if s.logger != nil {
		s.logger.Info("Stopping feed simulator")
	}
	return s.srv.Shutdown(ctx)
}

// handleApproval issues a random stream key for a non-empty app key.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppKey == "" {
		feedsimRejectedTotal.WithLabelValues("bad_app_key").Inc()
		http.Error(w, "missing app key", http.StatusForbidden)
		return
	}

	key := uuid.NewString()
	s.keyMu.Lock()
	s.approvalKeys[key] = time.Now()
	s.keyMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(approvalResponse{ApprovalKey: key})
}

func (s *Server) validApprovalKey(key string) bool {
	if key == "" {
		return false
	}
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	_, ok := s.approvalKeys[key]
	return ok
}

// handleWebSocket upgrades the stream socket after the rate, connection and
// approval-key checks pass.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.rateLimitEnabled {
		ip := s.getRemoteIP(r)
		if !s.getIPLimiter(ip).Allow() {
			if s.logger != nil {
				s.logger.Warn("IP rate limit exceeded", "ip", ip)
			}
			feedsimRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		feedsimActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			feedsimActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		if s.logger != nil {
			s.logger.Warn("Max connections reached")
		}
		feedsimRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	if !s.validApprovalKey(r.URL.Query().Get("approval_key")) {
		feedsimRejectedTotal.WithLabelValues("invalid_key").Inc()
		http.Error(w, "invalid approval key", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Stream upgrade failed", "error", err)
		}
		return
	}

	subID := uuid.NewString()
	sub := NewSubscriber(subID)
	s.hub.Register(sub)

	if s.logger != nil {
		s.logger.Info("Stream client connected", "subscriber_id", subID, "remote_addr", r.RemoteAddr)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, sub)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, sub)
	}()
	wg.Wait()

	s.hub.Unregister(sub)
	conn.Close()

	if s.logger != nil {
		s.logger.Info("Stream client disconnected", "subscriber_id", subID)
	}
}

// writePump drains the subscriber queue onto the socket with ping keepalive.
func (s *Server) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.SendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				if s.logger != nil {
					s.logger.Warn("Stream write error", "subscriber_id", sub.id, "error", err)
				}
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes subscribe requests off the socket and acks each one.
func (s *Server) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		s.hub.Unregister(sub)
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if s.logger != nil {
					s.logger.Warn("Stream read error", "subscriber_id", sub.id, "error", err)
				}
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var frame subscribeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			if s.logger != nil {
				s.logger.Warn("Dropping malformed stream request", "subscriber_id", sub.id, "error", err)
			}
			continue
		}
		if frame.Type != "subscribe" || frame.Ticker == "" {
			continue
		}

		sub.Subscribe(frame.Ticker)
		sub.Send(Message{Type: TypeSubscribed, Data: map[string]string{"ticker": frame.Ticker}})
		if s.logger != nil {
			s.logger.Info("Ticker subscription added", "subscriber_id", sub.id, "ticker", frame.Ticker)
		}
	}
}

// handleHealth reports subscriber and ticker counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"subscribers": s.hub.SubscriberCount(),
		"tickers":     len(s.hub.ActiveTickers()),
		"time":        time.Now().Unix(),
	})
}

// SetProduction toggles production mode, which rejects wildcard origins.
func (s *Server) SetProduction(prod bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.production = prod
}

// SetMaxConnections updates the concurrent connection cap.
func (s *Server) SetMaxConnections(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConnections = max
	s.connSemaphore = make(chan struct{}, max)
}

// SetRateLimit updates the per-IP connection rate limit.
func (s *Server) SetRateLimit(limit float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rate.Limit(limit)
	s.rateBurst = burst
	s.ipLimiters = sync.Map{}
}

func (s *Server) getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return actual.(*rate.Limiter)
}
