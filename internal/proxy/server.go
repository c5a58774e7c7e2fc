package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Defaults applied to zero Config fields.
const (
	DefaultUpstreamHost          = "localhost"
	DefaultMaxBodySize           = 50 << 20
	DefaultMaxHTMLSize           = 32 << 20
	DefaultUpstreamTimeout       = 120 * time.Second
	DefaultWebSocketCloseTimeout = 2 * time.Second
	DefaultWebSocketWriteTimeout = 10 * time.Second
)

// Config holds configuration for the preview proxy.
type Config struct {
	// UpstreamHost is the host every target port is dialed on.
	UpstreamHost          string
	MaxBodySize           int64
	MaxHTMLSize           int64
	UpstreamTimeout       time.Duration
	WebSocketCloseTimeout time.Duration
	// WebSocketWriteTimeout bounds each relayed data frame write.
	WebSocketWriteTimeout time.Duration
	// Policy overrides DefaultHeaderPolicy when its sets are non-nil.
	Policy HeaderPolicy
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.UpstreamHost == "" {
		c.UpstreamHost = DefaultUpstreamHost
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.MaxHTMLSize <= 0 {
		c.MaxHTMLSize = DefaultMaxHTMLSize
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.WebSocketCloseTimeout <= 0 {
		c.WebSocketCloseTimeout = DefaultWebSocketCloseTimeout
	}
	if c.WebSocketWriteTimeout <= 0 {
		c.WebSocketWriteTimeout = DefaultWebSocketWriteTimeout
	}
	if c.Policy.SkipRequest == nil {
		c.Policy.SkipRequest = DefaultHeaderPolicy.SkipRequest
	}
	if c.Policy.StripResponse == nil {
		c.Policy.StripResponse = DefaultHeaderPolicy.StripResponse
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the preview proxy: the relay page plus the dev server reverse
// proxy. It is an http.Handler and does not own a listener.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	http    *HTTPForwarder
	ws      *WebSocketForwarder
	tunnels *tunnelSet
	mux     *http.ServeMux

	draining    atomic.Bool
	drainOnce   sync.Once
	requestSeq  atomic.Int64
	tunnelSeq   atomic.Int64
	rejectedSeq atomic.Int64
	startTime   time.Time
}

// NewServer creates a preview proxy.
func NewServer(cfg Config) *Server {
	cfg.applyDefaults()
	logger := cfg.Logger.With("component", "preview-proxy")

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		tunnels:   newTunnelSet(),
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}
	s.http = newHTTPForwarder(cfg, logger)
	s.ws = newWebSocketForwarder(cfg, logger, s.tunnels)

	s.mux.HandleFunc(RelayPath, s.handleRelay)
	s.mux.HandleFunc(DevServerPrefix, s.handleDevServer)
	s.mux.HandleFunc(DevServerPrefix+"/", s.handleDevServer)
	return s
}

// Handler returns the proxy's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s
}

// ServeHTTP routes a request to the relay page or the dev server proxy.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		s.rejectedSeq.Add(1)
		writeError(w, newError(KindShutdownInProgress, "proxy is shutting down", ErrShuttingDown))
		return
	}
	s.mux.ServeHTTP(w, r)
}

// handleDevServer serves /dev-server-entry and everything below it.
func (s *Server) handleDevServer(w http.ResponseWriter, r *http.Request) {
	target, err := ParseTarget(r, s.cfg.UpstreamHost)
	if err != nil {
		s.logger.Debug("rejecting dev server request", "path", r.URL.Path, "error", err)
		writeError(w, badRequest(err))
		return
	}

	id := uuid.NewString()
	if websocket.IsWebSocketUpgrade(r) {
		s.tunnelSeq.Add(1)
		s.ws.Serve(w, r, target, id)
		return
	}
	s.requestSeq.Add(1)
	s.http.Forward(w, r, target, id)
}

// BeginDrain makes every new request fail with 503 and refuses new tunnels.
// Requests already being forwarded continue.
func (s *Server) BeginDrain() {
	s.drainOnce.Do(func() {
		s.draining.Store(true)
		s.logger.Info("preview proxy draining", "tunnels", s.tunnels.count())
	})
}

// Draining reports whether BeginDrain has been called.
func (s *Server) Draining() bool {
	return s.draining.Load()
}

// Drain waits for live tunnels to close until ctx is done, then force-closes
// the remainder and returns ctx's error.
func (s *Server) Drain(ctx context.Context) error {
	s.BeginDrain()
	err := s.tunnels.drain(ctx)
	if err != nil {
		s.logger.Warn("force-closed websocket tunnels after drain deadline", "error", err)
	}
	return err
}

// Stats returns proxy statistics.
func (s *Server) Stats() Stats {
	return Stats{
		Uptime:           time.Since(s.startTime),
		TotalRequests:    s.requestSeq.Load(),
		TotalTunnels:     s.tunnelSeq.Load(),
		ActiveTunnels:    s.tunnels.count(),
		RejectedRequests: s.rejectedSeq.Load(),
		Draining:         s.draining.Load(),
	}
}

// Stats holds proxy statistics.
type Stats struct {
	Uptime           time.Duration `json:"uptime"`
	TotalRequests    int64         `json:"total_requests"`
	TotalTunnels     int64         `json:"total_tunnels"`
	ActiveTunnels    int           `json:"active_tunnels"`
	RejectedRequests int64         `json:"rejected_requests"` // Refused while draining
	Draining         bool          `json:"draining"`
}
