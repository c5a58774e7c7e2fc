package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// CloseBadGateway is sent to the browser when the dev server cannot be
// reached. Registered with IANA as 1014 (Bad Gateway).
const CloseBadGateway = 1014

// maxCloseReason keeps a close payload within the 125 byte control frame limit.
const maxCloseReason = 123

// FrameType is the kind of a WebSocket frame as seen by the tunnel.
type FrameType int

// Frame types forwarded by tunnels.
const (
	FrameText FrameType = iota + 1
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one WebSocket frame. CloseCode and CloseReason are only set for
// close frames.
type Frame struct {
	Type        FrameType
	Data        []byte
	CloseCode   int
	CloseReason string
}

// frameFromMessage converts a gorilla message type into a frame. Unknown
// types report false and are dropped by the caller. Close frames never reach
// it: ReadMessage reports them as a *websocket.CloseError, see closeFrameFor.
func frameFromMessage(messageType int, data []byte) (Frame, bool) {
	switch messageType {
	case websocket.TextMessage:
		return Frame{Type: FrameText, Data: data}, true
	case websocket.BinaryMessage:
		return Frame{Type: FrameBinary, Data: data}, true
	case websocket.PingMessage:
		return Frame{Type: FramePing, Data: data}, true
	case websocket.PongMessage:
		return Frame{Type: FramePong, Data: data}, true
	default:
		return Frame{}, false
	}
}

// closeFrameFor turns the error that ended a read into the close frame to
// pass on to the other side.
func closeFrameFor(err error) Frame {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Frame{Type: FrameClose, CloseCode: ce.Code, CloseReason: ce.Text}
	}
	return Frame{Type: FrameClose, CloseCode: websocket.CloseNormalClosure}
}

// sendableCloseCode reports whether code may appear in a close frame on the wire.
func sendableCloseCode(code int) bool {
	switch {
	case code >= 3000 && code <= 4999:
		return true
	case code < 1000 || code > 1014:
		return false
	}
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, 1004:
		return false
	}
	return true
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	return strings.ToValidUTF8(reason[:maxCloseReason], "")
}

// TunnelState is the lifecycle state of a tunnel.
type TunnelState int32

// Tunnel states, in order.
const (
	StateConnecting TunnelState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s TunnelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// errPumpDone ends a pump; the errgroup uses it to cancel its sibling.
var errPumpDone = errors.New("pump finished")

// Tunnel pairs one browser WebSocket with one dev server WebSocket.
type Tunnel struct {
	ID     string
	Target Target

	mu       sync.Mutex
	client   *websocket.Conn
	upstream *websocket.Conn

	state        atomic.Int32
	closeTimeout time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	shutdown  <-chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newTunnel(id string, target Target, closeTimeout, writeTimeout time.Duration, shutdown <-chan struct{}, logger *slog.Logger) *Tunnel {
	return &Tunnel{
		ID:           id,
		Target:       target,
		closeTimeout: closeTimeout,
		writeTimeout: writeTimeout,
		shutdown:     shutdown,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// State returns the current tunnel state.
func (t *Tunnel) State() TunnelState {
	return TunnelState(t.state.Load())
}

// Done is closed once the tunnel reaches StateClosed.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

func (t *Tunnel) transition(from, to TunnelState) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// run pumps frames until both directions have finished.
func (t *Tunnel) run(ctx context.Context) {
	t.transition(StateConnecting, StateOpen)
	t.logger.Debug("tunnel open", "upstream", t.Target.WebSocketURL())

	t.installControlHandlers(t.client, t.upstream)
	t.installControlHandlers(t.upstream, t.client)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.pump(t.client, t.upstream, "client") })
	g.Go(func() error { return t.pump(t.upstream, t.client, "upstream") })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			if ctx.Err() == nil {
				return nil
			}
		case <-t.shutdown:
		}
		t.closeBoth(websocket.CloseGoingAway, "server shutting down")
		return nil
	})
	g.Wait()

	t.finish()
}

// installControlHandlers forwards ping and pong frames read from src to dst
// and disables the automatic close reply so the peer's reply is relayed
// instead.
func (t *Tunnel) installControlHandlers(src, dst *websocket.Conn) {
	src.SetPingHandler(func(data string) error {
		t.writeFrame(dst, Frame{Type: FramePing, Data: []byte(data)})
		return nil
	})
	src.SetPongHandler(func(data string) error {
		t.writeFrame(dst, Frame{Type: FramePong, Data: []byte(data)})
		return nil
	})
	src.SetCloseHandler(func(code int, text string) error {
		return nil
	})
}

// pump copies messages from src to dst until src stops producing them.
func (t *Tunnel) pump(src, dst *websocket.Conn, from string) error {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			frame := closeFrameFor(err)
			t.logger.Debug("tunnel side closed", "from", from, "code", frame.CloseCode, "error", err)
			t.forwardClose(dst, frame)
			t.beginClosing(dst)
			return errPumpDone
		}

		frame, ok := frameFromMessage(messageType, data)
		if !ok {
			t.logger.Debug("dropping unsupported frame", "from", from, "type", messageType)
			continue
		}
		if err := t.writeFrame(dst, frame); err != nil {
			t.logger.Debug("tunnel write failed", "from", from, "error", err)
			t.forwardClose(src, Frame{Type: FrameClose, CloseCode: websocket.CloseNormalClosure})
			t.beginClosing(dst)
			return errPumpDone
		}
	}
}

// writeFrame writes one frame to conn. Data frames are only written by the
// pump that owns conn as its destination; control frames may be written
// from any goroutine. Unsupported frame types are dropped.
func (t *Tunnel) writeFrame(conn *websocket.Conn, frame Frame) error {
	switch frame.Type {
	case FrameText:
		conn.SetWriteDeadline(t.writeDeadline())
		return conn.WriteMessage(websocket.TextMessage, frame.Data)
	case FrameBinary:
		conn.SetWriteDeadline(t.writeDeadline())
		return conn.WriteMessage(websocket.BinaryMessage, frame.Data)
	case FramePing:
		return conn.WriteControl(websocket.PingMessage, frame.Data, time.Now().Add(t.closeTimeout))
	case FramePong:
		return conn.WriteControl(websocket.PongMessage, frame.Data, time.Now().Add(t.closeTimeout))
	case FrameClose:
		return t.forwardClose(conn, frame)
	default:
		return nil
	}
}

// writeDeadline bounds a data frame write. Once the tunnel is closing the
// peer only gets closeTimeout to keep reading.
func (t *Tunnel) writeDeadline() time.Time {
	if t.State() >= StateClosing {
		return time.Now().Add(min(t.writeTimeout, t.closeTimeout))
	}
	return time.Now().Add(t.writeTimeout)
}

// forwardClose sends frame's close code and reason to conn, falling back to
// a plain normal closure when the original cannot be sent.
func (t *Tunnel) forwardClose(conn *websocket.Conn, frame Frame) error {
	deadline := time.Now().Add(t.closeTimeout)
	code := frame.CloseCode
	reason := truncateReason(frame.CloseReason)
	if !sendableCloseCode(code) {
		code, reason = websocket.CloseNormalClosure, ""
	}

	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err == nil || errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	if code != websocket.CloseNormalClosure || reason != "" {
		err = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		if err == nil || errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
	}
	return err
}

// beginClosing moves the tunnel to Closing and bounds the remaining pump: the
// peer has closeTimeout to answer the close handshake before its read fails.
func (t *Tunnel) beginClosing(pending *websocket.Conn) {
	if t.transition(StateOpen, StateClosing) {
		t.logger.Debug("tunnel closing")
	}
	pending.SetReadDeadline(time.Now().Add(t.closeTimeout))
}

// closeBoth starts an orderly close of both sides, used on shutdown.
func (t *Tunnel) closeBoth(code int, reason string) {
	frame := Frame{Type: FrameClose, CloseCode: code, CloseReason: reason}
	t.forwardClose(t.client, frame)
	t.forwardClose(t.upstream, frame)
	t.beginClosing(t.client)
	t.beginClosing(t.upstream)
}

// forceClose drops both connections without a handshake.
func (t *Tunnel) forceClose() {
	t.mu.Lock()
	client, upstream := t.client, t.upstream
	t.mu.Unlock()
	if client != nil {
		client.Close()
	}
	if upstream != nil {
		upstream.Close()
	}
}

func (t *Tunnel) attach(client, upstream *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if client != nil {
		t.client = client
	}
	if upstream != nil {
		t.upstream = upstream
	}
}

func (t *Tunnel) finish() {
	t.closeOnce.Do(func() {
		t.forceClose()
		t.state.Store(int32(StateClosed))
		close(t.done)
		t.logger.Debug("tunnel closed")
	})
}

// WebSocketForwarder tunnels browser WebSocket connections to dev servers.
type WebSocketForwarder struct {
	upgrader     websocket.Upgrader
	dialer       websocket.Dialer
	policy       HeaderPolicy
	closeTimeout time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	tunnels      *tunnelSet
}

func newWebSocketForwarder(cfg Config, logger *slog.Logger, tunnels *tunnelSet) *WebSocketForwarder {
	return &WebSocketForwarder{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true // The dev server applies its own origin policy.
			},
		},
		dialer: websocket.Dialer{
			Proxy:            nil,
			HandshakeTimeout: cfg.UpstreamTimeout,
		},
		policy:       cfg.Policy,
		closeTimeout: cfg.WebSocketCloseTimeout,
		writeTimeout: cfg.WebSocketWriteTimeout,
		logger:       logger,
		tunnels:      tunnels,
	}
}

// Serve runs one tunnel for r. It returns once the tunnel is closed.
func (f *WebSocketForwarder) Serve(w http.ResponseWriter, r *http.Request, target Target, tunnelID string) {
	log := f.logger.With("tunnel", tunnelID, "target", target.Port, "path", target.SubPath)
	t := newTunnel(tunnelID, target, f.closeTimeout, f.writeTimeout, f.tunnels.shutdown, log)

	if !f.tunnels.add(t) {
		writeError(w, newError(KindShutdownInProgress, "proxy is shutting down", ErrShuttingDown))
		return
	}
	defer f.tunnels.remove(t)

	header := http.Header{}
	f.policy.ForwardRequestHeaders(header, r.Header)
	header.Del("Sec-WebSocket-Protocol")
	setForwardedHeaders(header, r)

	dialer := f.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	upstream, resp, err := dialer.DialContext(r.Context(), target.WebSocketURL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		log.Warn("upstream websocket dial failed", "error", err)
		f.rejectTunnel(w, r, t)
		return
	}
	t.attach(nil, upstream)

	responseHeader := http.Header{}
	if protocol := upstream.Subprotocol(); protocol != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", protocol)
	}
	client, err := f.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		log.Debug("client websocket upgrade failed", "error", err)
		t.forwardClose(upstream, Frame{Type: FrameClose, CloseCode: websocket.CloseGoingAway})
		t.finish()
		return
	}
	t.attach(client, nil)

	t.run(r.Context())
}

// rejectTunnel accepts the browser upgrade only to close it with a bad
// gateway code, so WebSocket clients see why the tunnel failed.
func (f *WebSocketForwarder) rejectTunnel(w http.ResponseWriter, r *http.Request, t *Tunnel) {
	client, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.finish()
		return
	}
	t.attach(client, nil)
	t.forwardClose(client, Frame{Type: FrameClose, CloseCode: CloseBadGateway, CloseReason: string(KindTunnelDialFailure)})
	t.finish()
}

// tunnelSet tracks live tunnels so shutdown can wait for or force them.
type tunnelSet struct {
	mu       sync.Mutex
	tunnels  map[*Tunnel]struct{}
	wg       sync.WaitGroup
	draining bool
	// shutdown is closed when draining starts; open tunnels answer it with
	// a going-away close on both sides.
	shutdown chan struct{}
}

func newTunnelSet() *tunnelSet {
	return &tunnelSet{
		tunnels:  make(map[*Tunnel]struct{}),
		shutdown: make(chan struct{}),
	}
}

func (s *tunnelSet) add(t *Tunnel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.tunnels[t] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *tunnelSet) remove(t *Tunnel) {
	s.mu.Lock()
	_, ok := s.tunnels[t]
	delete(s.tunnels, t)
	s.mu.Unlock()
	if ok {
		s.wg.Done()
	}
}

func (s *tunnelSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels)
}

// drain refuses new tunnels and waits for live ones until ctx is done, then
// force-closes the rest.
func (s *tunnelSet) drain(ctx context.Context) error {
	s.mu.Lock()
	if !s.draining {
		s.draining = true
		close(s.shutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for t := range s.tunnels {
		t.forceClose()
	}
	s.mu.Unlock()
	return ctx.Err()
}
