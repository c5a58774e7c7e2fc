// Package server runs the main application listener and the preview proxy
// listener as one unit: both bind or neither does, and both shut down
// together.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/previewd/internal/ports"
)

// DefaultDrainTimeout bounds graceful shutdown when Config leaves it unset.
const DefaultDrainTimeout = 5 * time.Second

// ProxyService is the preview proxy as seen by the orchestrator.
type ProxyService interface {
	Handler() http.Handler
	// BeginDrain makes new requests fail fast.
	BeginDrain()
	// Drain waits for long-lived connections until ctx is done, then
	// force-closes them.
	Drain(ctx context.Context) error
}

// Config describes the listener pair.
type Config struct {
	MainHost string
	// MainPort is the main listener port; 0 picks an ephemeral port.
	MainPort int
	// MainHandler serves the main listener.
	MainHandler http.Handler

	ProxyHost string
	// ProxyPort is the proxy port hint; 0 picks an ephemeral port and any
	// other value is used exactly.
	ProxyPort int
	Proxy     ProxyService

	// Registry receives the assignment once both listeners are bound.
	Registry *ports.Registry
	// PortFile, when set, is written with the assignment before Start
	// returns and removed on shutdown.
	PortFile string

	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Pair is a running main/proxy listener pair.
type Pair struct {
	mainPort  uint16
	proxyPort uint16

	mainSrv  *http.Server
	proxySrv *http.Server
	proxy    ProxyService
	portFile string

	drainTimeout time.Duration
	logger       *slog.Logger

	stop       context.CancelFunc
	cancelBase context.CancelFunc
	group      *errgroup.Group

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Start binds both listeners and starts serving. On error nothing is left
// bound, the registry is untouched and no port file is written.
func Start(ctx context.Context, cfg Config) (*Pair, error) {
	if cfg.MainHandler == nil {
		return nil, errors.New("main handler is required")
	}
	if cfg.Proxy == nil {
		return nil, errors.New("proxy service is required")
	}
	if cfg.MainPort < 0 || cfg.MainPort > 65535 {
		return nil, fmt.Errorf("main port %d out of range", cfg.MainPort)
	}
	if cfg.ProxyPort < 0 || cfg.ProxyPort > 65535 {
		return nil, fmt.Errorf("preview proxy port %d out of range", cfg.ProxyPort)
	}
	if cfg.ProxyPort != 0 && cfg.ProxyPort == cfg.MainPort {
		return nil, fmt.Errorf("preview proxy port %d: %w", cfg.ProxyPort, ports.ErrPortConflict)
	}
	if cfg.Registry == nil {
		cfg.Registry = ports.NewRegistry()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "orchestrator")

	mainLn, err := listen(ctx, "main", cfg.MainHost, cfg.MainPort)
	if err != nil {
		return nil, err
	}
	proxyLn, err := listen(ctx, "proxy", cfg.ProxyHost, cfg.ProxyPort)
	if err != nil {
		mainLn.Close()
		return nil, err
	}

	assignment := ports.NewAssignment(listenerPort(mainLn), listenerPort(proxyLn))
	teardown := func() {
		mainLn.Close()
		proxyLn.Close()
	}

	if err := assignment.Validate(); err != nil {
		teardown()
		return nil, err
	}
	if cfg.PortFile != "" {
		if err := ports.WriteFile(cfg.PortFile, assignment); err != nil {
			teardown()
			return nil, err
		}
	}
	if err := cfg.Registry.Publish(assignment); err != nil {
		teardown()
		if cfg.PortFile != "" {
			ports.RemoveFile(cfg.PortFile, assignment)
		}
		return nil, err
	}

	runCtx, stop := context.WithCancel(ctx)
	// Request contexts outlive runCtx so shutdown can cancel them at a
	// chosen point rather than when the signal arrives.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))

	p := &Pair{
		mainPort:     assignment.MainPort,
		proxyPort:    *assignment.PreviewProxyPort,
		proxy:        cfg.Proxy,
		portFile:     cfg.PortFile,
		drainTimeout: cfg.DrainTimeout,
		logger:       logger,
		stop:         stop,
		cancelBase:   cancelBase,
		done:         make(chan struct{}),
	}
	p.mainSrv = newHTTPServer(cfg.MainHandler, baseCtx, cfg.Logger)
	p.proxySrv = newHTTPServer(cfg.Proxy.Handler(), baseCtx, cfg.Logger)

	g, gctx := errgroup.WithContext(runCtx)
	p.group = g
	g.Go(func() error { return serve(p.mainSrv, mainLn, "main") })
	g.Go(func() error { return serve(p.proxySrv, proxyLn, "proxy") })
	g.Go(func() error {
		<-gctx.Done()
		p.shutdown()
		return nil
	})

	go func() {
		p.err = g.Wait()
		stop()
		cancelBase()
		if p.portFile != "" {
			if err := ports.RemoveFile(p.portFile, assignment); err != nil {
				logger.Warn("failed to remove port file", "path", p.portFile, "error", err)
			}
		}
		close(p.done)
	}()

	logger.Info("listeners started",
		"main_port", p.mainPort,
		"preview_proxy_port", p.proxyPort,
	)
	return p, nil
}

func listen(ctx context.Context, name, host string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{
			Listener:    name,
			Addr:        addr,
			Unavailable: isAddrUnavailable(err),
			Err:         err,
		}
	}
	return ln, nil
}

func listenerPort(ln net.Listener) uint16 {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

func newHTTPServer(handler http.Handler, base context.Context, logger *slog.Logger) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return base
		},
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
}

func serve(srv *http.Server, ln net.Listener, name string) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s listener: %w", name, err)
	}
	// A server only stops cleanly once shutdown began; report it so the
	// group's context is cancelled either way.
	return errStopped
}

var errStopped = errors.New("listener stopped")

// shutdown drains both listeners. It runs once, on the group goroutine.
func (p *Pair) shutdown() {
	start := time.Now()
	p.logger.Info("shutting down listeners", "drain_timeout", p.drainTimeout)

	p.proxy.BeginDrain()
	ctx, cancel := context.WithTimeout(context.Background(), p.drainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	record := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	for _, srv := range []*http.Server{p.mainSrv, p.proxySrv} {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			record(srv.Shutdown(ctx))
		}(srv)
	}
	// Abort in-flight upstream fetches and start closing tunnels.
	p.cancelBase()
	wg.Add(1)
	go func() {
		defer wg.Done()
		record(p.proxy.Drain(ctx))
	}()
	wg.Wait()

	if len(errs) > 0 {
		p.logger.Warn("drain deadline reached, forcing close", "error", errors.Join(errs...))
		p.forceClose()
	}
	p.logger.Info("listeners stopped", "duration", time.Since(start))
}

func (p *Pair) forceClose() {
	p.closeOnce.Do(func() {
		p.mainSrv.Close()
		p.proxySrv.Close()
	})
}

// MainPort returns the bound main listener port.
func (p *Pair) MainPort() uint16 { return p.mainPort }

// ProxyPort returns the bound preview proxy port.
func (p *Pair) ProxyPort() uint16 { return p.proxyPort }

// Done is closed once both listeners have stopped.
func (p *Pair) Done() <-chan struct{} { return p.done }

// Wait blocks until both listeners have stopped. It returns nil after a
// requested shutdown and the serve error if a listener failed.
func (p *Pair) Wait() error {
	<-p.done
	if errors.Is(p.err, errStopped) {
		return nil
	}
	return p.err
}

// Shutdown stops both listeners and waits for them. If ctx ends first the
// remaining connections are force-closed.
func (p *Pair) Shutdown(ctx context.Context) error {
	p.stop()
	select {
	case <-p.done:
		return p.Wait()
	case <-ctx.Done():
	}
	p.forceClose()
	<-p.done
	return ctx.Err()
}
