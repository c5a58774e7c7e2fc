package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/previewd/internal/ports"
	"github.com/standardbeagle/previewd/internal/proxy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freePort returns a loopback port nothing listens on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// fakeProxy records orchestrator calls.
type fakeProxy struct {
	handler    http.Handler
	beginDrain atomic.Int32
	drain      atomic.Int32
}

func (f *fakeProxy) Handler() http.Handler {
	if f.handler != nil {
		return f.handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "proxy")
	})
}

func (f *fakeProxy) BeginDrain() { f.beginDrain.Add(1) }

func (f *fakeProxy) Drain(ctx context.Context) error {
	f.drain.Add(1)
	return nil
}

func testConfig(t *testing.T, p ProxyService) Config {
	t.Helper()
	registry := ports.NewRegistry()
	return Config{
		MainHost:     "127.0.0.1",
		MainHandler:  InfoHandler(registry, "test"),
		ProxyHost:    "127.0.0.1",
		Proxy:        p,
		Registry:     registry,
		PortFile:     filepath.Join(t.TempDir(), "previewd.port"),
		DrainTimeout: 2 * time.Second,
		Logger:       discardLogger(),
	}
}

func startPair(t *testing.T, cfg Config) *Pair {
	t.Helper()
	pair, err := Start(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pair.Shutdown(ctx)
	})
	return pair
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestStart_EphemeralPorts(t *testing.T) {
	cfg := testConfig(t, &fakeProxy{})
	pair := startPair(t, cfg)

	assert.NotZero(t, pair.MainPort())
	assert.NotZero(t, pair.ProxyPort())
	assert.NotEqual(t, pair.MainPort(), pair.ProxyPort())

	proxyPort, ok := cfg.Registry.ProxyPort()
	require.True(t, ok, "registry should be published before Start returns")
	assert.Equal(t, pair.ProxyPort(), proxyPort)

	a, err := ports.ReadFile(cfg.PortFile)
	require.NoError(t, err)
	assert.Equal(t, pair.MainPort(), a.MainPort)
	require.NotNil(t, a.PreviewProxyPort)
	assert.Equal(t, pair.ProxyPort(), *a.PreviewProxyPort)

	status, body := getBody(t, "http://127.0.0.1:"+strconv.Itoa(int(pair.ProxyPort()))+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "proxy", body)
}

func TestStart_ExactProxyPortHint(t *testing.T) {
	cfg := testConfig(t, &fakeProxy{})
	cfg.ProxyPort = freePort(t)

	pair := startPair(t, cfg)
	assert.Equal(t, uint16(cfg.ProxyPort), pair.ProxyPort())
}

func TestStart_ProxyPortTaken(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig(t, &fakeProxy{})
	cfg.MainPort = freePort(t)
	cfg.ProxyPort = occupied.Addr().(*net.TCPAddr).Port

	pair, err := Start(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, pair)
	assert.ErrorIs(t, err, ErrPortUnavailable)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, "proxy", bindErr.Listener)

	// The main listener must have been released.
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(cfg.MainPort))
	require.NoError(t, err, "main port still bound after failed start")
	ln.Close()

	_, published := cfg.Registry.Assignment()
	assert.False(t, published)
	_, err = os.Stat(cfg.PortFile)
	assert.True(t, os.IsNotExist(err), "port file written despite failure")
}

func TestStart_MainPortTaken(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig(t, &fakeProxy{})
	cfg.MainPort = occupied.Addr().(*net.TCPAddr).Port

	_, err = Start(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrPortUnavailable)
	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, "main", bindErr.Listener)
}

func TestStart_RejectsEqualPorts(t *testing.T) {
	cfg := testConfig(t, &fakeProxy{})
	cfg.MainPort = freePort(t)
	cfg.ProxyPort = cfg.MainPort

	_, err := Start(context.Background(), cfg)
	assert.ErrorIs(t, err, ports.ErrPortConflict)
}

func TestStart_RequiresHandlers(t *testing.T) {
	cfg := testConfig(t, &fakeProxy{})
	cfg.Proxy = nil
	_, err := Start(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig(t, &fakeProxy{})
	cfg.MainHandler = nil
	_, err = Start(context.Background(), cfg)
	assert.Error(t, err)
}

func TestInfoHandler_ReportsProxyPort(t *testing.T) {
	cfg := testConfig(t, &fakeProxy{})
	pair := startPair(t, cfg)

	status, body := getBody(t, "http://127.0.0.1:"+strconv.Itoa(int(pair.MainPort()))+"/api/info")
	require.Equal(t, http.StatusOK, status)

	var info Info
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, "test", info.Version)
	require.NotNil(t, info.PreviewProxyPort)
	assert.Equal(t, pair.ProxyPort(), *info.PreviewProxyPort)
	require.NotNil(t, info.MainPort)
	assert.Equal(t, pair.MainPort(), *info.MainPort)

	status, body = getBody(t, "http://127.0.0.1:"+strconv.Itoa(int(pair.MainPort()))+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestInfoHandler_Unpublished(t *testing.T) {
	h := InfoHandler(ports.NewRegistry(), "dev")
	srv := &http.Server{Handler: h}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Close()

	_, body := getBody(t, "http://"+ln.Addr().String()+"/api/info")
	assert.JSONEq(t, `{"version":"dev","main_port":null,"preview_proxy_port":null}`, body)
}

func TestPair_Shutdown(t *testing.T) {
	fp := &fakeProxy{}
	cfg := testConfig(t, fp)
	pair, err := Start(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pair.Shutdown(ctx))

	select {
	case <-pair.Done():
	default:
		t.Fatal("Done should be closed after Shutdown")
	}
	assert.NoError(t, pair.Wait())
	assert.Equal(t, int32(1), fp.beginDrain.Load())
	assert.Equal(t, int32(1), fp.drain.Load())

	_, err = net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(int(pair.ProxyPort())), time.Second)
	assert.Error(t, err, "proxy listener should be closed")
	_, err = os.Stat(cfg.PortFile)
	assert.True(t, os.IsNotExist(err), "port file should be removed on shutdown")
}

func TestPair_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pair, err := Start(ctx, testConfig(t, &fakeProxy{}))
	require.NoError(t, err)

	cancel()
	select {
	case <-pair.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pair did not stop after context cancel")
	}
	assert.NoError(t, pair.Wait())
}

func TestPair_ShutdownCancelsInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	fp := &fakeProxy{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	})}
	cfg := testConfig(t, fp)
	pair, err := Start(context.Background(), cfg)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(int(pair.ProxyPort())) + "/slow")
		if err == nil {
			resp.Body.Close()
		}
		errc <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, pair.Shutdown(ctx))
	assert.Less(t, time.Since(start), cfg.DrainTimeout, "in-flight request should be cancelled, not waited out")
	<-errc
}

func TestPair_ShutdownClosesTunnels(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	upstream := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})}
	go upstream.Serve(upstreamLn)
	defer upstream.Close()

	previewProxy := proxy.NewServer(proxy.Config{UpstreamHost: "127.0.0.1", Logger: discardLogger()})
	cfg := testConfig(t, previewProxy)
	pair, err := Start(context.Background(), cfg)
	require.NoError(t, err)

	target := strconv.Itoa(upstreamLn.Addr().(*net.TCPAddr).Port)
	u := "ws://127.0.0.1:" + strconv.Itoa(int(pair.ProxyPort())) + proxy.DevServerPrefix + "/hmr?target=" + target
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	closed := make(chan error, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := conn.ReadMessage()
		closed <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pair.Shutdown(ctx))

	err = <-closed
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, previewProxy.Stats().ActiveTunnels)
}
