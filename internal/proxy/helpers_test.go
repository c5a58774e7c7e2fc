package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestProxy starts the proxy on a loopback httptest server.
func newTestProxy(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.UpstreamHost == "" {
		cfg.UpstreamHost = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// portOf returns the port an httptest server listens on.
func portOf(t *testing.T, rawURL string) uint16 {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	require.NoError(t, err)
	return uint16(port)
}

// entryURL builds a /dev-server-entry URL on the proxy for target.
func entryURL(proxyURL string, target uint16, pathAndQuery string) string {
	u := proxyURL + DevServerPrefix + pathAndQuery
	sep := "?"
	if u2, err := url.Parse(u); err == nil && u2.RawQuery != "" {
		sep = "&"
	}
	return u + sep + "target=" + strconv.Itoa(int(target))
}

// noRedirectClient is an HTTP client that returns redirects as-is and does
// not negotiate compression.
func noRedirectClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{DisableCompression: true},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// unusedPort returns a loopback port with nothing listening on it.
func unusedPort(t *testing.T) uint16 {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	port := portOf(t, ts.URL)
	ts.Close()
	return port
}
