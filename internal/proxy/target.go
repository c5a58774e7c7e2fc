package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Route prefixes served by the proxy listener.
const (
	RelayPath       = "/proxy"
	DevServerPrefix = "/dev-server-entry"
)

// targetParam names the query parameter carrying the dev server port.
const targetParam = "target"

// Target is the upstream a single request or tunnel is forwarded to.
type Target struct {
	Host string
	Port uint16
	// SubPath is the escaped path below the dev-server prefix, always
	// starting with "/".
	SubPath string
	// RawQuery is the inbound query without the target parameter, in its
	// original encoding.
	RawQuery string
	Query    url.Values
}

// ParseTarget extracts the upstream target from a /dev-server-entry request.
func ParseTarget(r *http.Request, upstreamHost string) (Target, error) {
	query := r.URL.Query()
	port, err := parsePortParam(query.Get(targetParam))
	if err != nil {
		return Target{}, err
	}

	escaped := r.URL.EscapedPath()
	if !strings.HasPrefix(escaped, DevServerPrefix) {
		return Target{}, fmt.Errorf("%w: path %q is not under %s", ErrBadRequest, escaped, DevServerPrefix)
	}
	subPath := strings.TrimPrefix(escaped, DevServerPrefix)
	if subPath == "" {
		subPath = "/"
	}
	if !strings.HasPrefix(subPath, "/") {
		return Target{}, fmt.Errorf("%w: path %q is not under %s", ErrBadRequest, escaped, DevServerPrefix)
	}

	query.Del(targetParam)
	return Target{
		Host:     upstreamHost,
		Port:     port,
		SubPath:  subPath,
		RawQuery: stripQueryParam(r.URL.RawQuery, targetParam),
		Query:    query,
	}, nil
}

// parsePortParam validates a target port value.
func parsePortParam(raw string) (uint16, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: missing %q query parameter", ErrBadRequest, targetParam)
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("%w: %q query parameter must be a port between 1 and 65535", ErrBadRequest, targetParam)
	}
	return uint16(port), nil
}

// stripQueryParam removes every occurrence of name from a raw query while
// leaving the other pairs byte-for-byte intact.
func stripQueryParam(rawQuery, name string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if key == name {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func (t Target) hostPort() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

func (t Target) requestURI() string {
	if t.RawQuery == "" {
		return t.SubPath
	}
	return t.SubPath + "?" + t.RawQuery
}

// HTTPURL is the upstream URL for plain HTTP forwarding.
func (t Target) HTTPURL() string {
	return "http://" + t.hostPort() + t.requestURI()
}

// WebSocketURL is the upstream URL for tunnel dialing.
func (t Target) WebSocketURL() string {
	return "ws://" + t.hostPort() + t.requestURI()
}
