package proxy

import (
	"net"
	"net/http"
	"strings"
)

// HeaderPolicy lists the headers that never cross the proxy.
type HeaderPolicy struct {
	// SkipRequest holds lower-case request headers not forwarded upstream.
	SkipRequest map[string]bool
	// StripResponse holds lower-case response headers removed before the
	// response reaches the browser.
	StripResponse map[string]bool
}

// DefaultHeaderPolicy is the policy used by the preview proxy.
var DefaultHeaderPolicy = HeaderPolicy{
	SkipRequest: map[string]bool{
		"host":                     true,
		"connection":               true,
		"transfer-encoding":        true,
		"upgrade":                  true,
		"proxy-connection":         true,
		"keep-alive":               true,
		"te":                       true,
		"trailer":                  true,
		"sec-websocket-key":        true,
		"sec-websocket-version":    true,
		"sec-websocket-extensions": true,
	},
	StripResponse: map[string]bool{
		"content-security-policy":             true,
		"content-security-policy-report-only": true,
		"x-frame-options":                     true,
		"x-content-type-options":              true,
	},
}

// hop-by-hop response headers are owned by each connection, not the message.
var hopByHopResponse = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"trailer":           true,
	"te":                true,
}

// connectionTokens returns the lower-case header names listed in the
// Connection header, which are hop-by-hop for this message.
func connectionTokens(h http.Header) map[string]bool {
	var tokens map[string]bool
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok == "" {
				continue
			}
			if tokens == nil {
				tokens = make(map[string]bool)
			}
			tokens[tok] = true
		}
	}
	return tokens
}

// ForwardRequestHeaders copies src into dst, skipping excluded and hop-by-hop
// headers.
func (p HeaderPolicy) ForwardRequestHeaders(dst, src http.Header) {
	hop := connectionTokens(src)
	for name, values := range src {
		lower := strings.ToLower(name)
		if p.SkipRequest[lower] || hop[lower] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// CopyResponseHeaders copies upstream response headers into dst, dropping the
// strip set and hop-by-hop headers.
func (p HeaderPolicy) CopyResponseHeaders(dst, src http.Header) {
	hop := connectionTokens(src)
	for name, values := range src {
		lower := strings.ToLower(name)
		if p.StripResponse[lower] || hopByHopResponse[lower] || hop[lower] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// setForwardedHeaders adds the X-Forwarded-* headers for r to out.
func setForwardedHeaders(out http.Header, r *http.Request) {
	clientIP := "127.0.0.1"
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		clientIP = host
	}
	if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
		clientIP = strings.Join(prior, ", ") + ", " + clientIP
	}
	out.Set("X-Forwarded-For", clientIP)
	if r.Host != "" {
		out.Set("X-Forwarded-Host", r.Host)
	}
	out.Set("X-Forwarded-Proto", "http")
}
