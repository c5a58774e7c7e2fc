package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorKind is the machine-readable reason carried in error responses.
type ErrorKind string

// Error kinds returned by the proxy.
const (
	KindBadRequest          ErrorKind = "bad_request"
	KindMethodNotAllowed    ErrorKind = "method_not_allowed"
	KindPayloadTooLarge     ErrorKind = "payload_too_large"
	KindUpstreamUnreachable ErrorKind = "upstream_unreachable"
	KindUpstreamTimeout     ErrorKind = "upstream_timeout"
	KindMalformedUpstream   ErrorKind = "malformed_upstream_response"
	KindTunnelDialFailure   ErrorKind = "tunnel_dial_failure"
	KindShutdownInProgress  ErrorKind = "shutdown_in_progress"
	KindInternal            ErrorKind = "internal_error"
)

var (
	// ErrBadRequest is wrapped by request validation failures.
	ErrBadRequest = errors.New("bad request")
	// ErrShuttingDown is returned once the proxy has started draining.
	ErrShuttingDown = errors.New("proxy is shutting down")
)

var kindStatus = map[ErrorKind]int{
	KindBadRequest:          http.StatusBadRequest,
	KindMethodNotAllowed:    http.StatusMethodNotAllowed,
	KindPayloadTooLarge:     http.StatusRequestEntityTooLarge,
	KindUpstreamUnreachable: http.StatusBadGateway,
	KindUpstreamTimeout:     http.StatusGatewayTimeout,
	KindMalformedUpstream:   http.StatusBadGateway,
	KindTunnelDialFailure:   http.StatusBadGateway,
	KindShutdownInProgress:  http.StatusServiceUnavailable,
	KindInternal:            http.StatusInternalServerError,
}

// Error is a proxy failure with its response classification.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error kind.
func (e *Error) Status() int {
	if status, ok := kindStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// badRequest classifies a validation error wrapping ErrBadRequest.
func badRequest(err error) *Error {
	msg := strings.TrimPrefix(err.Error(), ErrBadRequest.Error()+": ")
	return newError(KindBadRequest, msg, err)
}

// errorBody is the JSON shape of every proxy error response.
type errorBody struct {
	Error   ErrorKind `json:"error"`
	Message string    `json:"message"`
}

// writeError writes err as a structured JSON response. Only the short
// message is sent; wrapped causes stay in the logs.
func writeError(w http.ResponseWriter, err error) {
	var perr *Error
	if !errors.As(err, &perr) {
		perr = newError(KindInternal, "internal proxy error", err)
	}
	h := w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(perr.Status())
	json.NewEncoder(w).Encode(errorBody{Error: perr.Kind, Message: perr.Message})
}

// classifyUpstreamError maps a round-trip failure to a proxy error.
func classifyUpstreamError(err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindUpstreamTimeout, "dev server did not respond in time", err)
	case errors.Is(err, context.Canceled):
		return newError(KindShutdownInProgress, "request canceled", err)
	case isUnreachable(err):
		return newError(KindUpstreamUnreachable, "dev server unreachable", err)
	default:
		return newError(KindMalformedUpstream, "invalid response from dev server", err)
	}
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
