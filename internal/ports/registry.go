// Package ports holds the process-wide port assignment and the port discovery
// file other processes use to find the running listeners.
package ports

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrAlreadyPublished is returned when Publish is called more than once.
	ErrAlreadyPublished = errors.New("port assignment already published")
	// ErrPortConflict is returned when the proxy port equals the main port.
	ErrPortConflict = errors.New("preview proxy port must differ from main port")
)

// Assignment is the resolved port pair of a running process.
// PreviewProxyPort is nil when no proxy listener is known (legacy port files).
type Assignment struct {
	MainPort         uint16  `json:"main_port"`
	PreviewProxyPort *uint16 `json:"preview_proxy_port"`
}

// NewAssignment builds an assignment with both ports set.
func NewAssignment(mainPort, proxyPort uint16) Assignment {
	return Assignment{MainPort: mainPort, PreviewProxyPort: &proxyPort}
}

// Validate checks the assignment invariants.
func (a Assignment) Validate() error {
	if a.MainPort == 0 {
		return fmt.Errorf("main port must be non-zero")
	}
	if a.PreviewProxyPort != nil {
		if *a.PreviewProxyPort == 0 {
			return fmt.Errorf("preview proxy port must be non-zero when set")
		}
		if *a.PreviewProxyPort == a.MainPort {
			return ErrPortConflict
		}
	}
	return nil
}

// Registry holds the assignment published at startup. It is written once and
// read lock-free by any number of goroutines.
type Registry struct {
	assignment atomic.Pointer[Assignment]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Publish stores the assignment. Only the first successful call has effect.
func (r *Registry) Publish(a Assignment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	// Copy so callers cannot mutate the published proxy port through their pointer.
	stored := Assignment{MainPort: a.MainPort}
	if a.PreviewProxyPort != nil {
		port := *a.PreviewProxyPort
		stored.PreviewProxyPort = &port
	}
	if !r.assignment.CompareAndSwap(nil, &stored) {
		return ErrAlreadyPublished
	}
	return nil
}

// Assignment returns the published assignment, if any.
func (r *Registry) Assignment() (Assignment, bool) {
	a := r.assignment.Load()
	if a == nil {
		return Assignment{}, false
	}
	out := Assignment{MainPort: a.MainPort}
	if a.PreviewProxyPort != nil {
		port := *a.PreviewProxyPort
		out.PreviewProxyPort = &port
	}
	return out, true
}

// ProxyPort returns the published preview proxy port.
func (r *Registry) ProxyPort() (uint16, bool) {
	a := r.assignment.Load()
	if a == nil || a.PreviewProxyPort == nil {
		return 0, false
	}
	return *a.PreviewProxyPort, true
}

// MainPort returns the published main port.
func (r *Registry) MainPort() (uint16, bool) {
	a := r.assignment.Load()
	if a == nil {
		return 0, false
	}
	return a.MainPort, true
}
