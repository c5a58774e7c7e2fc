package server

import (
	"errors"
	"fmt"
)

// ErrPortUnavailable is matched by bind failures caused by the port being in
// use or not permitted.
var ErrPortUnavailable = errors.New("port unavailable")

// BindError describes a listener that could not be bound.
type BindError struct {
	// Listener is "main" or "proxy".
	Listener string
	Addr     string
	// Unavailable is set when the OS reported the address in use or denied.
	Unavailable bool
	Err         error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s listener on %s: %v", e.Listener, e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error {
	if e.Unavailable {
		return []error{ErrPortUnavailable, e.Err}
	}
	return []error{e.Err}
}
