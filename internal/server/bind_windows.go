//go:build windows

package server

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isAddrUnavailable reports whether a listen error means the port is taken or
// may not be bound by this process.
func isAddrUnavailable(err error) bool {
	return errors.Is(err, windows.WSAEADDRINUSE) || errors.Is(err, windows.WSAEACCES)
}
