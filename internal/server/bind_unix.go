//go:build !windows

package server

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isAddrUnavailable reports whether a listen error means the port is taken or
// may not be bound by this process.
func isAddrUnavailable(err error) bool {
	return errors.Is(err, unix.EADDRINUSE) || errors.Is(err, unix.EACCES)
}
