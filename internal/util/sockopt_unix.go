//go:build unix

package util

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets a local UDP port be bound again while a previous
// reservation on it is still being released.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
