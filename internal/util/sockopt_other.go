//go:build !unix

package util

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
