//go:build !linux

package invoker

import (
	"net"
	"syscall"
)

func listenControl(network, address string, c syscall.RawConn) error { return nil }

func tuneConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
}
