//go:build !linux

package testutil

import (
	"net"
	"testing"
)

// FreeAddr returns a loopback address the kernel reports as free.
func FreeAddr(tb testing.TB) string {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal("listen", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}
