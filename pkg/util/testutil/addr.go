//go:build linux

package testutil

import (
	"fmt"
	"testing"

	"github.com/cakturk/go-netstat/netstat"
	"github.com/pkg/errors"

	"github.com/AutoMQ/omnistreams/pkg/util/randutil"
)

const (
	_minPort     = 20000
	_maxPort     = 40000
	_maxAttempts = 32
)

// FreeAddr returns a loopback address that no TCP socket uses, local or remote end.
func FreeAddr(tb testing.TB) string {
	tb.Helper()
	for i := 0; i < _maxAttempts; i++ {
		port, err := randutil.Between(_minPort, _maxPort)
		if err != nil {
			tb.Fatal("pick port", err)
		}
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		free, err := checkAddr(addr)
		if err != nil {
			tb.Log("check port status failed", err)
			continue
		}
		if free {
			return addr
		}
	}
	tb.Fatal("no free port found")
	return ""
}

func checkAddr(addr string) (bool, error) {
	tabs, err := netstat.TCPSocks(func(s *netstat.SockTabEntry) bool {
		return s.RemoteAddr.String() == addr || s.LocalAddr.String() == addr
	})
	if err != nil {
		return false, errors.Wrap(err, "TCP socks")
	}
	return len(tabs) < 1, nil
}
