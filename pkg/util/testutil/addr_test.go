package testutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeAddr(t *testing.T) {
	re := require.New(t)

	addr := FreeAddr(t)
	l, err := net.Listen("tcp", addr)
	re.NoError(err)
	re.Equal(addr, l.Addr().String())
	re.NoError(l.Close())
}
