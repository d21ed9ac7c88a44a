package randutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64(t *testing.T) {
	re := require.New(t)
	result, err := Uint64()
	re.NoError(err)
	re.NotZero(result)
}

func TestBetween(t *testing.T) {
	re := require.New(t)
	for i := 0; i < 100; i++ {
		n, err := Between(10, 20)
		re.NoError(err)
		re.GreaterOrEqual(n, uint64(10))
		re.Less(n, uint64(20))
	}
	re.Panics(func() { _, _ = Between(3, 3) })
}
