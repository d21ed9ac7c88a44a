package randutil

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Uint64 returns a random 64-bit value as a uint64
func Uint64() (uint64, error) {
	bytes := make([]byte, 8)

	_, err := rand.Read(bytes)
	if err != nil {
		return 0, errors.WithMessage(err, "read rand bytes")
	}
	return binary.BigEndian.Uint64(bytes), nil
}

// Between returns a random value in [lo, hi). It panics if hi <= lo.
func Between(lo, hi uint64) (uint64, error) {
	if hi <= lo {
		panic("randutil: empty range")
	}
	n, err := Uint64()
	if err != nil {
		return 0, err
	}
	return lo + n%(hi-lo), nil
}
