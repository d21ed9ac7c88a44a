// Package adapter bridges the demand protocol to io.Reader, io.Writer and Go channels.
package adapter

import (
	"github.com/AutoMQ/omnistreams/pkg/stream"
)

const (
	// DefaultChunkSize is the read size of a ReadAdapter
	DefaultChunkSize = 1024
	// DefaultInitialDemand is the demand a consumer adapter grants before its first write
	DefaultInitialDemand = 1
)

type options struct {
	chunkSize     int
	initialDemand uint64
	stream        []stream.Option
}

// Option configures an adapter
type Option func(*options)

// WithChunkSize sets the maximum size of the items a ReadAdapter emits.
func WithChunkSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.chunkSize = size
		}
	}
}

// WithInitialDemand sets the demand a consumer adapter grants up front.
func WithInitialDemand(n uint64) Option {
	return func(o *options) {
		o.initialDemand = n
	}
}

// WithStreamOptions sets the logger and task group of the adapter.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(o *options) {
		o.stream = append(o.stream, opts...)
	}
}

func applyOptions(opts ...Option) options {
	o := options{
		chunkSize:     DefaultChunkSize,
		initialDemand: DefaultInitialDemand,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
