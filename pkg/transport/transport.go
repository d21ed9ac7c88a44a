// Package transport defines the ordered, message oriented connection a multiplexer runs on.
package transport

import (
	"github.com/pkg/errors"

	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

var (
	// ErrClosed is returned by Send after the transport was closed or failed.
	ErrClosed = errors.New("transport closed")
)

// Transport delivers opaque messages to the peer in order. One Send is received intact as one
// message by the peer.
type Transport interface {
	// Send enqueues one message for the peer. It does not wait for the message to be written.
	Send(msg []byte) error
	// Messages returns the inbound messages. The receiver is closed at end of input,
	// whether the peer closed gracefully or the connection failed. It may be called once.
	Messages() (*eventchan.Receiver[[]byte], error)
	// Close flushes the enqueued messages and releases the connection.
	Close() error
}
