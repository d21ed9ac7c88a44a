package transport

import (
	"sync"

	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

// Pipe returns two in-memory transports connected to each other.
func Pipe() (Transport, Transport) {
	ab := eventchan.New[[]byte]()
	ba := eventchan.New[[]byte]()
	a := &memory{out: ab, in: ba}
	b := &memory{out: ba, in: ab}
	a.peer, b.peer = b, a
	return a, b
}

type memory struct {
	out  *eventchan.Chan[[]byte]
	in   *eventchan.Chan[[]byte]
	peer *memory

	closeOnce sync.Once
}

func (m *memory) Send(msg []byte) error {
	if err := m.out.Send(msg); err != nil {
		return ErrClosed
	}
	return nil
}

func (m *memory) Messages() (*eventchan.Receiver[[]byte], error) {
	return m.in.Take()
}

// Close ends both directions, as closing a socket would.
func (m *memory) Close() error {
	m.closeOnce.Do(func() {
		m.out.Close()
		m.in.Close()
	})
	return nil
}
