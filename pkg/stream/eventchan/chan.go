// Package eventchan implements the unbounded single-consumer queue used between a stream task and
// its one external reader or writer.
//
// A Chan never blocks the sender. The receiving end can be taken out of the Chan exactly once;
// every later Take returns ErrAlreadyTaken, so two readers can never split one event sequence
// between them.
package eventchan

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by Send once the channel is closed or its receiver dropped,
	// and by Receiver.Recv once every buffered item has been consumed from a closed channel.
	ErrClosed = errors.New("event channel closed")
	// ErrAlreadyTaken is returned by Take on every call after the first.
	ErrAlreadyTaken = errors.New("event channel receiver already taken")
)

// State is the outcome of a non-blocking Receiver.Poll.
type State uint8

const (
	// Ready means an item was returned.
	Ready State = iota
	// Empty means no item is buffered right now.
	Empty
	// Closed means the sender closed the channel and every item was consumed,
	// or the receiver was dropped.
	Closed
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Empty:
		return "Empty"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Chan is an unbounded FIFO with one sender and one receiver.
type Chan[T any] struct {
	mu      sync.Mutex
	buf     deque.Deque[T]
	closed  bool // sender finished
	dropped bool // receiver gone

	// signal is poked after every state change. It has capacity 1 and may be shared by
	// several channels read by the same task.
	signal chan struct{}
	// dropSignal is also poked when the receiver is dropped, see NotifyDrop
	dropSignal chan struct{}

	taken atomic.Bool
}

// New creates a channel with its own wake-up signal.
func New[T any]() *Chan[T] {
	return NewShared[T](NewSignal())
}

// NewShared creates a channel that pokes signal on every Send and Close. Several channels
// sharing one signal let a single task sleep until any of them has something to say.
func NewShared[T any](signal chan struct{}) *Chan[T] {
	return &Chan[T]{signal: signal}
}

// NewSignal returns a wake-up signal suitable for NewShared.
func NewSignal() chan struct{} {
	return make(chan struct{}, 1)
}

// Send appends v to the channel. It never blocks.
func (c *Chan[T]) Send(v T) error {
	c.mu.Lock()
	if c.closed || c.dropped {
		c.mu.Unlock()
		return ErrClosed
	}
	c.buf.PushBack(v)
	c.mu.Unlock()
	c.notify()
	return nil
}

// Close marks the end of the sequence. Items already sent are still delivered.
// Closing twice is a no-op.
func (c *Chan[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.notify()
}

// NotifyDrop makes Drop poke signal too, so the task sending on c wakes up when its reader is gone
// even though it sleeps on another channel.
func (c *Chan[T]) NotifyDrop(signal chan struct{}) {
	c.mu.Lock()
	c.dropSignal = signal
	dropped := c.dropped
	c.mu.Unlock()
	if dropped {
		poke(signal)
	}
}

// Take moves the receiving end out of the channel. Only the first call succeeds.
func (c *Chan[T]) Take() (*Receiver[T], error) {
	if c.taken.Swap(true) {
		return nil, ErrAlreadyTaken
	}
	return &Receiver[T]{c: c}, nil
}

// Len returns the number of buffered items.
func (c *Chan[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// Dropped reports whether the receiver was dropped.
func (c *Chan[T]) Dropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Chan[T]) notify() {
	poke(c.signal)
}

func poke(signal chan struct{}) {
	select {
	case signal <- struct{}{}:
	default:
	}
}

// RecvUnlessDropped is Receiver.Recv for a task that stops once the reader of watched is gone.
// It returns ErrClosed when watched is dropped. watched must notify r's signal, see NotifyDrop.
func RecvUnlessDropped[T, U any](ctx context.Context, r *Receiver[T], watched *Chan[U]) (T, error) {
	for {
		var v T
		if watched.Dropped() {
			return v, ErrClosed
		}
		v, state := r.Poll()
		switch state {
		case Ready:
			return v, nil
		case Closed:
			return v, ErrClosed
		}
		select {
		case <-r.c.signal:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// Receiver is the receiving end of a Chan.
// It must be used by one goroutine at a time.
type Receiver[T any] struct {
	c *Chan[T]
}

// Poll returns the next item without blocking.
func (r *Receiver[T]) Poll() (v T, state State) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return v, Closed
	}
	if c.buf.Len() > 0 {
		return c.buf.PopFront(), Ready
	}
	if c.closed {
		return v, Closed
	}
	return v, Empty
}

// Recv blocks until an item is available, the channel is closed (ErrClosed),
// or ctx is done (ctx.Err()).
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	for {
		v, state := r.Poll()
		switch state {
		case Ready:
			return v, nil
		case Closed:
			return v, ErrClosed
		}
		select {
		case <-r.c.signal:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// Ready returns the channel poked whenever the Chan changes. A receive from it does not
// guarantee an item is available; callers Poll afterwards.
func (r *Receiver[T]) Ready() <-chan struct{} {
	return r.c.signal
}

// Drop tells the sender that nobody will read anymore. Buffered items are discarded
// and later sends fail with ErrClosed.
func (r *Receiver[T]) Drop() {
	c := r.c
	c.mu.Lock()
	c.dropped = true
	c.buf.Clear()
	dropSignal := c.dropSignal
	c.mu.Unlock()
	c.notify()
	if dropSignal != nil {
		poke(dropSignal)
	}
}
