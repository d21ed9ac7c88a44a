// Package stream defines the demand-driven Producer/Consumer protocol.
//
// A consumer grants demand with Request events; a producer emits at most that many Data events,
// then End. A consumer may give up with a Cancellation instead. Every producer, consumer and conduit
// runs its bookkeeping as a background task and talks to its caller only through
// eventchan channels, so none of the calls below block.
package stream

import (
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

var (
	// ErrAlreadyTaken is returned by Events on every call after the first.
	ErrAlreadyTaken = eventchan.ErrAlreadyTaken
)

// Producer emits items of type T only against accumulated demand.
type Producer[T any] interface {
	// Request adds n to the outstanding demand. It never blocks.
	Request(n uint64)
	// Cancel asks the producer to stop emitting and release its resources.
	Cancel(reason CancelReason)
	// Events returns the producer's event stream. It may be called once.
	Events() (*eventchan.Receiver[ProducerEvent[T]], error)
}

// Consumer accepts items of type T and emits demand.
type Consumer[T any] interface {
	// Write hands one item to the consumer. The caller must hold unspent demand.
	Write(item T)
	// End tells the consumer no more items will follow.
	End()
	// Events returns the consumer's event stream. It may be called once.
	Events() (*eventchan.Receiver[ConsumerEvent], error)
}

// Conduit is a transform with an input side and an output side.
// The halves can be driven by different pipeline stages.
type Conduit[A, B any] interface {
	Split() (Consumer[A], Producer[B])
}
