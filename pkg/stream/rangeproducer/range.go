// Package rangeproducer provides a Producer emitting consecutive integers.
package rangeproducer

import (
	"context"

	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

// Builder configures a range producer
type Builder struct {
	start   int64
	stop    int64
	bounded bool
	opts    []stream.Option
}

// NewBuilder returns a builder for an unbounded range starting at 0.
func NewBuilder() *Builder {
	return &Builder{}
}

// Start sets the first emitted value.
func (b *Builder) Start(start int64) *Builder {
	b.start = start
	return b
}

// Stop sets the exclusive upper bound. Without it the producer never ends.
func (b *Builder) Stop(stop int64) *Builder {
	b.stop = stop
	b.bounded = true
	return b
}

// Options sets the options the producer's task is spawned with.
func (b *Builder) Options(opts ...stream.Option) *Builder {
	b.opts = opts
	return b
}

// Build creates the producer and spawns its task.
func (b *Builder) Build() *Producer {
	o := stream.ApplyOptions(b.opts...)
	p, t := b.build(o.Logger)
	o.Group.Go("range-producer", t.run)
	return p
}

func (b *Builder) build(lg *zap.Logger) (*Producer, *task) {
	lg = lg.With(zap.Int64("start", b.start))
	signal := eventchan.NewSignal()
	mailbox := eventchan.NewShared[stream.ProducerMessage](signal)
	events := eventchan.New[stream.ProducerEvent[int64]]()
	events.NotifyDrop(signal)
	rx, _ := mailbox.Take()

	t := &task{
		mailbox: rx,
		events:  events,
		current: b.start,
		stop:    b.stop,
		bounded: b.bounded,
		lg:      lg,
	}
	return &Producer{ProducerHandle: stream.NewProducerHandle(mailbox, events, lg)}, t
}

// Producer emits start, start+1, ... up to but excluding stop, one value per unit of demand,
// then End.
type Producer struct {
	*stream.ProducerHandle[int64]
}

type task struct {
	mailbox *eventchan.Receiver[stream.ProducerMessage]
	events  *eventchan.Chan[stream.ProducerEvent[int64]]

	current int64
	stop    int64
	bounded bool
	demand  stream.Demand
	done    bool

	lg *zap.Logger
}

func (t *task) run() {
	defer t.terminate()
	t.emit()
	for !t.done {
		msg, err := eventchan.RecvUnlessDropped(context.Background(), t.mailbox, t.events)
		if err != nil {
			// cancelled, or nobody reads the events anymore
			return
		}
		t.handle(msg)
	}
}

// handle applies one mailbox message and emits whatever the demand allows.
func (t *task) handle(msg stream.ProducerMessage) {
	switch msg.Kind {
	case stream.EventRequest:
		t.demand.Add(msg.Count)
		t.emit()
	case stream.EventCancellation:
		t.lg.Debug("range producer cancelled", zap.Stringer("reason", msg.Reason))
		t.done = true
	}
}

func (t *task) emit() {
	for !t.done {
		if t.bounded && t.current >= t.stop {
			_ = t.events.Send(stream.EndEvent[int64]())
			t.done = true
			return
		}
		if !t.demand.Spend() {
			return
		}
		if err := t.events.Send(stream.DataEvent(t.current)); err != nil {
			// nobody reads the events anymore
			t.done = true
			return
		}
		t.current++
	}
}

func (t *task) terminate() {
	t.done = true
	t.mailbox.Drop()
	t.events.Close()
}
