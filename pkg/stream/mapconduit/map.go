// Package mapconduit provides a Conduit applying a function to every item.
package mapconduit

import (
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

// Conduit maps A items to B items one by one. Demand passes through unchanged.
type Conduit[A, B any] struct {
	consumer *stream.ConsumerHandle[A]
	producer *stream.ProducerHandle[B]
}

// New creates the conduit and spawns its task.
func New[A, B any](f func(A) B, opts ...stream.Option) *Conduit[A, B] {
	o := stream.ApplyOptions(opts...)
	c, t := newConduit(f, o.Logger)
	o.Group.Go("map-conduit", t.run)
	return c
}

func newConduit[A, B any](f func(A) B, lg *zap.Logger) (*Conduit[A, B], *task[A, B]) {
	signal := eventchan.NewSignal()
	inMailbox := eventchan.NewShared[stream.ConsumerMessage[A]](signal)
	outMailbox := eventchan.NewShared[stream.ProducerMessage](signal)
	inEvents := eventchan.New[stream.ConsumerEvent]()
	outEvents := eventchan.New[stream.ProducerEvent[B]]()
	inRx, _ := inMailbox.Take()
	outRx, _ := outMailbox.Take()

	t := &task[A, B]{
		f:          f,
		inMailbox:  inRx,
		outMailbox: outRx,
		inEvents:   inEvents,
		outEvents:  outEvents,
		signal:     signal,
		lg:         lg,
	}
	c := &Conduit[A, B]{
		consumer: stream.NewConsumerHandle(inMailbox, inEvents, lg),
		producer: stream.NewProducerHandle(outMailbox, outEvents, lg),
	}
	return c, t
}

// Split implements stream.Conduit
func (c *Conduit[A, B]) Split() (stream.Consumer[A], stream.Producer[B]) {
	return c.consumer, c.producer
}

type task[A, B any] struct {
	f func(A) B

	// Write and End from upstream
	inMailbox *eventchan.Receiver[stream.ConsumerMessage[A]]
	// Request and Cancel from downstream
	outMailbox *eventchan.Receiver[stream.ProducerMessage]
	// Request and Cancellation to upstream
	inEvents *eventchan.Chan[stream.ConsumerEvent]
	// Data and End to downstream
	outEvents *eventchan.Chan[stream.ProducerEvent[B]]
	signal    chan struct{}

	demand stream.Demand
	done   bool

	lg *zap.Logger
}

func (t *task[A, B]) run() {
	defer t.terminate()
	for !t.done {
		if !t.step() {
			<-t.signal
		}
	}
}

// step handles every message ready in both mailboxes. It returns false if there was none.
func (t *task[A, B]) step() bool {
	progressed := false
	for !t.done {
		msg, state := t.outMailbox.Poll()
		if state != eventchan.Ready {
			break
		}
		progressed = true
		t.handleDownstream(msg)
	}
	for !t.done {
		msg, state := t.inMailbox.Poll()
		if state != eventchan.Ready {
			break
		}
		progressed = true
		t.handleUpstream(msg)
	}
	return progressed
}

func (t *task[A, B]) handleDownstream(msg stream.ProducerMessage) {
	switch msg.Kind {
	case stream.EventRequest:
		t.demand.Add(msg.Count)
		t.toUpstream(stream.RequestEvent(msg.Count))
	case stream.EventCancellation:
		t.toUpstream(stream.CancellationEvent(msg.Reason))
		t.done = true
	}
}

func (t *task[A, B]) handleUpstream(msg stream.ConsumerMessage[A]) {
	switch msg.Kind {
	case stream.EventData:
		if !t.demand.Spend() {
			t.lg.Error("write exceeds demand, cancel upstream")
			t.toUpstream(stream.CancellationEvent(stream.Other("write exceeds demand")))
			t.done = true
			return
		}
		if err := t.outEvents.Send(stream.DataEvent(t.f(msg.Data))); err != nil {
			t.toUpstream(stream.CancellationEvent(stream.Disconnected()))
			t.done = true
		}
	case stream.EventEnd:
		_ = t.outEvents.Send(stream.EndEvent[B]())
		t.done = true
	}
}

func (t *task[A, B]) toUpstream(e stream.ConsumerEvent) {
	if err := t.inEvents.Send(e); err != nil {
		t.lg.Debug("upstream gone", zap.Stringer("event", e))
	}
}

func (t *task[A, B]) terminate() {
	t.done = true
	t.inMailbox.Drop()
	t.outMailbox.Drop()
	t.inEvents.Close()
	t.outEvents.Close()
}
