package adapter

import (
	"context"

	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

// SinkAdapter is a Consumer forwarding every written item into a Go channel.
// The channel is closed when the stream ends. Demand is replenished one unit per item.
type SinkAdapter[T any] struct {
	*stream.ConsumerHandle[T]
}

// NewSinkAdapter creates the adapter and spawns its task.
func NewSinkAdapter[T any](ch chan<- T, opts ...Option) *SinkAdapter[T] {
	o := applyOptions(opts...)
	so := stream.ApplyOptions(o.stream...)

	mailbox := eventchan.New[stream.ConsumerMessage[T]]()
	events := eventchan.New[stream.ConsumerEvent]()
	rx, _ := mailbox.Take()
	t := &sinkTask[T]{ch: ch, mailbox: rx, events: events, lg: so.Logger}
	so.Group.Go("sink-adapter", func() {
		t.run(o.initialDemand)
	})
	return &SinkAdapter[T]{ConsumerHandle: stream.NewConsumerHandle(mailbox, events, so.Logger)}
}

type sinkTask[T any] struct {
	ch      chan<- T
	mailbox *eventchan.Receiver[stream.ConsumerMessage[T]]
	events  *eventchan.Chan[stream.ConsumerEvent]
	demand  stream.Demand
	lg      *zap.Logger
}

func (t *sinkTask[T]) run(initialDemand uint64) {
	defer func() {
		t.mailbox.Drop()
		t.events.Close()
		close(t.ch)
	}()
	if initialDemand > 0 {
		t.demand.Add(initialDemand)
		_ = t.events.Send(stream.RequestEvent(initialDemand))
	}
	for {
		msg, err := t.mailbox.Recv(context.Background())
		if err != nil || msg.Kind == stream.EventEnd {
			return
		}
		if !t.demand.Spend() {
			t.lg.Error("write exceeds demand, cancel the stream")
			_ = t.events.Send(stream.CancellationEvent(stream.Other("write exceeds demand")))
			return
		}
		t.ch <- msg.Data
		t.demand.Add(1)
		_ = t.events.Send(stream.RequestEvent(1))
	}
}
