package adapter

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

// WriteAdapter is a Consumer writing byte chunks to an io.Writer.
// It grants the initial demand up front and one more unit after each completed write.
// A failed write cancels the stream with Disconnected.
// If the writer is an io.Closer it is closed when the adapter terminates.
type WriteAdapter struct {
	*stream.ConsumerHandle[[]byte]
	done chan struct{}
}

// NewWriteAdapter creates the adapter and spawns its task.
func NewWriteAdapter(w io.Writer, opts ...Option) *WriteAdapter {
	o := applyOptions(opts...)
	so := stream.ApplyOptions(o.stream...)
	a, t := newWriteAdapter(w, o.initialDemand, so.Logger)
	so.Group.Go("write-adapter", t.run)
	return a
}

func newWriteAdapter(w io.Writer, initialDemand uint64, lg *zap.Logger) (*WriteAdapter, *writeTask) {
	mailbox := eventchan.New[stream.ConsumerMessage[[]byte]]()
	events := eventchan.New[stream.ConsumerEvent]()
	rx, _ := mailbox.Take()
	done := make(chan struct{})
	t := &writeTask{
		w:             w,
		initialDemand: initialDemand,
		mailbox:       rx,
		events:        events,
		done:          done,
		lg:            lg,
	}
	return &WriteAdapter{ConsumerHandle: stream.NewConsumerHandle(mailbox, events, lg), done: done}, t
}

// Done is closed once the adapter terminated.
func (a *WriteAdapter) Done() <-chan struct{} {
	return a.done
}

type writeTask struct {
	w             io.Writer
	initialDemand uint64
	mailbox       *eventchan.Receiver[stream.ConsumerMessage[[]byte]]
	events        *eventchan.Chan[stream.ConsumerEvent]
	demand        stream.Demand
	written       int64
	stopped       bool
	done          chan struct{}
	lg            *zap.Logger
}

func (t *writeTask) run() {
	defer t.terminate()
	t.start()
	for !t.stopped {
		msg, err := t.mailbox.Recv(context.Background())
		if err != nil {
			return
		}
		t.handle(msg)
	}
}

func (t *writeTask) start() {
	if t.initialDemand > 0 {
		t.request(t.initialDemand)
	}
}

func (t *writeTask) handle(msg stream.ConsumerMessage[[]byte]) {
	switch msg.Kind {
	case stream.EventData:
		if !t.demand.Spend() {
			t.lg.Error("write exceeds demand, cancel the stream")
			t.cancel(stream.Other("write exceeds demand"))
			return
		}
		n, err := t.w.Write(msg.Data)
		t.written += int64(n)
		if err != nil {
			t.lg.Error("write failed, cancel the stream", zap.Error(err))
			t.cancel(stream.Disconnected())
			return
		}
		t.request(1)
	case stream.EventEnd:
		t.lg.Debug("write adapter ended", zap.Int64("written", t.written))
		t.stopped = true
	}
}

func (t *writeTask) request(n uint64) {
	t.demand.Add(n)
	_ = t.events.Send(stream.RequestEvent(n))
}

func (t *writeTask) cancel(reason stream.CancelReason) {
	_ = t.events.Send(stream.CancellationEvent(reason))
	t.stopped = true
}

func (t *writeTask) terminate() {
	t.stopped = true
	t.mailbox.Drop()
	t.events.Close()
	if c, ok := t.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			t.lg.Warn("failed to close writer", zap.Error(err))
		}
	}
	close(t.done)
}
