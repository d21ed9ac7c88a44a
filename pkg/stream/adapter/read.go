package adapter

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

// ReadAdapter is a Producer of byte chunks read from an io.Reader.
// It reads one chunk per unit of demand and ends on io.EOF or an empty read.
// If the reader is an io.Closer it is closed when the adapter terminates.
type ReadAdapter struct {
	*stream.ProducerHandle[[]byte]
	done chan struct{}
}

// NewReadAdapter creates the adapter and spawns its task.
func NewReadAdapter(r io.Reader, opts ...Option) *ReadAdapter {
	o := applyOptions(opts...)
	so := stream.ApplyOptions(o.stream...)
	a, t := newReadAdapter(r, o.chunkSize, so.Logger)
	so.Group.Go("read-adapter", t.run)
	return a
}

func newReadAdapter(r io.Reader, chunkSize int, lg *zap.Logger) (*ReadAdapter, *readTask) {
	signal := eventchan.NewSignal()
	mailbox := eventchan.NewShared[stream.ProducerMessage](signal)
	events := eventchan.New[stream.ProducerEvent[[]byte]]()
	events.NotifyDrop(signal)
	rx, _ := mailbox.Take()
	done := make(chan struct{})
	t := &readTask{
		r:       r,
		buf:     make([]byte, chunkSize),
		mailbox: rx,
		events:  events,
		done:    done,
		lg:      lg,
	}
	return &ReadAdapter{ProducerHandle: stream.NewProducerHandle(mailbox, events, lg), done: done}, t
}

// Done is closed once the adapter terminated.
func (a *ReadAdapter) Done() <-chan struct{} {
	return a.done
}

type readTask struct {
	r       io.Reader
	buf     []byte
	mailbox *eventchan.Receiver[stream.ProducerMessage]
	events  *eventchan.Chan[stream.ProducerEvent[[]byte]]
	demand  stream.Demand
	stopped bool
	done    chan struct{}
	lg      *zap.Logger
}

func (t *readTask) run() {
	defer t.terminate()
	for !t.stopped {
		msg, err := eventchan.RecvUnlessDropped(context.Background(), t.mailbox, t.events)
		if err != nil {
			return
		}
		t.handle(msg)
	}
}

func (t *readTask) handle(msg stream.ProducerMessage) {
	switch msg.Kind {
	case stream.EventRequest:
		t.demand.Add(msg.Count)
		for !t.stopped && t.demand.Spend() {
			t.readChunk()
		}
	case stream.EventCancellation:
		t.lg.Debug("read adapter cancelled", zap.Stringer("reason", msg.Reason))
		t.stopped = true
	}
}

func (t *readTask) readChunk() {
	n, err := t.r.Read(t.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, t.buf[:n])
		if sendErr := t.events.Send(stream.DataEvent(chunk)); sendErr != nil {
			t.stopped = true
			return
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		t.lg.Error("read failed, end the stream", zap.Error(err))
	}
	if n == 0 || err != nil {
		_ = t.events.Send(stream.EndEvent[[]byte]())
		t.stopped = true
	}
}

func (t *readTask) terminate() {
	t.stopped = true
	t.mailbox.Drop()
	t.events.Close()
	if c, ok := t.r.(io.Closer); ok {
		if err := c.Close(); err != nil {
			t.lg.Warn("failed to close reader", zap.Error(err))
		}
	}
	close(t.done)
}
