package stream

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

// Pipe connects p to c. Data and End flow from p into c; Request and Cancellation flow from c back to p.
// The two directions run as independent tasks.
// Both event streams are taken; if either was already taken, ErrAlreadyTaken is returned.
func Pipe[T any](p Producer[T], c Consumer[T], opts ...Option) error {
	o := ApplyOptions(opts...)

	pEvents, err := p.Events()
	if err != nil {
		return errors.WithMessage(err, "take producer events")
	}
	cEvents, err := c.Events()
	if err != nil {
		pEvents.Drop()
		return errors.WithMessage(err, "take consumer events")
	}

	o.Group.Go("pipe-data", func() {
		forwardData(pEvents, c, o.Logger)
	})
	o.Group.Go("pipe-demand", func() {
		forwardDemand(cEvents, p, o.Logger)
	})
	return nil
}

// PipeThrough pipes p into the input side of conduit and returns its output side.
func PipeThrough[A, B any](p Producer[A], conduit Conduit[A, B], opts ...Option) (Producer[B], error) {
	in, out := conduit.Split()
	if err := Pipe(p, in, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func forwardData[T any](events *eventchan.Receiver[ProducerEvent[T]], c Consumer[T], lg *zap.Logger) {
	for {
		e, err := events.Recv(context.Background())
		if err != nil {
			// the producer went away without End, let the consumer release its resources
			lg.Debug("producer events closed", zap.Error(err))
			c.End()
			return
		}
		switch e.Kind {
		case EventData:
			c.Write(e.Data)
		case EventEnd:
			c.End()
			events.Drop()
			return
		}
	}
}

func forwardDemand[T any](events *eventchan.Receiver[ConsumerEvent], p Producer[T], lg *zap.Logger) {
	for {
		e, err := events.Recv(context.Background())
		if err != nil {
			lg.Debug("consumer events closed", zap.Error(err))
			return
		}
		switch e.Kind {
		case EventRequest:
			p.Request(e.Count)
		case EventCancellation:
			p.Cancel(e.Reason)
			events.Drop()
			return
		}
	}
}

// ProducerEmitter calls back for every event of a producer.
type ProducerEmitter[T any] struct {
	events *eventchan.Receiver[ProducerEvent[T]]
	o      Options
}

// Emit takes the event stream of p.
func Emit[T any](p Producer[T], opts ...Option) (*ProducerEmitter[T], error) {
	events, err := p.Events()
	if err != nil {
		return nil, err
	}
	return &ProducerEmitter[T]{events: events, o: ApplyOptions(opts...)}, nil
}

// ForEach spawns a task calling fn for every event, End included. The returned channel is closed
// once the task exits.
func (e *ProducerEmitter[T]) ForEach(fn func(ProducerEvent[T])) <-chan struct{} {
	done := make(chan struct{})
	e.o.Group.Go("producer-emitter", func() {
		defer close(done)
		for {
			ev, err := e.events.Recv(context.Background())
			if err != nil {
				return
			}
			fn(ev)
			if ev.IsEnd() {
				return
			}
		}
	})
	return done
}
