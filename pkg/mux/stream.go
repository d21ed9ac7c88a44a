package mux

import (
	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

// ReceiverProducer is the Producer of an inbound stream. Request is sent to the peer as
// StreamRequestData and Cancel as CancelSender.
type ReceiverProducer struct {
	*stream.ProducerHandle[[]byte]
	id uint8
}

// ID returns the stream id
func (p *ReceiverProducer) ID() uint8 {
	return p.id
}

// receiver is the session's bookkeeping of an inbound stream
type receiver struct {
	id      uint8
	mailbox *eventchan.Receiver[stream.ProducerMessage]
	events  *eventchan.Chan[stream.ProducerEvent[[]byte]]
	// demand is requested by the reader and not yet met with data
	demand stream.Demand
	// held is the data the peer sent ahead of demand, in arrival order
	held deque.Deque[[]byte]
	// ended is set when the peer ended the stream while data was still held
	ended bool
	lg    *zap.Logger
}

func newReceiver(id uint8, signal chan struct{}, lg *zap.Logger) (*receiver, *ReceiverProducer) {
	lg = lg.With(zap.Uint8("stream-id", id), zap.String("side", "receiver"))
	mailbox := eventchan.NewShared[stream.ProducerMessage](signal)
	events := eventchan.New[stream.ProducerEvent[[]byte]]()
	events.NotifyDrop(signal)
	rx, _ := mailbox.Take()
	r := &receiver{
		id:      id,
		mailbox: rx,
		events:  events,
		lg:      lg,
	}
	return r, &ReceiverProducer{ProducerHandle: stream.NewProducerHandle(mailbox, events, lg), id: id}
}

// close ends the bookkeeping. Buffered events stay readable, held data is discarded.
func (r *receiver) close() {
	r.mailbox.Drop()
	r.events.Close()
	r.held.Clear()
}

// SenderConsumer is the Consumer of an outbound stream. Write is sent to the peer as StreamData and
// End as StreamEnd. Its events carry the demand granted by the peer's receiver.
type SenderConsumer struct {
	*stream.ConsumerHandle[[]byte]
}

// sender is the session's bookkeeping of an outbound stream
type sender struct {
	id      uint8
	payload []byte
	mailbox *eventchan.Receiver[stream.ConsumerMessage[[]byte]]
	events  *eventchan.Chan[stream.ConsumerEvent]
	// demand is granted by the peer and not yet spent
	demand  stream.Demand
	closed  bool
	onClose func() // runs once the stream is over
	lg      *zap.Logger
}

func newSender(payload []byte, signal chan struct{}, onClose func(), lg *zap.Logger) (*sender, *SenderConsumer) {
	mailbox := eventchan.NewShared[stream.ConsumerMessage[[]byte]](signal)
	events := eventchan.New[stream.ConsumerEvent]()
	rx, _ := mailbox.Take()
	s := &sender{
		payload: payload,
		mailbox: rx,
		events:  events,
		onClose: onClose,
		lg:      lg,
	}
	return s, &SenderConsumer{ConsumerHandle: stream.NewConsumerHandle(mailbox, events, lg)}
}

// cancel tells the writer the stream is over and ends the bookkeeping.
func (s *sender) cancel(reason stream.CancelReason) {
	_ = s.events.Send(stream.CancellationEvent(reason))
	s.close()
}

func (s *sender) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.mailbox.Drop()
	s.events.Close()
	if s.onClose != nil {
		s.onClose()
	}
}
