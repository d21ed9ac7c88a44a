package stream

import (
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
)

// ProducerHandle is the caller-facing half of a Producer. The producer's task owns the receiving end
// of the mailbox and the sending end of the events.
type ProducerHandle[T any] struct {
	mailbox *eventchan.Chan[ProducerMessage]
	events  *eventchan.Chan[ProducerEvent[T]]
	lg      *zap.Logger
}

// NewProducerHandle wraps a producer task's mailbox and event channel.
func NewProducerHandle[T any](mailbox *eventchan.Chan[ProducerMessage], events *eventchan.Chan[ProducerEvent[T]], lg *zap.Logger) *ProducerHandle[T] {
	return &ProducerHandle[T]{mailbox: mailbox, events: events, lg: lg}
}

// Request implements Producer.Request
func (h *ProducerHandle[T]) Request(n uint64) {
	h.post(ProducerMessage{Kind: EventRequest, Count: n})
}

// Cancel implements Producer.Cancel
func (h *ProducerHandle[T]) Cancel(reason CancelReason) {
	h.post(ProducerMessage{Kind: EventCancellation, Reason: reason})
}

// Events implements Producer.Events
func (h *ProducerHandle[T]) Events() (*eventchan.Receiver[ProducerEvent[T]], error) {
	return h.events.Take()
}

func (h *ProducerHandle[T]) post(msg ProducerMessage) {
	if err := h.mailbox.Send(msg); err != nil {
		h.lg.Debug("producer terminated, message ignored", zap.Stringer("kind", msg.Kind))
	}
}

// ConsumerHandle is the caller-facing half of a Consumer.
type ConsumerHandle[T any] struct {
	mailbox *eventchan.Chan[ConsumerMessage[T]]
	events  *eventchan.Chan[ConsumerEvent]
	lg      *zap.Logger
}

// NewConsumerHandle wraps a consumer task's mailbox and event channel.
func NewConsumerHandle[T any](mailbox *eventchan.Chan[ConsumerMessage[T]], events *eventchan.Chan[ConsumerEvent], lg *zap.Logger) *ConsumerHandle[T] {
	return &ConsumerHandle[T]{mailbox: mailbox, events: events, lg: lg}
}

// Write implements Consumer.Write
func (h *ConsumerHandle[T]) Write(item T) {
	h.post(ConsumerMessage[T]{Kind: EventData, Data: item})
}

// End implements Consumer.End
func (h *ConsumerHandle[T]) End() {
	h.post(ConsumerMessage[T]{Kind: EventEnd})
}

// Events implements Consumer.Events
func (h *ConsumerHandle[T]) Events() (*eventchan.Receiver[ConsumerEvent], error) {
	return h.events.Take()
}

func (h *ConsumerHandle[T]) post(msg ConsumerMessage[T]) {
	if err := h.mailbox.Send(msg); err != nil {
		h.lg.Debug("consumer terminated, message ignored", zap.Stringer("kind", msg.Kind))
	}
}

// Demand counts granted but unspent items.
type Demand struct {
	n uint64
}

// Add grants n more items. The counter saturates instead of wrapping.
func (d *Demand) Add(n uint64) {
	if d.n+n < d.n {
		d.n = ^uint64(0)
		return
	}
	d.n += n
}

// Spend consumes one unit and reports whether one was available.
func (d *Demand) Spend() bool {
	if d.n == 0 {
		return false
	}
	d.n--
	return true
}

// Outstanding returns the unspent demand
func (d *Demand) Outstanding() uint64 {
	return d.n
}
