package stream

import (
	"fmt"
)

// CancelCode is the kind of a CancelReason
type CancelCode uint8

const (
	// CancelOther is a cancellation with a free-form message.
	CancelOther CancelCode = iota
	// CancelDisconnected means the other side went away.
	CancelDisconnected
)

// CancelReason explains why a consumer cancelled a stream.
type CancelReason struct {
	Code    CancelCode
	Message string
}

// Disconnected returns the reason used when the downstream side went away.
func Disconnected() CancelReason {
	return CancelReason{Code: CancelDisconnected}
}

// Other returns a reason carrying a free-form message.
func Other(message string) CancelReason {
	return CancelReason{Code: CancelOther, Message: message}
}

// IsDisconnected reports whether r is Disconnected
func (r CancelReason) IsDisconnected() bool {
	return r.Code == CancelDisconnected
}

// String implements fmt.Stringer
func (r CancelReason) String() string {
	if r.IsDisconnected() {
		return "Disconnected"
	}
	return fmt.Sprintf("Other(%q)", r.Message)
}

// EventKind tells which variant an event or message holds.
type EventKind uint8

const (
	// EventData carries one item. Producer event.
	EventData EventKind = iota
	// EventEnd is the last event of a producer.
	EventEnd
	// EventRequest grants demand. Consumer event.
	EventRequest
	// EventCancellation is the last event of a consumer that gave up.
	EventCancellation
)

// String implements fmt.Stringer
func (k EventKind) String() string {
	switch k {
	case EventData:
		return "Data"
	case EventEnd:
		return "End"
	case EventRequest:
		return "Request"
	case EventCancellation:
		return "Cancellation"
	default:
		return "Unknown"
	}
}

// ProducerEvent is emitted by a producer: Data(item) or End.
type ProducerEvent[T any] struct {
	Kind EventKind
	Data T
}

// DataEvent returns Data(v)
func DataEvent[T any](v T) ProducerEvent[T] {
	return ProducerEvent[T]{Kind: EventData, Data: v}
}

// EndEvent returns End
func EndEvent[T any]() ProducerEvent[T] {
	return ProducerEvent[T]{Kind: EventEnd}
}

// IsEnd reports whether e is End
func (e ProducerEvent[T]) IsEnd() bool {
	return e.Kind == EventEnd
}

// String implements fmt.Stringer
func (e ProducerEvent[T]) String() string {
	if e.IsEnd() {
		return "End"
	}
	return fmt.Sprintf("Data(%v)", e.Data)
}

// ConsumerEvent is emitted by a consumer: Request(n) or Cancellation(reason).
type ConsumerEvent struct {
	Kind   EventKind
	Count  uint64
	Reason CancelReason
}

// RequestEvent returns Request(n)
func RequestEvent(n uint64) ConsumerEvent {
	return ConsumerEvent{Kind: EventRequest, Count: n}
}

// CancellationEvent returns Cancellation(reason)
func CancellationEvent(reason CancelReason) ConsumerEvent {
	return ConsumerEvent{Kind: EventCancellation, Reason: reason}
}

// String implements fmt.Stringer
func (e ConsumerEvent) String() string {
	if e.Kind == EventCancellation {
		return fmt.Sprintf("Cancellation(%s)", e.Reason)
	}
	return fmt.Sprintf("Request(%d)", e.Count)
}

// ProducerMessage is sent into a producer's task: Request(n) or Cancel(reason).
type ProducerMessage struct {
	Kind   EventKind
	Count  uint64
	Reason CancelReason
}

// ConsumerMessage is sent into a consumer's task: Write(item) or End.
type ConsumerMessage[T any] struct {
	Kind EventKind
	Data T
}
