// Package mux multiplexes many demand-driven byte streams over one transport.
//
// The peer opens a stream with CreateReceiver; this side surfaces it as an Event carrying a
// ReceiverProducer. This side opens streams with OpenSender. Demand flows back as StreamRequestData
// and cancellation as CancelSender, so every stream is flow controlled on its own. Data a peer
// sends ahead of demand is held until the reader requests it.
//
// Stream ids are allocated by each side in order, starting at 0, and are never reused within a
// session. Both sides allocate the ids of one direction in the same order, so the id carried by a
// CreateReceiver only serves as a check.
package mux

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/omnistreams/pkg/mux/codec"
	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
	"github.com/AutoMQ/omnistreams/pkg/transport"
)

const (
	// MaxStreams is the number of stream ids a session allocates per direction
	MaxStreams = 255

	_drainCheckInterval = 50 * time.Millisecond
)

var (
	// ErrStreamIDExhausted is the session fault raised when the peer opens more than MaxStreams streams.
	ErrStreamIDExhausted = errors.New("stream ids exhausted")
	// ErrUnknownStream is the session fault raised for a message addressed to an id never allocated.
	ErrUnknownStream = errors.New("unknown stream id")
	// ErrMalformedMessage is the session fault raised for a message that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed wire message")
	// ErrClosed is returned by SendControlMessage once the session is over.
	ErrClosed = errors.New("multiplexer closed")
)

// State is the lifecycle state of a session
type State int32

const (
	// Active means the transport is open.
	Active State = iota
	// Draining means the transport reached end of input and inbound streams are still open.
	Draining
	// Closed is terminal.
	Closed
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// EventKind tells which variant an Event holds
type EventKind uint8

const (
	// EventConduit announces a stream opened by the peer.
	EventConduit EventKind = iota
	// EventControlMessage carries a session level message from the peer.
	EventControlMessage
)

// Event is emitted by a Multiplexer
type Event struct {
	Kind EventKind
	// Producer is the new inbound stream. Only set for EventConduit.
	Producer *ReceiverProducer
	// Payload is the creation payload of the stream, or the control message.
	Payload []byte
}

// Multiplexer runs one session over a transport
type Multiplexer struct {
	// Immutable:
	id string
	t  transport.Transport

	// signal wakes the session task. It is shared by every channel the task reads except the
	// transport's inbound messages.
	signal  chan struct{}
	control *eventchan.Chan[[]byte]  // from SendControlMessage
	opens   *eventchan.Chan[*sender] // from OpenSender
	events  *eventchan.Chan[Event]   // to the application

	// Everything following is owned by the session task:
	inbound        *eventchan.Receiver[[]byte] // nil once the input ended
	controlRx      *eventchan.Receiver[[]byte]
	opensRx        *eventchan.Receiver[*sender]
	receivers      map[uint8]*receiver
	nextReceiverID int
	senders        map[uint8]*sender
	nextSenderID   int
	inputDone      bool

	state         atomic.Int32
	activeSenders atomic.Int64
	err           error // written before done is closed
	closing       chan struct{}
	closeOnce     sync.Once
	done          chan struct{}

	metrics *Metrics
	lg      *zap.Logger
}

// New starts a session over t. It takes the transport's inbound messages.
func New(t transport.Transport, opts ...Option) (*Multiplexer, error) {
	o := applyOptions(opts...)
	inbound, err := t.Messages()
	if err != nil {
		return nil, errors.WithMessage(err, "take transport messages")
	}
	m := newMultiplexer(t, inbound, o)
	o.group.Go("multiplexer", m.run)
	return m, nil
}

func newMultiplexer(t transport.Transport, inbound *eventchan.Receiver[[]byte], o options) *Multiplexer {
	id := uuid.NewString()
	signal := eventchan.NewSignal()
	m := &Multiplexer{
		id:        id,
		t:         t,
		signal:    signal,
		control:   eventchan.NewShared[[]byte](signal),
		opens:     eventchan.NewShared[*sender](signal),
		events:    eventchan.New[Event](),
		inbound:   inbound,
		receivers: make(map[uint8]*receiver),
		senders:   make(map[uint8]*sender),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		metrics:   o.metrics,
		lg:        o.lg.With(zap.String("session", id)),
	}
	m.controlRx, _ = m.control.Take()
	m.opensRx, _ = m.opens.Take()
	m.metrics.sessionOpened(1)
	return m
}

// ID returns the session id
func (m *Multiplexer) ID() string {
	return m.id
}

// Events returns the session's events. It may be called once.
func (m *Multiplexer) Events() (*eventchan.Receiver[Event], error) {
	return m.events.Take()
}

// SendControlMessage sends payload to the peer as a ControlMessage.
func (m *Multiplexer) SendControlMessage(payload []byte) error {
	if err := m.control.Send(payload); err != nil {
		return ErrClosed
	}
	return nil
}

// OpenSender opens an outbound stream. The peer receives payload with the stream.
// Nothing may be written before the returned consumer emitted demand.
func (m *Multiplexer) OpenSender(payload []byte) *SenderConsumer {
	m.activeSenders.Add(1)
	onClose := func() { m.activeSenders.Add(-1) }
	s, c := newSender(payload, m.signal, onClose, m.lg.With(zap.String("side", "sender")))
	if err := m.opens.Send(s); err != nil {
		s.cancel(stream.Disconnected())
	}
	return c
}

// ActiveSenders returns the number of senders opened and not yet ended or cancelled.
func (m *Multiplexer) ActiveSenders() int64 {
	return m.activeSenders.Load()
}

// State returns the current state
func (m *Multiplexer) State() State {
	return State(m.state.Load())
}

// Done is closed once the session is over.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Err returns the fault that ended the session, or nil if the session is still running or ended
// without a fault.
func (m *Multiplexer) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Close ends the session and waits until it is torn down.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		close(m.closing)
	})
	<-m.done
	return nil
}

func (m *Multiplexer) run() {
	logger := m.lg
	defer m.teardown()

	logger.Info("start to serve session")

	var drainTick <-chan time.Time
	for {
		if err := m.step(); err != nil {
			logger.Error("session fault, tear down", zap.Error(err))
			m.err = err
			return
		}
		if m.State() == Closed {
			logger.Info("session drained")
			return
		}
		if m.inputDone && drainTick == nil {
			ticker := time.NewTicker(_drainCheckInterval)
			defer ticker.Stop()
			drainTick = ticker.C
		}

		var inboundReady <-chan struct{}
		if m.inbound != nil {
			inboundReady = m.inbound.Ready()
		}
		select {
		case <-m.signal:
		case <-inboundReady:
		case <-drainTick:
		case <-m.closing:
			logger.Info("session closed locally")
			return
		}
	}
}

// step is one tick of the session task.
func (m *Multiplexer) step() error {
	if err := m.processControl(); err != nil {
		return err
	}
	if err := m.processInbound(); err != nil {
		return err
	}
	if err := m.processReceivers(); err != nil {
		return err
	}
	if err := m.processSenders(); err != nil {
		return err
	}
	m.checkState()
	return nil
}

// processControl writes the control messages and opens the senders requested by the application.
func (m *Multiplexer) processControl() error {
	for {
		payload, state := m.controlRx.Poll()
		if state != eventchan.Ready {
			break
		}
		if err := m.send(codec.NewControlMessage(payload)); err != nil {
			return err
		}
	}
	for {
		s, state := m.opensRx.Poll()
		if state != eventchan.Ready {
			break
		}
		if err := m.openSender(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multiplexer) openSender(s *sender) error {
	if m.nextSenderID >= MaxStreams {
		s.lg.Warn("no stream id left, cancel the new sender")
		m.metrics.fault("sender-ids-exhausted")
		s.cancel(stream.Other(ErrStreamIDExhausted.Error()))
		return nil
	}
	if m.inputDone {
		// the peer can never grant demand
		s.cancel(stream.Disconnected())
		return nil
	}
	id := uint8(m.nextSenderID)
	m.nextSenderID++
	s.id = id
	s.lg = s.lg.With(zap.Uint8("stream-id", id))
	m.senders[id] = s
	m.metrics.senders(1)
	return m.send(codec.NewCreateReceiver(id, s.payload))
}

// processInbound dispatches every message the transport received.
func (m *Multiplexer) processInbound() error {
	if m.inbound == nil {
		return nil
	}
	logger := m.lg
	for {
		b, state := m.inbound.Poll()
		switch state {
		case eventchan.Empty:
			return nil
		case eventchan.Closed:
			m.endOfInput()
			return nil
		}

		msg, err := codec.Decode(b)
		if err != nil {
			m.metrics.fault("malformed")
			return errors.WithMessage(ErrMalformedMessage, err.Error())
		}
		m.metrics.received(msg.Type.String())
		if logger.Core().Enabled(zapcore.DebugLevel) {
			logger.Debug("receive message", zap.Stringer("message", msg))
		}
		if err := m.dispatch(msg); err != nil {
			return err
		}
	}
}

func (m *Multiplexer) dispatch(msg codec.Message) error {
	switch msg.Type {
	case codec.CreateReceiver():
		return m.createReceiver(msg)

	case codec.StreamData():
		r, err := m.lookupReceiver(msg)
		if r == nil {
			return err
		}
		return m.receiveData(r, msg.Payload)

	case codec.StreamEnd():
		r, err := m.lookupReceiver(msg)
		if r == nil {
			return err
		}
		if r.held.Len() > 0 {
			// End follows the held data
			r.ended = true
			return nil
		}
		m.endReceiver(r)
		return nil

	case codec.CancelSender():
		s, err := m.lookupSender(msg)
		if s == nil {
			return err
		}
		reason, err := msg.CancelReason()
		if err != nil {
			// the stream is cancelled either way
			s.lg.Warn("malformed cancel reason", zap.Error(err))
			m.metrics.fault("malformed")
			reason = stream.Other(err.Error())
		}
		s.lg.Debug("sender cancelled by peer", zap.Stringer("reason", reason))
		s.cancel(reason)
		m.removeSender(s)
		return nil

	case codec.StreamRequestData():
		s, err := m.lookupSender(msg)
		if s == nil {
			return err
		}
		count, err := msg.RequestCount()
		if err != nil {
			s.lg.Error("malformed request count, end the stream", zap.Error(err))
			m.metrics.fault("malformed")
			s.cancel(stream.Other("malformed request count"))
			m.removeSender(s)
			return m.send(codec.NewStreamEnd(s.id))
		}
		if count == 0 {
			return nil
		}
		s.demand.Add(count)
		if err := s.events.Send(stream.RequestEvent(count)); err != nil {
			// the writer dropped the events, end the stream
			s.lg.Debug("sender events dropped, end the stream")
			s.close()
			m.removeSender(s)
			return m.send(codec.NewStreamEnd(s.id))
		}
		return nil

	case codec.ControlMessage():
		if err := m.events.Send(Event{Kind: EventControlMessage, Payload: msg.Payload}); err != nil {
			m.lg.Debug("events dropped, control message discarded")
		}
		return nil
	}
	return nil
}

func (m *Multiplexer) createReceiver(msg codec.Message) error {
	if m.nextReceiverID >= MaxStreams {
		m.metrics.fault("receiver-ids-exhausted")
		return ErrStreamIDExhausted
	}
	id := uint8(m.nextReceiverID)
	m.nextReceiverID++
	if msg.StreamID != id {
		m.lg.Warn("stream id from peer ignored", zap.Uint8("peer-id", msg.StreamID), zap.Uint8("allocated-id", id))
	}

	r, p := newReceiver(id, m.signal, m.lg)
	m.receivers[id] = r
	m.metrics.receivers(1)
	m.metrics.accepted()

	if err := m.events.Send(Event{Kind: EventConduit, Producer: p, Payload: msg.Payload}); err != nil {
		r.lg.Debug("events dropped, cancel the new stream")
		return m.cancelReceiver(r, stream.Disconnected())
	}
	return nil
}

func (m *Multiplexer) receiveData(r *receiver, data []byte) error {
	if r.ended {
		r.lg.Debug("data after end dropped")
		return nil
	}
	if r.held.Len() > 0 || !r.demand.Spend() {
		// the peer ran ahead of the reader, keep the data until it is requested
		r.held.PushBack(data)
		return nil
	}
	_, err := m.deliver(r, data)
	return err
}

// deliver hands one chunk to the reader. It reports false if the stream was cancelled instead.
func (m *Multiplexer) deliver(r *receiver, data []byte) (bool, error) {
	if err := r.events.Send(stream.DataEvent(data)); err != nil {
		r.lg.Debug("receiver events dropped, cancel the stream")
		return false, m.cancelReceiver(r, stream.Disconnected())
	}
	return true, nil
}

// release delivers held data while the reader's demand lasts and returns how many chunks it
// delivered.
func (m *Multiplexer) release(r *receiver) (uint64, bool, error) {
	var released uint64
	for r.held.Len() > 0 && r.demand.Spend() {
		if ok, err := m.deliver(r, r.held.PopFront()); !ok {
			return released, false, err
		}
		released++
	}
	return released, true, nil
}

func (m *Multiplexer) endReceiver(r *receiver) {
	_ = r.events.Send(stream.EndEvent[[]byte]())
	m.removeReceiver(r)
}

// lookupReceiver returns the receiver msg is addressed to. It returns neither a receiver nor an error
// for a stream that was closed already.
func (m *Multiplexer) lookupReceiver(msg codec.Message) (*receiver, error) {
	if r, ok := m.receivers[msg.StreamID]; ok {
		return r, nil
	}
	if int(msg.StreamID) < m.nextReceiverID {
		m.lg.Debug("message for closed stream dropped", zap.Stringer("message", msg))
		return nil, nil
	}
	m.metrics.fault("unknown-stream")
	return nil, errors.WithMessagef(ErrUnknownStream, "%s", msg)
}

// lookupSender is lookupReceiver for messages addressed to a sender.
func (m *Multiplexer) lookupSender(msg codec.Message) (*sender, error) {
	if s, ok := m.senders[msg.StreamID]; ok {
		return s, nil
	}
	if int(msg.StreamID) < m.nextSenderID {
		m.lg.Debug("message for closed stream dropped", zap.Stringer("message", msg))
		return nil, nil
	}
	m.metrics.fault("unknown-stream")
	return nil, errors.WithMessagef(ErrUnknownStream, "%s", msg)
}

// processReceivers forwards the demand and cancellations of the inbound streams.
func (m *Multiplexer) processReceivers() error {
	for _, r := range m.receivers {
		if r.events.Dropped() {
			r.lg.Debug("receiver events dropped, cancel the stream")
			if err := m.cancelReceiver(r, stream.Disconnected()); err != nil {
				return err
			}
			continue
		}
		if err := m.processReceiver(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multiplexer) processReceiver(r *receiver) error {
	for {
		msg, state := r.mailbox.Poll()
		if state != eventchan.Ready {
			break
		}
		switch msg.Kind {
		case stream.EventRequest:
			if msg.Count == 0 {
				continue
			}
			r.demand.Add(msg.Count)
			released, ok, err := m.release(r)
			if !ok {
				return err
			}
			if r.ended && r.held.Len() == 0 {
				m.endReceiver(r)
				return nil
			}
			// held data already used part of the demand
			if forward := msg.Count - released; forward > 0 && !m.inputDone {
				if err := m.send(codec.NewStreamRequestData(r.id, forward)); err != nil {
					return err
				}
			}
		case stream.EventCancellation:
			r.lg.Debug("receiver cancelled", zap.Stringer("reason", msg.Reason))
			return m.cancelReceiver(r, msg.Reason)
		}
	}
	if m.inputDone && r.held.Len() == 0 {
		r.events.Close()
		if r.events.Len() == 0 {
			// every event was read
			m.removeReceiver(r)
		}
	}
	return nil
}

func (m *Multiplexer) cancelReceiver(r *receiver, reason stream.CancelReason) error {
	m.removeReceiver(r)
	return m.send(codec.NewCancelSender(r.id, reason))
}

func (m *Multiplexer) removeReceiver(r *receiver) {
	r.close()
	delete(m.receivers, r.id)
	m.metrics.receivers(-1)
}

// processSenders writes the data and ends of the outbound streams.
func (m *Multiplexer) processSenders() error {
	for _, s := range m.senders {
		if err := m.processSender(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multiplexer) processSender(s *sender) error {
	for {
		msg, state := s.mailbox.Poll()
		if state != eventchan.Ready {
			return nil
		}
		switch msg.Kind {
		case stream.EventData:
			if !s.demand.Spend() {
				s.lg.Error("write exceeds demand, end the stream")
				m.metrics.fault("write-exceeds-demand")
				s.cancel(stream.Other("write exceeds demand"))
				m.removeSender(s)
				return m.send(codec.NewStreamEnd(s.id))
			}
			if err := m.send(codec.NewStreamData(s.id, msg.Data)); err != nil {
				return err
			}
		case stream.EventEnd:
			s.close()
			m.removeSender(s)
			return m.send(codec.NewStreamEnd(s.id))
		}
	}
}

func (m *Multiplexer) removeSender(s *sender) {
	delete(m.senders, s.id)
	m.metrics.senders(-1)
}

// endOfInput moves to Draining. Inbound streams keep the events already received; their readers
// observe a closed channel instead of End once those are consumed.
func (m *Multiplexer) endOfInput() {
	m.lg.Info("transport reached end of input, draining", zap.Int("receivers", len(m.receivers)))
	m.inbound = nil
	m.inputDone = true
	m.state.Store(int32(Draining))
	for _, r := range m.receivers {
		if r.held.Len() == 0 {
			r.events.Close()
		}
	}
	// nobody is left to grant demand
	for _, s := range m.senders {
		s.cancel(stream.Disconnected())
		m.removeSender(s)
	}
}

func (m *Multiplexer) checkState() {
	if m.inputDone && len(m.receivers) == 0 {
		m.state.Store(int32(Closed))
	}
}

// send writes one message to the transport. Once the input ended the peer is gone, so failures are
// only logged.
func (m *Multiplexer) send(msg codec.Message) error {
	logger := m.lg
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("send message", zap.Stringer("message", msg))
	}
	if err := m.t.Send(msg.Encode()); err != nil {
		if m.inputDone {
			logger.Debug("failed to send message after end of input", zap.Stringer("message", msg), zap.Error(err))
			return nil
		}
		return errors.WithMessagef(err, "send %s", msg)
	}
	m.metrics.sent(msg.Type.String())
	return nil
}

func (m *Multiplexer) teardown() {
	logger := m.lg

	for _, r := range m.receivers {
		m.removeReceiver(r)
	}
	for _, s := range m.senders {
		s.cancel(stream.Disconnected())
		m.removeSender(s)
	}
	m.opens.Close()
	for {
		s, state := m.opensRx.Poll()
		if state != eventchan.Ready {
			break
		}
		s.cancel(stream.Disconnected())
	}
	m.control.Close()
	m.controlRx.Drop()
	m.events.Close()
	if m.inbound != nil {
		m.inbound.Drop()
	}
	if err := m.t.Close(); err != nil {
		logger.Warn("failed to close transport", zap.Error(err))
	}

	m.state.Store(int32(Closed))
	m.metrics.sessionOpened(-1)
	logger.Info("session torn down", zap.Error(m.err))
	close(m.done)
}
