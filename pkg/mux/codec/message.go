// Package codec encodes and decodes multiplexer wire messages.
//
// Every transport message is one wire message:
//
//	+-----------+-----------+-------------------+
//	| type (1B) | id (1B)   | payload (0+ B)    |
//	+-----------+-----------+-------------------+
//
// The id of a ControlMessage is written as 0 and ignored.
// The payload of StreamRequestData is the count: a single byte holds 0..255 as is, longer payloads
// are an unsigned varint. The payload of CancelSender is empty,
// 0x01 for Disconnected, or 0x00 followed by the reason text.
package codec

import (
	"fmt"
	"math"

	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"

	"github.com/AutoMQ/omnistreams/pkg/stream"
)

const (
	// HeaderLen is the size of the fixed header of a wire message
	HeaderLen = 2

	reasonOther        byte = 0x00
	reasonDisconnected byte = 0x01
)

var (
	// ErrShortMessage is returned when a message is shorter than its header.
	ErrShortMessage = errors.New("message too short")
	// ErrUnknownType is returned for a type byte outside the known message types.
	ErrUnknownType = errors.New("unknown message type")
	// ErrBadPayload is returned when a payload does not match its message type.
	ErrBadPayload = errors.New("malformed message payload")
)

// Message is one decoded wire message
type Message struct {
	Type     MessageType
	StreamID uint8
	Payload  []byte
}

// NewCreateReceiver returns a CreateReceiver message
func NewCreateReceiver(id uint8, payload []byte) Message {
	return Message{Type: CreateReceiver(), StreamID: id, Payload: payload}
}

// NewStreamData returns a StreamData message
func NewStreamData(id uint8, data []byte) Message {
	return Message{Type: StreamData(), StreamID: id, Payload: data}
}

// NewStreamEnd returns a StreamEnd message
func NewStreamEnd(id uint8) Message {
	return Message{Type: StreamEnd(), StreamID: id}
}

// NewCancelSender returns a CancelSender message carrying reason
func NewCancelSender(id uint8, reason stream.CancelReason) Message {
	var payload []byte
	if reason.IsDisconnected() {
		payload = []byte{reasonDisconnected}
	} else {
		payload = append([]byte{reasonOther}, reason.Message...)
	}
	return Message{Type: CancelSender(), StreamID: id, Payload: payload}
}

// NewStreamRequestData returns a StreamRequestData message granting count items
func NewStreamRequestData(id uint8, count uint64) Message {
	if count <= math.MaxUint8 {
		return Message{Type: StreamRequestData(), StreamID: id, Payload: []byte{byte(count)}}
	}
	return Message{Type: StreamRequestData(), StreamID: id, Payload: varint.ToUvarint(count)}
}

// NewControlMessage returns a ControlMessage
func NewControlMessage(payload []byte) Message {
	return Message{Type: ControlMessage(), Payload: payload}
}

// Encode returns the wire bytes of m
func (m Message) Encode() []byte {
	b := make([]byte, HeaderLen+len(m.Payload))
	b[0] = m.Type.Code()
	if !m.Type.IsControl() {
		b[1] = m.StreamID
	}
	copy(b[HeaderLen:], m.Payload)
	return b
}

// Decode parses one wire message. The payload aliases b.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderLen {
		return Message{}, errors.Wrapf(ErrShortMessage, "length %d", len(b))
	}
	t := NewMessageType(b[0])
	if t.IsUnknown() {
		return Message{}, errors.Wrapf(ErrUnknownType, "type byte %d", b[0])
	}
	m := Message{Type: t, Payload: b[HeaderLen:]}
	if !t.IsControl() {
		m.StreamID = b[1]
	}
	return m, nil
}

// RequestCount returns the count of a StreamRequestData message
func (m Message) RequestCount() (uint64, error) {
	if m.Type != StreamRequestData() {
		return 0, errors.Wrapf(ErrBadPayload, "%s carries no request count", m.Type)
	}
	switch len(m.Payload) {
	case 0:
		return 0, errors.Wrap(ErrBadPayload, "empty request count")
	case 1:
		return uint64(m.Payload[0]), nil
	}
	count, n, err := varint.FromUvarint(m.Payload)
	if err != nil {
		return 0, errors.Wrap(ErrBadPayload, err.Error())
	}
	if n != len(m.Payload) {
		return 0, errors.Wrapf(ErrBadPayload, "%d trailing bytes after request count", len(m.Payload)-n)
	}
	return count, nil
}

// CancelReason returns the reason of a CancelSender message
func (m Message) CancelReason() (stream.CancelReason, error) {
	if m.Type != CancelSender() {
		return stream.CancelReason{}, errors.Wrapf(ErrBadPayload, "%s carries no cancel reason", m.Type)
	}
	if len(m.Payload) == 0 {
		return stream.Other(""), nil
	}
	switch m.Payload[0] {
	case reasonDisconnected:
		return stream.Disconnected(), nil
	case reasonOther:
		return stream.Other(string(m.Payload[1:])), nil
	default:
		return stream.CancelReason{}, errors.Wrapf(ErrBadPayload, "reason code %d", m.Payload[0])
	}
}

// String implements fmt.Stringer
func (m Message) String() string {
	if m.Type.IsControl() {
		return fmt.Sprintf("%s(%d bytes)", m.Type, len(m.Payload))
	}
	return fmt.Sprintf("%s(stream %d, %d bytes)", m.Type, m.StreamID, len(m.Payload))
}
