package codec

const (
	createReceiver uint8 = iota
	streamData
	streamEnd
	cancelSender
	streamRequestData
	controlMessage
	unknown uint8 = 0xff
)

var (
	_createReceiver    = MessageType{createReceiver}
	_streamData        = MessageType{streamData}
	_streamEnd         = MessageType{streamEnd}
	_cancelSender      = MessageType{cancelSender}
	_streamRequestData = MessageType{streamRequestData}
	_controlMessage    = MessageType{controlMessage}
	_unknown           = MessageType{unknown}
)

// MessageType is enumeration of the first byte of a wire message
type MessageType struct {
	code uint8
}

// NewMessageType new a message type with code
func NewMessageType(code uint8) MessageType {
	switch code {
	case createReceiver:
		return _createReceiver
	case streamData:
		return _streamData
	case streamEnd:
		return _streamEnd
	case cancelSender:
		return _cancelSender
	case streamRequestData:
		return _streamRequestData
	case controlMessage:
		return _controlMessage
	default:
		return _unknown
	}
}

// String implements fmt.Stringer
func (t MessageType) String() string {
	switch t.code {
	case createReceiver:
		return "CreateReceiver"
	case streamData:
		return "StreamData"
	case streamEnd:
		return "StreamEnd"
	case cancelSender:
		return "CancelSender"
	case streamRequestData:
		return "StreamRequestData"
	case controlMessage:
		return "ControlMessage"
	default:
		return "Unknown"
	}
}

// Code returns the type code
func (t MessageType) Code() uint8 {
	return t.code
}

// IsUnknown returns whether t is not a known message type
func (t MessageType) IsUnknown() bool {
	return t.code == unknown
}

// IsControl returns whether t is session scoped rather than stream scoped
func (t MessageType) IsControl() bool {
	return t.code == controlMessage
}

// ToSender returns whether t is addressed to the sending side of a stream
func (t MessageType) ToSender() bool {
	switch t.code {
	case cancelSender, streamRequestData:
		return true
	default:
		return false
	}
}

// CreateReceiver asks the peer to open a receiver for a new stream. Its payload describes the stream.
func CreateReceiver() MessageType {
	return _createReceiver
}

// StreamData carries one chunk of a stream
func StreamData() MessageType {
	return _streamData
}

// StreamEnd is the last message of a stream
func StreamEnd() MessageType {
	return _streamEnd
}

// CancelSender tells the sending side its receiver gave up
func CancelSender() MessageType {
	return _cancelSender
}

// StreamRequestData grants demand to the sending side
func StreamRequestData() MessageType {
	return _streamRequestData
}

// ControlMessage carries session level application bytes
func ControlMessage() MessageType {
	return _controlMessage
}
