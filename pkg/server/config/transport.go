package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/omnistreams/pkg/mux/codec"
	"github.com/AutoMQ/omnistreams/pkg/transport/tcp"
	"github.com/AutoMQ/omnistreams/pkg/transport/websocket"
	"github.com/AutoMQ/omnistreams/pkg/util/typeutil"
)

const (
	_defaultTCPAddr        = "127.0.0.1:7070"
	_defaultWSPath         = "/streams"
	_defaultWSWriteWait    = "10s"
	_defaultWSPongWait     = "60s"
	_defaultMaxMessageSize = 16 << 20
)

// Transport is the configuration of the listeners a server accepts transports on.
// An empty address disables the listener.
type Transport struct {
	TCPAddr  string
	WSAddr   string
	WSPath   string
	GRPCAddr string

	WSWriteWait typeutil.Duration
	WSPongWait  typeutil.Duration

	// MaxMessageSize bounds every wire message, header included
	MaxMessageSize int
}

// NewTransport creates a default transport configuration.
func NewTransport() *Transport {
	return &Transport{}
}

// Adjust generates default values for some fields (if they are empty)
func (t *Transport) Adjust() {
	if t.WSPath == "" {
		t.WSPath = _defaultWSPath
	}
	if t.MaxMessageSize == 0 {
		t.MaxMessageSize = _defaultMaxMessageSize
	}
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (t *Transport) Validate() error {
	if t.MaxMessageSize <= codec.HeaderLen {
		return errors.Errorf("invalid max message size `%d`", t.MaxMessageSize)
	}
	if t.WSWriteWait.Duration < 0 || t.WSPongWait.Duration < 0 {
		return errors.New("negative websocket timeout")
	}
	if t.WSAddr != "" && (t.WSPath == "" || t.WSPath[0] != '/') {
		return errors.Errorf("invalid websocket path `%s`", t.WSPath)
	}
	return nil
}

// TCP returns the configuration of TCP transports
func (t *Transport) TCP() tcp.Config {
	return tcp.Config{MaxFrameLen: uint32(t.MaxMessageSize)}
}

// WebSocket returns the configuration of WebSocket transports
func (t *Transport) WebSocket() websocket.Config {
	return websocket.Config{
		WriteWait:      t.WSWriteWait.Duration,
		PongWait:       t.WSPongWait.Duration,
		MaxMessageSize: int64(t.MaxMessageSize),
	}
}

func transportConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("tcp-addr", _defaultTCPAddr, "address of the TCP listener, empty to disable")
	fs.String("ws-addr", "", "address of the WebSocket listener, empty to disable")
	fs.String("ws-path", _defaultWSPath, "HTTP path WebSocket transports are upgraded on")
	fs.String("grpc-addr", "", "address of the gRPC listener, empty to disable")
	fs.String("ws-write-wait", _defaultWSWriteWait, "time allowed to write a WebSocket message")
	fs.String("ws-pong-wait", _defaultWSPongWait, "time allowed to read the next WebSocket pong")
	fs.Int("max-message-size", _defaultMaxMessageSize, "maximum size of a wire message in bytes")
	_ = v.BindPFlag("transport.tcpAddr", fs.Lookup("tcp-addr"))
	_ = v.BindPFlag("transport.wsAddr", fs.Lookup("ws-addr"))
	_ = v.BindPFlag("transport.wsPath", fs.Lookup("ws-path"))
	_ = v.BindPFlag("transport.grpcAddr", fs.Lookup("grpc-addr"))
	_ = v.BindPFlag("transport.wsWriteWait", fs.Lookup("ws-write-wait"))
	_ = v.BindPFlag("transport.wsPongWait", fs.Lookup("ws-pong-wait"))
	_ = v.BindPFlag("transport.maxMessageSize", fs.Lookup("max-message-size"))
}
