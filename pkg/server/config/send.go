package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/omnistreams/pkg/stream/adapter"
	"github.com/AutoMQ/omnistreams/pkg/util/typeutil"
)

const (
	NetworkTCP       = "tcp"  // NetworkTCP sends over a framed TCP connection
	NetworkWebSocket = "ws"   // NetworkWebSocket sends over a WebSocket, Addr is a ws:// URL
	NetworkGRPC      = "grpc" // NetworkGRPC sends over a gRPC stream

	_defaultSendDialRetries = 5
	_defaultSendRetryMin    = "100ms"
	_defaultSendRetryMax    = "5s"
)

// Send is the configuration of the send mode
type Send struct {
	Network string
	Addr    string

	DialRetries int
	RetryMin    typeutil.Duration
	RetryMax    typeutil.Duration

	// ChunkSize is the size of the messages files are cut into
	ChunkSize int
}

// NewSend creates a default send configuration.
func NewSend() *Send {
	return &Send{}
}

// Adjust generates default values for some fields (if they are empty)
func (s *Send) Adjust() {
	if s.Network == "" {
		s.Network = NetworkTCP
	}
	if s.Addr == "" {
		s.Addr = _defaultTCPAddr
	}
	s.RetryMin = s.RetryMin.OrDefault(typeutil.MustParseDuration(_defaultSendRetryMin))
	s.RetryMax = s.RetryMax.OrDefault(typeutil.MustParseDuration(_defaultSendRetryMax))
	if s.ChunkSize == 0 {
		s.ChunkSize = adapter.DefaultChunkSize
	}
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (s *Send) Validate() error {
	switch s.Network {
	case NetworkTCP, NetworkWebSocket, NetworkGRPC:
	default:
		return errors.Errorf("unknown network `%s`", s.Network)
	}
	if s.DialRetries < 0 {
		return errors.Errorf("invalid dial retries `%d`", s.DialRetries)
	}
	if s.RetryMin.Duration > s.RetryMax.Duration {
		return errors.Errorf("retry min `%s` exceeds retry max `%s`", s.RetryMin, s.RetryMax)
	}
	if s.ChunkSize <= 0 {
		return errors.Errorf("invalid chunk size `%d`", s.ChunkSize)
	}
	return nil
}

func sendConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("send-network", NetworkTCP, "transport of the send mode: tcp, ws or grpc")
	fs.String("send-addr", _defaultTCPAddr, "peer address of the send mode")
	fs.Int("send-dial-retries", _defaultSendDialRetries, "extra dial attempts before giving up")
	fs.String("send-retry-min", _defaultSendRetryMin, "minimum delay between dial attempts")
	fs.String("send-retry-max", _defaultSendRetryMax, "maximum delay between dial attempts")
	fs.Int("send-chunk-size", adapter.DefaultChunkSize, "size of the messages files are cut into")
	_ = v.BindPFlag("send.network", fs.Lookup("send-network"))
	_ = v.BindPFlag("send.addr", fs.Lookup("send-addr"))
	_ = v.BindPFlag("send.dialRetries", fs.Lookup("send-dial-retries"))
	_ = v.BindPFlag("send.retryMin", fs.Lookup("send-retry-min"))
	_ = v.BindPFlag("send.retryMax", fs.Lookup("send-retry-max"))
	_ = v.BindPFlag("send.chunkSize", fs.Lookup("send-chunk-size"))
}
