// Package tcp carries transport messages over a stream socket, one checksummed frame per message.
package tcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/transport"
	"github.com/AutoMQ/omnistreams/pkg/util/logutil"
)

const (
	_writeBufferSize = 32 * 1024
)

// Config is the framing and retry configuration of TCP transports
type Config struct {
	// MaxFrameLen bounds every frame read or written. Zero means DefaultMaxFrameLen.
	MaxFrameLen uint32

	// DialRetries is the number of extra attempts made by DialWithRetry
	DialRetries int
	// RetryMin and RetryMax bound the delay between dial attempts
	RetryMin time.Duration
	RetryMax time.Duration
}

// messageConn adapts a net.Conn to transport.MessageConn
type messageConn struct {
	rwc    net.Conn
	bw     *bufio.Writer
	framer *Framer

	closeOnce sync.Once
	closeErr  error
}

func (c *messageConn) ReadMessage() ([]byte, error) {
	return c.framer.ReadFrame()
}

func (c *messageConn) WriteMessage(msg []byte) error {
	return c.framer.WriteFrame(msg)
}

func (c *messageConn) Flush() error {
	return c.framer.Flush()
}

func (c *messageConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// New wraps an established connection into a transport.
func New(rwc net.Conn, cfg Config, logger *zap.Logger) *transport.Pump {
	logger = logutil.OrNop(logger).With(zap.String("remote-addr", rwc.RemoteAddr().String()))
	bw := bufio.NewWriterSize(rwc, _writeBufferSize)
	c := &messageConn{
		rwc:    rwc,
		bw:     bw,
		framer: NewFramer(bw, bufio.NewReader(rwc), cfg.MaxFrameLen, logger),
	}
	return transport.NewPump(c, logger)
}

// Dial connects to addr and returns the transport.
func Dial(ctx context.Context, addr string, cfg Config, logger *zap.Logger) (*transport.Pump, error) {
	var d net.Dialer
	rwc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return New(rwc, cfg, logger), nil
}

// DialWithRetry is Dial retried with exponential backoff, at most cfg.DialRetries extra times.
func DialWithRetry(ctx context.Context, addr string, cfg Config, logger *zap.Logger) (*transport.Pump, error) {
	logger = logutil.OrNop(logger)
	b := &backoff.Backoff{
		Factor: 2,
		Min:    cfg.RetryMin,
		Max:    cfg.RetryMax,
		Jitter: true,
	}
	for {
		t, err := Dial(ctx, addr, cfg, logger)
		if err == nil {
			return t, nil
		}
		attempt := b.Attempt()
		if int(attempt) >= cfg.DialRetries {
			return nil, errors.WithMessagef(err, "give up after %d attempts", int(attempt)+1)
		}
		wait := b.Duration()
		logger.Warn("failed to dial, retrying", zap.String("addr", addr), zap.Float64("attempt", attempt),
			zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, errors.WithMessage(ctx.Err(), err.Error())
		case <-time.After(wait):
		}
	}
}

// Listener accepts TCP transports
type Listener struct {
	l   net.Listener
	cfg Config
	lg  *zap.Logger
}

// Listen announces on addr
func Listen(addr string, cfg Config, logger *zap.Logger) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return &Listener{l: l, cfg: cfg, lg: logutil.OrNop(logger)}, nil
}

// Accept waits for the next connection and wraps it into a transport.
func (l *Listener) Accept() (transport.Transport, error) {
	rwc, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return New(rwc, l.cfg, l.lg), nil
}

// Addr returns the listening address
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops listening. Accepted transports are not affected.
func (l *Listener) Close() error {
	return l.l.Close()
}
