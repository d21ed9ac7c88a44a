// Package websocket carries transport messages as binary WebSocket messages.
package websocket

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/transport"
	"github.com/AutoMQ/omnistreams/pkg/util/logutil"
)

const (
	_defaultWriteWait = 10 * time.Second
	_defaultPongWait  = 60 * time.Second
)

var (
	// ErrAcceptorClosed is returned by Accept after Close
	ErrAcceptorClosed = errors.New("websocket acceptor closed")
)

// Config is the keepalive and size configuration of WebSocket transports
type Config struct {
	// WriteWait is the time allowed to write a message to the peer.
	WriteWait time.Duration
	// PongWait is the time allowed to read the next pong message from the peer.
	// Pings are sent every 9/10 of it.
	PongWait time.Duration
	// MaxMessageSize bounds inbound messages. Zero means no limit.
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = _defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = _defaultPongWait
	}
	return c
}

// messageConn adapts a websocket.Conn to transport.MessageConn
type messageConn struct {
	conn *websocket.Conn
	cfg  Config

	done      chan struct{} // closed to stop pinging
	closeOnce sync.Once
	closeErr  error

	lg *zap.Logger
}

func newMessageConn(conn *websocket.Conn, cfg Config, logger *zap.Logger) (*messageConn, error) {
	cfg = cfg.withDefaults()
	c := &messageConn{
		conn: conn,
		cfg:  cfg,
		done: make(chan struct{}),
		lg:   logger,
	}
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if err := conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		return nil, errors.Wrap(err, "set read deadline")
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	go c.ping()
	return c, nil
}

func (c *messageConn) ReadMessage() ([]byte, error) {
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			if isClosedConnErr(err) {
				return nil, io.EOF
			}
			return nil, errors.Wrap(err, "read websocket message")
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			return nil, errors.Wrap(err, "set read deadline")
		}
		if typ != websocket.BinaryMessage {
			c.lg.Warn("ignore non-binary websocket message", zap.Int("type", typ))
			continue
		}
		return msg, nil
	}
}

func (c *messageConn) WriteMessage(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *messageConn) Flush() error {
	return nil
}

func (c *messageConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)); err != nil {
			c.lg.Debug("failed sending close message", zap.Error(err))
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// ping keeps the connection alive until it is closed.
func (c *messageConn) ping() {
	defer logutil.LogPanic(c.lg)
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.lg.Debug("failed sending ping", zap.Error(err))
				return
			}
		}
	}
}

func isClosedConnErr(err error) bool {
	if transport.IsClosedConnError(err) {
		return true
	}
	return websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	)
}

// New wraps an established WebSocket connection into a transport.
func New(conn *websocket.Conn, cfg Config, logger *zap.Logger) (*transport.Pump, error) {
	logger = logutil.OrNop(logger).With(zap.String("remote-addr", conn.RemoteAddr().String()))
	c, err := newMessageConn(conn, cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return transport.NewPump(c, logger), nil
}

// Dial connects to the ws:// or wss:// url and returns the transport.
func Dial(ctx context.Context, url string, cfg Config, logger *zap.Logger) (*transport.Pump, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return New(conn, cfg, logger)
}

// Acceptor is an http.Handler upgrading requests to WebSocket transports.
type Acceptor struct {
	upgrader websocket.Upgrader
	cfg      Config

	accepted  chan transport.Transport
	done      chan struct{}
	closeOnce sync.Once

	lg *zap.Logger
}

// NewAcceptor returns an acceptor. Mount it on an http.ServeMux and call Accept to get the transports.
func NewAcceptor(cfg Config, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cfg:      cfg,
		accepted: make(chan transport.Transport),
		done:     make(chan struct{}),
		lg:       logutil.OrNop(logger),
	}
}

// ServeHTTP implements http.Handler
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, http.Header{})
	if err != nil {
		a.lg.Warn("error upgrading websocket", zap.Error(err))
		return
	}
	t, err := New(conn, a.cfg, a.lg)
	if err != nil {
		a.lg.Warn("failed to create websocket transport", zap.Error(err))
		return
	}
	select {
	case a.accepted <- t:
	case <-a.done:
		_ = t.Close()
	case <-r.Context().Done():
		_ = t.Close()
	}
}

// Accept waits for the next upgraded connection.
func (a *Acceptor) Accept() (transport.Transport, error) {
	select {
	case t := <-a.accepted:
		return t, nil
	case <-a.done:
		return nil, ErrAcceptorClosed
	}
}

// Close makes pending and future Accept calls fail. Accepted transports are not affected.
func (a *Acceptor) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
	})
	return nil
}
