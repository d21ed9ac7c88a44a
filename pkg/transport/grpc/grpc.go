// Package grpc carries transport messages over one bidirectional gRPC stream.
//
// The service is described by hand and uses a codec passing raw bytes through, so no generated code
// is involved:
//
//	service Transport { rpc Connect(stream bytes) returns (stream bytes); }
package grpc

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/AutoMQ/omnistreams/pkg/transport"
	"github.com/AutoMQ/omnistreams/pkg/util/logutil"
)

const (
	_serviceName = "omnistreams.Transport"
	_methodName  = "Connect"
	_codecName   = "omnistreams-raw"

	// how long a closing client waits for the server to finish the stream
	_closeGrace = 5 * time.Second
)

var (
	// ErrAcceptorClosed is returned by Accept after Close
	ErrAcceptorClosed = errors.New("grpc acceptor closed")
)

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// frame is the only message type of the service
type frame struct {
	data []byte
}

// rawCodec marshals a *frame to its bytes and back
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, errors.Errorf("unexpected message type %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return errors.Errorf("unexpected message type %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string {
	return _codecName
}

// connector is implemented by Acceptor
type connector interface {
	connect(stream grpc.ServerStream) error
}

var _serviceDesc = grpc.ServiceDesc{
	ServiceName: _serviceName,
	HandlerType: (*connector)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    _methodName,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(connector).connect(stream)
}

// msgStream is the part of grpc.ClientStream and grpc.ServerStream a messageConn uses
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// messageConn adapts a gRPC stream to transport.MessageConn
type messageConn struct {
	stream msgStream

	recvDone     chan struct{} // closed once RecvMsg failed
	recvDoneOnce sync.Once

	closeOnce sync.Once
	onClose   func() error
	closeErr  error
}

func newMessageConn(stream msgStream, onClose func() error) *messageConn {
	return &messageConn{
		stream:   stream,
		recvDone: make(chan struct{}),
		onClose:  onClose,
	}
}

func (c *messageConn) ReadMessage() ([]byte, error) {
	var f frame
	if err := c.stream.RecvMsg(&f); err != nil {
		c.recvDoneOnce.Do(func() { close(c.recvDone) })
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "receive grpc message")
	}
	return f.data, nil
}

func (c *messageConn) WriteMessage(msg []byte) error {
	return c.stream.SendMsg(&frame{data: msg})
}

func (c *messageConn) Flush() error {
	return nil
}

func (c *messageConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.onClose()
	})
	return c.closeErr
}

// Dial opens a Connect stream to target and returns the transport.
func Dial(ctx context.Context, target string, logger *zap.Logger) (*transport.Pump, error) {
	logger = logutil.OrNop(logger).With(zap.String("target", target))
	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(_codecName)),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "create grpc client for %s", target)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &_serviceDesc.Streams[0], "/"+_serviceName+"/"+_methodName)
	stop()
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, errors.Wrapf(err, "open stream to %s", target)
	}

	var c *messageConn
	c = newMessageConn(stream, func() error {
		if err := stream.CloseSend(); err != nil {
			logger.Debug("failed to close send direction", zap.Error(err))
		}
		select {
		case <-c.recvDone:
		case <-time.After(_closeGrace):
			logger.Warn("server did not finish the stream in time")
		}
		cancel()
		return cc.Close()
	})
	return transport.NewPump(c, logger), nil
}

// Acceptor is a gRPC service handing out one transport per Connect stream.
type Acceptor struct {
	accepted  chan transport.Transport
	done      chan struct{}
	closeOnce sync.Once

	lg *zap.Logger
}

// NewAcceptor returns an acceptor. Register it on a grpc.Server and call Accept to get the transports.
func NewAcceptor(logger *zap.Logger) *Acceptor {
	return &Acceptor{
		accepted: make(chan transport.Transport),
		done:     make(chan struct{}),
		lg:       logutil.OrNop(logger),
	}
}

// Register adds the Transport service to s.
func (a *Acceptor) Register(s *grpc.Server) {
	s.RegisterService(&_serviceDesc, a)
}

func (a *Acceptor) connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	finished := make(chan struct{})
	var once sync.Once
	c := newMessageConn(stream, func() error {
		once.Do(func() { close(finished) })
		return nil
	})
	t := transport.NewPump(c, a.lg)

	select {
	case a.accepted <- t:
	case <-a.done:
		// the pump's reader only returns once the handler did
		go t.Close()
		return status.Error(codes.Unavailable, "acceptor closed")
	case <-ctx.Done():
		go t.Close()
		return ctx.Err()
	}

	// the stream lives as long as the handler
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		// the pump observes the cancellation as end of input and its owner closes it
		<-finished
		return nil
	}
}

// Accept waits for the next Connect stream.
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
