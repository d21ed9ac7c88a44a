package transport

import (
	"io"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
	"github.com/AutoMQ/omnistreams/pkg/util/logutil"
)

// MessageConn is a connection able to read and write whole messages.
// ReadMessage is called from one goroutine and WriteMessage and Flush from another.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	// Flush writes buffered messages. It is called whenever the outbound queue runs empty.
	Flush() error
	Close() error
}

// Pump turns a MessageConn into a Transport. It runs one goroutine reading messages and one writing them.
type Pump struct {
	conn MessageConn

	in  *eventchan.Chan[[]byte]
	out *eventchan.Chan[[]byte]

	readDone  chan struct{}
	writeDone chan struct{}

	errMu sync.Mutex
	err   error // first write error

	closeOnce sync.Once
	closeErr  error

	lg *zap.Logger
}

// NewPump starts pumping messages over conn.
func NewPump(conn MessageConn, logger *zap.Logger) *Pump {
	p := &Pump{
		conn:      conn,
		in:        eventchan.New[[]byte](),
		out:       eventchan.New[[]byte](),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
		lg:        logutil.OrNop(logger),
	}
	outRx, _ := p.out.Take()
	go p.readMessages()
	go p.writeMessages(outRx)
	return p
}

// Send implements Transport.Send
func (p *Pump) Send(msg []byte) error {
	if err := p.out.Send(msg); err != nil {
		if werr := p.writeErr(); werr != nil {
			return errors.WithMessage(ErrClosed, werr.Error())
		}
		return ErrClosed
	}
	return nil
}

// Messages implements Transport.Messages
func (p *Pump) Messages() (*eventchan.Receiver[[]byte], error) {
	return p.in.Take()
}

// Close implements Transport.Close
func (p *Pump) Close() error {
	p.closeOnce.Do(func() {
		p.out.Close()
		<-p.writeDone
		p.closeErr = p.conn.Close()
		<-p.readDone
		if p.closeErr != nil && IsClosedConnError(p.closeErr) {
			p.closeErr = nil
		}
	})
	return p.closeErr
}

// readMessages is the loop that reads incoming messages.
// It runs on its own goroutine.
func (p *Pump) readMessages() {
	logger := p.lg
	defer logutil.LogPanic(logger)
	defer close(p.readDone)
	defer p.in.Close()

	for {
		msg, err := p.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || IsClosedConnError(err) {
				logger.Info("connection closed by peer or locally")
			} else {
				logger.Error("failed to read message, end of input", zap.Error(err))
			}
			return
		}
		if err := p.in.Send(msg); err != nil {
			// nobody reads the inbound messages anymore
			return
		}
	}
}

// writeMessages is the loop that writes outgoing messages, flushing whenever the queue runs empty.
// It runs on its own goroutine.
func (p *Pump) writeMessages(rx *eventchan.Receiver[[]byte]) {
	logger := p.lg
	defer logutil.LogPanic(logger)
	defer close(p.writeDone)

	needsFlush := false
	for {
		msg, state := rx.Poll()
		switch state {
		case eventchan.Ready:
			if err := p.conn.WriteMessage(msg); err != nil {
				p.fail(rx, errors.WithMessage(err, "write message"))
				return
			}
			needsFlush = true
			continue
		case eventchan.Closed:
			if needsFlush {
				if err := p.conn.Flush(); err != nil {
					p.fail(rx, errors.WithMessage(err, "flush"))
				}
			}
			return
		}
		if needsFlush {
			if err := p.conn.Flush(); err != nil {
				p.fail(rx, errors.WithMessage(err, "flush"))
				return
			}
			needsFlush = false
		}
		<-rx.Ready()
	}
}

func (p *Pump) fail(rx *eventchan.Receiver[[]byte], err error) {
	p.lg.Error("failed to write, close the connection", zap.Error(err))
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
	rx.Drop()
	// unblock the reader
	_ = p.conn.Close()
}

func (p *Pump) writeErr() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// IsClosedConnError reports whether err is an error from use of a closed network connection.
func IsClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
