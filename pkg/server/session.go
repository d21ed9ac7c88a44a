package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/mux"
	"github.com/AutoMQ/omnistreams/pkg/server/config"
	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/adapter"
	"github.com/AutoMQ/omnistreams/pkg/util/taskutil"
	"github.com/AutoMQ/omnistreams/pkg/util/traceutil"
)

// session stores the streams of one multiplexer
type session struct {
	ctx   context.Context
	m     *mux.Multiplexer
	sink  *config.Sink
	tasks *taskutil.Group

	lg *zap.Logger
}

func newSession(ctx context.Context, m *mux.Multiplexer, sink *config.Sink, tasks *taskutil.Group, logger *zap.Logger) *session {
	return &session{
		ctx:   ctx,
		m:     m,
		sink:  sink,
		tasks: tasks,
		lg:    logger.With(zap.String("session", m.ID())),
	}
}

// run handles the events of the multiplexer until it is over.
func (s *session) run() {
	logger := s.lg
	events, err := s.m.Events()
	if err != nil {
		logger.Error("failed to take multiplexer events", zap.Error(err))
		_ = s.m.Close()
		return
	}

	for {
		e, err := events.Recv(s.ctx)
		if err != nil {
			break
		}
		switch e.Kind {
		case mux.EventConduit:
			s.accept(e)
		case mux.EventControlMessage:
			logger.Info("receive control message", zap.ByteString("payload", e.Payload))
		}
	}

	events.Drop()
	_ = s.m.Close()
	if err := s.m.Err(); err != nil {
		logger.Warn("session ended with fault", zap.Error(err))
		return
	}
	logger.Info("session ended")
}

// accept writes the stream into its own file in the sink directory. Every stream gets a trace id
// that follows it into the logs of its write adapter.
func (s *session) accept(e mux.Event) {
	p := e.Producer
	name := fmt.Sprintf("%s-%d", s.m.ID(), p.ID())
	path := filepath.Join(s.sink.Dir, name)
	ctx := traceutil.SetTraceID(s.ctx, uuid.NewString())
	logger := s.lg.With(zap.Uint8("stream-id", p.ID()), zap.String("file", path), traceutil.TraceLogField(ctx))

	f, err := os.Create(path)
	if err != nil {
		logger.Error("failed to create sink file, cancel the stream", zap.Error(err))
		p.Cancel(stream.Other("sink unavailable"))
		return
	}

	streamOpts := []stream.Option{stream.WithLogger(logger), stream.WithGroup(s.tasks)}
	w := adapter.NewWriteAdapter(f,
		adapter.WithInitialDemand(s.sink.InitialDemand),
		adapter.WithStreamOptions(streamOpts...),
	)
	if err := stream.Pipe[[]byte](p, w, streamOpts...); err != nil {
		logger.Error("failed to pipe stream into sink file", zap.Error(err))
		w.End()
		p.Cancel(stream.Disconnected())
		return
	}
	logger.Info("accept stream", zap.ByteString("payload", e.Payload))
}

// close ends the session and waits for its teardown
func (s *session) close() {
	_ = s.m.Close()
}
