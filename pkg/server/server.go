// Copyright 2016 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server accepts transports on the configured listeners and stores every stream the peers
// send into the sink directory.
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/AutoMQ/omnistreams/pkg/mux"
	"github.com/AutoMQ/omnistreams/pkg/server/config"
	"github.com/AutoMQ/omnistreams/pkg/transport"
	grpctransport "github.com/AutoMQ/omnistreams/pkg/transport/grpc"
	"github.com/AutoMQ/omnistreams/pkg/transport/tcp"
	"github.com/AutoMQ/omnistreams/pkg/transport/websocket"
	"github.com/AutoMQ/omnistreams/pkg/util/taskutil"
)

const (
	_shutdownHTTPTimeout = 5 * time.Second // timeout when shutdown http servers
	_readHeaderTimeout   = 10 * time.Second
)

// Server runs one multiplexer per accepted transport
type Server struct {
	started atomic.Bool // server status, true for started

	cfg *config.Config // Server configuration

	ctx        context.Context    // main context
	loopCtx    context.Context    // loop context
	loopCancel context.CancelFunc // loop cancel
	listeners  *errgroup.Group    // accept loops and http/grpc servers
	tasks      *taskutil.Group    // sessions and streams

	sessions cmap.ConcurrentMap[string, *session]
	registry *prometheus.Registry
	metrics  *mux.Metrics

	tcpListener     *tcp.Listener
	wsListener      net.Listener
	wsAcceptor      *websocket.Acceptor
	wsServer        *http.Server
	grpcListener    net.Listener
	grpcAcceptor    *grpctransport.Acceptor
	grpcServer      *grpc.Server
	metricsListener net.Listener
	metricsServer   *http.Server

	lg *zap.Logger // logger
}

// NewServer creates the UNSTARTED server with given configuration.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	err := multierr.Combine(
		registry.Register(collectors.NewGoCollector()),
		registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "register runtime collectors")
	}
	metrics, err := mux.NewMetrics(registry)
	if err != nil {
		return nil, errors.WithMessage(err, "register multiplexer metrics")
	}

	s := &Server{
		cfg:      cfg,
		ctx:      ctx,
		tasks:    taskutil.NewGroup(logger),
		sessions: cmap.New[*session](),
		registry: registry,
		metrics:  metrics,
		lg:       logger,
	}
	return s, nil
}

// Start creates the sink directory and starts every configured listener
func (s *Server) Start() error {
	if err := os.MkdirAll(s.cfg.Sink.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create sink dir")
	}

	s.loopCtx, s.loopCancel = context.WithCancel(s.ctx)
	s.listeners, _ = errgroup.WithContext(s.loopCtx)

	if err := s.startListeners(); err != nil {
		s.loopCancel()
		_ = s.closeListeners()
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		_ = s.listeners.Wait()
		return errors.WithMessage(err, "start listeners")
	}
	s.started.Store(true)
	s.lg.Info("server started", zap.String("sink-dir", s.cfg.Sink.Dir))
	return nil
}

func (s *Server) startListeners() error {
	cfg := s.cfg.Transport
	logger := s.lg

	if cfg.TCPAddr != "" {
		l, err := tcp.Listen(cfg.TCPAddr, cfg.TCP(), logger.With(zap.String("listener", "tcp")))
		if err != nil {
			return err
		}
		s.tcpListener = l
		logger.Info("listen for tcp transports", zap.Stringer("addr", l.Addr()))
		s.acceptLoop("tcp", l.Accept)
	}

	if cfg.WSAddr != "" {
		l, err := net.Listen("tcp", cfg.WSAddr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", cfg.WSAddr)
		}
		s.wsListener = l
		s.wsAcceptor = websocket.NewAcceptor(cfg.WebSocket(), logger.With(zap.String("listener", "websocket")))
		router := http.NewServeMux()
		router.Handle(cfg.WSPath, s.wsAcceptor)
		s.wsServer = &http.Server{Handler: router, ReadHeaderTimeout: _readHeaderTimeout}
		logger.Info("listen for websocket transports", zap.Stringer("addr", l.Addr()), zap.String("path", cfg.WSPath))
		s.serveHTTP("websocket", s.wsServer, l)
		s.acceptLoop("websocket", s.wsAcceptor.Accept)
	}

	if cfg.GRPCAddr != "" {
		l, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", cfg.GRPCAddr)
		}
		s.grpcListener = l
		s.grpcAcceptor = grpctransport.NewAcceptor(logger.With(zap.String("listener", "grpc")))
		s.grpcServer = grpc.NewServer(grpc.MaxRecvMsgSize(cfg.MaxMessageSize), grpc.MaxSendMsgSize(cfg.MaxMessageSize))
		s.grpcAcceptor.Register(s.grpcServer)
		logger.Info("listen for grpc transports", zap.Stringer("addr", l.Addr()))
		s.listeners.Go(func() error {
			return errors.WithMessage(s.grpcServer.Serve(l), "serve grpc")
		})
		s.acceptLoop("grpc", s.grpcAcceptor.Accept)
	}

	if addr := s.cfg.Metrics.Addr; addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", addr)
		}
		s.metricsListener = l
		router := http.NewServeMux()
		router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		s.metricsServer = &http.Server{Handler: router, ReadHeaderTimeout: _readHeaderTimeout}
		logger.Info("serve metrics", zap.Stringer("addr", l.Addr()))
		s.serveHTTP("metrics", s.metricsServer, l)
	}
	return nil
}

func (s *Server) serveHTTP(name string, srv *http.Server, l net.Listener) {
	s.listeners.Go(func() error {
		if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "serve %s", name)
		}
		return nil
	})
}

// acceptLoop runs a multiplexer for every transport accept returns, until accept fails.
func (s *Server) acceptLoop(name string, accept func() (transport.Transport, error)) {
	logger := s.lg.With(zap.String("listener", name))
	s.listeners.Go(func() error {
		for {
			t, err := accept()
			if err != nil {
				if s.loopCtx.Err() != nil {
					return nil
				}
				logger.Error("failed to accept transport", zap.Error(err))
				return errors.Wrapf(err, "accept %s transport", name)
			}
			s.serve(t, logger)
		}
	})
}

func (s *Server) serve(t transport.Transport, logger *zap.Logger) {
	m, err := mux.New(t, mux.WithLogger(logger), mux.WithGroup(s.tasks), mux.WithMetrics(s.metrics))
	if err != nil {
		logger.Error("failed to start multiplexer", zap.Error(err))
		_ = t.Close()
		return
	}
	sess := newSession(s.loopCtx, m, s.cfg.Sink, s.tasks, logger)
	s.sessions.Set(m.ID(), sess)
	s.tasks.Go("session", func() {
		defer s.sessions.Remove(m.ID())
		sess.run()
	})
}

// Sessions returns the number of sessions being served
func (s *Server) Sessions() int {
	return s.sessions.Count()
}

// TCPAddr returns the address of the TCP listener, or nil if it is disabled
func (s *Server) TCPAddr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// WSAddr returns the address of the WebSocket listener, or nil if it is disabled
func (s *Server) WSAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// GRPCAddr returns the address of the gRPC listener, or nil if it is disabled
func (s *Server) GRPCAddr() net.Addr {
	if s.grpcListener == nil {
		return nil
	}
	return s.grpcListener.Addr()
}

// MetricsAddr returns the address serving /metrics, or nil if it is disabled
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// Close stops accepting transports, closes every session and waits for all tasks to return
func (s *Server) Close() error {
	if !s.started.CompareAndSwap(true, false) {
		// server is not running
		return nil
	}
	logger := s.lg
	logger.Info("closing server")

	s.loopCancel()
	err := s.closeListeners()

	for _, sess := range s.sessions.Items() {
		sess.close()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	err = multierr.Append(err, s.listeners.Wait())
	s.tasks.Wait()

	if err != nil {
		logger.Warn("server closed with errors", zap.Error(err))
		return err
	}
	logger.Info("server closed")
	return nil
}

func (s *Server) closeListeners() error {
	ctx, cancel := context.WithTimeout(context.Background(), _shutdownHTTPTimeout)
	defer cancel()

	var err error
	if s.tcpListener != nil {
		err = multierr.Append(err, ignoreClosed(s.tcpListener.Close()))
	}
	if s.wsAcceptor != nil {
		err = multierr.Append(err, s.wsAcceptor.Close())
	}
	if s.wsServer != nil {
		err = multierr.Append(err, s.wsServer.Shutdown(ctx))
	} else if s.wsListener != nil {
		err = multierr.Append(err, ignoreClosed(s.wsListener.Close()))
	}
	if s.grpcAcceptor != nil {
		err = multierr.Append(err, s.grpcAcceptor.Close())
	}
	if s.grpcServer == nil && s.grpcListener != nil {
		err = multierr.Append(err, ignoreClosed(s.grpcListener.Close()))
	}
	if s.metricsServer != nil {
		err = multierr.Append(err, s.metricsServer.Shutdown(ctx))
	}
	return err
}

func ignoreClosed(err error) error {
	if transport.IsClosedConnError(err) {
		return nil
	}
	return err
}
