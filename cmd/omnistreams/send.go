package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/mux"
	"github.com/AutoMQ/omnistreams/pkg/server/config"
	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/adapter"
	"github.com/AutoMQ/omnistreams/pkg/transport"
	grpctransport "github.com/AutoMQ/omnistreams/pkg/transport/grpc"
	"github.com/AutoMQ/omnistreams/pkg/transport/tcp"
	"github.com/AutoMQ/omnistreams/pkg/transport/websocket"
	"github.com/AutoMQ/omnistreams/pkg/util/taskutil"
)

const (
	_sendPollInterval = 20 * time.Millisecond
)

// send streams every file to the peer over one multiplexer, one stream per file.
// The base name of the file is the creation payload of its stream.
func send(ctx context.Context, cfg *config.Send, tcfg *config.Transport, files []string, logger *zap.Logger) error {
	t, err := dialPeer(ctx, cfg, tcfg, logger)
	if err != nil {
		return errors.WithMessage(err, "dial peer")
	}

	group := taskutil.NewGroup(logger)
	m, err := mux.New(t, mux.WithLogger(logger), mux.WithGroup(group))
	if err != nil {
		_ = t.Close()
		return errors.WithMessage(err, "start multiplexer")
	}
	streamOpts := []stream.Option{stream.WithLogger(logger), stream.WithGroup(group)}

	var errs error
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "open %s", name))
			continue
		}
		r := adapter.NewReadAdapter(f, adapter.WithChunkSize(cfg.ChunkSize), adapter.WithStreamOptions(streamOpts...))
		sender := m.OpenSender([]byte(filepath.Base(name)))
		if err := stream.Pipe[[]byte](r, sender, streamOpts...); err != nil {
			r.Cancel(stream.Disconnected())
			sender.End()
			errs = multierr.Append(errs, errors.WithMessagef(err, "pipe %s", name))
			continue
		}
		logger.Info("start to send file", zap.String("file", name))
	}

	// every sender ends once its file was read and written out
	ticker := time.NewTicker(_sendPollInterval)
	defer ticker.Stop()
	for m.ActiveSenders() > 0 {
		select {
		case <-ticker.C:
		case <-m.Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, errors.WithMessage(ctx.Err(), "interrupted"))
		}
		if ctx.Err() != nil || m.State() == mux.Closed {
			break
		}
	}

	_ = m.Close()
	group.Wait()
	return multierr.Append(errs, m.Err())
}

func dialPeer(ctx context.Context, cfg *config.Send, tcfg *config.Transport, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Network {
	case config.NetworkTCP:
		tc := tcfg.TCP()
		tc.DialRetries = cfg.DialRetries
		tc.RetryMin = cfg.RetryMin.Duration
		tc.RetryMax = cfg.RetryMax.Duration
		return tcp.DialWithRetry(ctx, cfg.Addr, tc, logger)
	case config.NetworkWebSocket:
		return websocket.Dial(ctx, cfg.Addr, tcfg.WebSocket(), logger)
	case config.NetworkGRPC:
		return grpctransport.Dial(ctx, cfg.Addr, logger)
	default:
		return nil, errors.Errorf("unknown network `%s`", cfg.Network)
	}
}
