package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

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

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestConfig(t *testing.T, args ...string) *config.Config {
	re := require.New(t)
	args = append([]string{
		"--tcp-addr=127.0.0.1:0",
		"--ws-addr=127.0.0.1:0",
		"--grpc-addr=127.0.0.1:0",
		"--metrics-addr=127.0.0.1:0",
		"--sink-dir=" + t.TempDir(),
		"--log-level=warn",
	}, args...)
	cfg, err := config.NewConfig(args, io.Discard)
	re.NoError(err)
	re.NoError(cfg.Adjust())
	re.NoError(cfg.Validate())
	return cfg
}

func dial(t *testing.T, network string, s *Server, logger *zap.Logger) transport.Transport {
	re := require.New(t)
	ctx := context.Background()

	var tr transport.Transport
	var err error
	switch network {
	case config.NetworkTCP:
		tr, err = tcp.Dial(ctx, s.TCPAddr().String(), tcp.Config{}, logger)
	case config.NetworkWebSocket:
		tr, err = websocket.Dial(ctx, "ws://"+s.WSAddr().String()+"/streams", websocket.Config{}, logger)
	case config.NetworkGRPC:
		tr, err = grpctransport.Dial(ctx, s.GRPCAddr().String(), logger)
	}
	re.NoError(err)
	return tr
}

func TestServeStreams(t *testing.T) {
	for _, network := range []string{config.NetworkTCP, config.NetworkWebSocket, config.NetworkGRPC} {
		network := network
		t.Run(network, func(t *testing.T) {
			re := require.New(t)
			logger := zaptest.NewLogger(t)
			cfg := newTestConfig(t)

			s, err := NewServer(context.Background(), cfg, logger)
			re.NoError(err)
			re.NoError(s.Start())

			group := taskutil.NewGroup(logger)
			opts := []stream.Option{stream.WithGroup(group), stream.WithLogger(logger)}
			m, err := mux.New(dial(t, network, s, logger), mux.WithGroup(group), mux.WithLogger(logger))
			re.NoError(err)
			re.NoError(m.SendControlMessage([]byte("hello")))

			data := []byte(gofakeit.Paragraph(3, 5, 20, " "))
			r := adapter.NewReadAdapter(bytes.NewReader(data), adapter.WithChunkSize(64), adapter.WithStreamOptions(opts...))
			re.NoError(stream.Pipe[[]byte](r, m.OpenSender([]byte("paragraph.txt")), opts...))
			<-r.Done()

			var path string
			re.Eventually(func() bool {
				entries, err := os.ReadDir(cfg.Sink.Dir)
				if err != nil || len(entries) != 1 {
					return false
				}
				path = filepath.Join(cfg.Sink.Dir, entries[0].Name())
				b, err := os.ReadFile(path)
				return err == nil && bytes.Equal(data, b)
			}, 5*time.Second, 10*time.Millisecond)
			re.True(strings.HasSuffix(path, "-0"))
			re.Equal(1, s.Sessions())

			resp, err := (&http.Client{Transport: &http.Transport{DisableKeepAlives: true}}).
				Get("http://" + s.MetricsAddr().String() + "/metrics")
			re.NoError(err)
			body, err := io.ReadAll(resp.Body)
			re.NoError(err)
			re.NoError(resp.Body.Close())
			re.Contains(string(body), "omnistreams_mux_streams_accepted_total 1")

			re.NoError(m.Close())
			group.Wait()
			re.Eventually(func() bool {
				return s.Sessions() == 0
			}, 5*time.Second, 10*time.Millisecond)
			re.NoError(s.Close())
		})
	}
}

func TestCloseWithOpenSession(t *testing.T) {
	re := require.New(t)
	logger := zaptest.NewLogger(t)
	cfg := newTestConfig(t, "--ws-addr=", "--grpc-addr=", "--metrics-addr=")

	s, err := NewServer(context.Background(), cfg, logger)
	re.NoError(err)
	re.NoError(s.Start())
	re.Nil(s.WSAddr())
	re.Nil(s.GRPCAddr())
	re.Nil(s.MetricsAddr())

	group := taskutil.NewGroup(logger)
	m, err := mux.New(dial(t, config.NetworkTCP, s, logger), mux.WithGroup(group), mux.WithLogger(logger))
	re.NoError(err)
	c := m.OpenSender(nil)
	events, err := c.Events()
	re.NoError(err)

	// the sink grants demand once the stream is accepted
	e, err := events.Recv(context.Background())
	re.NoError(err)
	re.Equal(stream.RequestEvent(16), e)

	re.NoError(s.Close())
	<-m.Done()
	re.Equal(mux.Closed, m.State())
	group.Wait()

	// closing twice is a no-op
	re.NoError(s.Close())
}

func TestStartListenFailure(t *testing.T) {
	re := require.New(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	re.NoError(err)
	defer l.Close()

	cfg := newTestConfig(t, "--grpc-addr="+l.Addr().String())
	s, err := NewServer(context.Background(), cfg, zaptest.NewLogger(t))
	re.NoError(err)
	err = s.Start()
	re.ErrorContains(err, "start listeners")
	re.NoError(s.Close())
}
