package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/AutoMQ/omnistreams/pkg/server"
	"github.com/AutoMQ/omnistreams/pkg/server/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSend(t *testing.T) {
	re := require.New(t)
	logger := zaptest.NewLogger(t)

	cfg, err := config.NewConfig([]string{
		"--tcp-addr=127.0.0.1:0",
		"--metrics-addr=",
		"--sink-dir=" + t.TempDir(),
		"--send-chunk-size=100",
		"--send-dial-retries=0",
	}, io.Discard)
	re.NoError(err)
	re.NoError(cfg.Adjust())
	re.NoError(cfg.Validate())

	svr, err := server.NewServer(context.Background(), cfg, logger)
	re.NoError(err)
	re.NoError(svr.Start())
	defer func() { re.NoError(svr.Close()) }()
	cfg.Send.Addr = svr.TCPAddr().String()

	dir := t.TempDir()
	want := map[string]bool{}
	var files []string
	for i := 0; i < 3; i++ {
		data := gofakeit.LetterN(uint(gofakeit.Number(1, 1000)))
		name := filepath.Join(dir, gofakeit.UUID())
		re.NoError(os.WriteFile(name, []byte(data), 0o600))
		files = append(files, name)
		want[data] = true
	}

	re.NoError(send(context.Background(), cfg.Send, cfg.Transport, files, logger))

	re.Eventually(func() bool {
		entries, err := os.ReadDir(cfg.Sink.Dir)
		if err != nil || len(entries) != len(files) {
			return false
		}
		got := map[string]bool{}
		for _, e := range entries {
			b, err := os.ReadFile(filepath.Join(cfg.Sink.Dir, e.Name()))
			if err != nil {
				return false
			}
			got[string(b)] = true
		}
		return len(got) == len(want) && func() bool {
			for k := range want {
				if !got[k] {
					return false
				}
			}
			return true
		}()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendMissingFile(t *testing.T) {
	re := require.New(t)
	logger := zaptest.NewLogger(t)

	cfg, err := config.NewConfig([]string{"--tcp-addr=127.0.0.1:0", "--metrics-addr=", "--sink-dir=" + t.TempDir()}, io.Discard)
	re.NoError(err)
	re.NoError(cfg.Adjust())

	svr, err := server.NewServer(context.Background(), cfg, logger)
	re.NoError(err)
	re.NoError(svr.Start())
	defer func() { re.NoError(svr.Close()) }()
	cfg.Send.Addr = svr.TCPAddr().String()

	err = send(context.Background(), cfg.Send, cfg.Transport, []string{filepath.Join(t.TempDir(), "missing")}, logger)
	re.ErrorContains(err, "open")
}
