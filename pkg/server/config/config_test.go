package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/AutoMQ/omnistreams/pkg/util/typeutil"
)

func dur(d time.Duration) typeutil.Duration {
	return typeutil.NewDuration(d)
}

type sections struct {
	logLevel  string
	logFormat string
	transport Transport
	sink      Sink
	metrics   Metrics
	send      Send
}

func sectionsOf(c *Config) sections {
	return sections{
		logLevel:  c.Log.Level,
		logFormat: c.Log.Format,
		transport: *c.Transport,
		sink:      *c.Sink,
		metrics:   *c.Metrics,
		send:      *c.Send,
	}
}

var _fromFile = sections{
	logLevel:  "debug",
	logFormat: "console",
	transport: Transport{
		TCPAddr:        "127.0.0.1:17070",
		WSAddr:         "127.0.0.1:17071",
		WSPath:         "/test-streams",
		GRPCAddr:       "127.0.0.1:17072",
		WSWriteWait:    dur(3 * time.Second),
		WSPongWait:     dur(90 * time.Second),
		MaxMessageSize: 4096,
	},
	sink:    Sink{Dir: "/tmp/test-sink", InitialDemand: 4},
	metrics: Metrics{Addr: ""},
	send: Send{
		Network:     "ws",
		Addr:        "ws://127.0.0.1:17071/test-streams",
		DialRetries: 2,
		RetryMin:    dur(10 * time.Millisecond),
		RetryMax:    dur(time.Second),
		ChunkSize:   512,
	},
}

func TestNewConfig(t *testing.T) {
	type args struct {
		arguments []string
	}
	tests := []struct {
		name     string
		args     args
		want     sections
		wantArgs []string
		wantErr  bool
		errMsg   string
	}{
		{
			name: "default config",
			args: args{arguments: []string{}},
			want: sections{
				logLevel:  "info",
				logFormat: "json",
				transport: Transport{
					TCPAddr:        "127.0.0.1:7070",
					WSPath:         "/streams",
					WSWriteWait:    dur(10 * time.Second),
					WSPongWait:     dur(time.Minute),
					MaxMessageSize: 16 << 20,
				},
				sink:    Sink{Dir: "data", InitialDemand: 16},
				metrics: Metrics{Addr: "127.0.0.1:9464"},
				send: Send{
					Network:     "tcp",
					Addr:        "127.0.0.1:7070",
					DialRetries: 5,
					RetryMin:    dur(100 * time.Millisecond),
					RetryMax:    dur(5 * time.Second),
					ChunkSize:   1024,
				},
			},
		},
		{
			name: "config from command line",
			args: args{arguments: []string{
				"--log-level=debug",
				"--log-format=console",
				"--tcp-addr=127.0.0.1:17070",
				"--ws-addr=127.0.0.1:17071",
				"--ws-path=/test-streams",
				"--grpc-addr=127.0.0.1:17072",
				"--ws-write-wait=3s",
				"--ws-pong-wait=1m30s",
				"--max-message-size=4096",
				"--sink-dir=/tmp/test-sink",
				"--sink-initial-demand=4",
				"--metrics-addr=",
				"--send-network=ws",
				"--send-addr=ws://127.0.0.1:17071/test-streams",
				"--send-dial-retries=2",
				"--send-retry-min=10ms",
				"--send-retry-max=1s",
				"--send-chunk-size=512",
				"send",
				"a.txt",
			}},
			want:     _fromFile,
			wantArgs: []string{"send", "a.txt"},
		},
		{
			name: "config from toml file",
			args: args{arguments: []string{
				"--config=./test/test-config.toml",
			}},
			want: _fromFile,
		},
		{
			name: "config from yaml file",
			args: args{arguments: []string{
				"--config=./test/test-config.yaml",
			}},
			want: _fromFile,
		},
		{
			name: "help message",
			args: args{arguments: []string{
				"--help",
			}},
			wantErr: true,
			errMsg:  pflag.ErrHelp.Error(),
		},
		{
			name: "parse arguments error",
			args: args{arguments: []string{
				"--sink-dir=test",
				"--tcp-addr",
			}},
			wantErr: true,
			errMsg:  "flag needs an argument",
		},
		{
			name: "read configuration file error",
			args: args{arguments: []string{
				"--config=not-exist.yaml",
			}},
			wantErr: true,
			errMsg:  "read configuration file",
		},
		{
			name: "unmarshal configuration error",
			args: args{arguments: []string{
				"--config=./test/test-invalid.toml",
			}},
			wantErr: true,
			errMsg:  "unmarshal configuration",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			config, err := NewConfig(tt.args.arguments, io.Discard)

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			re.Equal(tt.want, sectionsOf(config))
			if tt.wantArgs == nil {
				re.Empty(config.Args)
			} else {
				re.Equal(tt.wantArgs, config.Args)
			}
		})
	}
}

func TestEnvironment(t *testing.T) {
	re := require.New(t)
	t.Setenv("OMNISTREAMS_SINK_DIR", "/tmp/from-env")
	t.Setenv("OMNISTREAMS_SEND_NETWORK", "grpc")

	config, err := NewConfig([]string{"--send-network=tcp"}, io.Discard)
	re.NoError(err)
	re.Equal("/tmp/from-env", config.Sink.Dir)
	// flags set on the command line win
	re.Equal("tcp", config.Send.Network)
}

func TestAdjust(t *testing.T) {
	re := require.New(t)

	config, err := NewConfig([]string{"--sink-dir=", "--sink-initial-demand=0", "--send-chunk-size=0"}, io.Discard)
	re.NoError(err)
	re.NoError(config.Adjust())
	re.NotNil(config.Logger())

	re.True(len(config.Sink.Dir) > len("data"))
	re.Equal(uint64(16), config.Sink.InitialDemand)
	re.Equal(1024, config.Send.ChunkSize)
	re.Equal("json", config.Log.Zap.Encoding)
	re.Equal([]string{"stderr"}, config.Log.Zap.ErrorOutputPaths)
}

func TestLogRotation(t *testing.T) {
	re := require.New(t)

	file := filepath.Join(t.TempDir(), "omnistreams.log")
	config, err := NewConfig([]string{
		"--log-enable-rotation",
		"--log-output=" + file + ", stdout",
		"--log-rotate-max-size=1",
		"--log-rotate-compress",
	}, io.Discard)
	re.NoError(err)
	re.NoError(config.Adjust())
	re.Equal([]string{file, "stdout"}, config.Log.Zap.OutputPaths)
	re.Equal(Rotate{MaxSize: 1, Compress: true}, config.Log.Rotate)

	config.Logger().Info("rotated hello")
	b, err := os.ReadFile(file)
	re.NoError(err)
	re.Contains(string(b), "rotated hello")
	re.Contains(string(b), `"caller":"config/config_test.go:`)
}

func TestLogUnknownFormat(t *testing.T) {
	re := require.New(t)

	config, err := NewConfig([]string{"--log-enable-rotation", "--log-format=xml"}, io.Discard)
	re.NoError(err)
	re.ErrorContains(config.Adjust(), "unknown log format `xml`")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		errMsg  string
	}{
		{
			name: "default config",
			args: []string{},
		},
		{
			name:    "message size too small",
			args:    []string{"--max-message-size=2"},
			wantErr: true,
			errMsg:  "invalid max message size",
		},
		{
			name:    "unknown network",
			args:    []string{"--send-network=udp"},
			wantErr: true,
			errMsg:  "unknown network",
		},
		{
			name:    "retry bounds",
			args:    []string{"--send-retry-min=10s", "--send-retry-max=1s"},
			wantErr: true,
			errMsg:  "exceeds retry max",
		},
		{
			name:    "relative websocket path",
			args:    []string{"--ws-addr=127.0.0.1:0", "--ws-path=streams"},
			wantErr: true,
			errMsg:  "invalid websocket path",
		},
		{
			name:    "negative retries",
			args:    []string{"--send-dial-retries=-1"},
			wantErr: true,
			errMsg:  "invalid dial retries",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			re := require.New(t)

			config, err := NewConfig(tt.args, io.Discard)
			re.NoError(err)
			re.NoError(config.Adjust())
			err = config.Validate()

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
		})
	}
}

func TestWriteTOML(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	config, err := NewConfig([]string{"--config=./test/test-config.toml"}, io.Discard)
	re.NoError(err)

	var buf bytes.Buffer
	re.NoError(config.WriteTOML(&buf))

	var dumped struct {
		Transport Transport
		Send      Send
	}
	_, err = toml.Decode(buf.String(), &dumped)
	re.NoError(err)
	re.Equal(_fromFile.transport, dumped.Transport)
	re.Equal(_fromFile.send, dumped.Send)
}
