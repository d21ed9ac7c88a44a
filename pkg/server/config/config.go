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

package config

import (
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	// EnvPrefix prefixes the environment variables overriding the configuration,
	// e.g. OMNISTREAMS_SINK_DIR for sink.dir.
	EnvPrefix = "OMNISTREAMS"
)

// Config is the configuration for [server.Server] and the send mode
type Config struct {
	v *viper.Viper

	Log       *Log
	Transport *Transport
	Sink      *Sink
	Metrics   *Metrics
	Send      *Send

	// Args are the positional arguments left after the flags.
	Args []string `toml:"-"`
	// PrintConfig asks to dump the effective configuration and exit.
	PrintConfig bool `toml:"-"`

	lg *zap.Logger
}

// NewConfig creates a new config from the command line, the configuration file it names and the
// environment. Usage and parse errors are written to errOutput.
func NewConfig(arguments []string, errOutput io.Writer) (*Config, error) {
	cfg := &Config{
		Log:       NewLog(),
		Transport: NewTransport(),
		Sink:      NewSink(),
		Metrics:   NewMetrics(),
		Send:      NewSend(),
	}

	v, fs := configure()
	fs.SetOutput(errOutput)

	// parse from command line
	fs.String("config", "", "configuration file")
	fs.Bool("print-config", false, "print the effective configuration in TOML and exit")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}
	cfg.Args = fs.Args()
	cfg.PrintConfig, _ = fs.GetBool("print-config")

	// read configuration from file
	if c, _ := fs.GetString("config"); c != "" {
		v.SetConfigFile(c)
		err = v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// read configuration from environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// set config
	err = v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	cfg.v = v
	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty) and builds the logger.
func (c *Config) Adjust() error {
	if err := c.Log.Adjust(); err != nil {
		return errors.WithMessage(err, "adjust log")
	}
	logger, err := c.Log.Logger()
	if err != nil {
		return errors.WithMessage(err, "create logger")
	}
	c.lg = logger

	if configFile := c.v.ConfigFileUsed(); configFile != "" {
		logger.Info("load configuration from file", zap.String("file-name", configFile))
	}

	c.Transport.Adjust()
	if err := c.Sink.Adjust(); err != nil {
		return errors.WithMessage(err, "adjust sink")
	}
	c.Send.Adjust()
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return errors.WithMessage(err, "validate transport")
	}
	if err := c.Sink.Validate(); err != nil {
		return errors.WithMessage(err, "validate sink")
	}
	if err := c.Send.Validate(); err != nil {
		return errors.WithMessage(err, "validate send")
	}
	return nil
}

// Logger returns logger generated based on the config. It is nil before Adjust.
func (c *Config) Logger() *zap.Logger {
	return c.lg
}

// WriteTOML writes the effective configuration to w.
func (c *Config) WriteTOML(w io.Writer) error {
	return errors.WithMessage(toml.NewEncoder(w).Encode(c), "encode configuration")
}

func configure() (*viper.Viper, *pflag.FlagSet) {
	v := viper.New()
	fs := pflag.NewFlagSet("omnistreams", pflag.ContinueOnError)

	logConfigure(v, fs)
	transportConfigure(v, fs)
	sinkConfigure(v, fs)
	metricsConfigure(v, fs)
	sendConfigure(v, fs)

	return v, fs
}
