package config

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultSinkDir                  = "data"
	_defaultSinkInitialDemand uint64 = 16
	_defaultMetricsAddr              = "127.0.0.1:9464"
)

// Sink is the configuration of where a server stores inbound streams
type Sink struct {
	// Dir receives one file per inbound stream
	Dir string
	// InitialDemand is the demand granted to a new stream before its first write completes
	InitialDemand uint64
}

// NewSink creates a default sink configuration.
func NewSink() *Sink {
	return &Sink{}
}

// Adjust generates default values for some fields (if they are empty)
func (s *Sink) Adjust() error {
	if s.Dir == "" {
		s.Dir = _defaultSinkDir
	}
	dir, err := filepath.Abs(s.Dir)
	if err != nil {
		return errors.Wrap(err, "invalid sink dir path")
	}
	s.Dir = dir
	if s.InitialDemand == 0 {
		s.InitialDemand = _defaultSinkInitialDemand
	}
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (s *Sink) Validate() error {
	if !filepath.IsAbs(s.Dir) {
		return errors.Errorf("sink dir `%s` is not absolute", s.Dir)
	}
	return nil
}

func sinkConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("sink-dir", _defaultSinkDir, "directory inbound streams are written to")
	fs.Uint64("sink-initial-demand", _defaultSinkInitialDemand, "demand granted to a new inbound stream up front")
	_ = v.BindPFlag("sink.dir", fs.Lookup("sink-dir"))
	_ = v.BindPFlag("sink.initialDemand", fs.Lookup("sink-initial-demand"))
}

// Metrics is the configuration of the Prometheus endpoint
type Metrics struct {
	// Addr serves /metrics, empty to disable
	Addr string
}

// NewMetrics creates a default metrics configuration.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func metricsConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("metrics-addr", _defaultMetricsAddr, "address serving Prometheus metrics, empty to disable")
	_ = v.BindPFlag("metrics.addr", fs.Lookup("metrics-addr"))
}
