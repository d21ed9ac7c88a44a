package mux

import (
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/util/logutil"
	"github.com/AutoMQ/omnistreams/pkg/util/taskutil"
)

type options struct {
	lg      *zap.Logger
	group   *taskutil.Group
	metrics *Metrics
}

// Option configures a Multiplexer
type Option func(*options)

// WithLogger sets the logger of the session
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.lg = logger
	}
}

// WithGroup sets the task group the session task is spawned on
func WithGroup(group *taskutil.Group) Option {
	return func(o *options) {
		o.group = group
	}
}

// WithMetrics sets the collectors the session reports to
func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

func applyOptions(opts ...Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.lg = logutil.OrNop(o.lg)
	if o.group == nil {
		o.group = taskutil.Default()
	}
	return o
}
