package stream

import (
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/util/logutil"
	"github.com/AutoMQ/omnistreams/pkg/util/taskutil"
)

// Options are shared by every constructor that spawns a task.
type Options struct {
	Logger *zap.Logger
	Group  *taskutil.Group
}

// Option configures Options
type Option func(*Options)

// WithLogger sets the logger of the spawned tasks.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithGroup sets the task group the tasks are spawned on.
func WithGroup(group *taskutil.Group) Option {
	return func(o *Options) {
		o.Group = group
	}
}

// ApplyOptions returns the options with defaults filled in.
func ApplyOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	o.Logger = logutil.OrNop(o.Logger)
	if o.Group == nil {
		o.Group = taskutil.Default()
	}
	return o
}
