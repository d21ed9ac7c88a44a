// Package taskutil runs the background tasks of streams and multiplexers.
package taskutil

import (
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/util/logutil"
)

var _default = NewGroup(nil)

// Group is a set of background tasks sharing the Go scheduler.
// A panicking task is logged and does not take down its siblings.
type Group struct {
	wg conc.WaitGroup
	lg *zap.Logger
}

// NewGroup creates an empty group
func NewGroup(logger *zap.Logger) *Group {
	return &Group{lg: logutil.OrNop(logger)}
}

// Default returns the process-wide group used when no group is configured.
func Default() *Group {
	return _default
}

// Go spawns f as a task named name.
func (g *Group) Go(name string, f func()) {
	g.wg.Go(func() {
		var pc panics.Catcher
		pc.Try(f)
		if r := pc.Recovered(); r != nil {
			g.lg.Error("task panicked", zap.String("task", name), zap.Any("panic", r.Value), zap.ByteString("stack", r.Stack))
		}
	})
}

// Wait blocks until every task spawned on g has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
