package traceutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	re := require.New(t)

	ctx := context.Background()
	re.Empty(TraceID(ctx))

	ctx = SetTraceID(ctx, "session-1")
	re.Equal("session-1", TraceID(ctx))
	re.Equal("session-1", TraceLogField(ctx).String)
}
