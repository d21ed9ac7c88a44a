package mapconduit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/adapter"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
	"github.com/AutoMQ/omnistreams/pkg/stream/rangeproducer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDoubling(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	double := New(func(v int64) int64 { return v * 2 })
	out, err := stream.PipeThrough[int64, int64](rangeproducer.NewBuilder().Start(0).Stop(3).Build(), double)
	re.NoError(err)

	ch := make(chan int64, 3)
	sink := adapter.NewSinkAdapter[int64](ch, adapter.WithInitialDemand(3))
	re.NoError(stream.Pipe(out, stream.Consumer[int64](sink)))

	var got []int64
	for v := range ch {
		got = append(got, v)
	}
	re.Equal([]int64{0, 2, 4}, got)
}

func TestDemandPassesThrough(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c, task := newConduit(func(s string) int { return len(s) }, zap.NewNop())
	in, out := c.Split()
	up, err := in.Events()
	re.NoError(err)
	down, err := out.Events()
	re.NoError(err)

	out.Request(2)
	re.True(task.step())
	e, state := up.Poll()
	re.Equal(eventchan.Ready, state)
	re.Equal(stream.RequestEvent(2), e)

	in.Write("abc")
	in.Write("hello")
	re.True(task.step())
	re.False(task.step())

	d, state := down.Poll()
	re.Equal(eventchan.Ready, state)
	re.Equal(3, d.Data)
	d, state = down.Poll()
	re.Equal(eventchan.Ready, state)
	re.Equal(5, d.Data)
}

func TestWriteExceedsDemand(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c, task := newConduit(func(v int) int { return v }, zap.NewNop())
	in, out := c.Split()
	up, err := in.Events()
	re.NoError(err)
	down, err := out.Events()
	re.NoError(err)

	in.Write(1)
	task.step()
	re.True(task.done)
	task.terminate()

	e, state := up.Poll()
	re.Equal(eventchan.Ready, state)
	re.Equal(stream.EventCancellation, e.Kind)
	re.Equal(stream.Other("write exceeds demand"), e.Reason)
	_, state = down.Poll()
	re.Equal(eventchan.Closed, state)
}

func TestCancelPropagates(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := New(func(v int) int { return v + 1 })
	in, out := c.Split()
	up, err := in.Events()
	re.NoError(err)

	out.Cancel(stream.Disconnected())
	e, err := up.Recv(context.Background())
	re.NoError(err)
	re.Equal(stream.CancellationEvent(stream.Disconnected()), e)
	_, err = up.Recv(context.Background())
	re.ErrorIs(err, eventchan.ErrClosed)
}
