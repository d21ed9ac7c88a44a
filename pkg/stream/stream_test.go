package stream_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/adapter"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
	"github.com/AutoMQ/omnistreams/pkg/stream/mapconduit"
	"github.com/AutoMQ/omnistreams/pkg/stream/rangeproducer"
	"github.com/AutoMQ/omnistreams/pkg/util/taskutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDemand(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var d stream.Demand
	re.False(d.Spend())
	d.Add(2)
	re.True(d.Spend())
	re.True(d.Spend())
	re.False(d.Spend())

	d.Add(^uint64(0))
	d.Add(10)
	re.Equal(^uint64(0), d.Outstanding())
}

func TestCancelReason(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.True(stream.Disconnected().IsDisconnected())
	re.False(stream.Other("").IsDisconnected())
	re.Equal(`Other("boom")`, stream.Other("boom").String())
	re.Equal("Cancellation(Disconnected)", stream.CancellationEvent(stream.Disconnected()).String())
	re.Equal("Request(3)", stream.RequestEvent(3).String())
}

func TestHandleAfterTermination(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	mailbox := eventchan.New[stream.ProducerMessage]()
	events := eventchan.New[stream.ProducerEvent[int]]()
	rx, err := mailbox.Take()
	re.NoError(err)
	h := stream.NewProducerHandle(mailbox, events, zap.NewNop())

	h.Request(1)
	rx.Drop()
	h.Request(1)
	h.Cancel(stream.Disconnected())
	re.Equal(0, mailbox.Len())

	_, err = h.Events()
	re.NoError(err)
	_, err = h.Events()
	re.ErrorIs(err, stream.ErrAlreadyTaken)
}

func TestPipeAlreadyTaken(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	p := rangeproducer.NewBuilder().Start(0).Stop(1).Build()
	_, err := p.Events()
	re.NoError(err)

	ch := make(chan int64, 1)
	sink := adapter.NewSinkAdapter[int64](ch)
	err = stream.Pipe[int64](p, sink)
	re.ErrorIs(err, stream.ErrAlreadyTaken)

	// release the sink and the producer
	sink.End()
	p.Cancel(stream.Other("test over"))
	for range ch {
	}
}

func TestPipeThrough(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	group := taskutil.NewGroup(zap.NewNop())
	opts := []stream.Option{stream.WithGroup(group)}

	src := rangeproducer.NewBuilder().Start(0).Stop(3).Options(opts...).Build()
	out, err := stream.PipeThrough[int64, int64](src, mapconduit.New(func(v int64) int64 { return v * 2 }, opts...), opts...)
	re.NoError(err)

	ch := make(chan int64)
	re.NoError(stream.Pipe(out, stream.Consumer[int64](adapter.NewSinkAdapter[int64](ch, adapter.WithInitialDemand(3),
		adapter.WithStreamOptions(opts...))), opts...))

	var got []int64
	for v := range ch {
		got = append(got, v)
	}
	group.Wait()
	re.Equal([]int64{0, 2, 4}, got)
}

func TestPipeCancellation(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	// an unbounded producer stops once its consumer cancels
	src := rangeproducer.NewBuilder().Start(0).Build()
	events := eventchan.New[stream.ConsumerEvent]()
	mailbox := eventchan.New[stream.ConsumerMessage[int64]]()
	rx, err := mailbox.Take()
	re.NoError(err)
	re.NoError(stream.Pipe[int64](src, stream.NewConsumerHandle(mailbox, events, zap.NewNop())))

	re.NoError(events.Send(stream.RequestEvent(4)))
	for i := int64(0); i < 4; i++ {
		msg, err := rx.Recv(context.Background())
		re.NoError(err)
		re.Equal(stream.EventData, msg.Kind)
		re.Equal(i, msg.Data)
	}
	re.NoError(events.Send(stream.CancellationEvent(stream.Disconnected())))

	// the producer's events close without End, the consumer still gets End
	msg, err := rx.Recv(context.Background())
	re.NoError(err)
	re.Equal(stream.EventEnd, msg.Kind)
	events.Close()
}

func TestEmitter(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	p := rangeproducer.NewBuilder().Start(1).Stop(4).Build()
	emitter, err := stream.Emit[int64](p)
	re.NoError(err)

	var mu sync.Mutex
	var got []string
	done := emitter.ForEach(func(e stream.ProducerEvent[int64]) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.String())
	})
	p.Request(10)
	<-done

	mu.Lock()
	defer mu.Unlock()
	re.Equal([]string{"Data(1)", "Data(2)", "Data(3)", "End"}, got)

	_, err = stream.Emit[int64](p)
	re.ErrorIs(err, stream.ErrAlreadyTaken)
}
