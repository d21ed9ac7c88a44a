package rangeproducer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/stream"
	"github.com/AutoMQ/omnistreams/pkg/stream/eventchan"
	"github.com/AutoMQ/omnistreams/pkg/util/taskutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(re *require.Assertions, rx *eventchan.Receiver[stream.ProducerEvent[int64]]) []string {
	var got []string
	for {
		e, err := rx.Recv(context.Background())
		if err != nil {
			re.ErrorIs(err, eventchan.ErrClosed)
			return got
		}
		got = append(got, e.String())
	}
}

func TestRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		start   int64
		stop    int64
		request []uint64
		want    []string
	}{
		{
			name:    "start 5 stop 10",
			start:   5,
			stop:    10,
			request: []uint64{5},
			want:    []string{"Data(5)", "Data(6)", "Data(7)", "Data(8)", "Data(9)", "End"},
		},
		{
			name:    "demand up front",
			start:   0,
			stop:    3,
			request: []uint64{3, 10},
			want:    []string{"Data(0)", "Data(1)", "Data(2)", "End"},
		},
		{
			name:    "demand in pieces",
			start:   0,
			stop:    3,
			request: []uint64{1, 1, 1},
			want:    []string{"Data(0)", "Data(1)", "Data(2)", "End"},
		},
		{
			name:  "empty range",
			start: 4,
			stop:  4,
			want:  []string{"End"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			p := NewBuilder().Start(tt.start).Stop(tt.stop).Build()
			rx, err := p.Events()
			re.NoError(err)
			for _, n := range tt.request {
				p.Request(n)
			}
			re.Equal(tt.want, drain(re, rx))
		})
	}
}

func TestEventsTakenTwice(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	p := NewBuilder().Stop(1).Build()
	rx, err := p.Events()
	re.NoError(err)
	_, err = p.Events()
	re.ErrorIs(err, stream.ErrAlreadyTaken)

	p.Request(1)
	re.Equal([]string{"Data(0)", "End"}, drain(re, rx))
}

func TestDemandBound(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	p, task := NewBuilder().Start(0).Stop(100).build(zap.NewNop())
	rx, err := p.Events()
	re.NoError(err)

	granted := 0
	emitted := 0
	for _, n := range []uint64{2, 0, 7, 1, 30} {
		task.handle(stream.ProducerMessage{Kind: stream.EventRequest, Count: n})
		granted += int(n)
		for {
			_, state := rx.Poll()
			if state != eventchan.Ready {
				break
			}
			emitted++
		}
		re.LessOrEqual(emitted, granted)
	}
	re.Equal(40, emitted)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	p := NewBuilder().Start(10).Build()
	rx, err := p.Events()
	re.NoError(err)

	p.Request(2)
	e, err := rx.Recv(context.Background())
	re.NoError(err)
	re.Equal(int64(10), e.Data)

	p.Cancel(stream.Other("enough"))
	// the second item may or may not have been emitted before the cancellation
	for {
		_, err := rx.Recv(context.Background())
		if err != nil {
			re.ErrorIs(err, eventchan.ErrClosed)
			break
		}
	}
	p.Request(1)
}

func TestStepAfterEnd(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	p, task := NewBuilder().Start(0).Stop(1).build(zap.NewNop())
	rx, err := p.Events()
	re.NoError(err)

	task.handle(stream.ProducerMessage{Kind: stream.EventRequest, Count: 5})
	re.True(task.done)
	task.handle(stream.ProducerMessage{Kind: stream.EventRequest, Count: 5})

	e, state := rx.Poll()
	re.Equal(eventchan.Ready, state)
	re.Equal("Data(0)", e.String())
	e, state = rx.Poll()
	re.Equal(eventchan.Ready, state)
	re.True(e.IsEnd())
	_, state = rx.Poll()
	re.Equal(eventchan.Empty, state)
}

func TestDropEventsWithoutDemand(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	group := taskutil.NewGroup(zap.NewNop())
	p := NewBuilder().Options(stream.WithGroup(group)).Build()
	rx, err := p.Events()
	re.NoError(err)

	// no demand was granted, the task sleeps on its mailbox until the reader leaves
	rx.Drop()
	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		re.Fail("range producer still running after its events were dropped")
	}
}
