package monitor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/metrics"
	"github.com/raphaelgruber/scrapedeck/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, events <-chan monitor.Event) monitor.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel event")
		return monitor.Event{}
	}
}

type channelFixture struct {
	ch     *monitor.Channel
	events chan monitor.Event
	clock  *fakeClock
	dials  *atomic.Int32
	conns  []*fakeConn
}

// newChannelFixture builds a channel whose first len(conns) dials succeed
// with the given conns and all later dials fail.
func newChannelFixture(t *testing.T, m *metrics.Collector, conns ...*fakeConn) *channelFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &channelFixture{
		events: make(chan monitor.Event, 16),
		clock:  &fakeClock{},
		dials:  &atomic.Int32{},
		conns:  conns,
	}
	dialer := monitor.DialerFunc(func(context.Context, string) (monitor.Conn, error) {
		n := int(f.dials.Add(1))
		if n <= len(f.conns) {
			return f.conns[n-1], nil
		}
		return nil, errors.New("connection refused")
	})
	f.ch = monitor.NewChannel(dialer, f.events, func() bool { return true }, nil,
		monitor.WithClock(f.clock), monitor.WithChannelMetrics(m))
	f.ch.Open(ctx, "t1")
	return f
}

func (f *channelFixture) handleNext(t *testing.T) (monitor.Event, monitor.Transition) {
	t.Helper()
	ev := nextEvent(t, f.events)
	return ev, f.ch.Handle(ev)
}

func TestChannelReconnectBound(t *testing.T) {
	m := metrics.NewCollector()
	conn := newFakeConn()
	f := newChannelFixture(t, m, conn)

	_, tr := f.handleNext(t)
	require.Equal(t, monitor.TransitionOpened, tr)
	assert.True(t, f.ch.IsOpen())

	conn.fail <- errors.New("connection reset")
	ev, tr := f.handleNext(t)
	require.Equal(t, monitor.EventClosed, ev.Kind)
	require.Equal(t, monitor.TransitionReconnecting, tr)
	assert.True(t, conn.isClosed())

	// Five redials, all refused. The fifth failure is the sixth closure.
	for i := range monitor.MaxReconnectAttempts {
		require.True(t, f.clock.fireNext())

		ev, tr = f.handleNext(t)
		require.Equal(t, monitor.EventReconnect, ev.Kind)
		require.Equal(t, monitor.TransitionReconnecting, tr)

		ev, tr = f.handleNext(t)
		require.Equal(t, monitor.EventClosed, ev.Kind)
		if i < monitor.MaxReconnectAttempts-1 {
			require.Equal(t, monitor.TransitionReconnecting, tr, "closure %d", i+2)
		} else {
			require.Equal(t, monitor.TransitionFallback, tr)
		}
	}

	assert.Equal(t, []time.Duration{
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		6000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
	}, f.clock.recorded())
	assert.EqualValues(t, 6, f.dials.Load())
	assert.Equal(t, monitor.MaxReconnectAttempts, f.ch.Attempts())
	assert.Zero(t, f.clock.pendingCount())
	assert.EqualValues(t, 5, m.Snapshot().Counters[metrics.CounterReconnects])
}

func TestChannelOpenResetsAttempts(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	f := newChannelFixture(t, nil, first, second)

	_, tr := f.handleNext(t)
	require.Equal(t, monitor.TransitionOpened, tr)

	first.fail <- errors.New("eof")
	_, tr = f.handleNext(t)
	require.Equal(t, monitor.TransitionReconnecting, tr)
	assert.Equal(t, 1, f.ch.Attempts())

	require.True(t, f.clock.fireNext())
	_, tr = f.handleNext(t) // reconnect
	require.Equal(t, monitor.TransitionReconnecting, tr)
	_, tr = f.handleNext(t) // opened
	require.Equal(t, monitor.TransitionOpened, tr)
	assert.Zero(t, f.ch.Attempts())

	second.frames <- []byte(`{"type":"progress_update","data":{"percentage":7}}`)
	ev, tr := f.handleNext(t)
	require.Equal(t, monitor.TransitionFrame, tr)
	assert.Equal(t, monitor.KindProgress, ev.Msg.Type)
}

func TestChannelDropsMalformedFrames(t *testing.T) {
	m := metrics.NewCollector()
	conn := newFakeConn()
	f := newChannelFixture(t, m, conn)
	f.handleNext(t)

	conn.frames <- []byte(`garbage`)
	conn.frames <- []byte(`{"type":"task_completed","data":{}}`)

	ev, tr := f.handleNext(t)
	require.Equal(t, monitor.TransitionFrame, tr)
	assert.Equal(t, monitor.KindCompleted, ev.Msg.Type)
	assert.EqualValues(t, 1, m.Snapshot().Counters[metrics.CounterDroppedFrames])
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	f := newChannelFixture(t, nil, conn)
	f.handleNext(t)

	conn.fail <- errors.New("eof")
	closed, tr := f.handleNext(t)
	require.Equal(t, monitor.TransitionReconnecting, tr)
	require.Equal(t, 1, f.clock.pendingCount())

	f.ch.Close()
	f.ch.Close()
	assert.Zero(t, f.clock.pendingCount(), "pending reconnect is cancelled")
	assert.False(t, f.ch.IsOpen())

	// Events from before the close are stale.
	assert.Equal(t, monitor.TransitionNone, f.ch.Handle(closed))
	assert.Equal(t, monitor.TransitionNone, f.ch.Handle(monitor.Event{Kind: monitor.EventReconnect, Gen: closed.Gen}))
}

func TestChannelStaleOpenIsClosed(t *testing.T) {
	conn := newFakeConn()
	f := newChannelFixture(t, nil, conn)

	ev := nextEvent(t, f.events)
	require.Equal(t, monitor.EventOpened, ev.Kind)

	f.ch.Close()
	assert.Equal(t, monitor.TransitionNone, f.ch.Handle(ev))
	assert.True(t, conn.isClosed())
}

func TestChannelStopsWhenTaskInactive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan monitor.Event, 4)
	var active atomic.Bool
	active.Store(true)
	conn := newFakeConn()
	dialer := monitor.DialerFunc(func(context.Context, string) (monitor.Conn, error) { return conn, nil })
	ch := monitor.NewChannel(dialer, events, active.Load, nil, monitor.WithClock(&fakeClock{}))
	ch.Open(ctx, "t1")

	require.Equal(t, monitor.TransitionOpened, ch.Handle(nextEvent(t, events)))

	active.Store(false)
	conn.fail <- errors.New("eof")
	assert.Equal(t, monitor.TransitionClosed, ch.Handle(nextEvent(t, events)))
	assert.Zero(t, ch.Attempts())
}
