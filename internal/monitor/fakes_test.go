package monitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/client"
	"github.com/raphaelgruber/scrapedeck/internal/models"
	"github.com/raphaelgruber/scrapedeck/internal/monitor"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("use of closed connection")

// fakeClock records every scheduled delay and fires callbacks on demand.
type fakeClock struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) monitor.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, fn: fn}
	c.delays = append(c.delays, d)
	c.pending = append(c.pending, t)
	return t
}

func (c *fakeClock) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

// fireNext runs the oldest live timer and reports whether there was one.
func (c *fakeClock) fireNext() bool {
	c.mu.Lock()
	var next *fakeTimer
	for len(c.pending) > 0 {
		t := c.pending[0]
		c.pending = c.pending[1:]
		if !t.stopped {
			t.stopped = true
			next = t
			break
		}
	}
	c.mu.Unlock()
	if next == nil {
		return false
	}
	next.fn()
	return true
}

// waitAndFire blocks until a timer is pending and fires it.
func (c *fakeClock) waitAndFire(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return c.pendingCount() > 0 }, 2*time.Second, time.Millisecond)
	require.True(t, c.fireNext())
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// fakeConn serves queued frames until it is failed or closed.
type fakeConn struct {
	frames chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.fail:
		return nil, err
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeAPI implements both monitor.API and monitor.RegistryAPI.
type fakeAPI struct {
	mu sync.Mutex

	submitID   string
	submitErr  error
	submitted  []client.SubmitRequest
	submitHook func()

	status    *client.TaskStatus
	statusErr error

	active       []string
	activeErr    error
	terminate    client.TerminateResponse
	terminateErr error
	terminated   [][]string
}

func (f *fakeAPI) SubmitTask(_ context.Context, req client.SubmitRequest) (string, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	hook := f.submitHook
	f.submitHook = nil
	id, err := f.submitID, f.submitErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return id, err
}

func (f *fakeAPI) TaskStatus(context.Context, string) (*client.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeAPI) ActiveTasks(context.Context) (client.ActiveTasks, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return client.ActiveTasks{}, f.activeErr
	}
	var out client.ActiveTasks
	for _, id := range f.active {
		out.Tasks = append(out.Tasks, models.TaskSummary{TaskID: id, Status: "running"})
	}
	out.TotalActive = len(out.Tasks)
	return out, nil
}

func (f *fakeAPI) TerminateTasks(_ context.Context, ids []string, _ string) (client.TerminateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, append([]string(nil), ids...))
	return f.terminate, f.terminateErr
}
