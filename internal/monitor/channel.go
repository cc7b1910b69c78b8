package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/client"
	"github.com/raphaelgruber/scrapedeck/internal/metrics"
)

// Reconnection policy: the n-th consecutive reconnect waits n × ReconnectBaseDelay,
// and no more than MaxReconnectAttempts are made before falling back to polling.
const (
	ReconnectBaseDelay   = 2000 * time.Millisecond
	MaxReconnectAttempts = 5
)

// Conn is one open progress channel connection.
type Conn interface {
	Read() ([]byte, error)
	Close() error
}

// Dialer opens a progress channel connection for a task.
type Dialer interface {
	Dial(ctx context.Context, taskID string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, taskID string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, taskID string) (Conn, error) {
	return f(ctx, taskID)
}

// StreamDialer dials the API server's websocket endpoint through c.
func StreamDialer(c *client.Client) Dialer {
	return DialerFunc(func(ctx context.Context, taskID string) (Conn, error) {
		conn, err := c.DialStream(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests substitute a fake to observe delays.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// EventKind tags an Event.
type EventKind int

const (
	// EventOpened: a dial succeeded; Conn is set.
	EventOpened EventKind = iota + 1
	// EventClosed: a dial failed or an open connection ended; Err is set.
	EventClosed
	// EventFrame: a decoded frame arrived; Msg is set.
	EventFrame
	// EventReconnect: a reconnect timer fired.
	EventReconnect

	eventStatusPoll
	eventStatusResult
	eventExec
)

// Event is one item on the owner's event queue. Gen identifies the connection
// (or, for controller events, the task) it belongs to; stale events are ignored.
type Event struct {
	Kind EventKind
	Gen  uint64
	Conn Conn
	Err  error
	Msg  Message

	status *client.TaskStatus
	exec   func(context.Context)
	done   chan struct{}
}

// Transition is what Handle reports back to the owner.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionOpened
	TransitionFrame
	TransitionReconnecting
	TransitionClosed
	// TransitionFallback: reconnection was abandoned and the owner must poll.
	TransitionFallback
)

// Channel owns at most one progress connection. All methods must be called
// from the owner's event loop; dialing and reading happen on goroutines that
// only post Events to the queue.
type Channel struct {
	dialer  Dialer
	clock   Clock
	events  chan<- Event
	active  func() bool
	logger  *slog.Logger
	metrics *metrics.Collector

	ctx        context.Context
	cancelDial context.CancelFunc
	taskID     string
	gen        uint64
	conn       Conn
	wantOpen   bool
	attempts   int
	timer      Timer
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithClock replaces the wall clock.
func WithClock(clock Clock) ChannelOption {
	return func(c *Channel) {
		c.clock = clock
	}
}

// WithChannelMetrics counts reconnects and dropped frames.
func WithChannelMetrics(m *metrics.Collector) ChannelOption {
	return func(c *Channel) {
		c.metrics = m
	}
}

// NewChannel creates a closed channel posting to events. active reports
// whether the owning task still expects updates; reconnection only happens
// while it returns true.
func NewChannel(dialer Dialer, events chan<- Event, active func() bool, logger *slog.Logger, opts ...ChannelOption) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		dialer: dialer,
		clock:  SystemClock,
		events: events,
		active: active,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gen returns the current connection generation.
func (c *Channel) Gen() uint64 {
	return c.gen
}

// Attempts returns the consecutive reconnect count.
func (c *Channel) Attempts() int {
	return c.attempts
}

// IsOpen reports whether a connection is established.
func (c *Channel) IsOpen() bool {
	return c.conn != nil
}

// Open starts connecting to the task's progress channel. An existing
// connection is closed first. ctx bounds every goroutine the channel starts.
func (c *Channel) Open(ctx context.Context, taskID string) {
	c.Close()
	c.ctx = ctx
	c.taskID = taskID
	c.attempts = 0
	c.wantOpen = true
	c.dial()
}

// Close releases the connection and cancels any pending reconnect. It is
// idempotent.
func (c *Channel) Close() {
	c.wantOpen = false
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Handle applies a connection event and reports the resulting transition.
func (c *Channel) Handle(ev Event) Transition {
	if ev.Gen != c.gen || !c.wantOpen {
		if ev.Kind == EventOpened && ev.Conn != nil {
			_ = ev.Conn.Close()
		}
		return TransitionNone
	}

	switch ev.Kind {
	case EventOpened:
		c.conn = ev.Conn
		c.attempts = 0
		go c.read(c.ctx, c.gen, ev.Conn)
		c.logger.Debug("progress channel opened", "task_id", c.taskID)
		return TransitionOpened

	case EventFrame:
		return TransitionFrame

	case EventReconnect:
		c.timer = nil
		if !c.active() {
			c.wantOpen = false
			return TransitionClosed
		}
		c.dial()
		return TransitionReconnecting

	case EventClosed:
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		if !c.active() {
			c.wantOpen = false
			return TransitionClosed
		}
		if c.attempts >= MaxReconnectAttempts {
			c.wantOpen = false
			c.logger.Warn("progress channel gave up", "task_id", c.taskID, "attempts", c.attempts, "error", ev.Err)
			return TransitionFallback
		}
		c.attempts++
		delay := time.Duration(c.attempts) * ReconnectBaseDelay
		ctx, gen := c.ctx, c.gen
		c.timer = c.clock.AfterFunc(delay, func() {
			c.post(ctx, Event{Kind: EventReconnect, Gen: gen})
		})
		c.metrics.Incr(metrics.CounterReconnects)
		c.logger.Info("progress channel lost, reconnecting",
			"task_id", c.taskID, "attempt", c.attempts, "delay", delay, "error", ev.Err)
		return TransitionReconnecting
	}
	return TransitionNone
}

func (c *Channel) dial() {
	c.gen++
	gen, taskID, parent := c.gen, c.taskID, c.ctx
	if c.cancelDial != nil {
		c.cancelDial()
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancelDial = cancel

	go func() {
		conn, err := c.dialer.Dial(ctx, taskID)
		if err != nil {
			c.post(parent, Event{Kind: EventClosed, Gen: gen, Err: err})
			return
		}
		if !c.post(parent, Event{Kind: EventOpened, Gen: gen, Conn: conn}) {
			_ = conn.Close()
		}
	}()
}

// read pumps frames from conn until it fails.
func (c *Channel) read(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read()
		if err != nil {
			c.post(ctx, Event{Kind: EventClosed, Gen: gen, Err: err})
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			c.metrics.Incr(metrics.CounterDroppedFrames)
			c.logger.Warn("dropping frame", "error", err)
			continue
		}
		if !c.post(ctx, Event{Kind: EventFrame, Gen: gen, Msg: msg}) {
			return
		}
	}
}

// post delivers ev unless ctx is done.
func (c *Channel) post(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
