package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/raphaelgruber/scrapedeck/internal/client"
	"github.com/raphaelgruber/scrapedeck/internal/metrics"
	"github.com/raphaelgruber/scrapedeck/internal/models"
)

// Submission defaults.
const (
	DefaultMaxPagesPerURL = 50
	MaxPagesPerURLLimit   = 500

	// ClearReason is sent with the terminate request issued by Clear.
	ClearReason = "user_cleared"
)

// Validation errors returned by Submit.
var (
	ErrNoURLs         = errors.New("no urls given")
	ErrInvalidURL     = errors.New("invalid url")
	ErrInvalidConfig  = errors.New("invalid submit config")
	ErrTaskInProgress = errors.New("a task is already in progress")
)

// API is the part of the API client the controller needs.
type API interface {
	SubmitTask(ctx context.Context, req client.SubmitRequest) (string, error)
	TaskStatus(ctx context.Context, taskID string) (*client.TaskStatus, error)
}

// SubmitConfig holds the per-submission options.
type SubmitConfig struct {
	MaxPagesPerURL   int `validate:"min=1,max=500"`
	UseAIPagination  bool
	AIExtractionMode bool
}

// DefaultSubmitConfig matches the server's defaults.
func DefaultSubmitConfig() SubmitConfig {
	return SubmitConfig{
		MaxPagesPerURL:   DefaultMaxPagesPerURL,
		UseAIPagination:  true,
		AIExtractionMode: true,
	}
}

type submission struct {
	URLs []string `validate:"required,dive,http_url"`
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Status   models.Status
	Task     *models.Task
	View     ProgressView
	Fallback bool
}

// NotificationLevel grades a Notification.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelSuccess NotificationLevel = "success"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// Notification is a one-shot user-visible message.
type Notification struct {
	Level  NotificationLevel
	Text   string
	TaskID string
	Status models.Status
}

// Controller drives one task at a time through
// idle → submitted → connecting → running → completed|failed|terminated → idle.
// Run must be running for Submit, Clear and Reset to complete.
type Controller struct {
	api      API
	registry *Registry
	channel  *Channel
	agg      *Aggregator
	clock    Clock
	logger   *slog.Logger
	metrics  *metrics.Collector
	validate *validator.Validate

	statusPollInterval time.Duration

	events        chan Event
	updates       chan Snapshot
	notifications chan Notification

	pubMu sync.Mutex

	mu       sync.Mutex
	status   models.Status
	task     *models.Task
	view     ProgressView
	fallback bool

	// loop-owned
	taskGen   uint64
	pollTimer Timer
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerClock replaces the wall clock for reconnect and poll timers.
func WithControllerClock(clock Clock) ControllerOption {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithStatusPollInterval sets how often /status is polled after fallback.
func WithStatusPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.statusPollInterval = d
		}
	}
}

// WithControllerMetrics counts reconnects and dropped frames.
func WithControllerMetrics(m *metrics.Collector) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController wires a controller. dialer opens progress channels.
func NewController(api API, registry *Registry, dialer Dialer, logger *slog.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		api:                api,
		registry:           registry,
		agg:                NewAggregator(logger),
		clock:              SystemClock,
		logger:             logger,
		validate:           validator.New(),
		statusPollInterval: DefaultPollInterval,
		events:             make(chan Event, 64),
		updates:            make(chan Snapshot, 1),
		notifications:      make(chan Notification, 16),
		status:             models.StatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.channel = NewChannel(dialer, c.events, c.taskActive, logger,
		WithClock(c.clock), WithChannelMetrics(c.metrics))
	return c
}

// Updates delivers the latest snapshot after every handled event. Older
// undelivered snapshots are replaced.
func (c *Controller) Updates() <-chan Snapshot {
	return c.updates
}

// Notifications delivers one-shot messages.
func (c *Controller) Notifications() <-chan Notification {
	return c.notifications
}

// Registry returns the task registry used by Clear.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Status:   c.status,
		Task:     c.task.Clone(),
		View:     c.view.clone(),
		Fallback: c.fallback,
	}
}

func (c *Controller) taskActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Active()
}

// ParseURLs splits operator input into URLs: one per line, trimmed, blanks dropped.
func ParseURLs(input string) []string {
	var urls []string
	for _, line := range strings.Split(input, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			urls = append(urls, line)
		}
	}
	return urls
}

// Submit validates input, starts a scrape job and begins monitoring it. On
// any failure the controller is back in idle and the error is returned.
func (c *Controller) Submit(ctx context.Context, input string, cfg SubmitConfig) (string, error) {
	urls := ParseURLs(input)
	if len(urls) == 0 {
		return "", ErrNoURLs
	}
	if cfg.MaxPagesPerURL == 0 {
		cfg.MaxPagesPerURL = DefaultMaxPagesPerURL
	}
	if err := c.validate.Struct(submission{URLs: urls}); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, invalidURLs(err, urls))
	}
	if err := c.validate.Struct(cfg); err != nil {
		return "", fmt.Errorf("%w: max pages per url must be 1..%d", ErrInvalidConfig, MaxPagesPerURLLimit)
	}

	c.mu.Lock()
	if c.status.Active() {
		c.mu.Unlock()
		return "", ErrTaskInProgress
	}
	c.status = models.StatusSubmitted
	c.task = nil
	c.view = ProgressView{}
	c.fallback = false
	c.mu.Unlock()
	c.publish()

	taskID, err := c.api.SubmitTask(ctx, client.SubmitRequest{
		URLs:             urls,
		MaxPagesPerURL:   cfg.MaxPagesPerURL,
		UseAIPagination:  cfg.UseAIPagination,
		AIExtractionMode: cfg.AIExtractionMode,
	})
	if err != nil {
		c.logger.Error("submit failed", "urls", len(urls), "error", err)
		c.mu.Lock()
		c.status = models.StatusIdle
		c.mu.Unlock()
		c.publish()
		return "", err
	}

	c.logger.Info("task submitted", "task_id", taskID, "urls", len(urls))
	abandoned := false
	err = c.exec(ctx, func(loopCtx context.Context) {
		c.mu.Lock()
		if abandoned {
			c.mu.Unlock()
			return
		}
		c.task = &models.Task{
			ID:          taskID,
			Status:      models.StatusConnecting,
			URLs:        urls,
			SubmittedAt: time.Now(),
		}
		c.status = models.StatusConnecting
		c.view = ProgressView{}
		c.mu.Unlock()

		c.taskGen++
		c.stopPoll()
		c.agg.Reset()
		c.channel.Open(loopCtx, taskID)
	})
	if err != nil {
		// The queued start may still reach the loop; it sees abandoned and does nothing.
		c.logger.Warn("submitted task not monitored", "task_id", taskID, "error", err)
		c.mu.Lock()
		abandoned = true
		if c.status == models.StatusSubmitted {
			c.status = models.StatusIdle
		}
		c.mu.Unlock()
		c.publish()
		return taskID, err
	}
	return taskID, nil
}

func invalidURLs(err error, urls []string) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	bad := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if s, ok := fe.Value().(string); ok {
			bad = append(bad, s)
		}
	}
	if len(bad) == 0 {
		return strings.Join(urls, ", ")
	}
	return strings.Join(bad, ", ")
}

// Clear terminates every active server task plus the locally monitored one,
// then returns to idle regardless of the outcome. The result is for
// reporting only.
func (c *Controller) Clear(ctx context.Context) (models.TerminateResult, error) {
	var local string
	c.mu.Lock()
	if c.task != nil && !c.status.Terminal() {
		local = c.task.ID
	}
	c.mu.Unlock()

	res, termErr := c.registry.TerminateAll(ctx, ClearReason, local)
	if termErr != nil {
		c.logger.Warn("clear: terminate failed", "error", termErr)
	}

	if err := c.exec(ctx, c.toIdle); err != nil {
		return res, err
	}
	return res, termErr
}

// Reset returns to idle without terminating anything.
func (c *Controller) Reset(ctx context.Context) error {
	return c.exec(ctx, c.toIdle)
}

func (c *Controller) toIdle(context.Context) {
	c.taskGen++
	c.stopPoll()
	c.channel.Close()
	c.agg.Reset()

	c.mu.Lock()
	c.status = models.StatusIdle
	c.task = nil
	c.view = ProgressView{}
	c.fallback = false
	c.mu.Unlock()
}

// exec runs fn on the event loop and waits for it. fn receives the loop's
// context.
func (c *Controller) exec(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	select {
	case c.events <- Event{Kind: eventExec, exec: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the event loop. Every state change after submission happens here,
// in arrival order. It returns when ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		c.stopPoll()
		c.channel.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ctx, ev)
			c.publish()
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case eventExec:
		ev.exec(ctx)
		close(ev.done)

	case eventStatusPoll:
		if ev.Gen != c.taskGen {
			return
		}
		c.pollTimer = nil
		taskID := c.currentTaskID()
		gen := ev.Gen
		go func() {
			st, err := c.api.TaskStatus(ctx, taskID)
			select {
			case c.events <- Event{Kind: eventStatusResult, Gen: gen, status: st, Err: err}:
			case <-ctx.Done():
			}
		}()

	case eventStatusResult:
		if ev.Gen != c.taskGen || !c.taskActive() {
			return
		}
		if ev.Err != nil {
			c.logger.Debug("status poll failed", "error", ev.Err)
		} else if ev.status != nil {
			c.handleMessage(Message{Type: KindStatus, Data: ev.status.Raw})
		}
		if c.taskActive() {
			c.schedulePoll(ctx)
		}

	default:
		switch c.channel.Handle(ev) {
		case TransitionOpened:
			c.markRunning()
		case TransitionFrame:
			c.handleMessage(ev.Msg)
		case TransitionFallback:
			c.startFallback(ctx)
		}
	}
}

func (c *Controller) currentTaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil {
		return ""
	}
	return c.task.ID
}

func (c *Controller) markRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == models.StatusConnecting || c.status == models.StatusSubmitted {
		c.status = models.StatusRunning
		if c.task != nil {
			c.task.Status = models.StatusRunning
		}
	}
}

func (c *Controller) handleMessage(m Message) {
	if !c.taskActive() {
		return
	}
	c.markRunning()

	view, eff := c.agg.Apply(m)

	c.mu.Lock()
	c.view = view
	if c.task != nil {
		c.task.Progress = models.Progress{Stage: view.Stage, Percentage: view.Percentage, Details: view.Details, Stats: view.Stats}
	}
	c.mu.Unlock()

	if eff.Terminal {
		c.finish(eff)
	}
}

func (c *Controller) finish(eff Effect) {
	if eff.CloseChannel {
		c.channel.Close()
	}
	c.stopPoll()

	now := time.Now()
	c.mu.Lock()
	c.status = eff.Status
	taskID := ""
	if c.task != nil {
		taskID = c.task.ID
		c.task.Status = eff.Status
		c.task.Error = eff.Error
		c.task.Reason = eff.Reason
		c.task.FinishedAt = &now
		if eff.Status == models.StatusCompleted {
			c.task.Result = &models.TaskResult{Records: eff.Records, Metadata: eff.Metadata}
		}
	}
	c.mu.Unlock()

	level := LevelSuccess
	switch eff.Status {
	case models.StatusFailed:
		level = LevelError
	case models.StatusTerminated:
		level = LevelWarning
	}
	c.logger.Info("task finished", "task_id", taskID, "status", eff.Status)
	c.notify(Notification{Level: level, Text: eff.Notification, TaskID: taskID, Status: eff.Status})
}

func (c *Controller) startFallback(ctx context.Context) {
	c.mu.Lock()
	c.fallback = true
	taskID := ""
	if c.task != nil {
		taskID = c.task.ID
	}
	c.mu.Unlock()

	c.notify(Notification{
		Level:  LevelWarning,
		Text:   "Live updates unavailable, polling task status",
		TaskID: taskID,
		Status: models.StatusRunning,
	})
	c.schedulePoll(ctx)
}

func (c *Controller) schedulePoll(ctx context.Context) {
	c.stopPoll()
	gen := c.taskGen
	c.pollTimer = c.clock.AfterFunc(c.statusPollInterval, func() {
		select {
		case c.events <- Event{Kind: eventStatusPoll, Gen: gen}:
		case <-ctx.Done():
		}
	})
}

func (c *Controller) stopPoll() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
}

func (c *Controller) notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
		c.logger.Warn("notification dropped", "text", n.Text)
	}
}

func (c *Controller) publish() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	snap := c.Snapshot()
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- snap:
	default:
	}
}
