package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/scrapedeck/internal/models"
	"github.com/raphaelgruber/scrapedeck/internal/monitor"
)

// logTail is how many progress log lines the monitor shows.
const logTail = 8

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Warning    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Warning:    lipgloss.Color("#FFAF00"), // amber
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func (t Theme) notificationStyle(level monitor.NotificationLevel) lipgloss.Style {
	switch level {
	case monitor.LevelSuccess:
		return t.completedStyle()
	case monitor.LevelWarning:
		return t.warningStyle()
	case monitor.LevelError:
		return t.errorStyle()
	}
	return t.statusStyle()
}

// snapshotMsg carries the controller state after an event.
type snapshotMsg monitor.Snapshot

// notificationMsg carries a one-shot controller notification.
type notificationMsg monitor.Notification

// activeTasksMsg carries the server's active-task listing.
type activeTasksMsg []models.TaskSummary

// clearedMsg reports the outcome of a clear.
type clearedMsg struct {
	result models.TerminateResult
	err    error
}

// clockMsg refreshes the elapsed time.
type clockMsg time.Time

// monitorModel is the bubbletea model for a running scrape task.
type monitorModel struct {
	ctrl     *monitor.Controller
	taskID   string
	started  time.Time
	snap     monitor.Snapshot
	active   []models.TaskSummary
	notes    []monitor.Notification
	progress progress.Model
	theme    Theme

	clearing bool
	cleared  *clearedMsg
	done     bool
	quitting bool
}

func newMonitorModel(ctrl *monitor.Controller, taskID string) monitorModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return monitorModel{
		ctrl:     ctrl,
		taskID:   taskID,
		started:  time.Now(),
		snap:     ctrl.Snapshot(),
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init starts listening to the controller.
func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		waitSnapshot(m.ctrl),
		waitNotification(m.ctrl),
		clockCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "c":
			if m.clearing || m.done {
				return m, nil
			}
			m.clearing = true
			return m, clearCmd(m.ctrl)
		}

	case snapshotMsg:
		m.snap = monitor.Snapshot(msg)
		if m.snap.Status.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, waitSnapshot(m.ctrl)

	case notificationMsg:
		m.notes = append(m.notes, monitor.Notification(msg))
		if len(m.notes) > 3 {
			m.notes = m.notes[len(m.notes)-3:]
		}
		return m, waitNotification(m.ctrl)

	case activeTasksMsg:
		m.active = msg
		return m, nil

	case clearedMsg:
		m.clearing = false
		m.cleared = &msg
		m.done = true
		return m, tea.Quit

	case clockMsg:
		return m, clockCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the monitor.
func (m monitorModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m monitorModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	var b strings.Builder
	view := m.snap.View

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.snap.Status))
	elapsed := time.Since(m.started).Round(time.Second)
	fmt.Fprintf(&b, "Task %s %s  %s\n", m.taskID, status, elapsed)

	bar := m.progress.ViewAs(float64(view.Percentage) / 100)
	fmt.Fprintf(&b, "%s %3d%%\n", bar, view.Percentage)
	if view.Stage != "" {
		fmt.Fprintf(&b, "%s", view.Stage)
		if view.Details != "" {
			fmt.Fprintf(&b, ": %s", view.Details)
		}
		b.WriteString("\n")
	}
	if m.snap.Fallback {
		b.WriteString(m.theme.warningStyle().Render("live updates lost, polling status") + "\n")
	}

	log := view.Log
	if len(log) > logTail {
		log = log[len(log)-logTail:]
	}
	if len(log) > 0 {
		b.WriteString("\n")
	}
	for _, e := range log {
		line := fmt.Sprintf("  %s %3d%% %s %s", e.Time.Format("15:04:05"), e.Percentage, e.Stage, e.Details)
		b.WriteString(m.theme.hintStyle().Render(line) + "\n")
	}

	if len(m.notes) > 0 {
		b.WriteString("\n")
	}
	for _, n := range m.notes {
		b.WriteString(m.theme.notificationStyle(n.Level).Render(n.Text) + "\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "Active tasks on server: %d\n", len(m.active))

	hint := "c: clear all tasks  q: quit (task keeps running)"
	if m.clearing {
		hint = "terminating tasks..."
	}
	b.WriteString(m.theme.hintStyle().Render(hint) + "\n")
	return b.String()
}

func (m monitorModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nTask %s continues on the server.\nUse 'scrapedeck tasks' to check on it.\n", m.taskID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.cleared != nil {
		return renderTerminate(m.theme, m.cleared.result, m.cleared.err)
	}

	task := m.snap.Task
	switch m.snap.Status {
	case models.StatusCompleted:
		n := 0
		if task != nil && task.Result != nil {
			n = len(task.Result.Records)
		}
		return m.theme.completedStyle().Render(fmt.Sprintf("✓ Completed: %d records", n)) + "\n"
	case models.StatusFailed:
		reason := "unknown error"
		if task != nil && task.Error != "" {
			reason = task.Error
		}
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Scraping failed: %s\n", reason))
	case models.StatusTerminated:
		msg := "Task terminated"
		if task != nil && task.Reason != "" {
			msg += ": " + task.Reason
		}
		return m.theme.warningStyle().Render(msg) + "\n"
	}
	return ""
}

func renderTerminate(theme Theme, res models.TerminateResult, err error) string {
	var b strings.Builder
	switch res.Outcome() {
	case models.TerminateAll:
		b.WriteString(theme.completedStyle().Render(fmt.Sprintf("Terminated %d tasks", res.TotalTerminated)))
	case models.TerminatePartial:
		b.WriteString(theme.warningStyle().Render(fmt.Sprintf("Terminated %d tasks, %d failed", res.TotalTerminated, len(res.FailedIDs))))
	default:
		b.WriteString(theme.errorStyle().Render(fmt.Sprintf("No tasks terminated, %d failed", len(res.FailedIDs))))
	}
	b.WriteString("\n")
	for _, id := range res.FailedIDs {
		reason := res.FailureReasons[id]
		if reason == "" {
			reason = "unknown"
		}
		fmt.Fprintf(&b, "  • %s: %s\n", id, reason)
	}
	if err != nil {
		b.WriteString(theme.errorStyle().Render(err.Error()) + "\n")
	}
	return b.String()
}

func waitSnapshot(ctrl *monitor.Controller) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(<-ctrl.Updates())
	}
}

func waitNotification(ctrl *monitor.Controller) tea.Cmd {
	return func() tea.Msg {
		return notificationMsg(<-ctrl.Notifications())
	}
}

// clearCmd terminates every active task. Runs in a separate goroutine
// (command) to avoid blocking Update().
func clearCmd(ctrl *monitor.Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := ctrl.Clear(ctx)
		return clearedMsg{result: res, err: err}
	}
}

func clockCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return clockMsg(t)
	})
}

// RunMonitor runs the interactive monitor for a submitted task until it
// reaches a terminal state, the operator clears it or quits. It returns the
// final controller snapshot and whether the operator quit early.
func RunMonitor(ctx context.Context, ctrl *monitor.Controller, taskID string) (monitor.Snapshot, bool, error) {
	p := tea.NewProgram(newMonitorModel(ctrl, taskID))

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ctrl.Registry().Poll(pollCtx, cfg.PollInterval, func(tasks []models.TaskSummary) {
		p.Send(activeTasksMsg(tasks))
	})

	finalModel, err := p.Run()
	if err != nil {
		return monitor.Snapshot{}, false, fmt.Errorf("monitor UI error: %w", err)
	}

	m, ok := finalModel.(monitorModel)
	if !ok {
		return ctrl.Snapshot(), false, nil
	}
	if m.cleared != nil && m.cleared.err != nil {
		return m.snap, false, m.cleared.err
	}
	return m.snap, m.quitting, nil
}
