package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/models"
)

// MaxLogEntries caps the progress log. Oldest entries are dropped first.
const MaxLogEntries = 50

// LogEntry is one line of the progress log.
type LogEntry struct {
	Time       time.Time
	Stage      string
	Percentage int
	Details    string
}

// ProgressView is what the presentation layer renders.
type ProgressView struct {
	Stage      string
	Percentage int
	Details    string
	Stats      map[string]any
	Log        []LogEntry
}

func (v ProgressView) clone() ProgressView {
	v.Log = slices.Clone(v.Log)
	return v
}

// Effect is the side effect a frame asks the owner to perform. The zero value
// means none.
type Effect struct {
	Terminal     bool
	Status       models.Status
	Notification string
	CloseChannel bool

	Records  []models.Record
	Metadata map[string]any
	Error    string
	Reason   string
}

// Aggregator folds frames into a ProgressView. It is not safe for concurrent
// use; the controller calls it from its event loop.
type Aggregator struct {
	view   ProgressView
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{logger: logger, now: time.Now}
}

// View returns a copy of the current view.
func (a *Aggregator) View() ProgressView {
	return a.view.clone()
}

// Reset clears the view.
func (a *Aggregator) Reset() {
	a.view = ProgressView{}
}

// taskData is the union of the data payloads the server sends.
type taskData struct {
	Status          string          `json:"status"`
	Error           string          `json:"error"`
	Reason          string          `json:"reason"`
	CurrentProgress json.RawMessage `json:"current_progress"`
	Result          *taskResultData `json:"result"`
	Products        []models.Record `json:"products"`
	Records         []models.Record `json:"records"`
	Metadata        map[string]any  `json:"metadata"`
}

type taskResultData struct {
	Products []models.Record `json:"products"`
	Records  []models.Record `json:"records"`
	Metadata map[string]any  `json:"metadata"`
}

// Apply folds one frame into the view and returns the resulting view and
// effect. Unknown kinds are ignored.
func (a *Aggregator) Apply(m Message) (ProgressView, Effect) {
	switch m.Type {
	case KindProgress:
		var p models.Progress
		if err := json.Unmarshal(m.Data, &p); err != nil {
			a.logger.Warn("dropping progress frame", "error", err)
			return a.View(), Effect{}
		}
		a.applyProgress(p)
		return a.View(), Effect{}

	case KindCompleted, KindFailed, KindTerminated, KindStatus:
		var d taskData
		if len(m.Data) > 0 {
			if err := json.Unmarshal(m.Data, &d); err != nil {
				a.logger.Warn("dropping frame", "type", m.Type, "error", err)
				return a.View(), Effect{}
			}
		}
		if len(d.CurrentProgress) > 0 && string(d.CurrentProgress) != "null" {
			var p models.Progress
			if err := json.Unmarshal(d.CurrentProgress, &p); err == nil {
				a.applyProgress(p)
			}
		}

		kind := m.Type
		if kind == KindStatus {
			kind = terminalKind(d.Status)
			if kind == "" {
				return a.View(), Effect{}
			}
		}
		return a.View(), a.terminalEffect(kind, &d)

	default:
		a.logger.Debug("ignoring frame", "type", m.Type)
		return a.View(), Effect{}
	}
}

func (a *Aggregator) applyProgress(p models.Progress) {
	a.view.Stage = p.Stage
	a.view.Percentage = models.ClampPercentage(float64(p.Percentage))
	a.view.Details = p.Details
	if p.Stats != nil {
		a.view.Stats = p.Stats
	}

	a.view.Log = append(a.view.Log, LogEntry{
		Time:       a.now(),
		Stage:      p.Stage,
		Percentage: a.view.Percentage,
		Details:    p.Details,
	})
	if n := len(a.view.Log); n > MaxLogEntries {
		a.view.Log = slices.Clone(a.view.Log[n-MaxLogEntries:])
	}
}

func (a *Aggregator) terminalEffect(kind Kind, d *taskData) Effect {
	eff := Effect{Terminal: true, CloseChannel: true}
	switch kind {
	case KindCompleted:
		eff.Status = models.StatusCompleted
		eff.Records, eff.Metadata = d.records()
		eff.Notification = fmt.Sprintf("Scraping completed: %d records", len(eff.Records))
	case KindFailed:
		eff.Status = models.StatusFailed
		eff.Error = d.Error
		if eff.Error == "" {
			eff.Error = "unknown error"
		}
		eff.Notification = "Scraping failed: " + eff.Error
	case KindTerminated:
		eff.Status = models.StatusTerminated
		eff.Reason = d.Reason
		eff.Notification = "Task terminated"
		if eff.Reason != "" {
			eff.Notification += ": " + eff.Reason
		}
	}
	return eff
}

// records picks the record list from the first location that has one.
func (d *taskData) records() ([]models.Record, map[string]any) {
	meta := d.Metadata
	if d.Result != nil {
		if d.Result.Metadata != nil {
			meta = d.Result.Metadata
		}
		if d.Result.Products != nil {
			return d.Result.Products, meta
		}
	}
	if d.Products != nil {
		return d.Products, meta
	}
	if d.Result != nil && d.Result.Records != nil {
		return d.Result.Records, meta
	}
	if d.Records != nil {
		return d.Records, meta
	}
	return []models.Record{}, meta
}

// terminalKind maps a server status string to the matching terminal frame kind.
func terminalKind(status string) Kind {
	switch status {
	case "completed", "complete", "success":
		return KindCompleted
	case "failed", "error":
		return KindFailed
	case "terminated", "cancelled", "canceled":
		return KindTerminated
	}
	return ""
}
