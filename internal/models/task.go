package models

import (
	"encoding/json"
	"math"
	"time"
)

// Status is the lifecycle state of a monitored task.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSubmitted  Status = "submitted"
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether no further progress is expected in s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Active reports whether s is a submitted, connecting or running state.
func (s Status) Active() bool {
	switch s {
	case StatusSubmitted, StatusConnecting, StatusRunning:
		return true
	}
	return false
}

// Progress is the latest progress snapshot of a task.
type Progress struct {
	Stage      string         `json:"stage"`
	Percentage int            `json:"percentage"`
	Details    string         `json:"details"`
	Stats      map[string]any `json:"stats,omitempty"`
}

// UnmarshalJSON accepts fractional percentages and clamps them to 0..100.
func (p *Progress) UnmarshalJSON(data []byte) error {
	var w struct {
		Stage      string          `json:"stage"`
		Percentage json.RawMessage `json:"percentage"`
		Details    string          `json:"details"`
		Stats      map[string]any  `json:"stats"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Progress{
		Stage:      w.Stage,
		Percentage: ClampPercentage(decodeNumber(w.Percentage)),
		Details:    w.Details,
		Stats:      w.Stats,
	}
	return nil
}

// ClampPercentage rounds v and bounds it to 0..100.
func ClampPercentage(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v)
}

// TaskResult is present only once a task completed.
type TaskResult struct {
	Records  []Record       `json:"products"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task is one server-side scrape job as seen by the console.
type Task struct {
	ID          string
	Status      Status
	Progress    Progress
	Result      *TaskResult
	Error       string
	Reason      string
	URLs        []string
	SubmittedAt time.Time
	FinishedAt  *time.Time
}

// Clone returns a copy of t that shares no slices with it.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.URLs = cloneStrings(t.URLs)
	if t.Result != nil {
		res := TaskResult{Metadata: t.Result.Metadata}
		res.Records = make([]Record, len(t.Result.Records))
		for i, r := range t.Result.Records {
			res.Records[i] = r.Clone()
		}
		c.Result = &res
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// TaskSummary is one entry of the server's active-task listing.
type TaskSummary struct {
	TaskID          string   `json:"task_id"`
	ScraperType     string   `json:"scraper_type"`
	Status          string   `json:"status"`
	StartTime       string   `json:"start_time"`
	URLsCount       int      `json:"urls_count"`
	CurrentProgress Progress `json:"current_progress"`
}

// TerminateOutcome classifies a bulk termination.
type TerminateOutcome string

const (
	TerminateAll     TerminateOutcome = "all"
	TerminatePartial TerminateOutcome = "partial"
	TerminateNone    TerminateOutcome = "none"
)

// TerminateResult is the outcome of a best-effort bulk termination.
type TerminateResult struct {
	TerminatedIDs   []string
	FailedIDs       []string
	FailureReasons  map[string]string
	TotalTerminated int
}

// Outcome reports whether every, some or none of the requested tasks stopped.
func (r TerminateResult) Outcome() TerminateOutcome {
	switch {
	case len(r.FailedIDs) == 0:
		return TerminateAll
	case r.TotalTerminated == 0:
		return TerminateNone
	default:
		return TerminatePartial
	}
}
