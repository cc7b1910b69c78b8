// Package service composes the core packages into the operations the CLI
// exposes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/client"
	"github.com/raphaelgruber/scrapedeck/internal/dataset"
	"github.com/raphaelgruber/scrapedeck/internal/models"
	"github.com/raphaelgruber/scrapedeck/internal/pipeline"
	"github.com/raphaelgruber/scrapedeck/internal/staging"
)

// ErrNothingStaged is returned by LoadStaged when no staged dataset exists.
var ErrNothingStaged = errors.New("no staged dataset")

// RecordsAPI fetches the records of a finished task.
type RecordsAPI interface {
	TaskRecords(ctx context.Context, taskID string) (*client.TaskRecords, error)
}

// Stage persists the working dataset between sessions.
type Stage interface {
	SaveRecords(taskID string, records []models.Record) error
	LoadRecords() (*staging.Snapshot, error)
	ClearRecords() error
}

// Session is one editing session over a single dataset. It is not safe for
// concurrent use; the editor shell drives it from one goroutine.
type Session struct {
	editor   *dataset.Editor
	stage    Stage
	api      RecordsAPI
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
	now      func() time.Time

	taskID   string
	savedGen uint64
	saved    bool
}

// NewSession creates a session with an empty editor. api may be nil when
// only staged data is edited.
func NewSession(stage Stage, api RecordsAPI, p *pipeline.Pipeline, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		editor:   dataset.New(),
		stage:    stage,
		api:      api,
		pipeline: p,
		logger:   logger,
		now:      time.Now,
	}
}

// Editor returns the session's editor.
func (s *Session) Editor() *dataset.Editor {
	return s.editor
}

// TaskID returns the id of the task the dataset came from, if known.
func (s *Session) TaskID() string {
	return s.taskID
}

// LoadTask replaces the dataset with the records of a finished task. The
// server picks the optimized variant when one exists.
func (s *Session) LoadTask(ctx context.Context, taskID string) (*client.TaskRecords, error) {
	if s.api == nil {
		return nil, errors.New("no api client configured")
	}
	res, err := s.api.TaskRecords(ctx, taskID)
	if err != nil {
		return nil, err
	}

	variant := "original"
	if res.IsFixedVersion {
		variant = "fixed"
	}
	s.logger.Info("task records loaded",
		"task_id", taskID,
		"count", len(res.Records),
		"variant", variant,
		"file", res.LoadedFile,
	)

	s.load(taskID, res.Records)
	return res, nil
}

// LoadStaged resumes from the staged dataset.
func (s *Session) LoadStaged() (*staging.Snapshot, error) {
	snap, err := s.stage.LoadRecords()
	if errors.Is(err, staging.ErrNotFound) {
		return nil, ErrNothingStaged
	}
	if err != nil {
		return nil, err
	}
	s.load(snap.TaskID, snap.Records)
	s.logger.Info("staged records resumed", "task_id", snap.TaskID, "count", len(snap.Records), "saved_at", snap.SavedAt)
	return snap, nil
}

// LoadRecords replaces the dataset with records that arrived some other way,
// such as a completed monitor task.
func (s *Session) LoadRecords(taskID string, records []models.Record) {
	s.load(taskID, records)
}

func (s *Session) load(taskID string, records []models.Record) {
	s.editor.Load(records)
	s.taskID = taskID
	s.savedGen = s.editor.Generation()
	s.saved = false
}

// Pending reports whether the dataset has changes that Save would write.
func (s *Session) Pending() bool {
	return len(s.editor.Dirty()) > 0 || !s.saved || s.savedGen != s.editor.Generation()
}

// Save writes the working dataset to staging and clears the dirty set. It
// reports whether anything was written; calling it again without changes is
// a no-op.
func (s *Session) Save() (bool, error) {
	if !s.Pending() {
		return false, nil
	}

	records, err := pipeline.Collect(s.editor, s.now())
	if err != nil {
		return false, err
	}
	if err := s.stage.SaveRecords(s.taskID, records); err != nil {
		return false, fmt.Errorf("save session: %w", err)
	}

	s.editor.MarkSaved()
	s.savedGen = s.editor.Generation()
	s.saved = true
	return true, nil
}

// Upload saves, then enriches and exports the whole dataset. A failed upload
// leaves the staged copy in place.
func (s *Session) Upload(ctx context.Context) (pipeline.UploadReport, error) {
	if s.pipeline == nil {
		return pipeline.UploadReport{}, errors.New("no upload pipeline configured")
	}
	if _, err := s.Save(); err != nil {
		return pipeline.UploadReport{}, err
	}
	return s.pipeline.Run(ctx, s.editor)
}

// Discard drops the staged dataset and resets the editor to its loaded state.
// Nothing is pending afterwards, so a later Save writes only new edits.
func (s *Session) Discard() error {
	s.editor.Reset()
	if err := s.stage.ClearRecords(); err != nil {
		return fmt.Errorf("discard staged records: %w", err)
	}
	s.saved = true
	s.savedGen = s.editor.Generation()
	return nil
}
