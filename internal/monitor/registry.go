package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/client"
	"github.com/raphaelgruber/scrapedeck/internal/models"
)

// DefaultPollInterval is how often the active-task listing is refreshed.
const DefaultPollInterval = 10 * time.Second

// RegistryAPI is the part of the API client the registry needs.
type RegistryAPI interface {
	ActiveTasks(ctx context.Context) (client.ActiveTasks, error)
	TerminateTasks(ctx context.Context, ids []string, reason string) (client.TerminateResponse, error)
}

// Registry lists and terminates server-side tasks.
type Registry struct {
	api    RegistryAPI
	logger *slog.Logger
}

// NewRegistry creates a registry over api.
func NewRegistry(api RegistryAPI, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{api: api, logger: logger}
}

// ListActive returns the server's non-terminal tasks.
func (r *Registry) ListActive(ctx context.Context) ([]models.TaskSummary, error) {
	resp, err := r.api.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Poll calls ListActive now and then every interval until ctx is done,
// handing each successful result to fn. Errors are logged and skipped.
func (r *Registry) Poll(ctx context.Context, interval time.Duration, fn func([]models.TaskSummary)) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if tasks, err := r.ListActive(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("active task poll failed", "error", err)
		} else {
			fn(tasks)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Terminate stops the given tasks, best effort. Some ids failing is a normal
// result; only a transport failure returns an error, together with a result
// that lists every id as failed.
func (r *Registry) Terminate(ctx context.Context, ids []string, reason string) (models.TerminateResult, error) {
	if len(ids) == 0 {
		return models.TerminateResult{FailureReasons: map[string]string{}}, nil
	}

	resp, err := r.api.TerminateTasks(ctx, ids, reason)
	if err != nil {
		res := models.TerminateResult{
			FailedIDs:      append([]string(nil), ids...),
			FailureReasons: make(map[string]string, len(ids)),
		}
		for _, id := range ids {
			res.FailureReasons[id] = err.Error()
		}
		return res, fmt.Errorf("terminate %d tasks: %w", len(ids), err)
	}

	res := resp.Result()
	r.logger.Info("tasks terminated",
		"requested", len(ids),
		"terminated", res.TotalTerminated,
		"failed", len(res.FailedIDs),
		"reason", reason,
	)
	return res, nil
}

// TerminateAll terminates every active server task plus extraIDs. A failed
// listing is logged and only extraIDs are terminated.
func (r *Registry) TerminateAll(ctx context.Context, reason string, extraIDs ...string) (models.TerminateResult, error) {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	tasks, err := r.ListActive(ctx)
	if err != nil {
		r.logger.Warn("list active tasks before terminate", "error", err)
	}
	for _, t := range tasks {
		add(t.TaskID)
	}
	for _, id := range extraIDs {
		add(id)
	}

	return r.Terminate(ctx, ids, reason)
}
