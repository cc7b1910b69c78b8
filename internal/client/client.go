// Package client provides an HTTP JSON client for the scraper API server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/metrics"
	"github.com/raphaelgruber/scrapedeck/internal/models"
)

// DefaultEndpoint is used when New is given an empty endpoint.
const DefaultEndpoint = "http://localhost:8000"

// DefaultTimeout bounds a single HTTP call.
const DefaultTimeout = 60 * time.Second

// ErrMissingTaskID is returned when the server accepted a job without an id.
var ErrMissingTaskID = errors.New("server response has no task id")

// Client is a client for the scraper API server.
type Client struct {
	endpoint   string
	httpClient *http.Client
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithMetrics records the duration of every call.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a new API client. If endpoint is empty, DefaultEndpoint is used.
func New(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the server base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// envelope is the common part of every server response.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Detail  json.RawMessage `json:"detail"`
}

// do sends a JSON request and decodes the response body into result.
func (c *Client) do(ctx context.Context, op, method, path string, body, result any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.Since(op, start, err)
		logCall(c.logger, method, path, time.Since(start), err)
	}()

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, path, data)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Success != nil && !*env.Success {
		return newAPIError(resp.StatusCode, path, data)
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TYPES (matching the server's JSON)
// =============================================================================

// SubmitRequest is the body of POST /scrape/ai.
type SubmitRequest struct {
	URLs             []string `json:"urls"`
	MaxPagesPerURL   int      `json:"max_pages_per_url"`
	UseAIPagination  bool     `json:"use_ai_pagination"`
	AIExtractionMode bool     `json:"ai_extraction_mode"`
}

// TaskStatus is the server's task dictionary.
type TaskStatus struct {
	TaskID          string          `json:"task_id"`
	Status          string          `json:"status"`
	ScraperType     string          `json:"scraper_type"`
	StartTime       string          `json:"start_time"`
	EndTime         string          `json:"end_time"`
	URLs            []string        `json:"urls"`
	Error           string          `json:"error"`
	CurrentProgress models.Progress `json:"current_progress"`

	// Raw is the undecoded body, folded into the monitor as a status_update.
	Raw json.RawMessage `json:"-"`
}

// ActiveTasks is the response of GET /api/active-tasks.
type ActiveTasks struct {
	TotalActive int                  `json:"total_active"`
	Tasks       []models.TaskSummary `json:"active_tasks"`
}

// TerminationFailure is one entry of failed_terminations. The server sends
// either a bare task id or an object with a reason.
type TerminationFailure struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// UnmarshalJSON accepts both shapes.
func (f *TerminationFailure) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*f = TerminationFailure{TaskID: id}
		return nil
	}
	var obj struct {
		TaskID string `json:"task_id"`
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*f = TerminationFailure{TaskID: obj.TaskID, Reason: obj.Reason}
	if f.Reason == "" {
		f.Reason = obj.Error
	}
	return nil
}

// TerminateResponse is the response of POST /api/terminate-tasks.
type TerminateResponse struct {
	Message            string               `json:"message"`
	TerminatedTasks    []string             `json:"terminated_tasks"`
	FailedTerminations []TerminationFailure `json:"failed_terminations"`
	TotalTerminated    int                  `json:"total_terminated"`
	TotalFailed        int                  `json:"total_failed"`
}

// Result converts the response into the console's termination outcome.
func (r TerminateResponse) Result() models.TerminateResult {
	res := models.TerminateResult{
		TerminatedIDs:   r.TerminatedTasks,
		TotalTerminated: r.TotalTerminated,
		FailureReasons:  make(map[string]string),
	}
	if res.TotalTerminated == 0 {
		res.TotalTerminated = len(r.TerminatedTasks)
	}
	for _, f := range r.FailedTerminations {
		res.FailedIDs = append(res.FailedIDs, f.TaskID)
		if f.Reason != "" {
			res.FailureReasons[f.TaskID] = f.Reason
		}
	}
	return res
}

// TaskRecords is the response of GET /api/products/{id}.
type TaskRecords struct {
	TaskID         string          `json:"task_id"`
	Records        []models.Record `json:"products"`
	Metadata       map[string]any  `json:"metadata"`
	ScraperType    string          `json:"scraper_type"`
	IsFixedVersion bool            `json:"is_fixed_version"`
	LoadedFile     string          `json:"loaded_file"`
}

// StoredTask is one entry of GET /api/tasks, the server's archive of
// finished scrape results.
type StoredTask struct {
	TaskID           string `json:"task_id"`
	Timestamp        string `json:"timestamp"`
	ScraperType      string `json:"scraper_type"`
	ProductsCount    int    `json:"products_count"`
	PreferredVersion string `json:"preferred_version"`
}

// Batch is the body of POST /api/upload-products.
type Batch struct {
	Records        []models.Record `json:"products"`
	Metadata       BatchMetadata   `json:"metadata"`
	SendToExternal bool            `json:"send_to_external"`
}

// BatchMetadata describes an uploaded batch.
type BatchMetadata struct {
	Timestamp     string `json:"timestamp"`
	TotalProducts int    `json:"total_products"`
	UploadType    string `json:"upload_type"`
	Source        string `json:"source"`
}

// =============================================================================
// CALLS
// =============================================================================

// SubmitTask starts a scrape job and returns its task id.
func (c *Client) SubmitTask(ctx context.Context, req SubmitRequest) (string, error) {
	var resp struct {
		Data struct {
			TaskID string `json:"task_id"`
		} `json:"data"`
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, metrics.OpSubmit, http.MethodPost, "/scrape/ai", req, &resp); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}

	id := resp.Data.TaskID
	if id == "" {
		id = resp.TaskID
	}
	if id == "" {
		return "", ErrMissingTaskID
	}
	return id, nil
}

// TaskStatus fetches the current task dictionary.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var raw json.RawMessage
	if err := c.do(ctx, metrics.OpStatus, http.MethodGet, "/status/"+url.PathEscape(taskID), nil, &raw); err != nil {
		return nil, fmt.Errorf("task status: %w", err)
	}

	var st TaskStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode task status: %w", err)
	}
	st.Raw = raw
	if st.TaskID == "" {
		st.TaskID = taskID
	}
	return &st, nil
}

// ActiveTasks lists the server's non-terminal tasks.
func (c *Client) ActiveTasks(ctx context.Context) (ActiveTasks, error) {
	var resp ActiveTasks
	if err := c.do(ctx, metrics.OpActiveTasks, http.MethodGet, "/api/active-tasks", nil, &resp); err != nil {
		return ActiveTasks{}, fmt.Errorf("list active tasks: %w", err)
	}
	if resp.TotalActive == 0 {
		resp.TotalActive = len(resp.Tasks)
	}
	return resp, nil
}

// TerminateTasks asks the server to stop the given tasks.
func (c *Client) TerminateTasks(ctx context.Context, ids []string, reason string) (TerminateResponse, error) {
	body := struct {
		TaskIDs []string `json:"task_ids"`
		Reason  string   `json:"reason"`
	}{TaskIDs: ids, Reason: reason}

	var resp TerminateResponse
	if err := c.do(ctx, metrics.OpTerminate, http.MethodPost, "/api/terminate-tasks", body, &resp); err != nil {
		return TerminateResponse{}, fmt.Errorf("terminate tasks: %w", err)
	}
	return resp, nil
}

// TaskRecords fetches the stored records of a finished task. The server picks
// the optimized (fixed) variant when one exists.
func (c *Client) TaskRecords(ctx context.Context, taskID string) (*TaskRecords, error) {
	var resp TaskRecords
	if err := c.do(ctx, metrics.OpTaskRecords, http.MethodGet, "/api/products/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return nil, fmt.Errorf("task records: %w", err)
	}
	if resp.TaskID == "" {
		resp.TaskID = taskID
	}
	return &resp, nil
}

// StoredTasks lists the finished results archived on the server, newest first.
func (c *Client) StoredTasks(ctx context.Context) ([]StoredTask, error) {
	var resp struct {
		Tasks []StoredTask `json:"tasks"`
	}
	if err := c.do(ctx, metrics.OpTaskRecords, http.MethodGet, "/api/tasks", nil, &resp); err != nil {
		return nil, fmt.Errorf("list stored tasks: %w", err)
	}
	return resp.Tasks, nil
}

// UploadBatch sends an edited batch to the storage collaborator.
func (c *Client) UploadBatch(ctx context.Context, batch Batch) error {
	if err := c.do(ctx, metrics.OpUpload, http.MethodPost, "/api/upload-products", batch, nil); err != nil {
		return fmt.Errorf("upload batch: %w", err)
	}
	return nil
}
