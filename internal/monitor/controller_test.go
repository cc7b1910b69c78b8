package monitor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/scrapedeck/internal/client"
	"github.com/raphaelgruber/scrapedeck/internal/dataset"
	"github.com/raphaelgruber/scrapedeck/internal/models"
	"github.com/raphaelgruber/scrapedeck/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runController(t *testing.T, ctrl *monitor.Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitNotification(t *testing.T, ctrl *monitor.Controller, status models.Status) monitor.Notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-ctrl.Notifications():
			if n.Status == status {
				return n
			}
		case <-deadline:
			t.Fatalf("no %s notification", status)
			return monitor.Notification{}
		}
	}
}

func scrapedRecords(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"product_name": fmt.Sprintf("Product %d", i+1),
			"price":        1000 + i,
			"colors":       []string{"Red"},
			"source_url":   "https://shop.example/a",
		}
	}
	return out
}

// newScrapeServer serves /scrape/ai and a websocket at /ws/t1 that sends
// frames in order and then holds the connection until the client leaves.
func newScrapeServer(t *testing.T, frames ...map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /scrape/ai", func(w http.ResponseWriter, r *http.Request) {
		var req client.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"task_id":"t1"}}`))
	})
	mux.HandleFunc("/ws/t1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestControllerSubmitToCompletion(t *testing.T) {
	srv := newScrapeServer(t,
		map[string]any{"type": "status_update", "data": map[string]any{"task_id": "t1", "status": "running"}},
		map[string]any{"type": "progress_update", "data": map[string]any{
			"stage": "extracting", "percentage": 40, "details": "page 2 of 5",
		}},
		map[string]any{"type": "task_completed", "data": map[string]any{
			"task_id": "t1",
			"status":  "completed",
			"result":  map[string]any{"products": scrapedRecords(12), "metadata": map[string]any{"pages": 5}},
		}},
	)

	api := client.New(srv.URL)
	ctrl := monitor.NewController(api, monitor.NewRegistry(api, nil), monitor.StreamDialer(api), nil)
	runController(t, ctrl)

	ctx := context.Background()
	id, err := ctrl.Submit(ctx, "https://shop.example/a\n", monitor.DefaultSubmitConfig())
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	n := waitNotification(t, ctrl, models.StatusCompleted)
	assert.Equal(t, monitor.LevelSuccess, n.Level)
	assert.Equal(t, "Scraping completed: 12 records", n.Text)
	assert.Equal(t, "t1", n.TaskID)

	snap := ctrl.Snapshot()
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.False(t, snap.Fallback)
	assert.Equal(t, 40, snap.View.Percentage)
	assert.Equal(t, "extracting", snap.View.Stage)
	require.NotNil(t, snap.Task)
	require.NotNil(t, snap.Task.Result)
	require.NotNil(t, snap.Task.FinishedAt)
	assert.EqualValues(t, 5, snap.Task.Result.Metadata["pages"])

	ed := dataset.New()
	ed.Load(snap.Task.Result.Records)
	assert.Equal(t, 12, ed.Len())
	assert.Empty(t, ed.Dirty())

	// Completed is terminal, so a new submission is accepted.
	_, err = ctrl.Submit(ctx, "https://shop.example/b", monitor.DefaultSubmitConfig())
	require.NoError(t, err)
}

func TestControllerSubmitValidation(t *testing.T) {
	api := &fakeAPI{submitID: "t1"}
	ctrl := monitor.NewController(api, monitor.NewRegistry(api, nil), monitor.DialerFunc(
		func(context.Context, string) (monitor.Conn, error) { return newFakeConn(), nil },
	), nil, monitor.WithControllerClock(&fakeClock{}))
	runController(t, ctrl)
	ctx := context.Background()

	_, err := ctrl.Submit(ctx, "  \n\n ", monitor.DefaultSubmitConfig())
	assert.ErrorIs(t, err, monitor.ErrNoURLs)

	_, err = ctrl.Submit(ctx, "https://ok.example\nnot a url\nftp://files.example", monitor.DefaultSubmitConfig())
	require.ErrorIs(t, err, monitor.ErrInvalidURL)
	assert.Contains(t, err.Error(), "not a url")
	assert.Contains(t, err.Error(), "ftp://files.example")

	cfg := monitor.DefaultSubmitConfig()
	cfg.MaxPagesPerURL = monitor.MaxPagesPerURLLimit + 1
	_, err = ctrl.Submit(ctx, "https://ok.example", cfg)
	assert.ErrorIs(t, err, monitor.ErrInvalidConfig)

	assert.Empty(t, api.submitted, "nothing reaches the server")
	assert.Equal(t, models.StatusIdle, ctrl.Snapshot().Status)

	cfg = monitor.DefaultSubmitConfig()
	cfg.MaxPagesPerURL = 0
	_, err = ctrl.Submit(ctx, "https://ok.example", cfg)
	require.NoError(t, err)
	require.Len(t, api.submitted, 1)
	assert.Equal(t, monitor.DefaultMaxPagesPerURL, api.submitted[0].MaxPagesPerURL)
	assert.Equal(t, []string{"https://ok.example"}, api.submitted[0].URLs)

	_, err = ctrl.Submit(ctx, "https://other.example", monitor.DefaultSubmitConfig())
	assert.ErrorIs(t, err, monitor.ErrTaskInProgress)
}

func TestControllerSubmitFailureReturnsToIdle(t *testing.T) {
	api := &fakeAPI{submitErr: errors.New("503 service unavailable")}
	ctrl := monitor.NewController(api, monitor.NewRegistry(api, nil), monitor.DialerFunc(
		func(context.Context, string) (monitor.Conn, error) { return nil, errors.New("unused") },
	), nil)
	runController(t, ctrl)

	_, err := ctrl.Submit(context.Background(), "https://shop.example", monitor.DefaultSubmitConfig())
	require.Error(t, err)
	assert.Equal(t, models.StatusIdle, ctrl.Snapshot().Status)
	assert.Nil(t, ctrl.Snapshot().Task)
}

func TestControllerSubmitCancelledReturnsToIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	api := &fakeAPI{submitID: "t1", submitHook: cancel}
	conn := newFakeConn()
	var dials atomic.Int32
	ctrl := monitor.NewController(api, monitor.NewRegistry(api, nil), monitor.DialerFunc(
		func(context.Context, string) (monitor.Conn, error) {
			dials.Add(1)
			return conn, nil
		},
	), nil)

	// The loop is not running yet, so the start can only be queued.
	taskID, err := ctrl.Submit(ctx, "https://shop.example", monitor.DefaultSubmitConfig())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "t1", taskID)
	assert.Equal(t, models.StatusIdle, ctrl.Snapshot().Status)
	assert.Nil(t, ctrl.Snapshot().Task)

	runController(t, ctrl)

	_, err = ctrl.Submit(context.Background(), "https://shop.example", monitor.DefaultSubmitConfig())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dials.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return dials.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond,
		"the abandoned start must not open a channel")
	assert.Equal(t, "t1", ctrl.Snapshot().Task.ID)
}

func TestControllerFallbackPolling(t *testing.T) {
	status := json.RawMessage(`{"task_id":"t1","status":"completed","result":{"products":[{"product_name":"Saree"}]}}`)
	api := &fakeAPI{
		submitID: "t1",
		status:   &client.TaskStatus{TaskID: "t1", Status: "completed", Raw: status},
	}
	clock := &fakeClock{}
	ctrl := monitor.NewController(api, monitor.NewRegistry(api, nil), monitor.DialerFunc(
		func(context.Context, string) (monitor.Conn, error) { return nil, errors.New("connection refused") },
	), nil, monitor.WithControllerClock(clock), monitor.WithStatusPollInterval(3*time.Second))
	runController(t, ctrl)

	_, err := ctrl.Submit(context.Background(), "https://shop.example", monitor.DefaultSubmitConfig())
	require.NoError(t, err)

	for range monitor.MaxReconnectAttempts {
		clock.waitAndFire(t)
	}

	n := waitNotification(t, ctrl, models.StatusRunning)
	assert.Equal(t, monitor.LevelWarning, n.Level)
	assert.True(t, ctrl.Snapshot().Fallback)
	assert.Equal(t, models.StatusConnecting, ctrl.Snapshot().Status)

	clock.waitAndFire(t)
	waitNotification(t, ctrl, models.StatusCompleted)

	snap := ctrl.Snapshot()
	assert.Equal(t, models.StatusCompleted, snap.Status)
	require.Len(t, snap.Task.Result.Records, 1)
	assert.Equal(t, "Saree", snap.Task.Result.Records[0].Name)

	delays := clock.recorded()
	require.Len(t, delays, monitor.MaxReconnectAttempts+1)
	assert.Equal(t, 10*time.Second, delays[4])
	assert.Equal(t, 3*time.Second, delays[5])
}

func TestControllerClear(t *testing.T) {
	conn := newFakeConn()
	api := &fakeAPI{
		submitID:  "t1",
		active:    []string{"t1", "t2"},
		terminate: partialTermination(),
	}
	ctrl := monitor.NewController(api, monitor.NewRegistry(api, nil), monitor.DialerFunc(
		func(context.Context, string) (monitor.Conn, error) { return conn, nil },
	), nil, monitor.WithControllerClock(&fakeClock{}))
	runController(t, ctrl)
	ctx := context.Background()

	_, err := ctrl.Submit(ctx, "https://shop.example", monitor.DefaultSubmitConfig())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Status == models.StatusRunning
	}, 2*time.Second, time.Millisecond)

	res, err := ctrl.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalTerminated)
	assert.Equal(t, []string{"t2"}, res.FailedIDs)
	assert.Equal(t, models.TerminatePartial, res.Outcome())
	assert.Equal(t, []string{"t1", "t2"}, api.terminated[0])

	snap := ctrl.Snapshot()
	assert.Equal(t, models.StatusIdle, snap.Status)
	assert.Nil(t, snap.Task)
	assert.Empty(t, snap.View.Log)
	assert.True(t, conn.isClosed())

	// Frames that were in flight for the cleared task do not resurrect it.
	conn.frames <- []byte(`{"type":"task_completed","data":{}}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, models.StatusIdle, ctrl.Snapshot().Status)
}

func TestParseURLs(t *testing.T) {
	got := monitor.ParseURLs(" https://a.example \n\n\thttps://b.example\r\n")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, got)
	assert.Empty(t, monitor.ParseURLs(strings.Repeat("\n", 3)))
}
