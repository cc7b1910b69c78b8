package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SCRAPEDECK_SERVER_URL", "SCRAPEDECK_CLIENT_TIMEOUT", "SCRAPEDECK_WEIGHT_URL",
		"SCRAPEDECK_WEIGHT_RPS", "SCRAPEDECK_SEND_TO_EXTERNAL", "SCRAPEDECK_STAGING_DIR",
		"SCRAPEDECK_AUTOSAVE_INTERVAL", "SCRAPEDECK_POLL_INTERVAL", "SCRAPEDECK_LOG_FILE",
		"SCRAPEDECK_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.ServerURL)
	assert.Equal(t, "http://localhost:8000/api/weight", cfg.WeightURL)
	assert.Equal(t, 60*time.Second, cfg.ClientTimeout)
	assert.InDelta(t, 2.0, cfg.WeightRPS, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.AutosaveInterval)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, "/tmp/scrapedeck.log", cfg.LogFile)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.False(t, cfg.SendToExternal)
	assert.True(t, filepath.IsAbs(cfg.StagingDir) || cfg.StagingDir == "~/.local/share/scrapedeck/staging")
}

func TestLoadFileOverlayAndEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: http://scraper.internal:9000/
poll_interval: 5s
log_level: debug
send_to_external: "true"
`), 0o644))

	t.Setenv("SCRAPEDECK_POLL_INTERVAL", "2s")
	t.Setenv("SCRAPEDECK_WEIGHT_RPS", "0.5")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "http://scraper.internal:9000", cfg.ServerURL)
	assert.Equal(t, "http://scraper.internal:9000/api/weight", cfg.WeightURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval, "env wins over file")
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.SendToExternal)
	assert.InDelta(t, 0.5, cfg.WeightRPS, 1e-9)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	clearEnv(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
}

func TestLoadInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCRAPEDECK_AUTOSAVE_INTERVAL", "soon")
	t.Setenv("SCRAPEDECK_WEIGHT_RPS", "-1")

	cfg, err := LoadFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCRAPEDECK_AUTOSAVE_INTERVAL")
	assert.Contains(t, err.Error(), "SCRAPEDECK_WEIGHT_RPS")
	assert.Equal(t, 30*time.Second, cfg.AutosaveInterval)
	assert.InDelta(t, 2.0, cfg.WeightRPS, 1e-9)
}

func TestLoadMalformedFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: [unterminated"), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("task submitted", "task_id", "t1")

	assert.Contains(t, stderr.String(), "task submitted")
	assert.NotContains(t, stderr.String(), "hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "t1", entry["task_id"])
}

func TestSetupFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrapedeck.log")
	logger, cleanup := SetupFileLogger(path, slog.LevelInfo)
	logger.Info("monitor started")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "monitor started")
}
