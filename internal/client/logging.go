package client

import (
	"log/slog"
	"time"
)

// slowCallThreshold is the duration above which API calls are logged at WARN level.
const slowCallThreshold = 2 * time.Second

// logCall logs a finished API call with its timing. Failures are logged at
// ERROR, slow calls at WARN and everything else at DEBUG.
func logCall(logger *slog.Logger, method, path string, duration time.Duration, err error) {
	attrs := []any{
		"method", method,
		"path", path,
		"duration_ms", duration.Milliseconds(),
	}

	switch {
	case err != nil:
		attrs = append(attrs, "error", err.Error())
		logger.Error("api call failed", attrs...)
	case duration > slowCallThreshold:
		logger.Warn("slow api call", attrs...)
	default:
		logger.Debug("api call completed", attrs...)
	}
}
