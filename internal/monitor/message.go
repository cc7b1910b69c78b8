// Package monitor follows a scrape task from submission to a terminal state:
// the progress channel with its reconnection policy, the aggregation of
// progress frames, the server-side task registry and the lifecycle controller
// that ties them together on a single event loop.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the type tag of a progress channel frame.
type Kind string

const (
	KindProgress   Kind = "progress_update"
	KindCompleted  Kind = "task_completed"
	KindFailed     Kind = "task_failed"
	KindTerminated Kind = "task_terminated"
	KindStatus     Kind = "status_update"
)

// ErrMalformedFrame is returned for frames that are not a typed JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// Message is one decoded frame: {"type": ..., "data": {...}}.
type Message struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeMessage parses a raw frame.
func DecodeMessage(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return m, nil
}
