package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is an HTTP-level failure reported by the server: a non-2xx status
// or a 2xx body with success=false.
type APIError struct {
	StatusCode int
	Path       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: %s (status %d, path: %s)", e.Message, e.StatusCode, e.Path)
	}
	return fmt.Sprintf("api error: status %d (path: %s)", e.StatusCode, e.Path)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsNotFound reports whether err wraps a 404 APIError.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}

func newAPIError(status int, path string, body []byte) *APIError {
	e := &APIError{StatusCode: status, Path: path, Body: strings.TrimSpace(string(body))}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return e
	}
	switch {
	case env.Error != "":
		e.Message = env.Error
	case len(env.Detail) > 0:
		var detail string
		if err := json.Unmarshal(env.Detail, &detail); err == nil {
			e.Message = detail
		} else {
			e.Message = string(env.Detail)
		}
	case env.Message != "":
		e.Message = env.Message
	}
	return e
}
