package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HandshakeTimeout bounds the websocket upgrade.
const HandshakeTimeout = 10 * time.Second

// StreamURL derives the progress channel URL ws(s)://<host>/ws/<taskID> from
// the HTTP endpoint.
func (c *Client) StreamURL(taskID string) (string, error) {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("parse endpoint: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(taskID)
	return u.String(), nil
}

// StreamConn is one open progress channel connection.
type StreamConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// DialStream opens the progress channel for a task.
func (c *Client) DialStream(ctx context.Context, taskID string) (*StreamConn, error) {
	u, err := c.StreamURL(taskID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	c.logger.Debug("progress channel open", "task_id", taskID)
	return &StreamConn{conn: conn}, nil
}

// Read blocks for the next text frame.
func (s *StreamConn) Read() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

// Close sends a close frame and releases the connection. It is safe to call
// more than once and concurrently with Read.
func (s *StreamConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}
