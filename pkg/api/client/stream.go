package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event types carried on the stream channel.
const (
	EventConnectionConfirmed   = "connection-confirmed"
	EventSubscriptionConfirmed = "subscription-confirmed"
	EventError                 = "error"
	EventDeploymentStarted     = "deployment-started"
	EventDeploymentProgress    = "deployment-progress"
	EventDeploymentLog         = "deployment-log"
	EventResourceChange        = "deployment-resource-change"
	EventDeploymentCompleted   = "deployment-completed"
	EventDeploymentFailed      = "deployment-failed"
)

// StreamEvent is one decoded message from the event channel. Data stays
// raw so callers can decode the payload variant selected by Type.
type StreamEvent struct {
	Type         string          `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	DeploymentID string          `json:"deploymentId,omitempty"`
	StackName    string          `json:"stackName,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// Terminal reports whether the event closes its deployment's stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDeploymentCompleted || e.Type == EventDeploymentFailed
}

// Stream is a live WebSocket connection to the event channel. It is not
// safe for concurrent use.
type Stream struct {
	conn *websocket.Conn
}

// Connect dials the event channel endpoint.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	endpoint, err := c.wsEndpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &Stream{conn: conn}, nil
}

func (c *Client) wsEndpoint() (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	return parsed.String(), nil
}

// SubscribeStack requests every event concerning one stack.
func (s *Stream) SubscribeStack(name string) error {
	return s.conn.WriteJSON(map[string]string{
		"type":      "subscribe_stack",
		"stackName": name,
	})
}

// SubscribeDeployment requests events for a single deployment. When the
// deployment already finished the server replays its terminal event.
func (s *Stream) SubscribeDeployment(id string) error {
	return s.conn.WriteJSON(map[string]string{
		"type":         "subscribe_deployment",
		"deploymentId": id,
	})
}

// UnsubscribeStack drops the subscription for one stack.
func (s *Stream) UnsubscribeStack(name string) error {
	return s.conn.WriteJSON(map[string]string{
		"type":      "unsubscribe_stack",
		"stackName": name,
	})
}

// Next blocks until the server delivers the next event or the
// connection fails.
func (s *Stream) Next() (StreamEvent, error) {
	var event StreamEvent
	if err := s.conn.ReadJSON(&event); err != nil {
		return StreamEvent{}, err
	}
	return event, nil
}

// Close tears down the connection. Any blocked Next call returns with
// an error.
func (s *Stream) Close() error {
	return s.conn.Close()
}
