package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alvesdmateus/iac-sandbox/internal/bus"
	"github.com/alvesdmateus/iac-sandbox/internal/domain"
)

const (
	maxMessageSize = 4 * 1024
	outBufferSize  = 32
)

// clientMessage is the inbound request shape. Type selects the action,
// the other fields scope it.
type clientMessage struct {
	Type         string `json:"type"`
	StackName    string `json:"stackName,omitempty"`
	DeploymentID string `json:"deploymentId,omitempty"`
}

const (
	msgSubscribeStack        = "subscribe_stack"
	msgSubscribeDeployment   = "subscribe_deployment"
	msgUnsubscribeStack      = "unsubscribe_stack"
	msgUnsubscribeDeployment = "unsubscribe_deployment"
)

// session is one connected client: a single writer goroutine owns the
// socket, relays feed it through the out channel.
type session struct {
	id   string
	conn *websocket.Conn

	out  chan domain.Event
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]*bus.Subscription
}

func newSession(id string, conn *websocket.Conn) *session {
	return &session{
		id:   id,
		conn: conn,
		out:  make(chan domain.Event, outBufferSize),
		done: make(chan struct{}),
		subs: make(map[string]*bus.Subscription),
	}
}

// send queues an event for the writer. It drops the event when the
// session is already gone.
func (s *session) send(event domain.Event) {
	select {
	case s.out <- event:
	case <-s.done:
	}
}

// addSub registers a bus subscription under its topic. It reports false
// when the topic is already held or the session is closed.
func (s *session) addSub(topic string, sub *bus.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return false
	}
	if _, exists := s.subs[topic]; exists {
		return false
	}
	s.subs[topic] = sub
	return true
}

// removeSub drops and closes the subscription for a topic, if held.
func (s *session) removeSub(topic string) {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	if ok {
		delete(s.subs, topic)
	}
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// hasSub reports whether the session already follows a topic.
func (s *session) hasSub(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[topic]
	return ok
}

// teardown closes every subscription exactly once and marks the session
// done. Safe to call repeatedly.
func (s *session) teardown() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		_ = s.conn.Close()
	})
}

// writePump is the single socket writer: it drains the out channel and
// keeps the connection alive with pings.
func (s *session) writePump(heartbeat, writeTimeout time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case event := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(event); err != nil {
				s.teardown()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.teardown()
				return
			}
		case <-s.done:
			return
		}
	}
}
