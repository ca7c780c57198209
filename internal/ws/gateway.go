package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alvesdmateus/iac-sandbox/internal/bus"
	"github.com/alvesdmateus/iac-sandbox/internal/domain"
	"github.com/alvesdmateus/iac-sandbox/internal/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Gateway bridges websocket clients to the event bus. Each client holds
// explicit topic subscriptions; the gateway replays current state on
// subscribe so late joiners are not left blind.
type Gateway struct {
	store        *state.Store
	bus          *bus.Bus
	heartbeat    time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// NewGateway wires a gateway to the store and bus.
func NewGateway(store *state.Store, eventBus *bus.Bus, heartbeat, writeTimeout time.Duration, logger *slog.Logger) *Gateway {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		store:        store,
		bus:          eventBus,
		heartbeat:    heartbeat,
		writeTimeout: writeTimeout,
		logger:       logger,
		now:          time.Now,
		newID:        uuid.NewString,
		sessions:     make(map[*session]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the client session until the
// connection drops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	g.Serve(conn)
}

// Serve runs one client connection, blocking until it disconnects.
func (g *Gateway) Serve(conn *websocket.Conn) {
	s := newSession(g.newID(), conn)
	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()
	g.logger.Info("client connected", "client_id", s.id)

	go s.writePump(g.heartbeat, g.writeTimeout)
	s.send(g.envelope(domain.Event{
		Type: domain.EventConnectionConfirmed,
		Data: domain.ConnectionConfirmed{ClientID: s.id},
	}))

	g.readLoop(s)
	g.drop(s)
}

func (g *Gateway) readLoop(s *session) {
	pongWait := g.heartbeat * 2
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("client read ended", "client_id", s.id, "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.sendError(s, "", "", "malformed message")
			continue
		}
		g.handleMessage(s, msg)
	}
}

func (g *Gateway) handleMessage(s *session, msg clientMessage) {
	switch msg.Type {
	case msgSubscribeStack:
		if msg.StackName == "" {
			g.sendError(s, "", "", "subscribe_stack requires stackName")
			return
		}
		g.subscribeStack(s, msg.StackName)
	case msgSubscribeDeployment:
		if msg.DeploymentID == "" {
			g.sendError(s, "", "", "subscribe_deployment requires deploymentId")
			return
		}
		g.subscribeDeployment(s, msg.DeploymentID)
	case msgUnsubscribeStack:
		s.removeSub(bus.StackTopic(msg.StackName))
	case msgUnsubscribeDeployment:
		s.removeSub(bus.DeploymentTopic(msg.DeploymentID))
	default:
		g.sendError(s, "", "", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// subscribeStack follows a stack topic. When a deployment is running on
// the stack its current state is replayed first, so the client does not
// start from a blank screen.
func (g *Gateway) subscribeStack(s *session, stackName string) {
	topic := bus.StackTopic(stackName)
	confirm := domain.Event{
		Type:      domain.EventSubscriptionConfirmed,
		StackName: stackName,
		Data:      domain.SubscriptionConfirmed{Kind: "stack", StackName: stackName},
	}
	if s.hasSub(topic) {
		s.send(g.envelope(confirm))
		return
	}

	sub := g.bus.Subscribe(topic)
	if active, ok := g.store.Active(stackName); ok {
		s.send(snapshotEvent(active))
	}
	if !s.addSub(topic, sub) {
		sub.Close()
		return
	}
	s.send(g.envelope(confirm))
	go g.relay(s, topic, sub)
	g.logger.Debug("subscribed", "client_id", s.id, "topic", topic)
}

// subscribeDeployment follows one deployment topic. Unknown ids produce
// an error event; finished deployments replay their terminal state once
// instead of leaving a subscription behind.
func (g *Gateway) subscribeDeployment(s *session, id string) {
	topic := bus.DeploymentTopic(id)
	if s.hasSub(topic) {
		s.send(g.envelope(domain.Event{
			Type:         domain.EventSubscriptionConfirmed,
			DeploymentID: id,
			Data:         domain.SubscriptionConfirmed{Kind: "deployment", DeploymentID: id},
		}))
		return
	}

	// Subscribe before reading the record: anything the store does not
	// know yet will arrive through the subscription, anything it does
	// know is replayed below. Either way nothing is missed.
	sub := g.bus.Subscribe(topic)
	dep, err := g.store.Get(id)
	if err != nil {
		sub.Close()
		g.sendError(s, id, "", fmt.Sprintf("unknown deployment %q", id))
		return
	}
	if dep.Terminal() {
		sub.Close()
		s.send(snapshotEvent(dep))
		return
	}

	s.send(snapshotEvent(dep))
	if !s.addSub(topic, sub) {
		sub.Close()
		return
	}
	s.send(g.envelope(domain.Event{
		Type:         domain.EventSubscriptionConfirmed,
		DeploymentID: id,
		StackName:    dep.StackName,
		Data:         domain.SubscriptionConfirmed{Kind: "deployment", DeploymentID: id},
	}))
	go g.relay(s, topic, sub)
	g.logger.Debug("subscribed", "client_id", s.id, "topic", topic)
}

// relay forwards bus events to the session until either side ends.
func (g *Gateway) relay(s *session, topic string, sub *bus.Subscription) {
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				s.removeSub(topic)
				return
			}
			s.send(event)
		case <-s.done:
			return
		}
	}
}

// snapshotEvent renders a deployment record as the event a live
// subscriber would have seen at that moment.
func snapshotEvent(dep domain.Deployment) domain.Event {
	event := domain.Event{
		Timestamp:    dep.UpdatedAt,
		DeploymentID: dep.ID,
		StackName:    dep.StackName,
	}
	switch dep.Status {
	case domain.StatusCompleted:
		event.Type = domain.EventDeploymentCompleted
		var duration float64
		if dep.CompletedAt != nil {
			duration = dep.CompletedAt.Sub(dep.StartedAt).Seconds()
		}
		event.Data = domain.DeploymentCompleted{Duration: duration, Summary: dep.Summary, Outputs: dep.Outputs}
	case domain.StatusFailed:
		event.Type = domain.EventDeploymentFailed
		event.Data = domain.DeploymentFailed{Error: dep.Error, Kind: dep.ErrorKind}
	default:
		event.Type = domain.EventDeploymentProgress
		event.Data = domain.DeploymentProgress{
			Progress:       dep.Progress,
			CurrentStep:    dep.CurrentStep,
			TotalSteps:     dep.TotalSteps,
			CompletedSteps: dep.CompletedSteps,
			Message:        fmt.Sprintf("deployment %s in progress", dep.Operation),
		}
	}
	return event
}

func (g *Gateway) sendError(s *session, deploymentID, stackName, message string) {
	s.send(g.envelope(domain.Event{
		Type:         domain.EventError,
		DeploymentID: deploymentID,
		StackName:    stackName,
		Data:         domain.StreamError{Message: message},
	}))
}

func (g *Gateway) envelope(event domain.Event) domain.Event {
	event.Timestamp = g.now()
	return event
}

func (g *Gateway) drop(s *session) {
	s.teardown()
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
	g.logger.Info("client disconnected", "client_id", s.id)
}

// ClientCount reports connected sessions, for the metrics gauge.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Close drops every connected client.
func (g *Gateway) Close() {
	g.mu.Lock()
	sessions := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()
	for _, s := range sessions {
		g.drop(s)
	}
}
