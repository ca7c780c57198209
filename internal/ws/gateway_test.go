package ws

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"net/http/httptest"

	"github.com/gorilla/websocket"

	"github.com/alvesdmateus/iac-sandbox/internal/bus"
	"github.com/alvesdmateus/iac-sandbox/internal/domain"
	"github.com/alvesdmateus/iac-sandbox/internal/state"
)

// wireEvent mirrors the envelope as clients decode it.
type wireEvent struct {
	Type         string          `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	DeploymentID string          `json:"deploymentId"`
	StackName    string          `json:"stackName"`
	Data         json.RawMessage `json:"data"`
}

func (e wireEvent) dataMap(t *testing.T) map[string]any {
	t.Helper()
	m := make(map[string]any)
	if len(e.Data) == 0 {
		return m
	}
	if err := json.Unmarshal(e.Data, &m); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	return m
}

type gatewayFixture struct {
	store   *state.Store
	bus     *bus.Bus
	gateway *Gateway
	conn    *websocket.Conn
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	store := state.New(0)
	eventBus := bus.New(16, nil)
	gw := NewGateway(store, eventBus, time.Second, time.Second, nil)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		eventBus.Close()
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &gatewayFixture{store: store, bus: eventBus, gateway: gw, conn: conn}
}

func (f *gatewayFixture) read(t *testing.T) wireEvent {
	t.Helper()
	_ = f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev wireEvent
	if err := f.conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func (f *gatewayFixture) write(t *testing.T, msg any) {
	t.Helper()
	_ = f.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := f.conn.WriteJSON(msg); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func (f *gatewayFixture) expectConnected(t *testing.T) string {
	t.Helper()
	ev := f.read(t)
	if ev.Type != domain.EventConnectionConfirmed {
		t.Fatalf("first event = %s, want connection-confirmed", ev.Type)
	}
	clientID, _ := ev.dataMap(t)["clientId"].(string)
	if clientID == "" {
		t.Fatal("connection-confirmed carried no client id")
	}
	return clientID
}

func TestGatewayConnectionConfirmed(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectConnected(t)
	if got := f.gateway.ClientCount(); got != 1 {
		t.Errorf("client count = %d, want 1", got)
	}
}

func TestGatewaySubscribeStackDeliversLiveEvents(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectConnected(t)

	f.write(t, clientMessage{Type: msgSubscribeStack, StackName: "dev"})
	ev := f.read(t)
	if ev.Type != domain.EventSubscriptionConfirmed || ev.StackName != "dev" {
		t.Fatalf("got %s for %q, want subscription-confirmed for dev", ev.Type, ev.StackName)
	}

	f.bus.Publish(bus.StackTopic("dev"), domain.Event{
		Type:         domain.EventDeploymentStarted,
		Timestamp:    time.Now(),
		DeploymentID: "dep-1",
		StackName:    "dev",
		Data:         domain.DeploymentStarted{Operation: domain.OperationUp},
	})
	ev = f.read(t)
	if ev.Type != domain.EventDeploymentStarted || ev.DeploymentID != "dep-1" {
		t.Fatalf("got %s/%s, want deployment-started for dep-1", ev.Type, ev.DeploymentID)
	}
}

func TestGatewaySubscribeStackReplaysActiveDeployment(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectConnected(t)

	dep, err := f.store.Create("dev", domain.OperationUp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	progress := 40
	step := "urn:sim:dev::net"
	if err := f.store.Update(dep.ID, domain.DeploymentUpdate{Progress: &progress, CurrentStep: &step}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	f.write(t, clientMessage{Type: msgSubscribeStack, StackName: "dev"})

	snapshot := f.read(t)
	if snapshot.Type != domain.EventDeploymentProgress || snapshot.DeploymentID != dep.ID {
		t.Fatalf("first event = %s/%s, want progress snapshot for %s", snapshot.Type, snapshot.DeploymentID, dep.ID)
	}
	data := snapshot.dataMap(t)
	if data["progress"] != float64(40) || data["currentStep"] != step {
		t.Errorf("snapshot data = %v", data)
	}

	if ev := f.read(t); ev.Type != domain.EventSubscriptionConfirmed {
		t.Fatalf("second event = %s, want subscription-confirmed", ev.Type)
	}
}

func TestGatewaySubscribeDeploymentUnknownID(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectConnected(t)

	f.write(t, clientMessage{Type: msgSubscribeDeployment, DeploymentID: "ghost"})
	ev := f.read(t)
	if ev.Type != domain.EventError || ev.DeploymentID != "ghost" {
		t.Fatalf("got %s/%s, want error event for ghost", ev.Type, ev.DeploymentID)
	}

	// The connection survives the bad subscribe.
	f.write(t, clientMessage{Type: msgSubscribeStack, StackName: "dev"})
	if ev := f.read(t); ev.Type != domain.EventSubscriptionConfirmed {
		t.Fatalf("after error, got %s, want subscription-confirmed", ev.Type)
	}
}

func TestGatewaySubscribeDeploymentTerminalReplaysOnce(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectConnected(t)

	dep, err := f.store.Create("dev", domain.OperationUp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	summary := domain.Summary{Created: 2}
	if _, err := f.store.Finish(dep.ID, domain.StatusCompleted, summary, map[string]any{"url": "https://dev"}, "", ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	f.write(t, clientMessage{Type: msgSubscribeDeployment, DeploymentID: dep.ID})
	ev := f.read(t)
	if ev.Type != domain.EventDeploymentCompleted || ev.DeploymentID != dep.ID {
		t.Fatalf("got %s/%s, want terminal snapshot", ev.Type, ev.DeploymentID)
	}
	data := ev.dataMap(t)
	if sum, _ := data["summary"].(map[string]any); sum == nil || sum["created"] != float64(2) {
		t.Errorf("snapshot summary = %v", data["summary"])
	}

	// No dangling subscription: an event injected on the deployment
	// topic must not reach this client. The stack confirmation that
	// follows proves nothing arrived in between.
	f.bus.Publish(bus.DeploymentTopic(dep.ID), domain.Event{
		Type:         domain.EventDeploymentLog,
		Timestamp:    time.Now(),
		DeploymentID: dep.ID,
		Data:         domain.DeploymentLog{Level: domain.LogInfo, Message: "late"},
	})
	f.write(t, clientMessage{Type: msgSubscribeStack, StackName: "dev"})
	if ev := f.read(t); ev.Type != domain.EventSubscriptionConfirmed {
		t.Fatalf("got %s, want subscription-confirmed with no deployment events in between", ev.Type)
	}
}

func TestGatewaySubscribeDeploymentRunning(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectConnected(t)

	dep, err := f.store.Create("dev", domain.OperationUp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.write(t, clientMessage{Type: msgSubscribeDeployment, DeploymentID: dep.ID})

	if ev := f.read(t); ev.Type != domain.EventDeploymentProgress {
		t.Fatalf("first event = %s, want progress snapshot", ev.Type)
	}
	if ev := f.read(t); ev.Type != domain.EventSubscriptionConfirmed {
		t.Fatalf("second event = %s, want subscription-confirmed", ev.Type)
	}

	f.bus.Publish(bus.DeploymentTopic(dep.ID), domain.Event{
		Type:         domain.EventDeploymentLog,
		Timestamp:    time.Now(),
		DeploymentID: dep.ID,
		StackName:    "dev",
		Data:         domain.DeploymentLog{Level: domain.LogInfo, Message: "creating resources"},
	})
	if ev := f.read(t); ev.Type != domain.EventDeploymentLog {
		t.Fatalf("got %s, want deployment-log", ev.Type)
	}

	f.bus.Publish(bus.DeploymentTopic(dep.ID), domain.Event{
		Type:         domain.EventDeploymentCompleted,
		Timestamp:    time.Now(),
		DeploymentID: dep.ID,
		StackName:    "dev",
		Data:         domain.DeploymentCompleted{Duration: 1.5},
	})
	if ev := f.read(t); ev.Type != domain.EventDeploymentCompleted {
		t.Fatalf("got %s, want deployment-completed", ev.Type)
	}
}

func TestGatewayUnsubscribeStack(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectConnected(t)

	f.write(t, clientMessage{Type: msgSubscribeStack, StackName: "dev"})
	if ev := f.read(t); ev.Type != domain.EventSubscriptionConfirmed {
		t.Fatalf("got %s, want subscription-confirmed", ev.Type)
	}

	f.write(t, clientMessage{Type: msgUnsubscribeStack, StackName: "dev"})
	waitSubscribers(t, f.bus, bus.StackTopic("dev"), 0)

	f.bus.Publish(bus.StackTopic("dev"), domain.Event{
		Type:      domain.EventDeploymentStarted,
		Timestamp: time.Now(),
		StackName: "dev",
		Data:      domain.DeploymentStarted{Operation: domain.OperationUp},
	})

	f.write(t, clientMessage{Type: msgSubscribeStack, StackName: "staging"})
	if ev := f.read(t); ev.Type != domain.EventSubscriptionConfirmed || ev.StackName != "staging" {
		t.Fatalf("got %s/%s, want confirmation for staging with nothing in between", ev.Type, ev.StackName)
	}
}

func TestGatewayRejectsMalformedMessages(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectConnected(t)

	_ = f.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := f.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	ev := f.read(t)
	if ev.Type != domain.EventError {
		t.Fatalf("got %s, want error event", ev.Type)
	}

	f.write(t, clientMessage{Type: "frobnicate"})
	ev = f.read(t)
	if ev.Type != domain.EventError {
		t.Fatalf("got %s, want error event for unknown type", ev.Type)
	}
	if msg, _ := ev.dataMap(t)["message"].(string); !strings.Contains(msg, "frobnicate") {
		t.Errorf("error message %q should name the bad type", msg)
	}
}

func TestGatewayDisconnectTearsDownSubscriptions(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectConnected(t)

	f.write(t, clientMessage{Type: msgSubscribeStack, StackName: "dev"})
	if ev := f.read(t); ev.Type != domain.EventSubscriptionConfirmed {
		t.Fatalf("got %s, want subscription-confirmed", ev.Type)
	}
	if got := f.bus.Subscribers(bus.StackTopic("dev")); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}

	_ = f.conn.Close()
	waitSubscribers(t, f.bus, bus.StackTopic("dev"), 0)

	deadline := time.Now().Add(2 * time.Second)
	for f.gateway.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d after disconnect", f.gateway.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitSubscribers(t *testing.T, b *bus.Bus, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers(topic) != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers on %s = %d, want %d", topic, b.Subscribers(topic), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
