package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/alvesdmateus/iac-sandbox/internal/bus"
	"github.com/alvesdmateus/iac-sandbox/internal/domain"
	"github.com/alvesdmateus/iac-sandbox/internal/engine"
	"github.com/alvesdmateus/iac-sandbox/internal/state"
)

type fakeHandle struct {
	records  chan engine.Record
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	result   engine.Result
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		records: make(chan engine.Record, 64),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// scriptedHandle feeds the given records and then finishes with result.
func scriptedHandle(records []engine.Record, result engine.Result) *fakeHandle {
	h := newFakeHandle()
	go func() {
		for _, rec := range records {
			h.records <- rec
		}
		close(h.records)
		h.result = result
		close(h.done)
	}()
	return h
}

// hangingHandle feeds the given records and then blocks until stopped.
func hangingHandle(records []engine.Record) *fakeHandle {
	h := newFakeHandle()
	go func() {
		for _, rec := range records {
			h.records <- rec
		}
		<-h.stop
		close(h.records)
		h.result = engine.Result{Err: "update canceled"}
		close(h.done)
	}()
	return h
}

func (h *fakeHandle) Records() <-chan engine.Record { return h.records }

func (h *fakeHandle) Wait(ctx context.Context) (engine.Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	return nil
}

func (h *fakeHandle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (l *fakeLauncher) Launch(ctx context.Context, stackName string, operation domain.Operation, opts engine.Options) (engine.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if len(l.handles) == 0 {
		return nil, errors.New("no scripted handle left")
	}
	h := l.handles[0]
	l.handles = l.handles[1:]
	return h, nil
}

type fixture struct {
	store    *state.Store
	bus      *bus.Bus
	launcher *fakeLauncher
	manager  *Manager
}

func newFixture(t *testing.T, handles ...*fakeHandle) fixture {
	t.Helper()
	store := state.New(0)
	eventBus := bus.New(64, nil)
	launcher := &fakeLauncher{handles: handles}
	manager := NewManager(store, eventBus, launcher, 0, slog.New(slog.DiscardHandler))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
		eventBus.Close()
	})
	return fixture{store: store, bus: eventBus, launcher: launcher, manager: manager}
}

func collectUntilTerminal(t *testing.T, sub *bus.Subscription) []domain.Event {
	t.Helper()
	var events []domain.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream ended before a terminal event, got %d events", len(events))
			}
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal event, got %d events", len(events))
		}
	}
}

func eventsOfType(events []domain.Event, eventType string) []domain.Event {
	var out []domain.Event
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func waitTerminal(t *testing.T, store *state.Store, id string) domain.Deployment {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dep, err := store.Get(id)
		if err == nil && dep.Terminal() {
			return dep
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deployment %s never reached a terminal status", id)
	return domain.Deployment{}
}

func TestRunnerSuccessfulDeployment(t *testing.T) {
	records := []engine.Record{
		{Kind: engine.RecordPlan, TotalSteps: 4},
		{Kind: engine.RecordDiagnostic, Severity: "info", Message: "planning done"},
		{Kind: engine.RecordResource, Op: "create", URN: "urn:net", ResourceType: "sim:core:Network"},
		{Kind: engine.RecordResource, Op: "create", URN: "urn:b1", ResourceType: "sim:storage:Bucket"},
		{Kind: engine.RecordResource, Op: "create", URN: "urn:b2", ResourceType: "sim:storage:Bucket"},
		{Kind: engine.RecordResource, Op: "update", URN: "urn:vm", ResourceType: "sim:compute:Instance"},
		{Kind: engine.RecordSummary, Changes: map[string]int{"create": 3, "update": 1}},
	}
	result := engine.Result{
		Summary: map[string]int{"create": 3, "update": 1},
		Outputs: map[string]any{"endpoint": "https://dev.sandbox.internal"},
	}
	f := newFixture(t, scriptedHandle(records, result))
	sub := f.bus.Subscribe(bus.StackTopic("dev"))
	defer sub.Close()

	dep, err := f.manager.Start(context.Background(), "dev", domain.OperationUp, engine.Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectUntilTerminal(t, sub)

	if events[0].Type != domain.EventDeploymentStarted {
		t.Errorf("first event = %s, want deployment-started", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != domain.EventDeploymentCompleted {
		t.Fatalf("last event = %s, want deployment-completed", last.Type)
	}
	if got := len(eventsOfType(events, domain.EventDeploymentCompleted)) + len(eventsOfType(events, domain.EventDeploymentFailed)); got != 1 {
		t.Errorf("terminal events = %d, want exactly 1", got)
	}
	if got := len(eventsOfType(events, domain.EventResourceChange)); got != 4 {
		t.Errorf("resource change events = %d, want 4", got)
	}
	for _, ev := range events {
		if ev.DeploymentID != dep.ID || ev.StackName != "dev" {
			t.Errorf("event %s misrouted: deployment=%q stack=%q", ev.Type, ev.DeploymentID, ev.StackName)
		}
	}

	prev := -1
	for _, ev := range eventsOfType(events, domain.EventDeploymentProgress) {
		p := ev.Data.(domain.DeploymentProgress).Progress
		if p < prev {
			t.Errorf("progress regressed from %d to %d", prev, p)
		}
		prev = p
	}

	completed := last.Data.(domain.DeploymentCompleted)
	if completed.Summary.Created != 3 || completed.Summary.Updated != 1 {
		t.Errorf("completed summary = %+v", completed.Summary)
	}
	if completed.Outputs["endpoint"] != "https://dev.sandbox.internal" {
		t.Errorf("completed outputs = %v", completed.Outputs)
	}

	final := waitTerminal(t, f.store, dep.ID)
	if final.Status != domain.StatusCompleted || final.Progress != 100 {
		t.Errorf("final record status=%s progress=%d", final.Status, final.Progress)
	}
	if final.CompletedSteps != 4 || final.TotalSteps != 4 {
		t.Errorf("final steps = %d/%d", final.CompletedSteps, final.TotalSteps)
	}
	if _, busy := f.store.Active("dev"); busy {
		t.Error("stack lock still held after completion")
	}
}

func TestRunnerToolFailure(t *testing.T) {
	records := []engine.Record{
		{Kind: engine.RecordResource, Op: "create", URN: "urn:net", ResourceType: "sim:core:Network"},
		{Kind: engine.RecordDiagnostic, Severity: "error", Message: "quota exceeded"},
	}
	f := newFixture(t, scriptedHandle(records, engine.Result{Err: "update failed: quota exceeded"}))
	sub := f.bus.Subscribe(bus.StackTopic("dev"))
	defer sub.Close()

	dep, err := f.manager.Start(context.Background(), "dev", domain.OperationUp, engine.Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectUntilTerminal(t, sub)

	last := events[len(events)-1]
	failed, ok := last.Data.(domain.DeploymentFailed)
	if !ok {
		t.Fatalf("last event = %s, want deployment-failed", last.Type)
	}
	if failed.Kind != domain.ErrKindToolFailure {
		t.Errorf("failure kind = %s", failed.Kind)
	}
	if failed.Error != "update failed: quota exceeded" {
		t.Errorf("failure error = %q", failed.Error)
	}

	final := waitTerminal(t, f.store, dep.ID)
	if final.Status != domain.StatusFailed || final.ErrorKind != domain.ErrKindToolFailure {
		t.Errorf("final record status=%s kind=%s", final.Status, final.ErrorKind)
	}
	if _, busy := f.store.Active("dev"); busy {
		t.Error("stack lock still held after failure")
	}
}

func TestRunnerMalformedRecordDegradesToWarning(t *testing.T) {
	records := []engine.Record{
		{Kind: engine.RecordResource, Op: "create", URN: "urn:net", ResourceType: "sim:core:Network"},
		{Kind: engine.RecordMalformed, Raw: "garbage output"},
		{Kind: engine.RecordResource, Op: "create", URN: "urn:b1", ResourceType: "sim:storage:Bucket"},
	}
	f := newFixture(t, scriptedHandle(records, engine.Result{}))
	sub := f.bus.Subscribe(bus.StackTopic("dev"))
	defer sub.Close()

	if _, err := f.manager.Start(context.Background(), "dev", domain.OperationUp, engine.Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectUntilTerminal(t, sub)

	if events[len(events)-1].Type != domain.EventDeploymentCompleted {
		t.Fatalf("malformed record should not abort the run, last event = %s", events[len(events)-1].Type)
	}
	var warned bool
	for _, ev := range eventsOfType(events, domain.EventDeploymentLog) {
		logData := ev.Data.(domain.DeploymentLog)
		if logData.Level == domain.LogWarning && logData.Context["raw"] == "garbage output" {
			warned = true
		}
	}
	if !warned {
		t.Error("no warning log event carried the malformed payload")
	}
}

func TestRunnerSkipsUnknownChangeKind(t *testing.T) {
	records := []engine.Record{
		{Kind: engine.RecordResource, Op: "import", URN: "urn:legacy"},
		{Kind: engine.RecordResource, Op: "create", URN: "urn:net", ResourceType: "sim:core:Network"},
	}
	f := newFixture(t, scriptedHandle(records, engine.Result{}))
	sub := f.bus.Subscribe(bus.StackTopic("dev"))
	defer sub.Close()

	dep, err := f.manager.Start(context.Background(), "dev", domain.OperationUp, engine.Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectUntilTerminal(t, sub)

	if got := len(eventsOfType(events, domain.EventResourceChange)); got != 1 {
		t.Errorf("resource change events = %d, want 1", got)
	}
	final := waitTerminal(t, f.store, dep.ID)
	if final.Summary.Total() != 1 {
		t.Errorf("summary total = %d, want unknown op excluded", final.Summary.Total())
	}
}

func TestRunnerAdoptsToolSummaryWithoutSteps(t *testing.T) {
	records := []engine.Record{
		{Kind: engine.RecordPlan, TotalSteps: 5},
		{Kind: engine.RecordSummary, Changes: map[string]int{"same": 5}},
	}
	f := newFixture(t, scriptedHandle(records, engine.Result{Summary: map[string]int{"same": 5}}))
	sub := f.bus.Subscribe(bus.StackTopic("dev"))
	defer sub.Close()

	dep, err := f.manager.Start(context.Background(), "dev", domain.OperationRefresh, engine.Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collectUntilTerminal(t, sub)

	final := waitTerminal(t, f.store, dep.ID)
	if final.Summary.Unchanged != 5 {
		t.Errorf("summary = %+v, want 5 unchanged adopted from the tool", final.Summary)
	}
}

func TestRunnerProgressWithoutPlan(t *testing.T) {
	records := []engine.Record{
		{Kind: engine.RecordResource, Op: "create", URN: "urn:a"},
		{Kind: engine.RecordResource, Op: "create", URN: "urn:b"},
		{Kind: engine.RecordResource, Op: "create", URN: "urn:c"},
	}
	f := newFixture(t, scriptedHandle(records, engine.Result{}))
	sub := f.bus.Subscribe(bus.StackTopic("dev"))
	defer sub.Close()

	dep, err := f.manager.Start(context.Background(), "dev", domain.OperationUp, engine.Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectUntilTerminal(t, sub)

	for _, ev := range eventsOfType(events, domain.EventDeploymentProgress) {
		if p := ev.Data.(domain.DeploymentProgress).Progress; p >= 100 {
			t.Errorf("progress event reported %d before the terminal event", p)
		}
	}
	final := waitTerminal(t, f.store, dep.ID)
	if final.Progress != 100 {
		t.Errorf("final progress = %d, want 100", final.Progress)
	}
}
