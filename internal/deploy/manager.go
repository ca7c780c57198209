package deploy

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/alvesdmateus/iac-sandbox/internal/bus"
	"github.com/alvesdmateus/iac-sandbox/internal/domain"
	"github.com/alvesdmateus/iac-sandbox/internal/engine"
	"github.com/alvesdmateus/iac-sandbox/internal/state"
)

// ErrNotCancellable is returned when a cancel request arrives after the
// deployment already reached a terminal status.
var ErrNotCancellable = errors.New("deployment already finished")

// Manager owns the deployment lifecycle: it admits one operation per
// stack, hands it to the engine and keeps a cancel handle for as long
// as the run lives.
type Manager struct {
	store    *state.Store
	bus      *bus.Bus
	launcher engine.Launcher
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager wires a manager. A zero timeout disables the per-operation
// deadline.
func NewManager(store *state.Store, eventBus *bus.Bus, launcher engine.Launcher, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	initMetrics()
	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		bus:        eventBus,
		launcher:   launcher,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Start admits a new operation on the stack. It returns
// state.ErrConflict while another run holds the stack lock. The
// returned deployment is already running; progress arrives on the
// event topics.
func (m *Manager) Start(ctx context.Context, stackName string, operation domain.Operation, opts engine.Options) (domain.Deployment, error) {
	dep, err := m.store.Create(stackName, operation)
	if err != nil {
		return domain.Deployment{}, err
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if m.timeout > 0 {
		runCtx, cancel = context.WithTimeout(m.baseCtx, m.timeout)
	} else {
		runCtx, cancel = context.WithCancel(m.baseCtx)
	}

	handle, err := m.launcher.Launch(runCtx, stackName, operation, opts)
	if err != nil {
		cancel()
		if _, ferr := m.store.Finish(dep.ID, domain.StatusFailed, domain.Summary{}, nil, err.Error(), launchErrKind(err)); ferr != nil {
			m.logger.Warn("record launch failure", "deployment_id", dep.ID, "error", ferr)
		} else {
			recordOutcome(operation, domain.StatusFailed)
		}
		return domain.Deployment{}, err
	}

	m.mu.Lock()
	m.cancels[dep.ID] = cancel
	m.mu.Unlock()

	estimate := m.estimateDuration(stackName, operation)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(dep.ID, cancel)
		r := runner{store: m.store, bus: m.bus, logger: m.logger, now: m.now}
		r.run(runCtx, dep, handle, estimate)
	}()

	m.logger.Info("deployment accepted",
		"deployment_id", dep.ID, "stack_name", stackName, "operation", string(operation))
	return dep, nil
}

func launchErrKind(err error) string {
	if errors.Is(err, engine.ErrStackNotFound) {
		return domain.ErrKindToolFailure
	}
	return domain.ErrKindInternal
}

// estimateDuration guesses how long the run will take from the last
// completed run of the same operation on this stack.
func (m *Manager) estimateDuration(stackName string, operation domain.Operation) int {
	for _, dep := range m.store.ListByStack(stackName) {
		if dep.Status != domain.StatusCompleted || dep.Operation != operation || dep.CompletedAt == nil {
			continue
		}
		return int(dep.CompletedAt.Sub(dep.StartedAt).Round(time.Second).Seconds())
	}
	return 0
}

func (m *Manager) release(id string, cancel context.CancelFunc) {
	cancel()
	m.mu.Lock()
	delete(m.cancels, id)
	m.mu.Unlock()
}

// Cancel requests cooperative cancellation of a running deployment. The
// run still ends through the regular path, finishing as failed with a
// cancellation error.
func (m *Manager) Cancel(id string) error {
	dep, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if dep.Terminal() {
		return ErrNotCancellable
	}
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotCancellable
	}
	m.logger.Info("cancelling deployment", "deployment_id", id)
	cancel()
	return nil
}

// Status returns the current record for one deployment.
func (m *Manager) Status(id string) (domain.Deployment, error) {
	return m.store.Get(id)
}

// History lists a stack's deployments, newest first.
func (m *Manager) History(stackName string) []domain.Deployment {
	return m.store.ListByStack(stackName)
}

// Active returns the running deployment holding the stack lock, if any.
func (m *Manager) Active(stackName string) (domain.Deployment, bool) {
	return m.store.Active(stackName)
}

// ActiveCount reports how many deployments are currently running.
func (m *Manager) ActiveCount() int {
	return m.store.ActiveCount()
}

// Shutdown cancels every running deployment and waits for the runners
// to record their terminal states.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancelBase()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
