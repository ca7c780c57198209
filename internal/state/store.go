package state

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
)

// Sentinel errors surfaced by the store.
var (
	ErrConflict          = errors.New("state: stack has an active deployment")
	ErrNotFound          = errors.New("state: deployment not found")
	ErrInvalidTransition = errors.New("state: deployment already terminal")
)

const (
	defaultHistoryLimit = 50
	logTailLimit        = 50
)

// Store holds deployment records and per-stack locks for the process
// lifetime. All access is synchronized; callers receive copies.
type Store struct {
	mu           sync.RWMutex
	records      map[string]*domain.Deployment
	active       map[string]string   // stack name -> running deployment id
	byStack      map[string][]string // deployment ids, newest first
	historyLimit int
	now          func() time.Time
	newID        func() string
}

// New returns an empty store. historyLimit bounds terminal records
// retained per stack; zero or negative applies the default.
func New(historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Store{
		records:      make(map[string]*domain.Deployment),
		active:       make(map[string]string),
		byStack:      make(map[string][]string),
		historyLimit: historyLimit,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Create registers a running deployment and takes the stack lock in one
// step. Returns ErrConflict while the stack already has an active
// deployment.
func (s *Store) Create(stackName string, operation domain.Operation) (domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.active[stackName]; busy {
		return domain.Deployment{}, ErrConflict
	}
	now := s.now().UTC()
	d := &domain.Deployment{
		ID:        s.newID(),
		StackName: stackName,
		Operation: operation,
		Status:    domain.StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	s.records[d.ID] = d
	s.active[stackName] = d.ID
	s.byStack[stackName] = append([]string{d.ID}, s.byStack[stackName]...)
	s.trimHistory(stackName)
	return d.Clone(), nil
}

// Update merges progress fields into a running deployment. Updates that
// arrive after the record turned terminal are ignored.
func (s *Store) Update(id string, update domain.DeploymentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if d.Terminal() {
		return nil
	}
	if update.Progress != nil {
		d.Progress = *update.Progress
	}
	if update.CurrentStep != nil {
		d.CurrentStep = *update.CurrentStep
	}
	if update.TotalSteps != nil {
		d.TotalSteps = *update.TotalSteps
	}
	if update.CompletedSteps != nil {
		d.CompletedSteps = *update.CompletedSteps
	}
	if update.Summary != nil {
		d.Summary = *update.Summary
	}
	if update.Outputs != nil {
		d.Outputs = copyOutputs(update.Outputs)
	}
	if update.LogLine != nil {
		d.LogTail = append(d.LogTail, *update.LogLine)
		if len(d.LogTail) > logTailLimit {
			d.LogTail = d.LogTail[len(d.LogTail)-logTailLimit:]
		}
	}
	d.UpdatedAt = s.now().UTC()
	return nil
}

// Finish transitions a deployment to its terminal status exactly once
// and releases the stack lock. A second call returns
// ErrInvalidTransition and changes nothing.
func (s *Store) Finish(id, status string, summary domain.Summary, outputs map[string]any, errText, errKind string) (domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.records[id]
	if !ok {
		return domain.Deployment{}, ErrNotFound
	}
	if d.Terminal() {
		return domain.Deployment{}, ErrInvalidTransition
	}
	if !domain.TerminalStatus(status) {
		return domain.Deployment{}, ErrInvalidTransition
	}
	now := s.now().UTC()
	d.Status = status
	d.Summary = summary
	if outputs != nil {
		d.Outputs = copyOutputs(outputs)
	}
	d.Error = errText
	d.ErrorKind = errKind
	d.CompletedAt = &now
	d.UpdatedAt = now
	if status == domain.StatusCompleted {
		d.Progress = 100
	}
	if s.active[d.StackName] == id {
		delete(s.active, d.StackName)
	}
	return d.Clone(), nil
}

// Get returns the record for id.
func (s *Store) Get(id string) (domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.records[id]
	if !ok {
		return domain.Deployment{}, ErrNotFound
	}
	return d.Clone(), nil
}

// ListByStack returns the retained deployments for a stack, most recent
// first.
func (s *Store) ListByStack(stackName string) []domain.Deployment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byStack[stackName]
	out := make([]domain.Deployment, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.records[id]; ok {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Active returns the running deployment for a stack, if any.
func (s *Store) Active(stackName string) (domain.Deployment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[stackName]
	if !ok {
		return domain.Deployment{}, false
	}
	d, ok := s.records[id]
	if !ok {
		return domain.Deployment{}, false
	}
	return d.Clone(), true
}

// ActiveCount reports how many deployments are currently running.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

func copyOutputs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// trimHistory evicts the oldest terminal records beyond the per-stack
// limit. Running records are never evicted. Caller holds s.mu.
func (s *Store) trimHistory(stackName string) {
	ids := s.byStack[stackName]
	if len(ids) <= s.historyLimit {
		return
	}
	kept := append([]string(nil), ids[:s.historyLimit]...)
	for _, id := range ids[s.historyLimit:] {
		d, ok := s.records[id]
		if ok && !d.Terminal() {
			kept = append(kept, id)
			continue
		}
		delete(s.records, id)
	}
	s.byStack[stackName] = kept
}
