package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
)

const (
	simDefaultResources = 3
	simResourceCountKey = "resourceCount"
)

var simResourceTypes = []string{
	"sim:core:Network",
	"sim:storage:Bucket",
	"sim:compute:Instance",
}

// Sim provisions imaginary resources in memory. It keeps the full
// driver contract, including per-step pacing and cooperative stop, so
// the rest of the system behaves exactly as it does against the real
// tool. Stack config is persisted as Pulumi.<name>.yaml when a workdir
// is set.
type Sim struct {
	workdir   string
	stepDelay time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	stacks map[string]*simStack
}

type simStack struct {
	config     map[string]string
	resources  map[string]simResource
	outputs    map[string]any
	lastUpdate time.Time
}

type simResource struct {
	urn        string
	kind       string
	id         string
	properties map[string]any
}

type simStackFile struct {
	Config map[string]string `yaml:"config"`
}

// NewSim returns a simulated driver rooted at workdir. An empty workdir
// disables persistence.
func NewSim(workdir string, stepDelay time.Duration, logger *slog.Logger) (*Sim, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sim{
		workdir:   workdir,
		stepDelay: stepDelay,
		logger:    logger,
		now:       time.Now,
		stacks:    make(map[string]*simStack),
	}
	if workdir == "" {
		return s, nil
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create sim workdir: %w", err)
	}
	if err := s.loadStacks(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sim) loadStacks() error {
	entries, err := os.ReadDir(s.workdir)
	if err != nil {
		return fmt.Errorf("read sim workdir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "Pulumi.") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		stackName := strings.TrimSuffix(strings.TrimPrefix(name, "Pulumi."), ".yaml")
		if stackName == "" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.workdir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable stack file", "file", name, "error", err)
			continue
		}
		var file simStackFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			s.logger.Warn("skipping invalid stack file", "file", name, "error", err)
			continue
		}
		st := newSimStack()
		for k, v := range file.Config {
			st.config[k] = v
		}
		s.stacks[stackName] = st
		s.logger.Info("loaded stack", "stack", stackName, "config_keys", len(st.config))
	}
	return nil
}

func newSimStack() *simStack {
	return &simStack{
		config:    make(map[string]string),
		resources: make(map[string]simResource),
		outputs:   make(map[string]any),
	}
}

func (s *Sim) configPath(name string) string {
	return filepath.Join(s.workdir, "Pulumi."+name+".yaml")
}

// saveStack writes the stack config file. Callers hold s.mu.
func (s *Sim) saveStack(name string, st *simStack) error {
	if s.workdir == "" {
		return nil
	}
	raw, err := yaml.Marshal(simStackFile{Config: st.config})
	if err != nil {
		return fmt.Errorf("encode stack file: %w", err)
	}
	if err := os.WriteFile(s.configPath(name), raw, 0o644); err != nil {
		return fmt.Errorf("write stack file: %w", err)
	}
	return nil
}

type simStep struct {
	op         string
	urn        string
	kind       string
	id         string
	old        map[string]any
	new        map[string]any
	properties map[string]any
}

func simURN(stackName, kind string, index int) string {
	return fmt.Sprintf("urn:sim:%s::%s::res-%d", stackName, kind, index)
}

// planFor computes the step list for an operation against the current
// stack state. Callers hold s.mu.
func (s *Sim) planFor(stackName string, st *simStack, operation domain.Operation) []simStep {
	desired := simDefaultResources
	if raw, ok := st.config[simResourceCountKey]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			desired = n
		}
	}

	var steps []simStep
	switch operation {
	case domain.OperationUp, domain.OperationPreview:
		for i := 0; i < desired; i++ {
			kind := simResourceTypes[i%len(simResourceTypes)]
			urn := simURN(stackName, kind, i)
			props := map[string]any{"index": i, "stack": stackName}
			if existing, ok := st.resources[urn]; ok {
				steps = append(steps, simStep{op: "same", urn: urn, kind: kind, id: existing.id, properties: existing.properties})
				continue
			}
			steps = append(steps, simStep{
				op:         "create",
				urn:        urn,
				kind:       kind,
				id:         fmt.Sprintf("%s-res-%d", stackName, i),
				new:        props,
				properties: props,
			})
		}
		for _, urn := range sortedURNs(st.resources) {
			if !urnWithinDesired(stackName, urn, desired) {
				res := st.resources[urn]
				steps = append(steps, simStep{op: "delete", urn: urn, kind: res.kind, id: res.id, old: res.properties})
			}
		}
	case domain.OperationRefresh:
		for _, urn := range sortedURNs(st.resources) {
			res := st.resources[urn]
			steps = append(steps, simStep{op: "same", urn: urn, kind: res.kind, id: res.id, properties: res.properties})
		}
	case domain.OperationDestroy:
		for _, urn := range sortedURNs(st.resources) {
			res := st.resources[urn]
			steps = append(steps, simStep{op: "delete", urn: urn, kind: res.kind, id: res.id, old: res.properties})
		}
	}
	return steps
}

func urnWithinDesired(stackName, urn string, desired int) bool {
	for i := 0; i < desired; i++ {
		kind := simResourceTypes[i%len(simResourceTypes)]
		if simURN(stackName, kind, i) == urn {
			return true
		}
	}
	return false
}

func sortedURNs(resources map[string]simResource) []string {
	urns := make([]string, 0, len(resources))
	for urn := range resources {
		urns = append(urns, urn)
	}
	sort.Strings(urns)
	return urns
}

// Launch starts a simulated operation.
func (s *Sim) Launch(ctx context.Context, stackName string, operation domain.Operation, opts Options) (Handle, error) {
	s.mu.Lock()
	st, ok := s.stacks[stackName]
	if !ok {
		s.mu.Unlock()
		return nil, ErrStackNotFound
	}
	steps := s.planFor(stackName, st, operation)
	s.mu.Unlock()

	h := &simHandle{
		records: make(chan Record, 16),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	s.logger.Info("simulated operation started",
		"stack", stackName, "operation", operation, "steps", len(steps))
	go s.execute(ctx, h, stackName, operation, steps)
	return h, nil
}

func (s *Sim) execute(ctx context.Context, h *simHandle, stackName string, operation domain.Operation, steps []simStep) {
	started := s.now()
	summary := make(map[string]int)
	h.records <- Record{Kind: RecordPlan, TotalSteps: len(steps)}
	h.records <- Record{
		Kind:     RecordDiagnostic,
		Severity: "info",
		Message:  fmt.Sprintf("simulating %s on %s: %d steps", operation, stackName, len(steps)),
	}

	aborted := false
	for _, step := range steps {
		if !s.pause(ctx, h) {
			aborted = true
			break
		}
		if operation != domain.OperationPreview {
			s.applyStep(stackName, step)
		}
		summary[step.op]++
		h.records <- Record{
			Kind:         RecordResource,
			URN:          step.urn,
			ResourceType: step.kind,
			Op:           step.op,
			OldState:     step.old,
			NewState:     step.new,
		}
	}
	if !aborted {
		h.records <- Record{Kind: RecordSummary, Changes: summary}
	}
	close(h.records)

	res := Result{Summary: summary, Duration: s.now().Sub(started)}
	switch {
	case aborted:
		res.Err = "operation interrupted"
	case operation == domain.OperationPreview:
	default:
		res.Outputs = s.refreshOutputs(stackName)
	}
	h.result = res
	close(h.done)
}

// pause waits one step delay, returning false when the operation should
// abort instead of proceeding.
func (s *Sim) pause(ctx context.Context, h *simHandle) bool {
	if s.stepDelay <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-h.stop:
			return false
		default:
			return true
		}
	}
	select {
	case <-time.After(s.stepDelay):
		return true
	case <-ctx.Done():
		return false
	case <-h.stop:
		return false
	}
}

func (s *Sim) applyStep(stackName string, step simStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[stackName]
	if !ok {
		return
	}
	switch step.op {
	case "create", "update":
		st.resources[step.urn] = simResource{urn: step.urn, kind: step.kind, id: step.id, properties: step.properties}
	case "delete":
		delete(st.resources, step.urn)
	}
	st.lastUpdate = s.now().UTC()
}

func (s *Sim) refreshOutputs(stackName string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[stackName]
	if !ok {
		return nil
	}
	if len(st.resources) == 0 {
		st.outputs = make(map[string]any)
	} else {
		st.outputs = map[string]any{
			"resourceCount": len(st.resources),
			"endpoint":      fmt.Sprintf("https://%s.sandbox.internal", stackName),
		}
	}
	return copyAnyMap(st.outputs)
}

type simHandle struct {
	records  chan Record
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	result   Result
}

func (h *simHandle) Records() <-chan Record { return h.records }

func (h *simHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *simHandle) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.stopOnce.Do(func() { close(h.stop) })
	return nil
}

// ListStacks lists simulated stacks sorted by name.
func (s *Sim) ListStacks(ctx context.Context) ([]domain.StackSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.stacks))
	for name := range s.stacks {
		names = append(names, name)
	}
	sort.Strings(names)
	stacks := make([]domain.StackSummary, 0, len(names))
	for _, name := range names {
		stacks = append(stacks, s.summaryLocked(name))
	}
	return stacks, nil
}

func (s *Sim) summaryLocked(name string) domain.StackSummary {
	st := s.stacks[name]
	summary := domain.StackSummary{Name: name, ResourceCount: len(st.resources)}
	if !st.lastUpdate.IsZero() {
		t := st.lastUpdate
		summary.LastUpdate = &t
	}
	return summary
}

// StackDetail returns one stack with config and outputs.
func (s *Sim) StackDetail(ctx context.Context, name string) (domain.StackDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[name]
	if !ok {
		return domain.StackDetail{}, ErrStackNotFound
	}
	return domain.StackDetail{
		StackSummary: s.summaryLocked(name),
		Config:       copyStringMap(st.config),
		Outputs:      copyAnyMap(st.outputs),
	}, nil
}

// CreateStack registers an empty stack.
func (s *Sim) CreateStack(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stacks[name]; ok {
		return ErrStackExists
	}
	st := newSimStack()
	if err := s.saveStack(name, st); err != nil {
		return err
	}
	s.stacks[name] = st
	return nil
}

// RemoveStack deletes a stack that holds no resources.
func (s *Sim) RemoveStack(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[name]
	if !ok {
		return ErrStackNotFound
	}
	if len(st.resources) > 0 {
		return ErrStackNotEmpty
	}
	if s.workdir != "" {
		if err := os.Remove(s.configPath(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stack file: %w", err)
		}
	}
	delete(s.stacks, name)
	return nil
}

// Config returns a copy of the stack configuration.
func (s *Sim) Config(ctx context.Context, name string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[name]
	if !ok {
		return nil, ErrStackNotFound
	}
	return copyStringMap(st.config), nil
}

// SetConfig merges values into the stack configuration and persists it.
func (s *Sim) SetConfig(ctx context.Context, name string, config map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[name]
	if !ok {
		return ErrStackNotFound
	}
	for k, v := range config {
		st.config[k] = v
	}
	return s.saveStack(name, st)
}

// Outputs returns a copy of the stack outputs.
func (s *Sim) Outputs(ctx context.Context, name string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[name]
	if !ok {
		return nil, ErrStackNotFound
	}
	return copyAnyMap(st.outputs), nil
}

// Resources lists simulated resources sorted by URN.
func (s *Sim) Resources(ctx context.Context, name string) ([]domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[name]
	if !ok {
		return nil, ErrStackNotFound
	}
	resources := make([]domain.Resource, 0, len(st.resources))
	for _, urn := range sortedURNs(st.resources) {
		res := st.resources[urn]
		resources = append(resources, domain.Resource{
			URN:        res.urn,
			Type:       res.kind,
			ID:         res.id,
			Properties: copyAnyMap(res.properties),
		})
	}
	return resources, nil
}

func copyStringMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyAnyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
