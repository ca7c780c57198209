package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
)

const (
	maxEventLine      = 8 * 1024 * 1024
	stderrTailLimit   = 20
	outputsTimeout    = 30 * time.Second
	defaultStopGrace  = 15 * time.Second
	secretPlaceholder = "[secret]"
)

// CLI drives the pulumi binary. Operations run non-interactively and
// emit line-oriented JSON engine events which become Records; catalog
// calls shell out to the stack subcommands.
type CLI struct {
	binary    string
	workdir   string
	envFile   string
	stopGrace time.Duration
	logger    *slog.Logger
}

// NewCLI returns a driver for the given binary and program directory.
func NewCLI(binary, workdir, envFile string, stopGrace time.Duration, logger *slog.Logger) *CLI {
	if binary == "" {
		binary = "pulumi"
	}
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CLI{binary: binary, workdir: workdir, envFile: envFile, stopGrace: stopGrace, logger: logger}
}

// Launch starts one operation and returns a handle tracking it.
func (c *CLI) Launch(ctx context.Context, stackName string, operation domain.Operation, opts Options) (Handle, error) {
	args, err := operationArgs(operation)
	if err != nil {
		return nil, err
	}
	args = append(args, "--stack", stackName, "--non-interactive")
	if opts.Parallel > 0 {
		args = append(args, "--parallel", strconv.Itoa(opts.Parallel))
	}
	if opts.Message != "" && operation != domain.OperationPreview {
		args = append(args, "--message", opts.Message)
	}
	env, err := mergedEnv(c.envFile, opts.Env)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(c.binary, args...)
	cmd.Dir = c.workdir
	cmd.Env = env
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.binary, err)
	}
	c.logger.Info("provisioning tool started",
		"stack", stackName, "operation", operation, "pid", cmd.Process.Pid)

	h := &cliHandle{
		cmd:       cmd,
		operation: operation,
		records:   make(chan Record, 64),
		done:      make(chan struct{}),
		stopGrace: c.stopGrace,
		logger:    c.logger,
		started:   time.Now(),
		outputs: func(ctx context.Context) (map[string]any, error) {
			ctx, cancel := context.WithTimeout(ctx, outputsTimeout)
			defer cancel()
			return c.Outputs(ctx, stackName)
		},
	}
	go h.run(stdout, stderr)
	go func() {
		select {
		case <-ctx.Done():
			_ = h.Stop(context.Background())
		case <-h.done:
		}
	}()
	return h, nil
}

// cliHandle tracks one tool process from start to exit.
type cliHandle struct {
	cmd       *exec.Cmd
	operation domain.Operation
	records   chan Record
	done      chan struct{}
	stopOnce  sync.Once
	stopGrace time.Duration
	logger    *slog.Logger
	started   time.Time
	outputs   func(ctx context.Context) (map[string]any, error)

	mu         sync.Mutex
	summary    map[string]int
	stderrTail []string

	result Result
}

func (h *cliHandle) Records() <-chan Record { return h.records }

func (h *cliHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop interrupts the tool so it can checkpoint, then kills it if the
// grace period elapses without an exit.
func (h *cliHandle) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.stopOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		h.logger.Info("interrupting provisioning tool", "pid", h.cmd.Process.Pid)
		if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = h.cmd.Process.Kill()
			return
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(h.stopGrace):
				h.logger.Warn("provisioning tool ignored interrupt, killing", "pid", h.cmd.Process.Pid)
				_ = h.cmd.Process.Kill()
			}
		}()
	})
	return nil
}

// run consumes both pipes, waits for the process and assembles the
// final Result.
func (h *cliHandle) run(stdout, stderr io.Reader) {
	consumed := make(chan struct{})
	drained := make(chan struct{})
	go h.consume(stdout, consumed)
	go h.collectStderr(stderr, drained)
	<-consumed
	<-drained

	waitErr := h.cmd.Wait()
	close(h.records)

	res := Result{Duration: time.Since(h.started)}
	h.mu.Lock()
	res.Summary = h.summary
	tail := strings.TrimSpace(strings.Join(h.stderrTail, "\n"))
	h.mu.Unlock()

	if waitErr != nil {
		res.Err = tail
		if res.Err == "" {
			res.Err = waitErr.Error()
		}
	} else if h.operation != domain.OperationPreview {
		outputs, err := h.outputs(context.Background())
		if err != nil {
			h.logger.Warn("fetch stack outputs failed", "error", err)
		} else {
			res.Outputs = outputs
		}
	}
	h.result = res
	close(h.done)
}

func (h *cliHandle) consume(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, rec := range parseEventLine(line) {
			if rec.Kind == RecordSummary {
				h.mu.Lock()
				h.summary = rec.Changes
				h.mu.Unlock()
			}
			h.records <- rec
		}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("tool output scan ended", "error", err)
	}
}

func (h *cliHandle) collectStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		h.logger.Debug("tool stderr", "line", line)
		h.mu.Lock()
		h.stderrTail = append(h.stderrTail, line)
		if len(h.stderrTail) > stderrTailLimit {
			h.stderrTail = h.stderrTail[len(h.stderrTail)-stderrTailLimit:]
		}
		h.mu.Unlock()
	}
}

func operationArgs(op domain.Operation) ([]string, error) {
	switch op {
	case domain.OperationPreview:
		return []string{"preview", "--json"}, nil
	case domain.OperationUp:
		return []string{"up", "--yes", "--skip-preview", "--json"}, nil
	case domain.OperationDestroy:
		return []string{"destroy", "--yes", "--json"}, nil
	case domain.OperationRefresh:
		return []string{"refresh", "--yes", "--json"}, nil
	}
	return nil, fmt.Errorf("engine: unsupported operation %q", op)
}

// pulumiEvent mirrors the JSON the tool prints: one engine event object
// per line for apply-style operations, or a single plan document for
// previews.
type pulumiEvent struct {
	Diagnostic *pulumiDiagnostic `json:"diagnosticEvent"`
	ResOutputs *pulumiResStep    `json:"resOutputsEvent"`
	ResPre     *pulumiResStep    `json:"resourcePreEvent"`
	Summary    *pulumiSummary    `json:"summaryEvent"`
	Stdout     *pulumiStdout     `json:"stdoutEvent"`
	Prelude    json.RawMessage   `json:"preludeEvent"`
	Cancel     json.RawMessage   `json:"cancelEvent"`

	Steps         []pulumiPlanStep `json:"steps"`
	ChangeSummary map[string]int   `json:"changeSummary"`
}

type pulumiDiagnostic struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	URN      string `json:"urn"`
}

type pulumiResStep struct {
	Metadata pulumiStepMeta `json:"metadata"`
}

type pulumiStepMeta struct {
	Op           string           `json:"op"`
	URN          string           `json:"urn"`
	Type         string           `json:"type"`
	Old          *pulumiStepState `json:"old"`
	New          *pulumiStepState `json:"new"`
	DetailedDiff map[string]any   `json:"detailedDiff"`
}

type pulumiStepState struct {
	Inputs  map[string]any `json:"inputs"`
	Outputs map[string]any `json:"outputs"`
}

type pulumiSummary struct {
	ResourceChanges map[string]int `json:"resourceChanges"`
	DurationSeconds float64        `json:"durationSeconds"`
}

type pulumiStdout struct {
	Message string `json:"message"`
}

type pulumiPlanStep struct {
	Op       string           `json:"op"`
	URN      string           `json:"urn"`
	OldState *pulumiPlanState `json:"oldState"`
	NewState *pulumiPlanState `json:"newState"`
}

type pulumiPlanState struct {
	Type    string         `json:"type"`
	Inputs  map[string]any `json:"inputs"`
	Outputs map[string]any `json:"outputs"`
}

// parseEventLine converts one stdout line into raw records. Lines that
// are not JSON come back as a single malformed record; recognized but
// irrelevant events produce none.
func parseEventLine(line string) []Record {
	var ev pulumiEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return []Record{{Kind: RecordMalformed, Raw: line}}
	}
	switch {
	case ev.Diagnostic != nil:
		msg := strings.TrimRight(ev.Diagnostic.Message, "\n")
		if msg == "" {
			return nil
		}
		return []Record{{Kind: RecordDiagnostic, Severity: ev.Diagnostic.Severity, Message: msg, URN: ev.Diagnostic.URN}}
	case ev.ResOutputs != nil:
		return []Record{resourceRecord(ev.ResOutputs.Metadata)}
	case ev.Summary != nil:
		return []Record{{Kind: RecordSummary, Changes: ev.Summary.ResourceChanges}}
	case ev.Stdout != nil:
		msg := strings.TrimRight(ev.Stdout.Message, "\n")
		if msg == "" {
			return nil
		}
		return []Record{{Kind: RecordOutput, Message: msg}}
	case len(ev.Steps) > 0 || len(ev.ChangeSummary) > 0:
		return planRecords(ev)
	}
	return nil
}

func resourceRecord(m pulumiStepMeta) Record {
	rec := Record{Kind: RecordResource, URN: m.URN, ResourceType: m.Type, Op: m.Op}
	if m.Old != nil {
		rec.OldState = m.Old.Outputs
	}
	if m.New != nil {
		if len(m.New.Outputs) > 0 {
			rec.NewState = m.New.Outputs
		} else {
			rec.NewState = m.New.Inputs
		}
	}
	if len(m.DetailedDiff) > 0 {
		keys := make([]string, 0, len(m.DetailedDiff))
		for k := range m.DetailedDiff {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rec.Diff = strings.Join(keys, ", ")
	}
	return rec
}

// planRecords flattens a preview plan document into plan, resource and
// summary records.
func planRecords(ev pulumiEvent) []Record {
	recs := make([]Record, 0, len(ev.Steps)+2)
	if len(ev.Steps) > 0 {
		recs = append(recs, Record{Kind: RecordPlan, TotalSteps: len(ev.Steps)})
	}
	for _, step := range ev.Steps {
		rec := Record{Kind: RecordResource, URN: step.URN, Op: step.Op}
		if step.NewState != nil {
			rec.ResourceType = step.NewState.Type
			rec.NewState = step.NewState.Inputs
		}
		if step.OldState != nil {
			if rec.ResourceType == "" {
				rec.ResourceType = step.OldState.Type
			}
			rec.OldState = step.OldState.Outputs
		}
		recs = append(recs, rec)
	}
	if len(ev.ChangeSummary) > 0 {
		recs = append(recs, Record{Kind: RecordSummary, Changes: ev.ChangeSummary})
	}
	return recs
}

// run executes a catalog subcommand and returns its stdout.
func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	env, err := mergedEnv(c.envFile, nil)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, c.binary, append(args, "--non-interactive")...)
	cmd.Dir = c.workdir
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, classifyToolError(stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

func classifyToolError(stderr string, err error) error {
	lowered := strings.ToLower(stderr)
	switch {
	case strings.Contains(lowered, "no stack named"):
		return ErrStackNotFound
	case strings.Contains(lowered, "already exists"):
		return ErrStackExists
	case strings.Contains(lowered, "still has resources"):
		return ErrStackNotEmpty
	}
	trimmed := strings.TrimSpace(stderr)
	if trimmed == "" {
		return err
	}
	if len(trimmed) > 300 {
		trimmed = trimmed[:300]
	}
	return fmt.Errorf("tool error: %s", trimmed)
}

type pulumiStackRow struct {
	Name          string `json:"name"`
	Current       bool   `json:"current"`
	LastUpdate    string `json:"lastUpdate"`
	ResourceCount int    `json:"resourceCount"`
	URL           string `json:"url"`
}

func (r pulumiStackRow) summary() domain.StackSummary {
	s := domain.StackSummary{
		Name:          r.Name,
		Current:       r.Current,
		ResourceCount: r.ResourceCount,
		URL:           r.URL,
	}
	if r.LastUpdate != "" {
		if t, err := time.Parse(time.RFC3339, r.LastUpdate); err == nil {
			t = t.UTC()
			s.LastUpdate = &t
		}
	}
	return s
}

// ListStacks lists the stacks of the workspace.
func (c *CLI) ListStacks(ctx context.Context) ([]domain.StackSummary, error) {
	out, err := c.run(ctx, "stack", "ls", "--json")
	if err != nil {
		return nil, err
	}
	var rows []pulumiStackRow
	if err := json.Unmarshal(out, &rows); err != nil {
		return nil, fmt.Errorf("parse stack list: %w", err)
	}
	stacks := make([]domain.StackSummary, 0, len(rows))
	for _, row := range rows {
		stacks = append(stacks, row.summary())
	}
	return stacks, nil
}

// StackDetail combines the catalog row with config and outputs.
func (c *CLI) StackDetail(ctx context.Context, name string) (domain.StackDetail, error) {
	stacks, err := c.ListStacks(ctx)
	if err != nil {
		return domain.StackDetail{}, err
	}
	var detail domain.StackDetail
	found := false
	for _, s := range stacks {
		if s.Name == name {
			detail.StackSummary = s
			found = true
			break
		}
	}
	if !found {
		return domain.StackDetail{}, ErrStackNotFound
	}
	if detail.Config, err = c.Config(ctx, name); err != nil {
		return domain.StackDetail{}, err
	}
	if detail.Outputs, err = c.Outputs(ctx, name); err != nil {
		return domain.StackDetail{}, err
	}
	return detail, nil
}

// CreateStack initializes a new stack.
func (c *CLI) CreateStack(ctx context.Context, name string) error {
	_, err := c.run(ctx, "stack", "init", name)
	return err
}

// RemoveStack deletes a stack. The tool refuses stacks that still hold
// resources.
func (c *CLI) RemoveStack(ctx context.Context, name string) error {
	_, err := c.run(ctx, "stack", "rm", "--yes", "--stack", name)
	return err
}

type pulumiConfigValue struct {
	Value  string `json:"value"`
	Secret bool   `json:"secret"`
}

// Config returns the stack configuration with secret values masked.
func (c *CLI) Config(ctx context.Context, name string) (map[string]string, error) {
	out, err := c.run(ctx, "config", "--json", "--stack", name)
	if err != nil {
		return nil, err
	}
	var raw map[string]pulumiConfigValue
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := make(map[string]string, len(raw))
	for k, v := range raw {
		if v.Secret {
			cfg[k] = secretPlaceholder
			continue
		}
		cfg[k] = v.Value
	}
	return cfg, nil
}

// SetConfig writes configuration values one key at a time.
func (c *CLI) SetConfig(ctx context.Context, name string, config map[string]string) error {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := c.run(ctx, "config", "set", k, config[k], "--plaintext", "--stack", name); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

// Outputs returns the current stack outputs.
func (c *CLI) Outputs(ctx context.Context, name string) (map[string]any, error) {
	out, err := c.run(ctx, "stack", "output", "--json", "--stack", name)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]any)
	if len(bytes.TrimSpace(out)) == 0 {
		return outputs, nil
	}
	if err := json.Unmarshal(out, &outputs); err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}
	return outputs, nil
}

type pulumiExport struct {
	Deployment struct {
		Resources []pulumiExportResource `json:"resources"`
	} `json:"deployment"`
}

type pulumiExportResource struct {
	URN          string         `json:"urn"`
	Type         string         `json:"type"`
	ID           string         `json:"id"`
	Parent       string         `json:"parent"`
	Dependencies []string       `json:"dependencies"`
	Outputs      map[string]any `json:"outputs"`
	Inputs       map[string]any `json:"inputs"`
}

// Resources reads the exported stack state.
func (c *CLI) Resources(ctx context.Context, name string) ([]domain.Resource, error) {
	out, err := c.run(ctx, "stack", "export", "--stack", name)
	if err != nil {
		return nil, err
	}
	var export pulumiExport
	if err := json.Unmarshal(out, &export); err != nil {
		return nil, fmt.Errorf("parse stack export: %w", err)
	}
	resources := make([]domain.Resource, 0, len(export.Deployment.Resources))
	for _, r := range export.Deployment.Resources {
		resources = append(resources, domain.Resource{
			URN:          r.URN,
			Type:         r.Type,
			ID:           r.ID,
			Parent:       r.Parent,
			Dependencies: r.Dependencies,
			Properties:   r.Outputs,
			Inputs:       r.Inputs,
		})
	}
	return resources, nil
}
