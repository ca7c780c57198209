package engine

import (
	"context"
	"errors"
	"time"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
)

// Sentinel errors shared by drivers.
var (
	ErrStackNotFound = errors.New("engine: stack not found")
	ErrStackExists   = errors.New("engine: stack already exists")
	ErrStackNotEmpty = errors.New("engine: stack still has resources")
)

// Options tune one operation run.
type Options struct {
	// Parallel caps concurrent resource operations; zero keeps the tool
	// default.
	Parallel int
	// Message annotates the update in the tool's history.
	Message string
	// Env adds variables to the tool process environment.
	Env map[string]string
}

// RecordKind tags raw records emitted by a running operation.
type RecordKind string

const (
	// RecordPlan announces the expected number of steps, when known.
	RecordPlan RecordKind = "plan"
	// RecordDiagnostic is a log line with a severity.
	RecordDiagnostic RecordKind = "diagnostic"
	// RecordResource reports one finished resource step.
	RecordResource RecordKind = "resource"
	// RecordSummary carries the tool's own change counts.
	RecordSummary RecordKind = "summary"
	// RecordOutput is a plain output line without severity.
	RecordOutput RecordKind = "output"
	// RecordMalformed wraps a line the driver could not parse.
	RecordMalformed RecordKind = "malformed"
)

// Record is one raw progress record from the provisioning tool. Fields
// are populated according to Kind.
type Record struct {
	Kind RecordKind

	// plan
	TotalSteps int

	// diagnostic, output
	Severity string
	Message  string

	// resource
	URN          string
	ResourceType string
	Op           string
	OldState     map[string]any
	NewState     map[string]any
	Diff         string

	// summary
	Changes map[string]int

	// malformed
	Raw string
}

// Result is the final outcome of one operation run. Err carries the
// tool's failure text; an empty Err means success.
type Result struct {
	Summary  map[string]int
	Outputs  map[string]any
	Err      string
	Duration time.Duration
}

// Handle tracks one in-flight operation.
type Handle interface {
	// Records yields raw progress records until the operation ends,
	// then the channel closes.
	Records() <-chan Record
	// Wait blocks until the operation finishes and returns its outcome.
	// The error reports infrastructure problems, not tool failures;
	// those arrive in Result.Err.
	Wait(ctx context.Context) (Result, error)
	// Stop asks the operation to end early. Best effort: the tool may
	// finish its current step before it checkpoints and exits.
	Stop(ctx context.Context) error
}

// Launcher starts operations against stacks.
type Launcher interface {
	Launch(ctx context.Context, stackName string, operation domain.Operation, opts Options) (Handle, error)
}

// Workspace exposes the catalog surface of the provisioning tool.
type Workspace interface {
	ListStacks(ctx context.Context) ([]domain.StackSummary, error)
	StackDetail(ctx context.Context, name string) (domain.StackDetail, error)
	CreateStack(ctx context.Context, name string) error
	RemoveStack(ctx context.Context, name string) error
	Config(ctx context.Context, name string) (map[string]string, error)
	SetConfig(ctx context.Context, name string, config map[string]string) error
	Outputs(ctx context.Context, name string) (map[string]any, error)
	Resources(ctx context.Context, name string) ([]domain.Resource, error)
}

// Engine is a complete provisioning tool driver.
type Engine interface {
	Launcher
	Workspace
}
