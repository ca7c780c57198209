package domain

import "time"

// Operation enumerates the kinds of work a deployment can run.
type Operation string

const (
	OperationPreview Operation = "preview"
	OperationUp      Operation = "up"
	OperationDestroy Operation = "destroy"
	OperationRefresh Operation = "refresh"
)

// ParseOperation validates a raw operation name.
func ParseOperation(raw string) (Operation, bool) {
	switch op := Operation(raw); op {
	case OperationPreview, OperationUp, OperationDestroy, OperationRefresh:
		return op, true
	}
	return "", false
}

// Deployment status values. Status only moves forward: running ends in
// exactly one of completed or failed.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TerminalStatus reports whether status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Error kinds recorded on failed deployments.
const (
	ErrKindToolFailure = "tool-failure"
	ErrKindCancelled   = "cancelled"
	ErrKindInternal    = "internal"
)

// Summary counts the resource changes observed during one deployment.
type Summary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

// Add folds n changes of the given kind into the summary.
func (s *Summary) Add(kind ChangeKind, n int) {
	switch kind {
	case ChangeCreate:
		s.Created += n
	case ChangeUpdate:
		s.Updated += n
	case ChangeDelete:
		s.Deleted += n
	case ChangeSame:
		s.Unchanged += n
	}
}

// Total returns the number of counted changes.
func (s Summary) Total() int {
	return s.Created + s.Updated + s.Deleted + s.Unchanged
}

// Deployment captures one operation run against a stack.
type Deployment struct {
	ID             string         `json:"id"`
	StackName      string         `json:"stackName"`
	Operation      Operation      `json:"operation"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	CurrentStep    string         `json:"currentStep,omitempty"`
	TotalSteps     int            `json:"totalSteps,omitempty"`
	CompletedSteps int            `json:"completedSteps,omitempty"`
	Summary        Summary        `json:"summary"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	LogTail        []string       `json:"logTail,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      string         `json:"errorKind,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Terminal reports whether the deployment reached a final status.
func (d Deployment) Terminal() bool {
	return TerminalStatus(d.Status)
}

// Clone returns a deep copy safe to hand across goroutines.
func (d Deployment) Clone() Deployment {
	out := d
	if d.Outputs != nil {
		out.Outputs = make(map[string]any, len(d.Outputs))
		for k, v := range d.Outputs {
			out.Outputs[k] = v
		}
	}
	if d.LogTail != nil {
		out.LogTail = append([]string(nil), d.LogTail...)
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// DeploymentUpdate carries mutable progress fields folded into a running
// deployment. Nil fields are left unchanged.
type DeploymentUpdate struct {
	Progress       *int
	CurrentStep    *string
	TotalSteps     *int
	CompletedSteps *int
	Summary        *Summary
	Outputs        map[string]any
	LogLine        *string
}
