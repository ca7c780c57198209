package domain

import (
	"encoding/json"
	"time"
)

// Event types carried on the stream channel.
const (
	EventConnectionConfirmed   = "connection-confirmed"
	EventSubscriptionConfirmed = "subscription-confirmed"
	EventError                 = "error"
	EventDeploymentStarted     = "deployment-started"
	EventDeploymentProgress    = "deployment-progress"
	EventDeploymentLog         = "deployment-log"
	EventResourceChange        = "deployment-resource-change"
	EventDeploymentCompleted   = "deployment-completed"
	EventDeploymentFailed      = "deployment-failed"
)

// Log severities used on the stream.
const (
	LogDebug   = "debug"
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
)

// ChangeKind classifies what happened to one resource.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
	ChangeSame   ChangeKind = "same"
)

// Payload is implemented by every event payload variant. The set is
// closed: exactly one type per event kind.
type Payload interface {
	eventType() string
}

// Event is the envelope every stream message travels in.
type Event struct {
	Type         string
	Timestamp    time.Time
	DeploymentID string
	StackName    string
	Data         Payload
}

// Terminal reports whether the event ends its deployment's stream.
func (e Event) Terminal() bool {
	return e.Type == EventDeploymentCompleted || e.Type == EventDeploymentFailed
}

type wireEvent struct {
	Type         string  `json:"type"`
	Timestamp    string  `json:"timestamp"`
	DeploymentID string  `json:"deploymentId,omitempty"`
	StackName    string  `json:"stackName,omitempty"`
	Data         Payload `json:"data"`
}

// MarshalJSON renders the wire envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:         e.Type,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		DeploymentID: e.DeploymentID,
		StackName:    e.StackName,
		Data:         e.Data,
	})
}

// ConnectionConfirmed greets a freshly connected client.
type ConnectionConfirmed struct {
	ClientID string `json:"clientId"`
}

func (ConnectionConfirmed) eventType() string { return EventConnectionConfirmed }

// SubscriptionConfirmed acknowledges a subscribe request.
type SubscriptionConfirmed struct {
	Kind         string `json:"type"`
	StackName    string `json:"stackName,omitempty"`
	DeploymentID string `json:"deploymentId,omitempty"`
}

func (SubscriptionConfirmed) eventType() string { return EventSubscriptionConfirmed }

// StreamError reports a per-request failure without dropping the
// connection.
type StreamError struct {
	Message string `json:"message"`
}

func (StreamError) eventType() string { return EventError }

// DeploymentStarted announces a new operation run.
type DeploymentStarted struct {
	Operation Operation `json:"operation"`
	// EstimatedDuration is in seconds, zero when unknown.
	EstimatedDuration int `json:"estimatedDuration,omitempty"`
}

func (DeploymentStarted) eventType() string { return EventDeploymentStarted }

// DeploymentProgress reports step completion within one run.
type DeploymentProgress struct {
	Progress       int    `json:"progress"`
	CurrentStep    string `json:"currentStep,omitempty"`
	TotalSteps     int    `json:"totalSteps"`
	CompletedSteps int    `json:"completedSteps"`
	Message        string `json:"message,omitempty"`
}

func (DeploymentProgress) eventType() string { return EventDeploymentProgress }

// DeploymentLog carries one log line from the provisioning tool.
type DeploymentLog struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (DeploymentLog) eventType() string { return EventDeploymentLog }

// ResourceChange describes one resource the operation touched.
type ResourceChange struct {
	ResourceID   string         `json:"resourceId"`
	ResourceType string         `json:"resourceType"`
	ChangeKind   ChangeKind     `json:"changeKind"`
	OldState     map[string]any `json:"oldState,omitempty"`
	NewState     map[string]any `json:"newState,omitempty"`
	Diff         string         `json:"diff,omitempty"`
}

func (ResourceChange) eventType() string { return EventResourceChange }

// DeploymentCompleted closes a successful run.
type DeploymentCompleted struct {
	// Duration is in seconds.
	Duration float64        `json:"duration"`
	Summary  Summary        `json:"summary"`
	Outputs  map[string]any `json:"outputs"`
}

func (DeploymentCompleted) eventType() string { return EventDeploymentCompleted }

// DeploymentFailed closes a failed run.
type DeploymentFailed struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (DeploymentFailed) eventType() string { return EventDeploymentFailed }
