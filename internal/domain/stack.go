package domain

import "time"

// StackSummary is the catalog row for one stack.
type StackSummary struct {
	Name          string     `json:"name"`
	Current       bool       `json:"current"`
	LastUpdate    *time.Time `json:"lastUpdate,omitempty"`
	ResourceCount int        `json:"resourceCount"`
	URL           string     `json:"url,omitempty"`
}

// StackDetail adds configuration and outputs to the summary.
type StackDetail struct {
	StackSummary
	Config  map[string]string `json:"config"`
	Outputs map[string]any    `json:"outputs"`
}

// Resource is one provisioned entity inside a stack.
type Resource struct {
	URN          string         `json:"urn"`
	Type         string         `json:"type"`
	ID           string         `json:"id,omitempty"`
	Parent       string         `json:"parent,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
}
