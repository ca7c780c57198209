// Package client provides typed access to the sandbox API for
// interactive tools. It mirrors the REST surface under /api/v1 and the
// WebSocket event channel at /ws.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the sandbox API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Stack is one catalog row from the stack listing.
type Stack struct {
	Name          string     `json:"name"`
	Current       bool       `json:"current"`
	LastUpdate    *time.Time `json:"lastUpdate,omitempty"`
	ResourceCount int        `json:"resourceCount"`
	URL           string     `json:"url,omitempty"`
}

// StackDetail adds configuration and outputs to the catalog row.
type StackDetail struct {
	Stack
	Config  map[string]string `json:"config"`
	Outputs map[string]any    `json:"outputs"`
}

// ListStacks returns every stack known to the workspace.
func (c *Client) ListStacks(ctx context.Context) ([]Stack, error) {
	var resp struct {
		Stacks []Stack `json:"stacks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/stacks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stacks, nil
}

// CreateStack provisions a new empty stack.
func (c *Client) CreateStack(ctx context.Context, name string) (StackDetail, error) {
	body := map[string]string{"name": name}
	var detail StackDetail
	if err := c.do(ctx, http.MethodPost, "/api/v1/stacks", body, &detail); err != nil {
		return StackDetail{}, err
	}
	return detail, nil
}

// GetStack fetches one stack with its config and outputs.
func (c *Client) GetStack(ctx context.Context, name string) (StackDetail, error) {
	var detail StackDetail
	path := "/api/v1/stacks/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return StackDetail{}, err
	}
	return detail, nil
}

// DeleteStack removes a stack. The server rejects stacks that still
// hold resources or have a deployment in flight.
func (c *Client) DeleteStack(ctx context.Context, name string) error {
	path := "/api/v1/stacks/" + url.PathEscape(name)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// UpdateStackConfig replaces the stack configuration and returns the
// stored result.
func (c *Client) UpdateStackConfig(ctx context.Context, name string, config map[string]string) (map[string]string, error) {
	var resp struct {
		Config map[string]string `json:"config"`
	}
	path := "/api/v1/stacks/" + url.PathEscape(name) + "/config"
	if err := c.do(ctx, http.MethodPut, path, config, &resp); err != nil {
		return nil, err
	}
	return resp.Config, nil
}

// StackOutputs fetches the current outputs of a stack.
func (c *Client) StackOutputs(ctx context.Context, name string) (map[string]any, error) {
	var resp struct {
		Outputs map[string]any `json:"outputs"`
	}
	path := "/api/v1/stacks/" + url.PathEscape(name) + "/outputs"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Outputs, nil
}

// Resource is one provisioned entity inside a stack.
type Resource struct {
	URN          string         `json:"urn"`
	Type         string         `json:"type"`
	ID           string         `json:"id,omitempty"`
	Parent       string         `json:"parent,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// StackResources lists the resources currently held by a stack.
func (c *Client) StackResources(ctx context.Context, name string) ([]Resource, error) {
	var resp struct {
		Resources []Resource `json:"resources"`
	}
	path := "/api/v1/stacks/" + url.PathEscape(name) + "/resources"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Resources, nil
}

// Summary counts resource changes by kind for one deployment.
type Summary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

// Deployment is one operation run against a stack.
type Deployment struct {
	ID             string         `json:"id"`
	StackName      string         `json:"stackName"`
	Operation      string         `json:"operation"`
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
	return d.Status == "completed" || d.Status == "failed"
}

// TriggerOptions tune a triggered operation. Zero values are omitted
// from the request.
type TriggerOptions struct {
	Message  string
	Parallel int
}

// Trigger starts an operation (up, preview, destroy, refresh) on a
// stack and returns the accepted deployment record.
func (c *Client) Trigger(ctx context.Context, stack, operation string, opts TriggerOptions) (Deployment, error) {
	body := map[string]any{}
	if opts.Message != "" {
		body["message"] = opts.Message
	}
	if opts.Parallel > 0 {
		body["parallel"] = opts.Parallel
	}
	var dep Deployment
	path := "/api/v1/stacks/" + url.PathEscape(stack) + "/" + url.PathEscape(operation)
	if err := c.do(ctx, http.MethodPost, path, body, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// StackDeployments returns the recorded runs for one stack, newest
// first.
func (c *Client) StackDeployments(ctx context.Context, stack string) ([]Deployment, error) {
	var resp struct {
		Deployments []Deployment `json:"deployments"`
	}
	path := "/api/v1/stacks/" + url.PathEscape(stack) + "/deployments"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// Deployment fetches one deployment by id.
func (c *Client) Deployment(ctx context.Context, id string) (Deployment, error) {
	var dep Deployment
	path := "/api/v1/deployments/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// CancelDeployment asks the server to stop a running deployment. The
// run finishes asynchronously with a cancelled error kind.
func (c *Client) CancelDeployment(ctx context.Context, id string) error {
	path := "/api/v1/deployments/" + url.PathEscape(id) + "/cancel"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}
