package openmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Executions run until the first suspension, so it is
// longer than a typical REST call.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the OpenMCP Swarm REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Limits bounds the resources of one execution. Zero fields use server defaults.
type Limits struct {
	MaxIterations     int `json:"max_iterations,omitempty"`
	MaxParallelAgents int `json:"max_parallel_agents,omitempty"`
	MaxSwarmSize      int `json:"max_swarm_size,omitempty"`
	MaxAgentTurns     int `json:"max_agent_turns,omitempty"`
	MaxToolRetries    int `json:"max_tool_retries,omitempty"`
}

// Tool describes a callable capability.
type Tool struct {
	Name        string          `json:"name"`
	ToolName    string          `json:"tool_name"`
	ProviderID  string          `json:"provider_id"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ExecuteOptions tunes a single execution.
type ExecuteOptions struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Tools       []Tool   `json:"tools,omitempty"`
	Limits      Limits   `json:"limits"`
}

// ExecuteRequest submits a new task.
type ExecuteRequest struct {
	Task     string         `json:"task"`
	ThreadID string         `json:"thread_id,omitempty"`
	Options  ExecuteOptions `json:"options"`
}

// Decision answers one pending approval. A non-nil ExecutionResult reports a
// tool the caller already ran itself.
type Decision struct {
	ID              string    `json:"id"`
	Approved        bool      `json:"approved"`
	Timestamp       time.Time `json:"timestamp"`
	Reason          string    `json:"reason,omitempty"`
	ExecutionResult *string   `json:"execution_result,omitempty"`
}

// ToolCall is a tool invocation requested by an agent.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ApprovalRequest is a tool call waiting for a human decision.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Role        string    `json:"role"`
	ToolCall    ToolCall  `json:"tool_call"`
	Context     string    `json:"context,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	Risk        string    `json:"risk"`
	Status      string    `json:"status"`
	ProviderID  string    `json:"provider_id"`
}

// ErrorRecord is a failure recorded inside an execution.
type ErrorRecord struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Role    string    `json:"role,omitempty"`
	Node    string    `json:"node,omitempty"`
	At      time.Time `json:"at"`
}

// DecisionOutcome reports how a submitted decision was applied.
type DecisionOutcome struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	Reason          string `json:"reason,omitempty"`
	AlreadyResolved bool   `json:"already_resolved"`
}

// Outcome is returned by Execute and Resume.
type Outcome struct {
	Success                  bool              `json:"success"`
	Completed                bool              `json:"completed"`
	RequiresHumanInteraction bool              `json:"requires_human_interaction"`
	ThreadID                 string            `json:"thread_id"`
	ExecutionID              string            `json:"execution_id"`
	Status                   string            `json:"status"`
	Suspend                  string            `json:"suspend,omitempty"`
	Result                   string            `json:"result,omitempty"`
	Confidence               float64           `json:"confidence"`
	PendingApprovals         []ApprovalRequest `json:"pending_approvals,omitempty"`
	Errors                   []ErrorRecord     `json:"errors,omitempty"`
	Decisions                []DecisionOutcome `json:"decisions,omitempty"`
}

// Snapshot is the state of an execution. State is left raw so callers can
// decode only the parts they need.
type Snapshot struct {
	Status string          `json:"status"`
	State  json.RawMessage `json:"state"`
}

// JobRequest queues an execute or resume job.
type JobRequest struct {
	ID        string         `json:"id,omitempty"`
	Kind      string         `json:"kind"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Task      string         `json:"task,omitempty"`
	Options   ExecuteOptions `json:"options"`
	Decisions []Decision     `json:"decisions,omitempty"`
}

// JobReceipt acknowledges a queued job.
type JobReceipt struct {
	JobID    string `json:"job_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// Job is the stored view of a queued job.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	ThreadID   string    `json:"thread_id"`
	Task       string    `json:"task,omitempty"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Outcome    *Outcome  `json:"outcome,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Finished reports whether the job reached a final status.
func (j Job) Finished() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openmcp api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openmcp api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenMCP Swarm API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Execute starts a new execution and waits until it completes or suspends.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (Outcome, error) {
	var out Outcome
	if err := c.send(ctx, http.MethodPost, "/api/v1/executions", req, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Resume applies decisions to a suspended execution. With no decisions it
// re-enters an execution waiting for an asynchronous model result.
func (c *Client) Resume(ctx context.Context, threadID string, decisions ...Decision) (Outcome, error) {
	var out Outcome
	body := struct {
		Decisions []Decision `json:"decisions,omitempty"`
	}{Decisions: decisions}
	if err := c.send(ctx, http.MethodPost, "/api/v1/executions/"+threadID+"/resume", body, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Status fetches the current state of an execution.
func (c *Client) Status(ctx context.Context, threadID string) (Snapshot, error) {
	var snap Snapshot
	if err := c.send(ctx, http.MethodGet, "/api/v1/executions/"+threadID, nil, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Cancel stops an execution and discards its checkpoint.
func (c *Client) Cancel(ctx context.Context, threadID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/executions/"+threadID, nil, nil)
}

// Tools lists the tool table the server resolves for new executions.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var body struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tools", nil, &body); err != nil {
		return nil, err
	}
	return body.Tools, nil
}

// SubmitJob queues a job for asynchronous processing.
func (c *Client) SubmitJob(ctx context.Context, req JobRequest) (JobReceipt, error) {
	var receipt JobReceipt
	if err := c.send(ctx, http.MethodPost, "/api/v1/jobs", req, &receipt); err != nil {
		return JobReceipt{}, err
	}
	return receipt, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+jobID, nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// WaitJob polls a job until it finishes or ctx ends.
func (c *Client) WaitJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Finished() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets a bearer token sent with every request, for servers
// deployed behind an authenticating gateway.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
