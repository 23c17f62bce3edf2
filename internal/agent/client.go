package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	km "github.com/eugener/palantir/internal"
)

const (
	defaultAPIVersion  = "2025-05-01"
	defaultPollBackoff = 500 * time.Millisecond
)

// Truncation limits how much thread history each run sees.
type Truncation struct {
	Type         string `json:"type"`
	LastMessages int    `json:"last_messages,omitempty"`
}

// LastMessages returns the truncation strategy used for conversational runs.
func LastMessages(n int) *Truncation {
	return &Truncation{Type: "last_messages", LastMessages: n}
}

// Thread is a remote conversation thread on the agent platform.
type Thread struct {
	ID string `json:"id"`
}

// Run is an agent execution over a thread.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	AgentID   string    `json:"assistant_id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
}

// RunError is the failure detail attached to a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

func terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Client is a REST client for the agent platform's threads/messages/runs
// surface. Auth is handled by the http.Client's transport chain.
type Client struct {
	baseURL     string
	apiVersion  string
	http        *http.Client
	pollBackoff time.Duration
}

// NewClient creates a platform client. baseURL is the project endpoint;
// apiVersion defaults to the current GA version if empty.
func NewClient(baseURL, apiVersion string, httpClient *http.Client) *Client {
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiVersion:  apiVersion,
		http:        httpClient,
		pollBackoff: defaultPollBackoff,
	}
}

// url builds a versioned API URL for the given path.
func (c *Client) url(path string) string {
	return c.baseURL + path + "?api-version=" + c.apiVersion
}

// do performs a JSON round trip. out may be nil for fire-and-forget calls.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("agent %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return fmt.Errorf("agent %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s: do request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent %s: decode response: %w", op, err)
	}
	return nil
}

// CreateThread creates a new remote thread.
func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var t Thread
	if err := c.do(ctx, "create_thread", http.MethodPost, "/threads", struct{}{}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteThread removes a remote thread. It satisfies session.ThreadDeleter
// so the session cache can clean up threads it evicts.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.do(ctx, "delete_thread", http.MethodDelete, "/threads/"+threadID, nil, nil)
}

// CreateMessage appends a message to a thread.
func (c *Client) CreateMessage(ctx context.Context, threadID, role, content string) error {
	in := struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: role, Content: content}
	return c.do(ctx, "create_message", http.MethodPost, "/threads/"+threadID+"/messages", in, nil)
}

// runRequest is the body for run creation (streaming and polling variants).
type runRequest struct {
	AgentID    string      `json:"assistant_id"`
	Stream     bool        `json:"stream,omitempty"`
	Truncation *Truncation `json:"truncation_strategy,omitempty"`
}

// CreateRun starts a run of agentID over the thread.
func (c *Client) CreateRun(ctx context.Context, threadID, agentID string, trunc *Truncation) (*Run, error) {
	var r Run
	in := runRequest{AgentID: agentID, Truncation: trunc}
	if err := c.do(ctx, "create_run", http.MethodPost, "/threads/"+threadID+"/runs", in, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var r Run
	if err := c.do(ctx, "get_run", http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RunAndWait starts a run and polls until it reaches a terminal status.
// A failed run is returned as an error: rate-limit failures map to the
// typed rate-limit error, everything else to ErrAgentFailed.
func (c *Client) RunAndWait(ctx context.Context, threadID, agentID string, trunc *Truncation) (*Run, error) {
	run, err := c.CreateRun(ctx, threadID, agentID, trunc)
	if err != nil {
		return nil, err
	}
	for !terminal(run.Status) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollBackoff):
		}
		run, err = c.GetRun(ctx, threadID, run.ID)
		if err != nil {
			return nil, err
		}
	}
	if run.Status != StatusCompleted {
		return run, runFailure(run)
	}
	return run, nil
}

// runFailure maps a terminal non-completed run to a domain error.
func runFailure(run *Run) error {
	if run.LastError != nil {
		if run.LastError.Code == "rate_limit_exceeded" {
			return rateLimitError(run.LastError.Message)
		}
		return fmt.Errorf("run %s %s (%s: %s): %w",
			run.ID, run.Status, run.LastError.Code, run.LastError.Message, km.ErrAgentFailed)
	}
	return fmt.Errorf("run %s %s: %w", run.ID, run.Status, km.ErrAgentFailed)
}

// FirstAgentText returns the first assistant message text on the thread in
// ascending order, matching how run results are read back after RunAndWait.
func (c *Client) FirstAgentText(ctx context.Context, threadID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/threads/"+threadID+"/messages?order=asc&api-version="+c.apiVersion, nil)
	if err != nil {
		return "", fmt.Errorf("agent list_messages: create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent list_messages: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", parseAPIError("list_messages", resp)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", fmt.Errorf("agent list_messages: read response: %w", err)
	}

	// Message content is a polymorphic array; gjson keeps the happy path
	// free of intermediate structs.
	var text string
	gjson.GetBytes(buf.Bytes(), "data").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != km.RoleAssistant {
			return true
		}
		parts := msg.Get("content").Array()
		for i := len(parts) - 1; i >= 0; i-- {
			if parts[i].Get("type").String() == "text" {
				text = strings.TrimSpace(parts[i].Get("text.value").String())
				return false
			}
		}
		return true
	})
	return text, nil
}
