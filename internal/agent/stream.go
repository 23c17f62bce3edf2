package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	km "github.com/eugener/palantir/internal"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// toolFailureOutput is submitted for a tool call that has no registered
// implementation or whose implementation failed, so the run can still
// complete with a graceful answer instead of expiring.
const toolFailureOutput = "Details could not be retrieved. Please try again later."

// ToolFunc executes one function tool call issued by a run. args is the
// raw JSON arguments string produced by the agent.
type ToolFunc func(ctx context.Context, args string) (string, error)

// Toolset maps function tool names to their implementations. A run that
// pauses on requires_action has each of its tool calls dispatched here and
// the outputs submitted back, after which streaming resumes.
type Toolset map[string]ToolFunc

// newScanner returns a bufio.Scanner configured for reading SSE lines with
// a 64KB buffer. Each call to Scan() returns a single line (without the
// trailing newline).
func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// parseSSELine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false (comment)
//	""                -> ok=false (empty)
func parseSSELine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip optional leading space after colon per SSE spec
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// InvokeStream sends query as a user message and streams the agent's
// response. When threadID is empty a fresh remote thread is created first;
// the effective thread id is returned so callers can track the session
// before the first delta arrives. Each delta also carries the thread id.
// Runs that pause on requires_action have their tool calls dispatched
// through tools (nil means no tools; failure outputs are submitted so the
// run can finish). The channel is closed after the final delta or an error
// delta.
func (c *Client) InvokeStream(ctx context.Context, agentID, threadID, query string, trunc *Truncation, tools Toolset) (string, <-chan km.StreamDelta, error) {
	if threadID == "" {
		t, err := c.CreateThread(ctx)
		if err != nil {
			return "", nil, err
		}
		threadID = t.ID
	}

	if err := c.CreateMessage(ctx, threadID, km.RoleUser, query); err != nil {
		return threadID, nil, err
	}

	body, err := json.Marshal(runRequest{AgentID: agentID, Stream: true, Truncation: trunc})
	if err != nil {
		return threadID, nil, fmt.Errorf("agent stream_run: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url("/threads/"+threadID+"/runs"), bytes.NewReader(body))
	if err != nil {
		return threadID, nil, fmt.Errorf("agent stream_run: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return threadID, nil, fmt.Errorf("agent stream_run: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return threadID, nil, parseAPIError("stream_run", resp)
	}

	ch := make(chan km.StreamDelta, 8)
	go c.readRunStream(ctx, resp, threadID, tools, ch)
	return threadID, ch, nil
}

// readRunStream consumes the run's SSE events and forwards text deltas.
// A requires_action event pauses reading while tool calls are dispatched;
// the submit_tool_outputs response carries the continuation of the stream.
// The channel is closed when the stream ends.
func (c *Client) readRunStream(ctx context.Context, resp *http.Response, threadID string, tools Toolset, ch chan<- km.StreamDelta) {
	defer close(ch)
	defer func() { resp.Body.Close() }()

	var event string
	scanner := newScanner(resp.Body)
	for scanner.Scan() {
		ev, data, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if ev != "" {
			event = ev
			continue
		}
		if data == "[DONE]" {
			return
		}

		var delta km.StreamDelta
		switch event {
		case "thread.message.delta":
			var sb strings.Builder
			gjson.Get(data, "delta.content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					sb.WriteString(part.Get("text.value").String())
				}
				return true
			})
			if sb.Len() == 0 {
				continue
			}
			delta = km.StreamDelta{Content: sb.String(), ThreadID: threadID}
		case "thread.run.requires_action":
			next, err := c.continueWithToolOutputs(ctx, threadID, data, tools)
			if err != nil {
				delta = km.StreamDelta{ThreadID: threadID, Err: err}
				break
			}
			resp.Body.Close()
			resp = next
			scanner = newScanner(resp.Body)
			event = ""
			continue
		case "thread.run.failed":
			run := runFromEvent(data)
			delta = km.StreamDelta{ThreadID: threadID, Err: runFailure(run)}
		case "error":
			delta = km.StreamDelta{ThreadID: threadID, Err: fmt.Errorf("stream: %s: %w", data, km.ErrAgentFailed)}
		default:
			continue
		}

		select {
		case ch <- delta:
		case <-ctx.Done():
			return
		}
		if delta.Err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case ch <- km.StreamDelta{ThreadID: threadID, Err: fmt.Errorf("read stream: %w", err)}:
		case <-ctx.Done():
		}
	}
}

// toolOutput is one resolved tool call result submitted back to the run.
type toolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// continueWithToolOutputs resolves the run event's tool calls through tools
// and submits the outputs with streaming enabled. The response body carries
// the rest of the run's SSE stream.
func (c *Client) continueWithToolOutputs(ctx context.Context, threadID, runEvent string, tools Toolset) (*http.Response, error) {
	runID := gjson.Get(runEvent, "id").String()

	var outputs []toolOutput
	gjson.Get(runEvent, "required_action.submit_tool_outputs.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		name := tc.Get("function.name").String()
		out := toolFailureOutput
		if fn, ok := tools[name]; ok {
			v, err := fn(ctx, tc.Get("function.arguments").String())
			if err != nil {
				slog.Error("tool call failed",
					slog.String("tool", name),
					slog.String("run_id", runID),
					slog.Any("error", err))
			} else {
				out = v
			}
		} else {
			slog.Warn("run requested unknown tool", slog.String("tool", name), slog.String("run_id", runID))
		}
		outputs = append(outputs, toolOutput{ToolCallID: tc.Get("id").String(), Output: out})
		return true
	})

	body, err := json.Marshal(struct {
		ToolOutputs []toolOutput `json:"tool_outputs"`
		Stream      bool         `json:"stream"`
	}{ToolOutputs: outputs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("agent submit_tool_outputs: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url("/threads/"+threadID+"/runs/"+runID+"/submit_tool_outputs"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent submit_tool_outputs: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent submit_tool_outputs: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError("submit_tool_outputs", resp)
	}
	return resp, nil
}

// runFromEvent decodes the run object carried in a run lifecycle event.
func runFromEvent(data string) *Run {
	run := &Run{Status: StatusFailed}
	if err := json.Unmarshal([]byte(data), run); err != nil {
		return &Run{Status: StatusFailed}
	}
	return run
}
