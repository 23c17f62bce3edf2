package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	km "github.com/eugener/palantir/internal"
)

func TestParseSSELine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line      string
		wantEvent string
		wantData  string
		wantOK    bool
	}{
		{"event: thread.message.delta", "thread.message.delta", "", true},
		{`data: {"id":"x"}`, "", `{"id":"x"}`, true},
		{"data: [DONE]", "", "[DONE]", true},
		{"", "", "", false},
		{": keepalive", "", "", false},
		{"garbage", "", "", false},
		{"retry: 100", "", "", false},
	}
	for _, tt := range tests {
		event, data, ok := parseSSELine(tt.line)
		if event != tt.wantEvent || data != tt.wantData || ok != tt.wantOK {
			t.Errorf("parseSSELine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, event, data, ok, tt.wantEvent, tt.wantData, tt.wantOK)
		}
	}
}

// fakePlatform serves thread creation, message creation and a canned run
// stream for InvokeStream tests.
func fakePlatform(t *testing.T, sse string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads":
			fmt.Fprint(w, `{"id":"thread_new"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			fmt.Fprint(w, `{"id":"msg_1"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/runs"):
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sse)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestInvokeStream_Deltas(t *testing.T) {
	t.Parallel()

	sse := "event: thread.run.created\n" +
		`data: {"id":"run_1","thread_id":"thread_new","status":"queued"}` + "\n\n" +
		"event: thread.message.delta\n" +
		`data: {"delta":{"content":[{"type":"text","text":{"value":"Hello"}}]}}` + "\n\n" +
		"event: thread.message.delta\n" +
		`data: {"delta":{"content":[{"type":"text","text":{"value":" world"}}]}}` + "\n\n" +
		"event: thread.run.completed\n" +
		`data: {"id":"run_1","thread_id":"thread_new","status":"completed"}` + "\n\n" +
		"event: done\ndata: [DONE]\n\n"

	srv := fakePlatform(t, sse)
	defer srv.Close()

	c := newTestClient(srv)
	threadID, ch, err := c.InvokeStream(context.Background(), "agent_1", "", "hi", LastMessages(4), nil)
	if err != nil {
		t.Fatalf("InvokeStream: %v", err)
	}
	if threadID != "thread_new" {
		t.Errorf("thread id = %q, want thread_new (fresh thread)", threadID)
	}

	var got strings.Builder
	for d := range ch {
		if d.Err != nil {
			t.Fatalf("delta error: %v", d.Err)
		}
		if d.ThreadID != "thread_new" {
			t.Errorf("delta thread id = %q", d.ThreadID)
		}
		got.WriteString(d.Content)
	}
	if got.String() != "Hello world" {
		t.Errorf("streamed text = %q, want %q", got.String(), "Hello world")
	}
}

func TestInvokeStream_ExistingThread(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/threads" {
			t.Error("should not create a thread when one is supplied")
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages"):
			fmt.Fprint(w, `{"id":"msg_1"}`)
		case strings.HasSuffix(r.URL.Path, "/runs"):
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	threadID, ch, err := c.InvokeStream(context.Background(), "agent_1", "thread_old", "hi", nil, nil)
	if err != nil {
		t.Fatalf("InvokeStream: %v", err)
	}
	if threadID != "thread_old" {
		t.Errorf("thread id = %q, want thread_old", threadID)
	}
	for range ch {
	}
}

func TestInvokeStream_ToolDispatch(t *testing.T) {
	t.Parallel()

	requiresAction := "event: thread.run.requires_action\n" +
		`data: {"id":"run_1","status":"requires_action","required_action":{"submit_tool_outputs":{"tool_calls":[` +
		`{"id":"call_1","type":"function","function":{"name":"ChatWithSQLDatabase","arguments":"{\"input\":\"how many calls\"}"}},` +
		`{"id":"call_2","type":"function","function":{"name":"NoSuchTool","arguments":"{}"}}]}}}` + "\n\n"
	continuation := "event: thread.message.delta\n" +
		`data: {"delta":{"content":[{"type":"text","text":{"value":"42 calls"}}]}}` + "\n\n" +
		"event: thread.run.completed\n" +
		`data: {"id":"run_1","status":"completed"}` + "\n\n" +
		"event: done\ndata: [DONE]\n\n"

	var submitted []toolOutput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads":
			fmt.Fprint(w, `{"id":"thread_new"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			fmt.Fprint(w, `{"id":"msg_1"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/submit_tool_outputs"):
			var in struct {
				ToolOutputs []toolOutput `json:"tool_outputs"`
				Stream      bool         `json:"stream"`
			}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("decode tool outputs: %v", err)
			}
			if !in.Stream {
				t.Error("tool output submission must request streaming")
			}
			submitted = in.ToolOutputs
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, continuation)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/runs"):
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, requiresAction)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	var gotArgs string
	tools := Toolset{
		"ChatWithSQLDatabase": func(_ context.Context, args string) (string, error) {
			gotArgs = args
			return "41 rows", nil
		},
	}

	c := newTestClient(srv)
	_, ch, err := c.InvokeStream(context.Background(), "agent_1", "", "how many calls", nil, tools)
	if err != nil {
		t.Fatalf("InvokeStream: %v", err)
	}

	var got strings.Builder
	for d := range ch {
		if d.Err != nil {
			t.Fatalf("delta error: %v", d.Err)
		}
		got.WriteString(d.Content)
	}
	if got.String() != "42 calls" {
		t.Errorf("streamed text = %q, want %q", got.String(), "42 calls")
	}
	if gotArgs != `{"input":"how many calls"}` {
		t.Errorf("tool arguments = %q", gotArgs)
	}
	if len(submitted) != 2 {
		t.Fatalf("submitted %d tool outputs, want 2", len(submitted))
	}
	if submitted[0].ToolCallID != "call_1" || submitted[0].Output != "41 rows" {
		t.Errorf("first output = %+v", submitted[0])
	}
	if submitted[1].ToolCallID != "call_2" || submitted[1].Output != toolFailureOutput {
		t.Errorf("unknown tool output = %+v, want failure text", submitted[1])
	}
}

func TestInvokeStream_RunFailed(t *testing.T) {
	t.Parallel()

	sse := "event: thread.run.failed\n" +
		`data: {"id":"run_1","thread_id":"thread_new","status":"failed","last_error":{"code":"rate_limit_exceeded","message":"Rate limit is exceeded. Try again in 12 seconds."}}` + "\n\n"

	srv := fakePlatform(t, sse)
	defer srv.Close()

	c := newTestClient(srv)
	_, ch, err := c.InvokeStream(context.Background(), "agent_1", "", "hi", nil, nil)
	if err != nil {
		t.Fatalf("InvokeStream: %v", err)
	}

	var last km.StreamDelta
	for d := range ch {
		last = d
	}
	if !errors.Is(last.Err, km.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", last.Err)
	}
}
