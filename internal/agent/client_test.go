package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	km "github.com/eugener/palantir/internal"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL, "2025-05-01", srv.Client())
	c.pollBackoff = time.Millisecond
	return c
}

func TestCreateAndDeleteThread(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") != "2025-05-01" {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads":
			fmt.Fprint(w, `{"id":"thread_abc"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/threads/thread_abc":
			fmt.Fprint(w, `{"id":"thread_abc","deleted":true}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	th, err := c.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if th.ID != "thread_abc" {
		t.Errorf("thread id = %q", th.ID)
	}
	if err := c.DeleteThread(context.Background(), th.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
}

func TestRunAndWait_PollsUntilCompleted(t *testing.T) {
	t.Parallel()

	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads/t1/runs":
			var req runRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode run request: %v", err)
			}
			if req.AgentID != "agent_1" {
				t.Errorf("assistant_id = %q", req.AgentID)
			}
			if req.Truncation == nil || req.Truncation.LastMessages != 4 {
				t.Error("truncation_strategy last_messages=4 expected")
			}
			fmt.Fprint(w, `{"id":"run_1","thread_id":"t1","status":"queued"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/threads/t1/runs/run_1":
			if polls.Add(1) < 2 {
				fmt.Fprint(w, `{"id":"run_1","thread_id":"t1","status":"in_progress"}`)
			} else {
				fmt.Fprint(w, `{"id":"run_1","thread_id":"t1","status":"completed"}`)
			}
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	run, err := c.RunAndWait(context.Background(), "t1", "agent_1", LastMessages(4))
	if err != nil {
		t.Fatalf("RunAndWait: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("status = %q", run.Status)
	}
	if polls.Load() < 2 {
		t.Errorf("polls = %d, want at least 2", polls.Load())
	}
}

func TestRunAndWait_FailedRun(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"run_1","thread_id":"t1","status":"failed","last_error":{"code":"server_error","message":"boom"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.RunAndWait(context.Background(), "t1", "agent_1", nil)
	if !errors.Is(err, km.ErrAgentFailed) {
		t.Fatalf("err = %v, want ErrAgentFailed", err)
	}
}

func TestRunAndWait_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"run_1","thread_id":"t1","status":"failed","last_error":{"code":"rate_limit_exceeded","message":"Rate limit is exceeded. Try again in 26 seconds."}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.RunAndWait(context.Background(), "t1", "agent_1", nil)
	if !errors.Is(err, km.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var rl *km.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatal("want typed RateLimitError")
	}
	if rl.RetryAfterSeconds != 26 {
		t.Errorf("retry after = %d, want 26", rl.RetryAfterSeconds)
	}
}

func TestHTTPRateLimitResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit is exceeded. Try again in 7 seconds."}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.CreateMessage(context.Background(), "t1", km.RoleUser, "hi")
	var rl *km.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfterSeconds != 7 {
		t.Errorf("retry after = %d, want 7", rl.RetryAfterSeconds)
	}
}

func TestFirstAgentText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/t1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("order") != "asc" {
			t.Errorf("order = %q, want asc", r.URL.Query().Get("order"))
		}
		fmt.Fprint(w, `{"data":[
			{"role":"user","content":[{"type":"text","text":{"value":"question"}}]},
			{"role":"assistant","content":[{"type":"text","text":{"value":"  the answer  "}}]},
			{"role":"assistant","content":[{"type":"text","text":{"value":"later reply"}}]}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	text, err := c.FirstAgentText(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FirstAgentText: %v", err)
	}
	if text != "the answer" {
		t.Errorf("text = %q, want first assistant reply trimmed", text)
	}
}

func TestAPIError_Status(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream gone")
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.CreateThread(context.Background())
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if ae.HTTPStatus() != http.StatusBadGateway {
		t.Errorf("status = %d", ae.HTTPStatus())
	}
}
