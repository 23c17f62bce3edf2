package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/agent"
	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/testutil"
)

// fakeStreamer yields deltas or a terminal error for the chat path.
type fakeStreamer struct {
	deltas []string
	err    error
}

func (f *fakeStreamer) InvokeStream(_ context.Context, threadID, _ string, _ *agent.Truncation) (string, <-chan km.StreamDelta, error) {
	if threadID == "" {
		threadID = "thread-1"
	}
	ch := make(chan km.StreamDelta, len(f.deltas)+1)
	for _, d := range f.deltas {
		ch <- km.StreamDelta{Content: d, ThreadID: threadID}
	}
	if f.err != nil {
		ch <- km.StreamDelta{Err: f.err}
	}
	close(ch)
	return threadID, ch, nil
}

// fakeAgent answers every one-shot run with a fixed reply.
type fakeAgent struct {
	reply string
}

func (f *fakeAgent) CreateThread(context.Context) (*agent.Thread, error) {
	return &agent.Thread{ID: "t1"}, nil
}
func (f *fakeAgent) DeleteThread(context.Context, string) error           { return nil }
func (f *fakeAgent) CreateMessage(context.Context, string, string, string) error { return nil }
func (f *fakeAgent) RunAndWait(context.Context, string, *agent.Truncation) (*agent.Run, error) {
	return &agent.Run{ID: "run1", Status: agent.StatusCompleted}, nil
}
func (f *fakeAgent) FirstAgentText(context.Context, string) (string, error) { return f.reply, nil }

func newTestDeps(t *testing.T) (Deps, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	sessions := session.New(16, time.Minute)
	return Deps{
		Auth:     testutil.NewFakeAuth(),
		Chat:     app.NewChatService(&fakeStreamer{deltas: []string{"Hello", " world"}}, sessions),
		Chart:    app.NewChartService(&fakeAgent{reply: `{"type":"bar","data":{"labels":["a"]}}`}, nil),
		History:  app.NewHistoryService(store, nil, true),
		Sessions: sessions,
	}, store
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	h := New(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadyz_NotReady(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	deps.ReadyCheck = func(context.Context) error { return fmt.Errorf("db down") }
	h := New(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
}

func TestConversation_StreamsCumulativeChunks(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	h := New(deps)

	body := `{"conversation_id":"conv1","messages":[{"role":"user","content":"top call drivers?"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/conversation", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json-lines" {
		t.Fatalf("content type = %q", ct)
	}

	chunks := decodeChunks(t, rec.Body.Bytes())
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	first, last := chunks[0], chunks[1]
	if first.Model != "rag-model" || first.Object != "extensions.chat.completion.chunk" {
		t.Fatalf("envelope = %+v", first)
	}
	if got := first.Choices[0].Messages[0].Content; got != "Hello" {
		t.Fatalf("first chunk content = %q", got)
	}
	if got := last.Choices[0].Messages[0].Content; got != "Hello world" {
		t.Fatalf("last chunk content = %q, want cumulative", got)
	}
	if last.Choices[0].Messages[0].Role != km.RoleAssistant {
		t.Fatalf("role = %q", last.Choices[0].Messages[0].Role)
	}
}

func TestConversation_RateLimitErrorInBand(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	deps.Chat = app.NewChatService(&fakeStreamer{err: &km.RateLimitError{RetryAfterSeconds: 24}}, deps.Sessions)
	h := New(deps)

	body := `{"conversation_id":"conv1","messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/conversation", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, stream errors travel in-band", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error":"Rate limit is exceeded. Try again in 24 seconds."`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestConversation_Unauthorized(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	deps.Auth = testutil.RejectAuth{}
	h := New(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/conversation", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	deps.RateLimiter = ratelimit.NewRegistry()
	deps.RateRPM = 1
	h := New(deps)

	body := func() *strings.Reader {
		return strings.NewReader(`{"conversation_id":"c1","messages":[{"role":"user","content":"q"}]}`)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/conversation", body()))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/conversation", body()))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	// The retry window renders as whole seconds.
	if !regexp.MustCompile(`"Rate limit is exceeded\. Try again in \d+ seconds\."`).MatchString(rec.Body.String()) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestChart(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	h := New(deps)

	body := `{"query":"sales per region","last_rag_response":"('east', 10)"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/chart", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid chart payload: %v", err)
	}
	if payload["type"] != "bar" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestHistoryRoundtrip(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(t)
	h := New(deps)

	// Create a conversation.
	rec := httptest.NewRecorder()
	body := `{"messages":[{"role":"user","content":"why did wait times spike?"}]}`
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/history/generate", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("generate = %d %s", rec.Code, rec.Body.String())
	}
	var meta struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil || meta.ConversationID == "" {
		t.Fatalf("generate body = %s (%v)", rec.Body.String(), err)
	}

	// Append the assistant turn.
	rec = httptest.NewRecorder()
	update := fmt.Sprintf(`{"conversation_id":%q,"messages":[{"role":"user","content":"why did wait times spike?"},{"role":"assistant","content":"Staffing dipped on Monday."}]}`, meta.ConversationID)
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/history/update", strings.NewReader(update)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("update body = %s", rec.Body.String())
	}

	// List shows it.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/history/list?offset=0&limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var conversations []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &conversations); err != nil || len(conversations) != 1 {
		t.Fatalf("list body = %s (%v)", rec.Body.String(), err)
	}

	// Read returns the stored messages.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/history/read",
		strings.NewReader(fmt.Sprintf(`{"conversation_id":%q}`, meta.ConversationID))))
	if rec.Code != http.StatusOK {
		t.Fatalf("read = %d %s", rec.Code, rec.Body.String())
	}
	var read struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &read); err != nil || len(read.Messages) != 3 {
		t.Fatalf("read body = %s (%v)", rec.Body.String(), err)
	}

	// Feedback on a stored message.
	msgs, _ := store.ListMessages(context.Background(), "user-test", meta.ConversationID)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/history/message_feedback",
		strings.NewReader(fmt.Sprintf(`{"message_id":%q,"message_feedback":"positive"}`, msgs[0].ID))))
	if rec.Code != http.StatusOK {
		t.Fatalf("feedback = %d %s", rec.Code, rec.Body.String())
	}

	// Delete it.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/history/delete",
		strings.NewReader(fmt.Sprintf(`{"conversation_id":%q}`, meta.ConversationID))))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d %s", rec.Code, rec.Body.String())
	}

	// Delete-all with nothing left is a 404.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/history/delete_all", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete_all = %d, want 404", rec.Code)
	}
}

func TestHistoryDisabledRoutes(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	deps.History = app.NewHistoryService(testutil.NewFakeStore(), nil, false)
	h := New(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/history/list", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("list on disabled history = %d, want 422", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/history/ensure", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("ensure = %d, want 422", rec.Code)
	}
}

func TestHistoryEnsure_Working(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	deps.HistoryPing = func(context.Context) error { return nil }
	h := New(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/history/ensure", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ensure = %d %s", rec.Code, rec.Body.String())
	}
}

func TestDebugRoutes_GatedOnFlag(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	h := New(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("debug without flag = %d, want 404", rec.Code)
	}

	deps.Debug = true
	deps.AgentNames = []string{"orchestrator", "sql"}
	h = New(deps)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("debug status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cache_maxsize") {
		t.Fatalf("debug body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/cache", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("debug cache = %d", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	h := New(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}
}

// decodeChunks splits an NDJSON stream into parsed chat chunks.
func decodeChunks(t *testing.T, raw []byte) []chatChunk {
	t.Helper()
	var out []chatChunk
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var c chatChunk
		if err := json.Unmarshal(line, &c); err != nil {
			t.Fatalf("bad chunk %q: %v", line, err)
		}
		out = append(out, c)
	}
	return out
}
