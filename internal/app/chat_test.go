package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/agent"
	"github.com/eugener/palantir/internal/session"
)

// fakeStreamer is a minimal inline fake for the streaming agent.
type fakeStreamer struct {
	threadID   string
	deltas     []km.StreamDelta
	err        error
	gotThread  string
	gotQuery   string
	truncation *agent.Truncation
}

func (f *fakeStreamer) InvokeStream(_ context.Context, threadID, query string, trunc *agent.Truncation) (string, <-chan km.StreamDelta, error) {
	f.gotThread = threadID
	f.gotQuery = query
	f.truncation = trunc
	if f.err != nil {
		return threadID, nil, f.err
	}
	tid := threadID
	if tid == "" {
		tid = f.threadID
	}
	ch := make(chan km.StreamDelta, len(f.deltas))
	for _, d := range f.deltas {
		if d.ThreadID == "" {
			d.ThreadID = tid
		}
		ch <- d
	}
	close(ch)
	return tid, ch, nil
}

func collect(t *testing.T, ch <-chan km.StreamDelta) (string, error) {
	t.Helper()
	var sb strings.Builder
	var err error
	for d := range ch {
		if d.Err != nil {
			err = d.Err
		}
		sb.WriteString(d.Content)
	}
	return sb.String(), err
}

func TestChatStream_NewConversation(t *testing.T) {
	t.Parallel()

	f := &fakeStreamer{
		threadID: "thread_1",
		deltas: []km.StreamDelta{
			{Content: "The top driver "},
			{Content: "is billing."},
		},
	}
	sessions := session.New(10, time.Hour)
	svc := NewChatService(f, sessions)

	got, err := collect(t, svc.Stream(context.Background(), "conv1", "top call driver?"))
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got != "The top driver is billing." {
		t.Errorf("content = %q", got)
	}
	if f.truncation == nil || f.truncation.LastMessages != 4 {
		t.Error("runs should truncate to the last 4 messages")
	}

	// Thread is now cached for the conversation.
	if tid, ok := sessions.Get("conv1"); !ok || tid != "thread_1" {
		t.Errorf("cached thread = %q, %v", tid, ok)
	}
}

func TestChatStream_ReusesCachedThread(t *testing.T) {
	t.Parallel()

	f := &fakeStreamer{deltas: []km.StreamDelta{{Content: "more"}}}
	sessions := session.New(10, time.Hour)
	sessions.Set("conv1", "thread_cached")
	svc := NewChatService(f, sessions)

	collect(t, svc.Stream(context.Background(), "conv1", "and then?"))
	if f.gotThread != "thread_cached" {
		t.Errorf("agent got thread %q, want cached one", f.gotThread)
	}
}

func TestChatStream_EmptyQueryDefaulted(t *testing.T) {
	t.Parallel()

	f := &fakeStreamer{threadID: "t", deltas: []km.StreamDelta{{Content: "x"}}}
	svc := NewChatService(f, session.New(10, time.Hour))

	collect(t, svc.Stream(context.Background(), "conv1", ""))
	if f.gotQuery != defaultQuery {
		t.Errorf("query = %q, want default substitution", f.gotQuery)
	}
}

func TestChatStream_EmptyResponseFallback(t *testing.T) {
	t.Parallel()

	f := &fakeStreamer{threadID: "thread_1"} // no deltas
	sessions := session.New(10, time.Hour)
	sessions.Set("conv1", "thread_old")
	svc := NewChatService(f, sessions)

	got, err := collect(t, svc.Stream(context.Background(), "conv1", "q"))
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got != FallbackAnswer {
		t.Errorf("content = %q, want fallback answer", got)
	}

	// Original key is quarantined under a corrupt key; the thread is still
	// tracked so eviction cleans it up remotely.
	if _, ok := sessions.Get("conv1"); ok {
		t.Error("conversation key should be removed after fallback")
	}
	var corrupt bool
	for _, k := range sessions.Keys() {
		if strings.HasPrefix(k, "conv1_corrupt_") {
			corrupt = true
		}
	}
	if !corrupt {
		t.Errorf("keys = %v, want a conv1_corrupt_ entry", sessions.Keys())
	}
}

// openStreamer returns a channel that is preloaded but never closed, as if
// the upstream run were still in flight.
type openStreamer struct {
	ch chan km.StreamDelta
}

func (f *openStreamer) InvokeStream(_ context.Context, threadID, _ string, _ *agent.Truncation) (string, <-chan km.StreamDelta, error) {
	if threadID == "" {
		threadID = "thread_1"
	}
	return threadID, f.ch, nil
}

func TestChatStream_StopsWhenConsumerGone(t *testing.T) {
	t.Parallel()

	f := &openStreamer{ch: make(chan km.StreamDelta, 20)}
	for range 20 {
		f.ch <- km.StreamDelta{Content: "x", ThreadID: "thread_1"}
	}
	svc := NewChatService(f, session.New(10, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	out := svc.Stream(ctx, "conv1", "q")

	// Simulate a client that disconnected without ever reading: cancel, let
	// the producer hit its blocked send, then drain. The channel must close
	// even though the upstream stays open with deltas outstanding.
	cancel()
	time.Sleep(100 * time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not stop after context cancellation")
		}
	}
}

func TestChatStream_AgentError(t *testing.T) {
	t.Parallel()

	f := &fakeStreamer{err: km.ErrAgentFailed}
	sessions := session.New(10, time.Hour)
	sessions.Set("conv1", "thread_old")
	svc := NewChatService(f, sessions)

	_, err := collect(t, svc.Stream(context.Background(), "conv1", "q"))
	if !errors.Is(err, km.ErrAgentFailed) {
		t.Fatalf("err = %v, want ErrAgentFailed", err)
	}
	// Errors do not quarantine the thread; only empty responses do.
	if tid, ok := sessions.Get("conv1"); !ok || tid != "thread_old" {
		t.Errorf("cached thread = %q, %v; should be untouched", tid, ok)
	}
}
