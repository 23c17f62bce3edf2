package app

import (
	"context"
	"log/slog"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/agent"
	"github.com/eugener/palantir/internal/session"
)

// FallbackAnswer is yielded when the orchestrator produces no content at
// all for a query.
const FallbackAnswer = "I cannot answer this question with the current data. Please rephrase or add more details."

// defaultQuery substitutes for an empty user query.
const defaultQuery = "Please provide a query."

// truncationWindow bounds how much thread history each conversational run
// sees.
const truncationWindow = 4

// ChatService streams orchestrator answers while tracking remote threads
// per conversation in the session cache.
type ChatService struct {
	orchestrator streamerAgent
	sessions     *session.Cache
}

// NewChatService returns a ChatService using the given orchestrator agent
// and session cache.
func NewChatService(orchestrator streamerAgent, sessions *session.Cache) *ChatService {
	return &ChatService{orchestrator: orchestrator, sessions: sessions}
}

// Stream sends query to the orchestrator on the conversation's remote
// thread (creating one if needed) and returns the delta stream. The session
// cache is refreshed as deltas arrive. When the agent returns no content,
// the conversation's cache entry is relabeled corrupt and the fallback
// answer is yielded instead, matching the recovery behavior users see.
func (s *ChatService) Stream(ctx context.Context, conversationID, query string) <-chan km.StreamDelta {
	out := make(chan km.StreamDelta, 8)
	go s.stream(ctx, conversationID, query, out)
	return out
}

func (s *ChatService) stream(ctx context.Context, conversationID, query string, out chan<- km.StreamDelta) {
	defer close(out)

	if query == "" {
		query = defaultQuery
	}

	threadID, _ := s.sessions.Get(conversationID)
	threadID, deltas, err := s.orchestrator.InvokeStream(ctx, threadID, query,
		agent.LastMessages(truncationWindow))
	if err != nil {
		send(ctx, out, km.StreamDelta{Err: err})
		return
	}
	s.sessions.Set(conversationID, threadID)

	var total int
	for d := range deltas {
		if d.Err != nil {
			send(ctx, out, d)
			return
		}
		if d.ThreadID != "" {
			s.sessions.Set(conversationID, d.ThreadID)
		}
		total += len(d.Content)
		if !send(ctx, out, d) {
			return
		}
	}

	if total == 0 {
		s.fallback(conversationID)
		send(ctx, out, km.StreamDelta{Content: FallbackAnswer, ThreadID: threadID})
	}
}

// send delivers a delta unless the request context has ended; an ended
// context means the consumer is gone and the stream must not block on it.
func send(ctx context.Context, out chan<- km.StreamDelta, d km.StreamDelta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// fallback quarantines the conversation's thread so the next message
// starts fresh while the old thread still gets cleaned up on eviction.
func (s *ChatService) fallback(conversationID string) {
	if corrupt, ok := s.sessions.MarkCorrupt(conversationID); ok {
		slog.Info("session thread marked corrupt",
			slog.String("conversation_id", conversationID),
			slog.String("corrupt_key", corrupt))
	}
}
