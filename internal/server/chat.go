package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	km "github.com/eugener/palantir/internal"
)

// chunkSeparator terminates every NDJSON line the frontend consumes.
var chunkSeparator = []byte("\n\n")

// ndjsonCT is the streaming content type the original frontend expects.
var ndjsonCT = []string{"application/json-lines"}

type chatMessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type conversationRequest struct {
	ConversationID  string               `json:"conversation_id"`
	Messages        []chatMessagePayload `json:"messages"`
	HistoryMetadata json.RawMessage      `json:"history_metadata,omitempty"`
}

// chatChunk is the frontend streaming envelope. Each chunk carries the
// full assistant content accumulated so far, not just the increment.
type chatChunk struct {
	ID              string          `json:"id"`
	Model           string          `json:"model"`
	Created         int64           `json:"created"`
	Object          string          `json:"object"`
	Choices         []chatChoice    `json:"choices"`
	HistoryMetadata json.RawMessage `json:"history_metadata,omitempty"`
	APIMRequestID   string          `json:"apim-request-id"`
}

type chatChoice struct {
	Messages []chatMessagePayload `json:"messages"`
}

const (
	chunkModel  = "rag-model"
	chunkObject = "extensions.chat.completion.chunk"
)

func (s *server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var query string
	if len(req.Messages) > 0 {
		query = req.Messages[len(req.Messages)-1].Content
	}

	principal := km.PrincipalFromContext(r.Context())
	if s.deps.Quota != nil && principal != nil {
		s.deps.Quota.Consume(principal.UserID)
	}

	ch := s.deps.Chat.Stream(r.Context(), req.ConversationID, query)

	w.Header()["Content-Type"] = ndjsonCT
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}

	var total strings.Builder
	enc := json.NewEncoder(w)

	for delta := range ch {
		if delta.Err != nil {
			s.writeStreamError(w, r, enc, delta.Err)
			flusher.Flush()
			return
		}
		if delta.Content == "" {
			continue
		}
		total.WriteString(delta.Content)

		chunk := chatChunk{
			ID:      uuid.Must(uuid.NewV7()).String(),
			Model:   chunkModel,
			Created: time.Now().Unix(),
			Object:  chunkObject,
			Choices: []chatChoice{{
				Messages: []chatMessagePayload{{
					Role:    km.RoleAssistant,
					Content: total.String(),
				}},
			}},
			HistoryMetadata: req.HistoryMetadata,
		}
		if err := enc.Encode(chunk); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "stream encode failed",
				slog.String("error", err.Error()),
			)
			return
		}
		w.Write(chunkSeparator)
		if s.deps.Metrics != nil {
			s.deps.Metrics.StreamChunks.Inc()
		}
		flusher.Flush()
	}

	s.record("chat_stream_completed", map[string]any{
		"conversation_id": req.ConversationID,
		"response_length": total.Len(),
	})
}

// writeStreamError emits a terminal error line in the frontend's
// {"error": ...} shape. The response status is already 200 at this point,
// so errors travel in-band.
func (s *server) writeStreamError(w http.ResponseWriter, r *http.Request, enc *json.Encoder, err error) {
	slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
		slog.String("error", err.Error()),
	)
	s.record("chat_stream_error", map[string]string{"error": err.Error()})

	msg := "An error occurred. Please try again later."
	var rl *km.RateLimitError
	if errors.As(err, &rl) {
		msg = "Rate limit is exceeded. Try again in " + rl.RetryAfterText() + "."
	} else if errors.Is(err, km.ErrRateLimited) {
		msg = "Rate limit is exceeded. Try again in sometime."
	}
	if encErr := enc.Encode(errorResponse(msg)); encErr != nil {
		return
	}
	w.Write(chunkSeparator)
}
