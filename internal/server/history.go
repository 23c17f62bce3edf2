package server

import (
	"net/http"
	"strconv"

	km "github.com/eugener/palantir/internal"
)

type historyRequest struct {
	ConversationID  string           `json:"conversation_id"`
	Title           string           `json:"title,omitempty"`
	Messages        []km.ChatMessage `json:"messages,omitempty"`
	MessageID       string           `json:"message_id,omitempty"`
	MessageFeedback string           `json:"message_feedback,omitempty"`
}

func (s *server) userID(r *http.Request) string {
	if p := km.PrincipalFromContext(r.Context()); p != nil {
		return p.UserID
	}
	return ""
}

func (s *server) handleHistoryGenerate(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	meta, err := s.deps.History.Generate(r.Context(), s.userID(r), req.ConversationID, req.Messages)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.record("conversation_created", map[string]string{
		"user_id":         s.userID(r),
		"conversation_id": meta.ConversationID,
	})
	writeJSON(w, http.StatusOK, meta)
}

func (s *server) handleHistoryUpdate(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	meta, err := s.deps.History.Update(r.Context(), s.userID(r), req.ConversationID, req.Messages)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.record("conversation_updated", map[string]string{
		"user_id":         s.userID(r),
		"conversation_id": meta.ConversationID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"conversation_id": meta.ConversationID,
			"title":           meta.Title,
			"date":            meta.Date,
		},
	})
}

func (s *server) handleMessageFeedback(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("message_id is required"))
		return
	}
	if req.MessageFeedback == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("message_feedback is required"))
		return
	}
	if err := s.deps.History.MessageFeedback(r.Context(), s.userID(r), req.MessageID, req.MessageFeedback); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.record("message_feedback_updated", map[string]string{
		"message_id": req.MessageID,
		"feedback":   req.MessageFeedback,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Successfully updated message with feedback " + req.MessageFeedback,
		"message_id": req.MessageID,
	})
}

func (s *server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("conversation_id is required"))
		return
	}
	if err := s.deps.History.Delete(r.Context(), s.userID(r), req.ConversationID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.record("conversation_deleted", map[string]string{"conversation_id": req.ConversationID})
	writeJSON(w, http.StatusOK, map[string]string{
		"message":         "Successfully deleted conversation and messages",
		"conversation_id": req.ConversationID,
	})
}

func (s *server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 25)

	conversations, err := s.deps.History.List(r.Context(), s.userID(r), offset, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if conversations == nil {
		conversations = []*km.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (s *server) handleHistoryRead(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("conversation_id is required"))
		return
	}
	_, messages, err := s.deps.History.Read(r.Context(), s.userID(r), req.ConversationID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if messages == nil {
		messages = []*km.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": req.ConversationID,
		"messages":        messages,
	})
}

func (s *server) handleHistoryRename(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("conversation_id is required"))
		return
	}
	if err := s.deps.History.Rename(r.Context(), s.userID(r), req.ConversationID, req.Title); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.record("conversation_renamed", map[string]string{
		"conversation_id": req.ConversationID,
		"title":           req.Title,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": req.ConversationID,
		"title":           req.Title,
	})
}

func (s *server) handleHistoryDeleteAll(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	n, err := s.deps.History.DeleteAll(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if n == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse("No conversations for "+userID+" were found"))
		return
	}
	s.record("all_conversations_deleted", map[string]any{
		"user_id":       userID,
		"deleted_count": n,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Successfully deleted all conversations for user " + userID,
	})
}

func (s *server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("conversation_id is required"))
		return
	}
	if err := s.deps.History.Clear(r.Context(), s.userID(r), req.ConversationID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully cleared messages"})
}

func (s *server) handleHistoryEnsure(w http.ResponseWriter, r *http.Request) {
	if !s.deps.History.Enabled() || s.deps.HistoryPing == nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse("History database is not configured"))
		return
	}
	if err := s.deps.HistoryPing(r.Context()); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse("History database is not working"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "History database is configured and working"})
}

// queryInt parses an integer query parameter, returning def when absent
// or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
