package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// titlePrompt asks the orchestrator for a short conversation title.
const titlePrompt = "Summarize the conversation so far into a 4-word or less title. " +
	"Do not use any quotation marks or punctuation. " +
	"Do not include any other commentary or description."

// HistoryService manages persisted conversation history. All operations
// are scoped to the calling user.
type HistoryService struct {
	store        storage.ConversationStore
	orchestrator runnerAgent // nil: title generation falls back to message text
	enabled      bool
}

// NewHistoryService returns a HistoryService. When enabled is false every
// operation fails with ErrHistoryDisabled.
func NewHistoryService(store storage.ConversationStore, orchestrator runnerAgent, enabled bool) *HistoryService {
	return &HistoryService{store: store, orchestrator: orchestrator, enabled: enabled}
}

// Enabled reports whether history persistence is configured.
func (s *HistoryService) Enabled() bool { return s.enabled }

func (s *HistoryService) check() error {
	if !s.enabled {
		return km.ErrHistoryDisabled
	}
	return nil
}

// HistoryMetadata describes the conversation a message batch was written
// to, echoed back to the frontend.
type HistoryMetadata struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	Date           time.Time `json:"date,omitzero"`
}

// Generate creates a conversation if needed and appends the latest user
// message. An empty conversationID starts a new conversation titled by the
// orchestrator.
func (s *HistoryService) Generate(ctx context.Context, userID, conversationID string, messages []km.ChatMessage) (*HistoryMetadata, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	meta := &HistoryMetadata{ConversationID: conversationID}
	if conversationID == "" {
		title := s.generateTitle(ctx, messages)
		now := time.Now().UTC()
		conv := &km.Conversation{
			ID:        uuid.Must(uuid.NewV7()).String(),
			UserID:    userID,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		meta.ConversationID = conv.ID
		meta.Title = title
		meta.Date = now
	}

	last := lastMessage(messages, km.RoleUser)
	if last == nil {
		return nil, fmt.Errorf("no user message found: %w", km.ErrBadRequest)
	}
	if err := s.appendMessage(ctx, userID, meta.ConversationID, *last); err != nil {
		return nil, err
	}
	return meta, nil
}

// Update ensures the conversation exists and appends the latest user
// message plus the trailing assistant (and tool) messages.
func (s *HistoryService) Update(ctx context.Context, userID, conversationID string, messages []km.ChatMessage) (*HistoryMetadata, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, fmt.Errorf("no conversation_id found: %w", km.ErrBadRequest)
	}

	conv, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		// Unknown id: recreate under the client-supplied id so offline
		// frontends can sync.
		now := time.Now().UTC()
		conv = &km.Conversation{
			ID:        conversationID,
			UserID:    userID,
			Title:     s.generateTitle(ctx, messages),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
	}

	user := lastMessage(messages, km.RoleUser)
	if user == nil {
		return nil, fmt.Errorf("user message not found: %w", km.ErrBadRequest)
	}
	var batch []km.ChatMessage
	batch = append(batch, *user)

	// Assistant turn (with any tool output preceding it) follows the user
	// message in the payload.
	if assistant := lastMessage(messages, km.RoleAssistant); assistant != nil {
		if tool := lastMessage(messages, km.RoleTool); tool != nil {
			batch = append(batch, *tool)
		}
		batch = append(batch, *assistant)
	}

	for i := range batch {
		fillMessage(&batch[i], userID, conversationID)
	}
	if err := s.store.AddMessages(ctx, batch); err != nil {
		return nil, err
	}
	updated := time.Now().UTC()
	if err := s.store.TouchConversation(ctx, userID, conversationID, updated); err != nil {
		return nil, err
	}
	return &HistoryMetadata{
		ConversationID: conversationID,
		Title:          conv.Title,
		Date:           updated,
	}, nil
}

// MessageFeedback records feedback on a message the user owns.
func (s *HistoryService) MessageFeedback(ctx context.Context, userID, messageID, feedback string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.store.UpdateMessageFeedback(ctx, userID, messageID, feedback)
}

// Delete removes a conversation and its messages.
func (s *HistoryService) Delete(ctx context.Context, userID, conversationID string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.store.DeleteConversation(ctx, userID, conversationID)
}

// DeleteAll removes every conversation the user owns and returns how many.
func (s *HistoryService) DeleteAll(ctx context.Context, userID string) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.store.DeleteAllConversations(ctx, userID)
}

// Clear removes all messages from a conversation, keeping the conversation.
func (s *HistoryService) Clear(ctx context.Context, userID, conversationID string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.store.ClearMessages(ctx, userID, conversationID)
}

// List returns the user's conversations, newest first.
func (s *HistoryService) List(ctx context.Context, userID string, offset, limit int) ([]*km.Conversation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListConversations(ctx, userID, offset, limit)
}

// Read returns a conversation and its messages.
func (s *HistoryService) Read(ctx context.Context, userID, conversationID string) (*km.Conversation, []*km.ChatMessage, error) {
	if err := s.check(); err != nil {
		return nil, nil, err
	}
	conv, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.ListMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// Rename sets a new title on the conversation.
func (s *HistoryService) Rename(ctx context.Context, userID, conversationID, title string) error {
	if err := s.check(); err != nil {
		return err
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required: %w", km.ErrBadRequest)
	}
	return s.store.RenameConversation(ctx, userID, conversationID, title)
}

// appendMessage persists a single message into the conversation.
func (s *HistoryService) appendMessage(ctx context.Context, userID, conversationID string, m km.ChatMessage) error {
	fillMessage(&m, userID, conversationID)
	if err := s.store.AddMessages(ctx, []km.ChatMessage{m}); err != nil {
		return err
	}
	return s.store.TouchConversation(ctx, userID, conversationID, time.Now().UTC())
}

// generateTitle asks the orchestrator for a short title over the user
// messages. On any failure it falls back to the last user message text.
func (s *HistoryService) generateTitle(ctx context.Context, messages []km.ChatMessage) string {
	fallback := ""
	if last := lastMessage(messages, km.RoleUser); last != nil {
		fallback = last.Content
	}
	if s.orchestrator == nil {
		return fallback
	}

	var sb strings.Builder
	for _, m := range messages {
		if m.Role == km.RoleUser {
			sb.WriteString(m.Content)
			sb.WriteByte('\n')
		}
	}
	sb.WriteString(titlePrompt)

	title, err := ask(ctx, s.orchestrator, sb.String(), nil)
	if err != nil || strings.TrimSpace(title) == "" {
		slog.Warn("title generation failed, using last user message", slog.Any("error", err))
		return fallback
	}
	return strings.TrimSpace(title)
}

// lastMessage returns the last message with the given role, or nil.
func lastMessage(messages []km.ChatMessage, role string) *km.ChatMessage {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return &messages[i]
		}
	}
	return nil
}

// fillMessage stamps ownership and identity fields the client does not set.
func fillMessage(m *km.ChatMessage, userID, conversationID string) {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	m.UserID = userID
	m.ConversationID = conversationID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}
