// Package storage defines persistence interfaces for conversation history.
package storage

import (
	"context"
	"time"

	km "github.com/eugener/palantir/internal"
)

// ConversationStore manages conversation and message persistence. Every
// operation is scoped to the owning user: a conversation belonging to
// another user behaves as if it does not exist.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *km.Conversation) error
	GetConversation(ctx context.Context, userID, id string) (*km.Conversation, error)
	ListConversations(ctx context.Context, userID string, offset, limit int) ([]*km.Conversation, error)
	RenameConversation(ctx context.Context, userID, id, title string) error
	TouchConversation(ctx context.Context, userID, id string, updatedAt time.Time) error
	DeleteConversation(ctx context.Context, userID, id string) error
	DeleteAllConversations(ctx context.Context, userID string) (int, error)

	AddMessages(ctx context.Context, msgs []km.ChatMessage) error
	ListMessages(ctx context.Context, userID, conversationID string) ([]*km.ChatMessage, error)
	ClearMessages(ctx context.Context, userID, conversationID string) error
	UpdateMessageFeedback(ctx context.Context, userID, messageID, feedback string) error
	CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// EventStore persists application telemetry events in batches.
type EventStore interface {
	InsertEvents(ctx context.Context, events []km.Event) error
}

// Store combines all storage interfaces.
type Store interface {
	ConversationStore
	EventStore
	Ping(ctx context.Context) error
	Close() error
}
