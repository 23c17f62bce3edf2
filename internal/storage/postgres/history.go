package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	km "github.com/eugener/palantir/internal"
)

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, c *km.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.UserID, c.Title, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	return err
}

// GetConversation retrieves a conversation owned by userID.
func (s *Store) GetConversation(ctx context.Context, userID, id string) (*km.Conversation, error) {
	var c km.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE id = $1 AND user_id = $2`, id, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &c, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, offset, limit int) ([]*km.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE user_id = $1
		 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*km.Conversation
	for rows.Next() {
		var c km.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// RenameConversation sets a new title on the user's conversation.
func (s *Store) RenameConversation(ctx context.Context, userID, id, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $1, updated_at = now()
		 WHERE id = $2 AND user_id = $3`, title, id, userID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversation")
}

// TouchConversation bumps the conversation's updated_at timestamp.
func (s *Store) TouchConversation(ctx context.Context, userID, id string, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2 AND user_id = $3`,
		updatedAt.UTC(), id, userID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversation")
}

// DeleteConversation removes the user's conversation; messages cascade.
func (s *Store) DeleteConversation(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversation")
}

// DeleteAllConversations removes every conversation the user owns and
// returns the number deleted.
func (s *Store) DeleteAllConversations(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE user_id = $1`, userID,
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// AddMessages inserts a batch of messages in a single transaction.
func (s *Store) AddMessages(ctx context.Context, msgs []km.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, user_id, role, content, citations, feedback, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.ConversationID, m.UserID, m.Role, m.Content,
			nullStr(m.Citations), nullStr(m.Feedback), m.CreatedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns a conversation's messages in chronological order,
// provided the conversation belongs to userID.
func (s *Store) ListMessages(ctx context.Context, userID, conversationID string) ([]*km.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, citations, feedback, created_at
		 FROM messages WHERE conversation_id = $1 AND user_id = $2
		 ORDER BY created_at, id`, conversationID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*km.ChatMessage
	for rows.Next() {
		var m km.ChatMessage
		var citations, feedback sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role,
			&m.Content, &citations, &feedback, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Citations = citations.String
		m.Feedback = feedback.String
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// ClearMessages deletes all messages from the user's conversation while
// keeping the conversation itself.
func (s *Store) ClearMessages(ctx context.Context, userID, conversationID string) error {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	return err
}

// UpdateMessageFeedback records user feedback on a single message.
func (s *Store) UpdateMessageFeedback(ctx context.Context, userID, messageID, feedback string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET feedback = $1 WHERE id = $2 AND user_id = $3`,
		feedback, messageID, userID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "message")
}

// CountUserMessagesSince counts user-authored messages persisted at or
// after the given time, for daily quota sync.
func (s *Store) CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = $1 AND role = $2 AND created_at >= $3`,
		userID, km.RoleUser, since.UTC(),
	).Scan(&n)
	return n, err
}

// InsertEvents persists a batch of application events in one transaction.
func (s *Store) InsertEvents(ctx context.Context, events []km.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		var payload sql.NullString
		if len(e.Payload) > 0 {
			payload = sql.NullString{String: string(e.Payload), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, name, payload, created_at) VALUES ($1, $2, $3, $4)`,
			e.ID, e.Name, payload, e.CreatedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// notFoundErr translates sql.ErrNoRows to km.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return km.ErrNotFound
	}
	return err
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, km.ErrNotFound)
	}
	return nil
}
