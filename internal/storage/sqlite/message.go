package sqlite

import (
	"context"
	"database/sql"
	"time"

	km "github.com/eugener/palantir/internal"
)

// AddMessages inserts a batch of messages in a single transaction.
func (s *Store) AddMessages(ctx context.Context, msgs []km.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, user_id, role, content, citations, feedback, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.UserID, m.Role, m.Content,
			nullStr(m.Citations), nullStr(m.Feedback),
			m.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns a conversation's messages in chronological order,
// provided the conversation belongs to userID.
func (s *Store) ListMessages(ctx context.Context, userID, conversationID string) ([]*km.ChatMessage, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, citations, feedback, created_at
		 FROM messages WHERE conversation_id = ? AND user_id = ?
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
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role,
			&m.Content, &citations, &feedback, &createdAt); err != nil {
			return nil, err
		}
		m.Citations = citations.String
		m.Feedback = feedback.String
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// ClearMessages deletes all messages from the user's conversation while
// keeping the conversation itself.
func (s *Store) ClearMessages(ctx context.Context, userID, conversationID string) error {
	// Ownership check first: clearing an already-empty conversation is not
	// an error, but clearing someone else's must be.
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	)
	return err
}

// UpdateMessageFeedback records user feedback on a single message.
func (s *Store) UpdateMessageFeedback(ctx context.Context, userID, messageID, feedback string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE messages SET feedback = ? WHERE id = ? AND user_id = ?`,
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
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = ? AND role = ? AND created_at >= ?`,
		userID, km.RoleUser, since.UTC().Format(time.RFC3339),
	).Scan(&n)
	return n, err
}
