package sqlite

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
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title,
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetConversation retrieves a conversation owned by userID.
func (s *Store) GetConversation(ctx context.Context, userID, id string) (*km.Conversation, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE id = ? AND user_id = ?`, id, userID,
	)
	return scanConversation(row)
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, offset, limit int) ([]*km.Conversation, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE user_id = ?
		 ORDER BY updated_at DESC LIMIT ? OFFSET ?`, userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*km.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// RenameConversation sets a new title on the user's conversation.
func (s *Store) RenameConversation(ctx context.Context, userID, id, title string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		title, time.Now().UTC().Format(time.RFC3339), id, userID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversation")
}

// TouchConversation bumps the conversation's updated_at timestamp.
func (s *Store) TouchConversation(ctx context.Context, userID, id string, updatedAt time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND user_id = ?`,
		updatedAt.UTC().Format(time.RFC3339), id, userID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversation")
}

// DeleteConversation removes the user's conversation; messages cascade.
func (s *Store) DeleteConversation(ctx context.Context, userID, id string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversation")
}

// DeleteAllConversations removes every conversation the user owns and
// returns the number deleted.
func (s *Store) DeleteAllConversations(ctx context.Context, userID string) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM conversations WHERE user_id = ?`, userID,
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*km.Conversation, error) {
	var c km.Conversation
	var createdAt, updatedAt string
	if err := s.Scan(&c.ID, &c.UserID, &c.Title, &createdAt, &updatedAt); err != nil {
		return nil, notFoundErr(err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// notFoundErr translates sql.ErrNoRows to km.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return km.ErrNotFound
	}
	return err
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
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
