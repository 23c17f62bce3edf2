// Package testutil provides configurable test fakes for storage and
// identity interfaces.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	km "github.com/eugener/palantir/internal"
)

// FakeStore is an in-memory storage.Store for testing.
type FakeStore struct {
	mu            sync.Mutex
	Conversations map[string]*km.Conversation
	Messages      map[string][]km.ChatMessage // keyed by conversation id
	Events        []km.Event
	PingErr       error
	FailWith      error // non-nil: every operation returns this
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Conversations: make(map[string]*km.Conversation),
		Messages:      make(map[string][]km.ChatMessage),
	}
}

func (s *FakeStore) CreateConversation(_ context.Context, c *km.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	cp := *c
	s.Conversations[c.ID] = &cp
	return nil
}

func (s *FakeStore) GetConversation(_ context.Context, userID, id string) (*km.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	c, ok := s.Conversations[id]
	if !ok || c.UserID != userID {
		return nil, km.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *FakeStore) ListConversations(_ context.Context, userID string, offset, limit int) ([]*km.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []*km.Conversation
	for _, c := range s.Conversations {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeStore) RenameConversation(_ context.Context, userID, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	c, ok := s.Conversations[id]
	if !ok || c.UserID != userID {
		return km.ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *FakeStore) TouchConversation(_ context.Context, userID, id string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	c, ok := s.Conversations[id]
	if !ok || c.UserID != userID {
		return km.ErrNotFound
	}
	c.UpdatedAt = updatedAt
	return nil
}

func (s *FakeStore) DeleteConversation(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	c, ok := s.Conversations[id]
	if !ok || c.UserID != userID {
		return km.ErrNotFound
	}
	delete(s.Conversations, id)
	delete(s.Messages, id)
	return nil
}

func (s *FakeStore) DeleteAllConversations(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	n := 0
	for id, c := range s.Conversations {
		if c.UserID == userID {
			delete(s.Conversations, id)
			delete(s.Messages, id)
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) AddMessages(_ context.Context, msgs []km.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	for _, m := range msgs {
		s.Messages[m.ConversationID] = append(s.Messages[m.ConversationID], m)
	}
	return nil
}

func (s *FakeStore) ListMessages(_ context.Context, userID, conversationID string) ([]*km.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []*km.ChatMessage
	for _, m := range s.Messages[conversationID] {
		if m.UserID == userID {
			cp := m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) ClearMessages(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	c, ok := s.Conversations[conversationID]
	if !ok || c.UserID != userID {
		return km.ErrNotFound
	}
	delete(s.Messages, conversationID)
	return nil
}

func (s *FakeStore) UpdateMessageFeedback(_ context.Context, userID, messageID, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	for convID, msgs := range s.Messages {
		for i, m := range msgs {
			if m.ID == messageID && m.UserID == userID {
				s.Messages[convID][i].Feedback = feedback
				return nil
			}
		}
	}
	return km.ErrNotFound
}

func (s *FakeStore) CountUserMessagesSince(_ context.Context, userID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	var n int64
	for _, msgs := range s.Messages {
		for _, m := range msgs {
			if m.UserID == userID && m.Role == km.RoleUser && !m.CreatedAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}

func (s *FakeStore) InsertEvents(_ context.Context, events []km.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.Events = append(s.Events, events...)
	return nil
}

// EventCount returns the number of recorded events.
func (s *FakeStore) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Events)
}

func (s *FakeStore) Ping(context.Context) error { return s.PingErr }
func (s *FakeStore) Close() error               { return nil }
