package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/loomchat/loom/pkg/app/errors"
	"github.com/loomchat/loom/pkg/chat"
)

// MemoryStore is an in-memory Store for tests and local mode.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*chat.Conversation
	messages      map[string][]*chat.Message // keyed by conversation id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*chat.Conversation),
		messages:      make(map[string][]*chat.Message),
	}
}

// LoadMessages returns copies of a conversation's messages in chronological order.
func (s *MemoryStore) LoadMessages(ctx context.Context, conversationID string) ([]*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.messages[conversationID]
	messages := make([]*chat.Message, 0, len(stored))
	for _, msg := range stored {
		copied := *msg
		messages = append(messages, &copied)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// SaveMessage inserts or updates a message.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *msg
	stored := s.messages[msg.ConversationID]
	for i, existing := range stored {
		if existing.ID == msg.ID {
			stored[i] = &copied
			return nil
		}
	}
	s.messages[msg.ConversationID] = append(stored, &copied)
	return nil
}

// GetConversation returns a conversation by id.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeConversationNotFound,
			fmt.Sprintf("conversation not found: %s", id), nil)
	}
	copied := *conv
	return &copied, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *MemoryStore) ListConversations(ctx context.Context) ([]*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations := make([]*chat.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		copied := *conv
		conversations = append(conversations, &copied)
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

// SaveConversation inserts or updates a conversation.
func (s *MemoryStore) SaveConversation(ctx context.Context, conv *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *conv
	s.conversations[conv.ID] = &copied
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}
