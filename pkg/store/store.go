// Package store persists conversations and messages. The store is the system
// of record, but the runtime treats it as an append/patch target: a failed
// write never rolls back in-memory state.
package store

import (
	"context"

	"github.com/loomchat/loom/pkg/chat"
)

// Store defines the persistence interface for conversations and messages.
type Store interface {
	LoadMessages(ctx context.Context, conversationID string) ([]*chat.Message, error)
	SaveMessage(ctx context.Context, msg *chat.Message) error
	GetConversation(ctx context.Context, id string) (*chat.Conversation, error)
	ListConversations(ctx context.Context) ([]*chat.Conversation, error)
	SaveConversation(ctx context.Context, conv *chat.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
}
