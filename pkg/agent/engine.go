package agent

import (
	"context"

	"github.com/loomchat/loom/pkg/chat"
)

// InvokeRequest carries everything the engine needs to generate one
// assistant response: the conversation's resolved settings and its full
// message history.
type InvokeRequest struct {
	ConversationID  string                 `json:"conversation_id"`
	Messages        []*chat.Message        `json:"messages"`
	Settings        chat.Settings          `json:"settings"`
	ContextPrompts  []string               `json:"context_prompts,omitempty"`
	ImageGeneration *chat.ImageGenSettings `json:"image_generation,omitempty"`
	WorkingDir      string                 `json:"working_dir,omitempty"`
	NetworkAllowed  bool                   `json:"network_allowed,omitempty"`
}

// Engine is the outbound boundary to the agent execution engine. Invoke
// issues a single generation request; the resulting events arrive on the Bus.
// Respond relays a tool approval decision for a specific conversation.
type Engine interface {
	Invoke(ctx context.Context, req *InvokeRequest) error
	Respond(ctx context.Context, conversationID string, approved bool) error
}
