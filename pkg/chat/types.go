// Package chat defines the domain model shared by the orchestration runtime:
// conversations, messages, tool calls and the settings bundle resolved into
// agent invocations.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// TrustLevel classifies the provenance of user input for a conversation.
type TrustLevel string

// Trust levels.
const (
	TrustTrusted   TrustLevel = "trusted"
	TrustUntrusted TrustLevel = "untrusted"
)

// RiskLevel is the advisory severity attached to a tool approval request.
// It only affects what is shown to the reviewer, never whether review is
// required.
type RiskLevel string

// Risk levels.
const (
	RiskUnknown RiskLevel = ""
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

// ReviewPolicy is the structural marker that governs whether a tool approval
// request may be auto-approved. Untrusted-input and guardrail conditions
// always force manual review.
type ReviewPolicy string

// Review policies.
const (
	ReviewAuto      ReviewPolicy = "auto"
	ReviewUntrusted ReviewPolicy = "untrusted_input"
	ReviewGuardrail ReviewPolicy = "guardrail"
)

// RequiresManualReview reports whether the policy overrides session-wide
// auto-approval.
func (p ReviewPolicy) RequiresManualReview() bool {
	return p == ReviewUntrusted || p == ReviewGuardrail
}

// ImageGenSettings configures image generation for a conversation.
type ImageGenSettings struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider,omitempty"`
}

// Settings is the per-conversation settings bundle resolved into an agent
// invocation request.
type Settings struct {
	ThinkingMode    string            `json:"thinking_mode,omitempty"`
	RAGEnabled      bool              `json:"rag_enabled,omitempty"`
	ToolsEnabled    bool              `json:"tools_enabled,omitempty"`
	EnabledTools    []string          `json:"enabled_tools,omitempty"`
	ImageGeneration *ImageGenSettings `json:"image_generation,omitempty"`
	TrustLevel      TrustLevel        `json:"trust_level,omitempty"`
}

// Conversation is a persisted thread of messages with its own settings.
// Owned by the store; the runtime reads settings and writes title and
// timestamp updates back.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Settings  Settings  `json:"settings"`
	Pinned    bool      `json:"pinned,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversation creates a conversation with a fresh id and timestamps.
func NewConversation(title string, settings Settings) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Attachment is an image attached to a message.
type Attachment struct {
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// DocumentRef points at a document referenced by a message (RAG citations).
type DocumentRef struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

// ToolCall is one proposed tool invocation: a name plus raw arguments.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one entry in a conversation transcript. Content is mutable only
// while the owning conversation is streaming; it is frozen once the session
// reaches a terminal state.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	Images         []Attachment  `json:"images,omitempty"`
	Documents      []DocumentRef `json:"documents,omitempty"`
	ToolCalls      []ToolCall    `json:"tool_calls,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(conversationID string, role Role, content string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}
