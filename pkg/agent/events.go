// Package agent defines the boundary to the agent execution engine: the
// typed events it emits for all in-flight conversations, the fan-out bus that
// delivers them, and the interface used to start generations and relay
// approval decisions.
package agent

import (
	"time"

	"github.com/loomchat/loom/pkg/chat"
)

// EventType identifies the kind of an engine event.
type EventType string

// Event types emitted by the engine.
const (
	EventStreaming           EventType = "streaming"
	EventNode                EventType = "node"
	EventProgress            EventType = "progress"
	EventToolApprovalRequest EventType = "tool_approval_request"
	EventToolApprovalResult  EventType = "tool_approval_result"
	EventImageProgress       EventType = "image_progress"
	EventError               EventType = "error"
	EventDone                EventType = "done"
)

// NodeStatus describes the engine's position in its execution graph.
type NodeStatus struct {
	Node          string        `json:"node,omitempty"`
	Status        string        `json:"status,omitempty"`
	Iteration     int           `json:"iteration,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty"`
	Messages      []NodeMessage `json:"messages,omitempty"`
}

// NodeMessage is one structured message carried by a node status event.
type NodeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ApprovalRequest asks for human approval of a set of tool invocations.
type ApprovalRequest struct {
	MessageID string            `json:"message_id"`
	ToolCalls []chat.ToolCall   `json:"tool_calls"`
	RiskLevel chat.RiskLevel    `json:"risk_level,omitempty"`
	RiskNote  string            `json:"risk_note,omitempty"`
	Policy    chat.ReviewPolicy `json:"policy,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// ApprovalResult reports the human decision back into the stream.
type ApprovalResult struct {
	Approved bool `json:"approved"`
}

// ImageProgress reports image generation progress. It is tracked per
// conversation, never mixed into message content.
type ImageProgress struct {
	Status     string `json:"status"`
	Percent    int    `json:"percent,omitempty"`
	Step       int    `json:"step,omitempty"`
	TotalSteps int    `json:"total_steps,omitempty"`
}

// Event is one engine event, tagged with the conversation it belongs to.
// Exactly one payload field is set depending on Type.
type Event struct {
	Type           EventType        `json:"type"`
	ConversationID string           `json:"conversation_id"`
	Chunk          string           `json:"chunk,omitempty"`
	Node           *NodeStatus      `json:"node,omitempty"`
	Approval       *ApprovalRequest `json:"approval,omitempty"`
	ApprovalResult *ApprovalResult  `json:"approval_result,omitempty"`
	Image          *ImageProgress   `json:"image,omitempty"`
	Message        string           `json:"message,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
