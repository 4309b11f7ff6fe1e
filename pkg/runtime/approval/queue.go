// Package approval serializes human review of tool invocations across all
// conversations: a FIFO queue with deduplication, advisory risk
// classification, and a session-wide auto-approval fast path that structural
// review policies can override.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/go-logr/logr"
	"github.com/stoewer/go-strcase"

	"github.com/loomchat/loom/pkg/chat"
)

// Outcome reports what Enqueue did with a request.
type Outcome string

// Enqueue outcomes.
const (
	OutcomeQueued       Outcome = "queued"
	OutcomeAutoApproved Outcome = "auto_approved"
	OutcomeMerged       Outcome = "merged"
)

// Decision is one prior approval decision kept in a request's history.
type Decision struct {
	Approved bool      `json:"approved"`
	At       time.Time `json:"at"`
}

// Request is a pending tool approval. Key is the deduplication identity
// derived from the canonical serialization of the tool-call set.
type Request struct {
	Key            string            `json:"key"`
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	ToolCalls      []chat.ToolCall   `json:"tool_calls"`
	RiskLevel      chat.RiskLevel    `json:"risk_level,omitempty"`
	RiskNote       string            `json:"risk_note,omitempty"`
	Policy         chat.ReviewPolicy `json:"policy,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	History        []Decision        `json:"history,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// RelayFunc sends the human decision back to the engine.
type RelayFunc func(ctx context.Context, conversationID string, approved bool) error

// Queue is the cross-conversation tool approval queue. The head entry is the
// single request exposed to the reviewer at any time.
type Queue struct {
	mu          sync.Mutex
	entries     []*Request
	autoApprove bool
	relay       RelayFunc
	onChange    func()
	onOutcome   func(Outcome)
	log         logr.Logger
}

// New creates an empty queue relaying decisions through fn.
func New(relay RelayFunc, log logr.Logger) *Queue {
	return &Queue{
		relay: relay,
		log:   log.WithName("approvals"),
	}
}

// SetOnChange registers a callback fired after the queue contents change.
func (q *Queue) SetOnChange(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = fn
}

// SetOnOutcome registers an observer for Enqueue outcomes.
func (q *Queue) SetOnOutcome(fn func(Outcome)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onOutcome = fn
}

// SetAutoApprove toggles session-wide auto-approval.
func (q *Queue) SetAutoApprove(enabled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.autoApprove = enabled
}

// AutoApprove reports whether session-wide auto-approval is enabled.
func (q *Queue) AutoApprove() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.autoApprove
}

// Enqueue admits a request. With auto-approval on and no manual-review
// policy on the request, approval is relayed immediately and nothing is
// enqueued. A request whose dedup key or (conversation, message) pair matches
// an existing entry merges its metadata into that entry. Anything else joins
// the tail.
func (q *Queue) Enqueue(ctx context.Context, req *Request) (Outcome, error) {
	req.Key = DedupKey(req.ToolCalls)
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.RiskLevel == chat.RiskUnknown {
		req.RiskLevel, req.RiskNote = Classify(req.ToolCalls)
	}

	q.mu.Lock()

	if q.autoApprove && !req.Policy.RequiresManualReview() {
		relay, observe := q.relay, q.onOutcome
		q.mu.Unlock()

		if observe != nil {
			observe(OutcomeAutoApproved)
		}
		if err := relay(ctx, req.ConversationID, true); err != nil {
			q.log.Error(err, "auto-approval relay failed", "conversation", req.ConversationID)
			return OutcomeAutoApproved, err
		}
		return OutcomeAutoApproved, nil
	}

	for _, existing := range q.entries {
		if existing.Key != req.Key &&
			!(existing.ConversationID == req.ConversationID && existing.MessageID == req.MessageID) {
			continue
		}

		// Duplicate request: fold new metadata into the existing entry
		// instead of enqueuing a second one.
		if req.Metadata != nil {
			if existing.Metadata == nil {
				existing.Metadata = make(map[string]any)
			}
			if err := mergo.Merge(&existing.Metadata, req.Metadata, mergo.WithOverride); err != nil {
				q.log.Error(err, "failed to merge approval metadata", "key", req.Key)
			}
		}
		existing.History = append(existing.History, req.History...)
		if req.RiskLevel != chat.RiskUnknown {
			existing.RiskLevel = req.RiskLevel
		}
		if req.RiskNote != "" {
			existing.RiskNote = req.RiskNote
		}
		notify, observe := q.onChange, q.onOutcome
		q.mu.Unlock()

		q.fire(notify, observe, OutcomeMerged)
		return OutcomeMerged, nil
	}

	q.entries = append(q.entries, req)
	notify, observe := q.onChange, q.onOutcome
	q.mu.Unlock()

	q.fire(notify, observe, OutcomeQueued)
	return OutcomeQueued, nil
}

// Resolve removes the entry identified by key, advances the head, and relays
// the decision to the engine. Resolving an identity not present in the queue
// is a no-op: the UI may double-submit. A failed relay does not restore the
// entry — the human decision already happened and re-prompting is worse than
// a possibly-unacknowledged relay.
func (q *Queue) Resolve(ctx context.Context, key string, approved bool) error {
	q.mu.Lock()

	idx := -1
	for i, entry := range q.entries {
		if entry.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		q.log.V(1).Info("resolution for unknown approval ignored", "key", key)
		return nil
	}

	entry := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	notify := q.onChange
	q.mu.Unlock()

	if notify != nil {
		notify()
	}

	if err := q.relay(ctx, entry.ConversationID, approved); err != nil {
		q.log.Error(err, "approval relay failed",
			"conversation", entry.ConversationID, "approved", approved)
		return err
	}
	return nil
}

// Head returns the entry currently exposed to the reviewer, or nil.
func (q *Queue) Head() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops all entries belonging to a conversation without relaying any
// decision. Used when the conversation is deleted.
func (q *Queue) Clear(conversationID string) int {
	q.mu.Lock()

	kept := q.entries[:0]
	removed := 0
	for _, entry := range q.entries {
		if entry.ConversationID == conversationID {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept
	notify := q.onChange
	q.mu.Unlock()

	if removed > 0 && notify != nil {
		notify()
	}
	return removed
}

func (q *Queue) fire(notify func(), observe func(Outcome), outcome Outcome) {
	if observe != nil {
		observe(outcome)
	}
	if notify != nil {
		notify()
	}
}

// DedupKey derives the canonical identity of a tool-call set: tool names are
// snake_case-normalized, arguments serialized with sorted keys, pairs sorted,
// and the result hashed.
func DedupKey(calls []chat.ToolCall) string {
	type pair struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}

	pairs := make([]pair, 0, len(calls))
	for _, call := range calls {
		// encoding/json writes map keys in sorted order, which makes the
		// serialization canonical.
		args, err := json.Marshal(call.Arguments)
		if err != nil {
			args = []byte("null")
		}
		pairs = append(pairs, pair{Name: strcase.SnakeCase(call.Name), Args: args})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Name != pairs[j].Name {
			return pairs[i].Name < pairs[j].Name
		}
		return string(pairs[i].Args) < string(pairs[j].Args)
	})

	data, err := json.Marshal(pairs)
	if err != nil {
		data = []byte{}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
