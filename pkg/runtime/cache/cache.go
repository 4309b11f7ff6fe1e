// Package cache maintains one authoritative, versioned message list per
// conversation. Exactly one list is "live" (bound to the rendering layer);
// background sessions keep updating their entries silently until the user
// switches to them.
package cache

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/loomchat/loom/pkg/chat"
	"github.com/loomchat/loom/pkg/store"
)

// Update is a partial update merged into a single message.
type Update struct {
	AppendContent string
	SetContent    *string
	ToolCalls     []chat.ToolCall
	Documents     []chat.DocumentRef
}

// Entry is the cached message list of one conversation. The Entry pointer is
// stable for the lifetime of the cache entry: the rendering layer and the
// cache always observe the same object.
type Entry struct {
	Messages []*chat.Message
	Version  uint64
}

// RenderFunc is invoked after every change to the live conversation.
type RenderFunc func(conversationID string)

// Cache is the message cache synchronizer.
type Cache struct {
	mu       sync.RWMutex
	store    store.Store
	entries  map[string]*Entry
	active   string
	onRender RenderFunc
	log      logr.Logger
}

// New creates an empty cache backed by the given store.
func New(st store.Store, log logr.Logger) *Cache {
	return &Cache{
		store:   st,
		entries: make(map[string]*Entry),
		log:     log.WithName("cache"),
	}
}

// SetRenderFunc binds the rendering-layer callback.
func (c *Cache) SetRenderFunc(fn RenderFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRender = fn
}

// Load populates the conversation's entry from the store if absent and
// returns it. It does not change which conversation is live.
func (c *Cache) Load(ctx context.Context, conversationID string) (*Entry, error) {
	c.mu.RLock()
	entry := c.entries[conversationID]
	c.mu.RUnlock()
	if entry != nil {
		return entry, nil
	}

	messages, err := c.store.LoadMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent Load may have won; keep the existing entry so background
	// updates applied meanwhile are not discarded.
	if entry := c.entries[conversationID]; entry != nil {
		return entry, nil
	}
	entry = &Entry{Messages: messages, Version: 1}
	c.entries[conversationID] = entry
	return entry, nil
}

// SetActive makes the conversation's entry the live list, loading it from the
// store only on a cache miss. Switching away from a conversation never evicts
// its entry.
func (c *Cache) SetActive(ctx context.Context, conversationID string) (*Entry, error) {
	entry, err := c.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.active = conversationID
	c.mu.Unlock()
	return entry, nil
}

// Active returns the live conversation id and its entry.
func (c *Cache) Active() (string, *Entry) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.entries[c.active]
}

// Entry returns the cached entry for a conversation, or nil.
func (c *Cache) Entry(conversationID string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[conversationID]
}

// Version returns the entry version, or zero if not cached.
func (c *Cache) Version(conversationID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry := c.entries[conversationID]; entry != nil {
		return entry.Version
	}
	return 0
}

// Snapshot returns a copy of the conversation's message list slice, safe to
// iterate while the entry keeps growing. The messages themselves are shared.
func (c *Cache) Snapshot(conversationID string) []*chat.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry := c.entries[conversationID]
	if entry == nil {
		return nil
	}
	messages := make([]*chat.Message, len(entry.Messages))
	copy(messages, entry.Messages)
	return messages
}

// Message returns the identified message from the conversation's entry, or nil.
func (c *Cache) Message(conversationID, messageID string) *chat.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry := c.entries[conversationID]
	if entry == nil {
		return nil
	}
	for _, msg := range entry.Messages {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

// Append adds a message to the tail of the conversation's entry, creating the
// entry if the conversation has not been loaded.
func (c *Cache) Append(conversationID string, msg *chat.Message) {
	c.mu.Lock()
	entry := c.entries[conversationID]
	if entry == nil {
		entry = &Entry{}
		c.entries[conversationID] = entry
	}
	entry.Messages = append(entry.Messages, msg)
	entry.Version++
	render := c.renderTargetLocked(conversationID)
	c.mu.Unlock()

	if render != nil {
		render(conversationID)
	}
}

// ApplyUpdate merges a partial update into one message of one conversation.
// Updates for unknown conversations or messages are dropped; late flushes
// from superseded sessions are expected, not errors.
func (c *Cache) ApplyUpdate(conversationID, messageID string, u Update) {
	c.mu.Lock()
	entry := c.entries[conversationID]
	if entry == nil {
		c.mu.Unlock()
		c.log.V(1).Info("update for unknown conversation dropped", "conversation", conversationID)
		return
	}

	var target *chat.Message
	for _, msg := range entry.Messages {
		if msg.ID == messageID {
			target = msg
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		c.log.V(1).Info("update for unknown message dropped",
			"conversation", conversationID, "message", messageID)
		return
	}

	if u.SetContent != nil {
		target.Content = *u.SetContent
	}
	target.Content += u.AppendContent
	target.ToolCalls = append(target.ToolCalls, u.ToolCalls...)
	target.Documents = append(target.Documents, u.Documents...)
	entry.Version++
	render := c.renderTargetLocked(conversationID)
	c.mu.Unlock()

	if render != nil {
		render(conversationID)
	}
}

// Evict drops a conversation's entry (conversation deletion). The live
// binding is cleared if it pointed at the evicted conversation.
func (c *Cache) Evict(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, conversationID)
	if c.active == conversationID {
		c.active = ""
	}
}

// renderTargetLocked returns the render callback if the change is visible,
// i.e. the conversation is live. Callers invoke it after unlocking.
func (c *Cache) renderTargetLocked(conversationID string) RenderFunc {
	if c.onRender != nil && c.active == conversationID {
		return c.onRender
	}
	return nil
}
