// Package session owns the lifecycle of one streaming session per active
// conversation. It consumes the shared agent event bus, coalesces fragments
// through the update scheduler into the message cache, and enforces
// at-most-one-active-stream-per-conversation with clean cancellation.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/loomchat/loom/pkg/agent"
	apperrors "github.com/loomchat/loom/pkg/app/errors"
	"github.com/loomchat/loom/pkg/chat"
	"github.com/loomchat/loom/pkg/runtime/approval"
	"github.com/loomchat/loom/pkg/runtime/cache"
	"github.com/loomchat/loom/pkg/runtime/scheduler"
	"github.com/loomchat/loom/pkg/store"
)

// State is the terminal state a session ends in.
type State string

// Session states.
const (
	StateStreaming State = "streaming"
	StateDone      State = "done"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

// DefaultTitle marks conversations whose title has not been derived yet.
const DefaultTitle = "New conversation"

// NotifyFunc is the notification boundary, invoked once when a background
// conversation completes streaming.
type NotifyFunc func(conversationID, title, body string)

// FocusFunc reports which conversation the user is viewing and whether the
// application is in the foreground.
type FocusFunc func() (conversationID string, foreground bool)

// Observer receives lifecycle callbacks, e.g. for metrics.
type Observer interface {
	SessionStarted(conversationID string)
	SessionEnded(conversationID string, state State)
	EventHandled(eventType agent.EventType)
}

// Options configures a Manager.
type Options struct {
	Bus       *agent.Bus
	Engine    agent.Engine
	Store     store.Store
	Cache     *cache.Cache
	Scheduler *scheduler.Scheduler
	Approvals *approval.Queue
	Notify    NotifyFunc
	Focus     FocusFunc
	// AdvancedModes lists thinking modes whose intermediate progress text
	// stays visible instead of being overwritten by the final turn.
	AdvancedModes []string
	Observer      Observer
	Log           logr.Logger
}

// Session is the transient handle of one in-flight response generation. It is
// used only to observe completion and request cancellation; partial content
// flows through the cache.
type Session struct {
	conversationID string
	messageID      string
	epoch          uint64
	advanced       bool
	cancel         context.CancelFunc
	events         <-chan agent.Event
	done           chan struct{}

	// Owned by the run goroutine.
	contentStarted bool
	thinkingShown  bool
	statusText     bool
}

// ConversationID returns the owning conversation's id.
func (s *Session) ConversationID() string { return s.conversationID }

// MessageID returns the id of the open assistant message.
func (s *Session) MessageID() string { return s.messageID }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager runs exactly one logical response generation per conversation.
type Manager struct {
	bus       *agent.Bus
	engine    agent.Engine
	store     store.Store
	cache     *cache.Cache
	sched     *scheduler.Scheduler
	approvals *approval.Queue
	notify    NotifyFunc
	focus     FocusFunc
	observer  Observer
	advanced  map[string]struct{}
	log       logr.Logger

	mu       sync.Mutex
	epochs   map[string]uint64
	sessions map[string]*Session
	progress map[string]*agent.ImageProgress
}

// NewManager creates a manager from options.
func NewManager(opts Options) *Manager {
	advanced := make(map[string]struct{}, len(opts.AdvancedModes))
	for _, mode := range opts.AdvancedModes {
		advanced[mode] = struct{}{}
	}
	return &Manager{
		bus:       opts.Bus,
		engine:    opts.Engine,
		store:     opts.Store,
		cache:     opts.Cache,
		sched:     opts.Scheduler,
		approvals: opts.Approvals,
		notify:    opts.Notify,
		focus:     opts.Focus,
		observer:  opts.Observer,
		advanced:  advanced,
		log:       opts.Log.WithName("sessions"),
		epochs:    make(map[string]uint64),
		sessions:  make(map[string]*Session),
		progress:  make(map[string]*agent.ImageProgress),
	}
}

// Flusher adapts the cache into a scheduler flush target.
func Flusher(c *cache.Cache) scheduler.FlushFunc {
	return func(conversationID string, d scheduler.Delta) {
		if d.MessageID == "" || d.Empty() {
			return
		}
		u := cache.Update{ToolCalls: d.ToolCalls}
		if d.Replace {
			content := d.Content
			u.SetContent = &content
		} else {
			u.AppendContent = d.Content
		}
		c.ApplyUpdate(conversationID, d.MessageID, u)
	}
}

// Start begins a response generation for the conversation. Any session still
// live for the conversation is superseded: it is cleanly terminated, its
// listeners detached, before the new session subscribes. The user message is
// appended to store and cache, an empty open assistant message is created,
// and the engine is invoked with the conversation's resolved settings.
func (m *Manager) Start(ctx context.Context, conversationID, text string, images []chat.Attachment, contextPrompts []string) (*Session, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := m.cache.Load(ctx, conversationID); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionStart, "failed to load message history", err)
	}

	m.mu.Lock()
	old := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.epochs[conversationID]++
	epoch := m.epochs[conversationID]
	m.mu.Unlock()

	if old != nil {
		if err := m.teardown(old, StateCancelled); err != nil {
			m.log.Error(err, "superseded session finalize failed", "conversation", conversationID)
		}
	}

	userMsg := chat.NewMessage(conversationID, chat.RoleUser, text)
	userMsg.Images = images
	m.cache.Append(conversationID, userMsg)
	m.persist(ctx, userMsg)

	assistant := chat.NewMessage(conversationID, chat.RoleAssistant, "")
	m.cache.Append(conversationID, assistant)
	m.persist(ctx, assistant)

	sctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		conversationID: conversationID,
		messageID:      assistant.ID,
		epoch:          epoch,
		advanced:       m.isAdvanced(conv.Settings.ThinkingMode),
		cancel:         cancel,
		events:         m.bus.Subscribe(conversationID),
		done:           make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[conversationID] = sess
	m.mu.Unlock()

	go m.run(sctx, sess)
	if m.observer != nil {
		m.observer.SessionStarted(conversationID)
	}

	req := &agent.InvokeRequest{
		ConversationID:  conversationID,
		Messages:        m.cache.Snapshot(conversationID),
		Settings:        conv.Settings,
		ContextPrompts:  contextPrompts,
		ImageGeneration: conv.Settings.ImageGeneration,
	}
	// The session context drives the engine call so Stop also closes the
	// underlying event transport, not just the local subscription.
	if err := m.engine.Invoke(sctx, req); err != nil {
		m.sched.Schedule(conversationID, scheduler.Delta{
			MessageID: assistant.ID,
			Content:   fmt.Sprintf("Error: %v", err),
		}, true)
		m.Stop(conversationID)
		return nil, apperrors.New(apperrors.ErrCodeSessionStart, "engine invocation failed", err)
	}

	return sess, nil
}

// Stop cancels the conversation's session, if any. The event subscription is
// torn down before Stop returns so a late fragment from the cancelled
// generation can never reach a session started immediately afterwards. The
// open assistant message is finalized with whatever content had been flushed.
// Idempotent: stopping a stopped or never-started session is a no-op.
func (m *Manager) Stop(conversationID string) {
	m.mu.Lock()
	sess := m.sessions[conversationID]
	if sess == nil {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, conversationID)
	m.epochs[conversationID]++
	m.mu.Unlock()

	if err := m.teardown(sess, StateCancelled); err != nil {
		m.log.Error(err, "session finalize failed", "conversation", conversationID)
	}
}

// Session returns the live session for a conversation, or nil.
func (m *Manager) Session(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[conversationID]
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Progress returns the conversation's image generation progress, or nil.
func (m *Manager) Progress(conversationID string) *agent.ImageProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress[conversationID]
}

// DeleteConversation stops the conversation's session, clears its pending
// approvals and cache entry, and removes it from the store.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) error {
	m.Stop(conversationID)
	m.approvals.Clear(conversationID)
	m.cache.Evict(conversationID)
	return m.store.DeleteConversation(ctx, conversationID)
}

// Shutdown cancels every live session and returns the aggregated finalize
// errors.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for conversationID, sess := range m.sessions {
		sessions = append(sessions, sess)
		m.epochs[conversationID]++
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var result *multierror.Error
	for _, sess := range sessions {
		if err := m.teardown(sess, StateCancelled); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) run(ctx context.Context, sess *Session) {
	defer close(sess.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.events:
			if !ok {
				return
			}
			// Both checks are required: the bus is shared across all
			// conversations and the cancellation flag may be set after an
			// event was already queued.
			if ctx.Err() != nil {
				return
			}
			if ev.ConversationID != sess.conversationID {
				continue
			}
			if !m.epochCurrent(sess) {
				return
			}
			if m.handle(ctx, sess, ev) {
				return
			}
		}
	}
}

// handle processes one event. It returns true when the session reached a
// terminal state.
func (m *Manager) handle(ctx context.Context, sess *Session, ev agent.Event) bool {
	if m.observer != nil {
		m.observer.EventHandled(ev.Type)
	}

	switch ev.Type {
	case agent.EventStreaming:
		delta := scheduler.Delta{MessageID: sess.messageID, Content: ev.Chunk}
		if !sess.contentStarted {
			sess.contentStarted = true
			if sess.statusText && !sess.advanced {
				// Simple modes: the final turn replaces intermediate status
				// text. Advanced modes keep it visible.
				delta.Replace = true
			}
		}
		m.sched.Schedule(sess.conversationID, delta, false)

	case agent.EventNode, agent.EventProgress:
		text := progressText(ev.Node)
		if text == "" {
			return false
		}
		if thinkingBanner(ev.Node) {
			if sess.thinkingShown || sess.contentStarted {
				return false
			}
			sess.thinkingShown = true
		} else if sess.contentStarted && !sess.advanced {
			return false
		}
		sess.statusText = true
		m.sched.Schedule(sess.conversationID, scheduler.Delta{
			MessageID: sess.messageID,
			Content:   text + "\n",
		}, false)

	case agent.EventToolApprovalRequest:
		if ev.Approval == nil {
			return false
		}
		messageID := ev.Approval.MessageID
		if messageID == "" {
			messageID = sess.messageID
		}
		outcome, err := m.approvals.Enqueue(ctx, &approval.Request{
			ConversationID: sess.conversationID,
			MessageID:      messageID,
			ToolCalls:      ev.Approval.ToolCalls,
			RiskLevel:      ev.Approval.RiskLevel,
			RiskNote:       ev.Approval.RiskNote,
			Policy:         ev.Approval.Policy,
			Metadata:       ev.Approval.Metadata,
		})
		if err != nil {
			m.log.Error(err, "approval enqueue", "conversation", sess.conversationID)
		}
		m.log.V(1).Info("tool approval request",
			"conversation", sess.conversationID, "outcome", outcome)

	case agent.EventToolApprovalResult:
		if ev.ApprovalResult != nil && !ev.ApprovalResult.Approved {
			m.sched.Schedule(sess.conversationID, scheduler.Delta{
				MessageID: sess.messageID,
				Content:   "\n\nTool request rejected by user.\n",
			}, false)
		}

	case agent.EventImageProgress:
		m.setImageProgress(sess.conversationID, ev.Image)

	case agent.EventError:
		m.sched.Schedule(sess.conversationID, scheduler.Delta{
			MessageID: sess.messageID,
			Content:   fmt.Sprintf("\n\nError: %s", ev.Message),
		}, true)
		m.finish(sess, StateErrored)
		return true

	case agent.EventDone:
		m.sched.Schedule(sess.conversationID, scheduler.Delta{MessageID: sess.messageID}, true)
		if m.finish(sess, StateDone) {
			m.afterDone(sess)
		}
		return true
	}

	return false
}

// finish removes the session on a terminal event from its own run goroutine.
// Whoever removes the session from the table owns its teardown; when a racing
// Stop or supersede got there first, that caller has already finalized and
// running teardown again would double-fire the observer and the final persist.
func (m *Manager) finish(sess *Session, state State) bool {
	m.mu.Lock()
	if m.sessions[sess.conversationID] != sess {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, sess.conversationID)
	m.mu.Unlock()

	if err := m.teardown(sess, state); err != nil {
		m.log.Error(err, "session finalize failed", "conversation", sess.conversationID)
	}
	return true
}

// teardown detaches, cancels and finalizes a session that has already been
// removed from the session table. The returned error is the final persist
// failure, if any; the cache stays authoritative regardless.
func (m *Manager) teardown(sess *Session, state State) error {
	sess.cancel()
	m.bus.Unsubscribe(sess.conversationID, sess.events)
	m.sched.Cancel(sess.conversationID)
	m.clearImageProgress(sess.conversationID)

	if m.observer != nil {
		m.observer.SessionEnded(sess.conversationID, state)
	}

	if msg := m.cache.Message(sess.conversationID, sess.messageID); msg != nil {
		return m.persist(context.Background(), msg)
	}
	return nil
}

// afterDone runs completion side effects: title write-back and the
// background-completion notification.
func (m *Manager) afterDone(sess *Session) {
	ctx := context.Background()

	conv, err := m.store.GetConversation(ctx, sess.conversationID)
	if err != nil {
		m.log.Error(err, "conversation reload failed", "conversation", sess.conversationID)
		return
	}

	if conv.Title == "" || conv.Title == DefaultTitle {
		if title := m.deriveTitle(sess.conversationID); title != "" {
			conv.Title = title
		}
	}
	conv.UpdatedAt = time.Now()
	if err := m.store.SaveConversation(ctx, conv); err != nil {
		m.log.Error(err, "conversation update failed", "conversation", sess.conversationID)
	}

	if m.notify == nil {
		return
	}
	focusedID, foreground := "", false
	if m.focus != nil {
		focusedID, foreground = m.focus()
	}
	if focusedID == sess.conversationID && foreground {
		return
	}
	body := ""
	if msg := m.cache.Message(sess.conversationID, sess.messageID); msg != nil {
		body = truncate(msg.Content, 120)
	}
	m.notify(sess.conversationID, conv.Title, body)
}

// persist writes a message to the store. A failed write is logged and does
// not block the session or roll back cache state.
func (m *Manager) persist(ctx context.Context, msg *chat.Message) error {
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		m.log.Error(err, "store write failed; cache remains authoritative",
			"conversation", msg.ConversationID, "message", msg.ID)
		return err
	}
	return nil
}

func (m *Manager) epochCurrent(sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochs[sess.conversationID] == sess.epoch
}

func (m *Manager) isAdvanced(mode string) bool {
	_, ok := m.advanced[mode]
	return ok
}

func (m *Manager) setImageProgress(conversationID string, progress *agent.ImageProgress) {
	if progress == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch progress.Status {
	case "completed", "error":
		delete(m.progress, conversationID)
	default:
		m.progress[conversationID] = progress
	}
}

func (m *Manager) clearImageProgress(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, conversationID)
}

func (m *Manager) deriveTitle(conversationID string) string {
	for _, msg := range m.cache.Snapshot(conversationID) {
		if msg.Role == chat.RoleUser && msg.Content != "" {
			return truncate(msg.Content, 48)
		}
	}
	return ""
}

func progressText(node *agent.NodeStatus) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	if node.Node != "" {
		b.WriteString(node.Node)
	}
	if node.Status != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(node.Status)
	}
	if b.Len() == 0 {
		return ""
	}
	if node.Iteration > 0 && node.MaxIterations > 0 {
		fmt.Fprintf(&b, " (%d/%d)", node.Iteration, node.MaxIterations)
	}
	return "• " + b.String()
}

func thinkingBanner(node *agent.NodeStatus) bool {
	return node != nil && strings.Contains(strings.ToLower(node.Status), "thinking")
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if line, _, found := strings.Cut(s, "\n"); found {
		s = line
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
