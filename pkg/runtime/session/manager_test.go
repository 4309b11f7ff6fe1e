package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/pkg/agent"
	"github.com/loomchat/loom/pkg/chat"
	"github.com/loomchat/loom/pkg/runtime/approval"
	"github.com/loomchat/loom/pkg/runtime/cache"
	"github.com/loomchat/loom/pkg/runtime/scheduler"
	"github.com/loomchat/loom/pkg/store"
)

type fakeEngine struct {
	mu       sync.Mutex
	invokes  []*agent.InvokeRequest
	responds []bool
	err      error
}

func (e *fakeEngine) Invoke(ctx context.Context, req *agent.InvokeRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invokes = append(e.invokes, req)
	return e.err
}

func (e *fakeEngine) Respond(ctx context.Context, conversationID string, approved bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responds = append(e.responds, approved)
	return nil
}

func (e *fakeEngine) lastInvoke() *agent.InvokeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.invokes) == 0 {
		return nil
	}
	return e.invokes[len(e.invokes)-1]
}

type endRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *endRecorder) SessionStarted(conversationID string) {}

func (r *endRecorder) SessionEnded(conversationID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *endRecorder) EventHandled(eventType agent.EventType) {}

func (r *endRecorder) ended() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type notification struct {
	conversationID string
	title          string
	body           string
}

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

// fixture wires a manager against in-memory collaborators. Frame timers never
// fire on their own, so only forced flushes (terminal events) reach the cache;
// that keeps assertions deterministic.
type fixture struct {
	bus       *agent.Bus
	engine    *fakeEngine
	store     *store.MemoryStore
	cache     *cache.Cache
	sched     *scheduler.Scheduler
	approvals *approval.Queue
	observer  *endRecorder
	manager   *Manager

	mu            sync.Mutex
	focusedID     string
	foreground    bool
	notifications []notification
}

func newFixture(t *testing.T) *fixture {
	log := logr.Discard()
	f := &fixture{
		bus:      agent.NewBus(log),
		engine:   &fakeEngine{},
		store:    store.NewMemoryStore(),
		observer: &endRecorder{},
	}
	f.cache = cache.New(f.store, log)
	f.sched = scheduler.New(scheduler.DefaultInterval, Flusher(f.cache))
	f.sched.SetTimerFactory(func(d time.Duration, fn func()) scheduler.Timer { return nopTimer{} })
	f.approvals = approval.New(f.engine.Respond, log)

	f.manager = NewManager(Options{
		Bus:       f.bus,
		Engine:    f.engine,
		Store:     f.store,
		Cache:     f.cache,
		Scheduler: f.sched,
		Approvals: f.approvals,
		Notify: func(conversationID, title, body string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.notifications = append(f.notifications, notification{conversationID, title, body})
		},
		Focus: func() (string, bool) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.focusedID, f.foreground
		},
		AdvancedModes: []string{"research"},
		Observer:      f.observer,
		Log:           log,
	})
	return f
}

func (f *fixture) newConversation(t *testing.T, settings chat.Settings) *chat.Conversation {
	conv := chat.NewConversation(DefaultTitle, settings)
	require.NoError(t, f.store.SaveConversation(context.Background(), conv))
	return conv
}

func (f *fixture) setFocus(conversationID string, foreground bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focusedID = conversationID
	f.foreground = foreground
}

func (f *fixture) notified() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification(nil), f.notifications...)
}

func (f *fixture) stream(conversationID, chunk string) {
	f.bus.Publish(agent.Event{Type: agent.EventStreaming, ConversationID: conversationID, Chunk: chunk})
}

func (f *fixture) done(conversationID string) {
	f.bus.Publish(agent.Event{Type: agent.EventDone, ConversationID: conversationID})
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not reach a terminal state")
	}
}

func TestManager_FragmentsCoalesceIntoFinalContent(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})

	sess, err := f.manager.Start(context.Background(), conv.ID, "hello", nil, nil)
	require.NoError(t, err)

	f.stream(conv.ID, "Hel")
	f.stream(conv.ID, "lo ")
	f.stream(conv.ID, "world")
	f.done(conv.ID)
	waitDone(t, sess)

	msg := f.cache.Message(conv.ID, sess.MessageID())
	require.NotNil(t, msg)
	assert.Equal(t, "Hello world", msg.Content)
	assert.Equal(t, []State{StateDone}, f.observer.ended())

	// The finalized message is persisted with the full content
	stored, err := f.store.LoadMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, chat.RoleUser, stored[0].Role)
	assert.Equal(t, "hello", stored[0].Content)
	assert.Equal(t, "Hello world", stored[1].Content)
}

func TestManager_InvokeCarriesHistoryAndSettings(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{ThinkingMode: "research", RAGEnabled: true})

	sess, err := f.manager.Start(context.Background(), conv.ID, "question", nil, []string{"project context"})
	require.NoError(t, err)

	req := f.engine.lastInvoke()
	require.NotNil(t, req)
	assert.Equal(t, conv.ID, req.ConversationID)
	assert.Equal(t, conv.Settings, req.Settings)
	assert.Equal(t, []string{"project context"}, req.ContextPrompts)
	// User message plus the open assistant message
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "question", req.Messages[0].Content)

	f.done(conv.ID)
	waitDone(t, sess)
}

func TestManager_ToolApprovalRoundTrip(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})
	ctx := context.Background()

	sess, err := f.manager.Start(ctx, conv.ID, "clean up my files", nil, nil)
	require.NoError(t, err)

	f.bus.Publish(agent.Event{
		Type:           agent.EventToolApprovalRequest,
		ConversationID: conv.ID,
		Approval: &agent.ApprovalRequest{
			ToolCalls: []chat.ToolCall{
				{Name: "delete_file", Arguments: map[string]any{"path": "/tmp/old.log"}},
			},
		},
	})

	require.Eventually(t, func() bool { return f.approvals.Len() == 1 },
		time.Second, 5*time.Millisecond)

	head := f.approvals.Head()
	require.NotNil(t, head)
	assert.Equal(t, conv.ID, head.ConversationID)
	// Advisory risk is derived when the engine does not supply one
	assert.Equal(t, chat.RiskHigh, head.RiskLevel)

	require.NoError(t, f.approvals.Resolve(ctx, head.Key, false))
	assert.Equal(t, 0, f.approvals.Len())
	assert.Equal(t, []bool{false}, f.engine.responds)

	f.bus.Publish(agent.Event{
		Type:           agent.EventToolApprovalResult,
		ConversationID: conv.ID,
		ApprovalResult: &agent.ApprovalResult{Approved: false},
	})
	f.done(conv.ID)
	waitDone(t, sess)

	msg := f.cache.Message(conv.ID, sess.MessageID())
	require.NotNil(t, msg)
	assert.Contains(t, msg.Content, "Tool request rejected by user.")
}

func TestManager_StopLeavesOtherSessionsStreaming(t *testing.T) {
	f := newFixture(t)
	convX := f.newConversation(t, chat.Settings{})
	convY := f.newConversation(t, chat.Settings{})
	ctx := context.Background()

	sessX, err := f.manager.Start(ctx, convX.ID, "x", nil, nil)
	require.NoError(t, err)
	sessY, err := f.manager.Start(ctx, convY.ID, "y", nil, nil)
	require.NoError(t, err)

	f.stream(convX.ID, "doomed")
	f.stream(convY.ID, "sur")

	f.manager.Stop(convX.ID)
	waitDone(t, sessX)
	assert.Nil(t, f.manager.Session(convX.ID))
	assert.Equal(t, 1, f.manager.ActiveCount())

	// Fragments for the stopped conversation go nowhere
	f.stream(convX.ID, " more")

	f.stream(convY.ID, "vived")
	f.done(convY.ID)
	waitDone(t, sessY)

	msgY := f.cache.Message(convY.ID, sessY.MessageID())
	require.NotNil(t, msgY)
	assert.Equal(t, "survived", msgY.Content)

	// The stopped session keeps only what had been flushed, which is nothing
	msgX := f.cache.Message(convX.ID, sessX.MessageID())
	require.NotNil(t, msgX)
	assert.Empty(t, msgX.Content)

	assert.ElementsMatch(t, []State{StateCancelled, StateDone}, f.observer.ended())
}

func TestManager_StartSupersedesLiveSession(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})
	ctx := context.Background()

	first, err := f.manager.Start(ctx, conv.ID, "first", nil, nil)
	require.NoError(t, err)
	f.stream(conv.ID, "abandoned")

	second, err := f.manager.Start(ctx, conv.ID, "second", nil, nil)
	require.NoError(t, err)
	waitDone(t, first)

	assert.Equal(t, 1, f.manager.ActiveCount())
	assert.Same(t, second, f.manager.Session(conv.ID))

	// Fragments now flow only into the new session's open message
	f.stream(conv.ID, "fresh")
	f.done(conv.ID)
	waitDone(t, second)

	assert.Equal(t, "fresh", f.cache.Message(conv.ID, second.MessageID()).Content)
	assert.Empty(t, f.cache.Message(conv.ID, first.MessageID()).Content)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})

	sess, err := f.manager.Start(context.Background(), conv.ID, "hi", nil, nil)
	require.NoError(t, err)

	f.manager.Stop(conv.ID)
	waitDone(t, sess)
	f.manager.Stop(conv.ID)
	f.manager.Stop("never-started")

	assert.Equal(t, 0, f.manager.ActiveCount())
	assert.Equal(t, []State{StateCancelled}, f.observer.ended())
}

func TestManager_TerminalEventAfterStopFinalizesOnce(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})
	f.setFocus("some-other-conversation", true)

	sess, err := f.manager.Start(context.Background(), conv.ID, "hi", nil, nil)
	require.NoError(t, err)

	f.manager.Stop(conv.ID)
	waitDone(t, sess)
	require.Equal(t, []State{StateCancelled}, f.observer.ended())

	// A done event decoded just before Stop detached the subscription loses
	// the race: the session was already finalized, so nothing may fire twice.
	assert.False(t, f.manager.finish(sess, StateDone))
	assert.Equal(t, []State{StateCancelled}, f.observer.ended())
	assert.Empty(t, f.notified())
}

func TestManager_StatusTextReplacedInSimpleMode(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})

	sess, err := f.manager.Start(context.Background(), conv.ID, "hi", nil, nil)
	require.NoError(t, err)

	f.bus.Publish(agent.Event{
		Type:           agent.EventNode,
		ConversationID: conv.ID,
		Node:           &agent.NodeStatus{Node: "retrieve", Status: "searching"},
	})
	f.stream(conv.ID, "Answer")
	f.done(conv.ID)
	waitDone(t, sess)

	// The final turn overwrites the intermediate status line
	assert.Equal(t, "Answer", f.cache.Message(conv.ID, sess.MessageID()).Content)
}

func TestManager_StatusTextKeptInAdvancedMode(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{ThinkingMode: "research"})

	sess, err := f.manager.Start(context.Background(), conv.ID, "hi", nil, nil)
	require.NoError(t, err)

	f.bus.Publish(agent.Event{
		Type:           agent.EventNode,
		ConversationID: conv.ID,
		Node:           &agent.NodeStatus{Node: "retrieve", Status: "searching", Iteration: 1, MaxIterations: 3},
	})
	f.stream(conv.ID, "Answer")
	f.done(conv.ID)
	waitDone(t, sess)

	content := f.cache.Message(conv.ID, sess.MessageID()).Content
	assert.Contains(t, content, "• retrieve: searching (1/3)")
	assert.Contains(t, content, "Answer")
}

func TestManager_ErrorEventFinalizesWithMessage(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})

	sess, err := f.manager.Start(context.Background(), conv.ID, "hi", nil, nil)
	require.NoError(t, err)

	f.stream(conv.ID, "partial")
	f.bus.Publish(agent.Event{Type: agent.EventError, ConversationID: conv.ID, Message: "model overloaded"})
	waitDone(t, sess)

	content := f.cache.Message(conv.ID, sess.MessageID()).Content
	assert.Contains(t, content, "partial")
	assert.Contains(t, content, "Error: model overloaded")
	assert.Equal(t, []State{StateErrored}, f.observer.ended())
	assert.Equal(t, 0, f.manager.ActiveCount())
}

func TestManager_InvokeFailureEndsSession(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})
	f.engine.err = errors.New("connection refused")

	_, err := f.manager.Start(context.Background(), conv.ID, "hi", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 0, f.manager.ActiveCount())

	// The open assistant message carries the failure
	messages := f.cache.Snapshot(conv.ID)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1].Content, "Error: connection refused")
}

func TestManager_TitleDerivedOnFirstCompletion(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})

	sess, err := f.manager.Start(context.Background(), conv.ID, "Explain quicksort to me", nil, nil)
	require.NoError(t, err)
	f.stream(conv.ID, "Quicksort is...")
	f.done(conv.ID)
	waitDone(t, sess)

	reloaded, err := f.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Explain quicksort to me", reloaded.Title)
}

func TestManager_NotifiesOnBackgroundCompletion(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})
	f.setFocus("some-other-conversation", true)

	sess, err := f.manager.Start(context.Background(), conv.ID, "hi", nil, nil)
	require.NoError(t, err)
	f.stream(conv.ID, "finished in the background")
	f.done(conv.ID)
	waitDone(t, sess)

	notes := f.notified()
	require.Len(t, notes, 1)
	assert.Equal(t, conv.ID, notes[0].conversationID)
	assert.Equal(t, "finished in the background", notes[0].body)
}

func TestManager_NoNotificationWhenFocused(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})
	f.setFocus(conv.ID, true)

	sess, err := f.manager.Start(context.Background(), conv.ID, "hi", nil, nil)
	require.NoError(t, err)
	f.done(conv.ID)
	waitDone(t, sess)

	assert.Empty(t, f.notified())
}

func TestManager_DeleteConversationTearsEverythingDown(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})
	ctx := context.Background()

	sess, err := f.manager.Start(ctx, conv.ID, "hi", nil, nil)
	require.NoError(t, err)

	f.bus.Publish(agent.Event{
		Type:           agent.EventToolApprovalRequest,
		ConversationID: conv.ID,
		Approval: &agent.ApprovalRequest{
			ToolCalls: []chat.ToolCall{{Name: "run_bash", Arguments: map[string]any{"cmd": "ls"}}},
		},
	})
	require.Eventually(t, func() bool { return f.approvals.Len() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.DeleteConversation(ctx, conv.ID))
	waitDone(t, sess)

	assert.Equal(t, 0, f.approvals.Len())
	assert.Nil(t, f.cache.Entry(conv.ID))
	_, err = f.store.GetConversation(ctx, conv.ID)
	assert.Error(t, err)
}

func TestManager_ShutdownCancelsAllSessions(t *testing.T) {
	f := newFixture(t)
	convA := f.newConversation(t, chat.Settings{})
	convB := f.newConversation(t, chat.Settings{})
	ctx := context.Background()

	sessA, err := f.manager.Start(ctx, convA.ID, "a", nil, nil)
	require.NoError(t, err)
	sessB, err := f.manager.Start(ctx, convB.ID, "b", nil, nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.Shutdown())
	waitDone(t, sessA)
	waitDone(t, sessB)

	assert.Equal(t, 0, f.manager.ActiveCount())
	assert.ElementsMatch(t, []State{StateCancelled, StateCancelled}, f.observer.ended())
}

func TestManager_ImageProgressTracksLatest(t *testing.T) {
	f := newFixture(t)
	conv := f.newConversation(t, chat.Settings{})

	sess, err := f.manager.Start(context.Background(), conv.ID, "draw a cat", nil, nil)
	require.NoError(t, err)

	f.bus.Publish(agent.Event{
		Type:           agent.EventImageProgress,
		ConversationID: conv.ID,
		Image:          &agent.ImageProgress{Status: "generating", Percent: 40, Step: 2, TotalSteps: 5},
	})
	require.Eventually(t, func() bool {
		p := f.manager.Progress(conv.ID)
		return p != nil && p.Percent == 40
	}, time.Second, 5*time.Millisecond)

	f.bus.Publish(agent.Event{
		Type:           agent.EventImageProgress,
		ConversationID: conv.ID,
		Image:          &agent.ImageProgress{Status: "completed", Percent: 100},
	})
	require.Eventually(t, func() bool { return f.manager.Progress(conv.ID) == nil },
		time.Second, 5*time.Millisecond)

	f.done(conv.ID)
	waitDone(t, sess)
}
