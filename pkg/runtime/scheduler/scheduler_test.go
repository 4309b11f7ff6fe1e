package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTimers collects scheduled callbacks so tests control when the frame
// boundary fires.
type manualTimers struct {
	mu      sync.Mutex
	pending []func()
}

func (m *manualTimers) factory(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
	return manualTimer{}
}

func (m *manualTimers) fire(t *testing.T) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	require.NotEmpty(t, pending, "no flush scheduled")
	for _, fn := range pending {
		fn()
	}
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

type flushRecorder struct {
	mu      sync.Mutex
	flushes []Delta
}

func (r *flushRecorder) flush(conversationID string, d Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, d)
}

func (r *flushRecorder) all() []Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delta(nil), r.flushes...)
}

func newTestScheduler() (*Scheduler, *manualTimers, *flushRecorder) {
	timers := &manualTimers{}
	recorder := &flushRecorder{}
	s := New(DefaultInterval, recorder.flush)
	s.SetTimerFactory(timers.factory)
	return s, timers, recorder
}

func TestScheduler_CoalescesWithinFrame(t *testing.T) {
	s, timers, recorder := newTestScheduler()

	// N rapid schedules within one frame interval
	s.Schedule("c1", Delta{MessageID: "m1", Content: "Hel"}, false)
	s.Schedule("c1", Delta{MessageID: "m1", Content: "lo "}, false)
	s.Schedule("c1", Delta{MessageID: "m1", Content: "world"}, false)

	// Exactly one flush is scheduled
	assert.Equal(t, 1, timers.count())
	assert.Empty(t, recorder.all())

	timers.fire(t)

	flushes := recorder.all()
	require.Len(t, flushes, 1)
	assert.Equal(t, "Hello world", flushes[0].Content)
	assert.Equal(t, "m1", flushes[0].MessageID)
}

func TestScheduler_ForceFlushesImmediately(t *testing.T) {
	s, timers, recorder := newTestScheduler()

	s.Schedule("c1", Delta{MessageID: "m1", Content: "partial"}, false)
	s.Schedule("c1", Delta{MessageID: "m1", Content: " tail"}, true)

	// Forced flush happened synchronously, before any frame boundary
	flushes := recorder.all()
	require.Len(t, flushes, 1)
	assert.Equal(t, "partial tail", flushes[0].Content)

	// The cancelled frame timer firing later must not double-flush
	for _, fn := range timers.pending {
		fn()
	}
	assert.Len(t, recorder.all(), 1)
}

func TestScheduler_ForceWithoutPending(t *testing.T) {
	s, _, recorder := newTestScheduler()

	s.Schedule("c1", Delta{MessageID: "m1"}, true)

	flushes := recorder.all()
	require.Len(t, flushes, 1)
	assert.True(t, flushes[0].Empty())
}

func TestScheduler_CancelDropsAccumulator(t *testing.T) {
	s, timers, recorder := newTestScheduler()

	s.Schedule("c1", Delta{MessageID: "m1", Content: "doomed"}, false)
	s.Cancel("c1")

	for _, fn := range timers.pending {
		fn()
	}
	assert.Empty(t, recorder.all())
}

func TestScheduler_ReplaceOverridesAccumulated(t *testing.T) {
	s, timers, recorder := newTestScheduler()

	s.Schedule("c1", Delta{MessageID: "m1", Content: "status line"}, false)
	s.Schedule("c1", Delta{MessageID: "m1", Content: "final answer", Replace: true}, false)

	timers.fire(t)

	flushes := recorder.all()
	require.Len(t, flushes, 1)
	assert.True(t, flushes[0].Replace)
	assert.Equal(t, "final answer", flushes[0].Content)
}

func TestScheduler_SessionsAreIndependent(t *testing.T) {
	s, timers, recorder := newTestScheduler()

	s.Schedule("c1", Delta{MessageID: "m1", Content: "one"}, false)
	s.Schedule("c2", Delta{MessageID: "m2", Content: "two"}, false)

	assert.Equal(t, 2, timers.count())

	timers.fire(t)

	flushes := recorder.all()
	require.Len(t, flushes, 2)
	contents := map[string]bool{flushes[0].Content: true, flushes[1].Content: true}
	assert.True(t, contents["one"])
	assert.True(t, contents["two"])
}

func TestScheduler_NewFlushAfterFire(t *testing.T) {
	s, timers, recorder := newTestScheduler()

	s.Schedule("c1", Delta{MessageID: "m1", Content: "first"}, false)
	timers.fire(t)

	s.Schedule("c1", Delta{MessageID: "m1", Content: "second"}, false)
	assert.Equal(t, 1, timers.count())
	timers.fire(t)

	flushes := recorder.all()
	require.Len(t, flushes, 2)
	assert.Equal(t, "first", flushes[0].Content)
	assert.Equal(t, "second", flushes[1].Content)
}
