// Package scheduler coalesces high-frequency content deltas into bounded
// flushes. Fragments can arrive much faster than the rendering layer can
// usefully redraw; one flush per frame interval keeps the update rate
// constant regardless of fragment rate, while forced flushes guarantee no
// trailing content is lost at session boundaries.
package scheduler

import (
	"sync"
	"time"

	"github.com/loomchat/loom/pkg/chat"
)

// DefaultInterval approximates one rendering frame.
const DefaultInterval = 50 * time.Millisecond

// Delta is an accumulated partial update for one open message.
type Delta struct {
	MessageID string
	Content   string
	Replace   bool // replace the message content instead of appending
	ToolCalls []chat.ToolCall
}

// Empty reports whether the delta carries no update.
func (d *Delta) Empty() bool {
	return d.Content == "" && !d.Replace && len(d.ToolCalls) == 0
}

func (d *Delta) merge(next Delta) {
	if next.Replace {
		d.Content = next.Content
		d.Replace = true
	} else {
		d.Content += next.Content
	}
	if next.MessageID != "" {
		d.MessageID = next.MessageID
	}
	d.ToolCalls = append(d.ToolCalls, next.ToolCalls...)
}

// FlushFunc applies an accumulated delta downstream.
type FlushFunc func(conversationID string, delta Delta)

// Timer is the cancellable handle returned by a TimerFactory.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn after d. Tests inject a manual implementation.
type TimerFactory func(d time.Duration, fn func()) Timer

type accumulator struct {
	delta     Delta
	timer     Timer
	scheduled bool
}

// Scheduler merges deltas per conversation and flushes at most once per
// interval, except for forced flushes which apply synchronously.
type Scheduler struct {
	mu       sync.Mutex
	interval time.Duration
	flush    FlushFunc
	newTimer TimerFactory
	pending  map[string]*accumulator
}

// New creates a scheduler flushing through fn.
func New(interval time.Duration, fn FlushFunc) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		flush:    fn,
		newTimer: func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) },
		pending:  make(map[string]*accumulator),
	}
}

// SetTimerFactory overrides timer creation. Intended for tests.
func (s *Scheduler) SetTimerFactory(f TimerFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newTimer = f
}

// Schedule merges delta into the conversation's accumulator. When force is
// true any pending flush is cancelled and the full accumulator is applied
// synchronously before Schedule returns. Otherwise at most one flush is
// scheduled; subsequent calls before it fires only extend the accumulator.
func (s *Scheduler) Schedule(conversationID string, delta Delta, force bool) {
	s.mu.Lock()

	acc := s.pending[conversationID]
	if acc == nil {
		acc = &accumulator{}
		s.pending[conversationID] = acc
	}
	acc.delta.merge(delta)

	if force {
		if acc.timer != nil {
			acc.timer.Stop()
		}
		merged := acc.delta
		delete(s.pending, conversationID)
		s.mu.Unlock()

		s.flush(conversationID, merged)
		return
	}

	if acc.scheduled {
		s.mu.Unlock()
		return
	}
	acc.scheduled = true
	acc.timer = s.newTimer(s.interval, func() { s.fire(conversationID) })
	s.mu.Unlock()
}

func (s *Scheduler) fire(conversationID string) {
	s.mu.Lock()
	acc := s.pending[conversationID]
	if acc == nil {
		// Cancelled or force-flushed before the timer fired.
		s.mu.Unlock()
		return
	}
	merged := acc.delta
	delete(s.pending, conversationID)
	s.mu.Unlock()

	s.flush(conversationID, merged)
}

// Cancel drops the conversation's accumulator and any pending flush without
// applying it. Used when a session is stopped: the open message is finalized
// with whatever content had already been flushed.
func (s *Scheduler) Cancel(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc := s.pending[conversationID]; acc != nil && acc.timer != nil {
		acc.timer.Stop()
	}
	delete(s.pending, conversationID)
}
