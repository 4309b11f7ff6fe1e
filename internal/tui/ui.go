// Package tui is the terminal rendering layer. It reads the live message list
// from the cache, surfaces the approval queue head, and receives background
// completion notifications. All orchestration state lives elsewhere; the TUI
// only observes and issues Start/Stop/Resolve calls.
package tui

import (
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-logr/logr"

	"github.com/loomchat/loom/pkg/runtime/approval"
	"github.com/loomchat/loom/pkg/runtime/cache"
	"github.com/loomchat/loom/pkg/runtime/session"
)

// Options configures the UI.
type Options struct {
	Cache          *cache.Cache
	Approvals      *approval.Queue
	Manager        *session.Manager
	ConversationID string
	Title          string
	Log            logr.Logger
}

// UI owns the bubbletea program and the focus state reported back to the
// session manager.
type UI struct {
	program        *tea.Program
	conversationID string
	running        atomic.Bool
}

// New builds the UI and binds the cache render callback and approval queue
// change callback to program refreshes.
func New(opts Options) *UI {
	program := tea.NewProgram(newModel(opts), tea.WithAltScreen())
	ui := &UI{program: program, conversationID: opts.ConversationID}

	opts.Cache.SetRenderFunc(func(string) {
		program.Send(refreshMsg{})
	})
	opts.Approvals.SetOnChange(func() {
		program.Send(refreshMsg{})
	})

	return ui
}

// Run blocks until the user quits.
func (u *UI) Run() error {
	u.running.Store(true)
	defer u.running.Store(false)

	_, err := u.program.Run()
	return err
}

// Notify implements the notification boundary: completion of a background
// conversation shows up in the status line.
func (u *UI) Notify(conversationID, title, body string) {
	u.program.Send(notifyMsg{title: title, body: body})
}

// Focus reports the viewed conversation and whether the UI is running.
func (u *UI) Focus() (string, bool) {
	return u.conversationID, u.running.Load()
}
