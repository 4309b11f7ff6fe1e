package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-logr/logr"
	"github.com/muesli/reflow/wordwrap"

	"github.com/loomchat/loom/pkg/chat"
	"github.com/loomchat/loom/pkg/runtime/approval"
	"github.com/loomchat/loom/pkg/runtime/cache"
	"github.com/loomchat/loom/pkg/runtime/session"
)

type refreshMsg struct{}

type notifyMsg struct {
	title string
	body  string
}

type errMsg struct {
	err error
}

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("135"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	approvalStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("203")).
			Padding(0, 1)
)

type model struct {
	cache          *cache.Cache
	approvals      *approval.Queue
	manager        *session.Manager
	conversationID string
	title          string
	log            logr.Logger

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model
	ready    bool
	width    int
	notice   string
}

func newModel(opts Options) model {
	input := textinput.New()
	input.Placeholder = "Send a message…"
	input.Focus()

	spin := spinner.New(spinner.WithSpinner(spinner.Dot))

	return model{
		cache:          opts.Cache,
		approvals:      opts.Approvals,
		manager:        opts.Manager,
		conversationID: opts.ConversationID,
		title:          opts.Title,
		log:            opts.Log.WithName("tui"),
		input:          input,
		spin:           spin,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := msg.Height - 6
		if height < 3 {
			height = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.syncViewport()
		return m, nil

	case refreshMsg:
		m.syncViewport()
		return m, nil

	case notifyMsg:
		m.notice = fmt.Sprintf("%s — %s", msg.title, msg.body)
		return m, nil

	case errMsg:
		m.notice = fmt.Sprintf("error: %v", msg.err)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.manager.Stop(m.conversationID)
			return m, tea.Quit
		case "esc":
			m.manager.Stop(m.conversationID)
			return m, nil
		}

		if head := m.approvals.Head(); head != nil {
			switch msg.String() {
			case "y":
				return m, m.resolve(head.Key, true)
			case "n":
				return m, m.resolve(head.Key, false)
			}
			return m, nil
		}

		if msg.String() == "enter" {
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			return m, m.submit(text)
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "loading…"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(m.title))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	if head := m.approvals.Head(); head != nil {
		b.WriteString(approvalStyle.Render(m.approvalPrompt(head)))
		b.WriteString("\n")
	}

	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m *model) syncViewport() {
	if !m.ready {
		return
	}

	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}

	var b strings.Builder
	for _, msg := range m.cache.Snapshot(m.conversationID) {
		switch msg.Role {
		case chat.RoleUser:
			b.WriteString(userStyle.Render("You"))
		case chat.RoleAssistant:
			b.WriteString(assistantStyle.Render("Assistant"))
		default:
			b.WriteString(string(msg.Role))
		}
		b.WriteString("\n")
		b.WriteString(wordwrap.String(msg.Content, width))
		b.WriteString("\n\n")
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *model) statusLine() string {
	if m.notice != "" {
		return noticeStyle.Render(m.notice)
	}
	if progress := m.manager.Progress(m.conversationID); progress != nil {
		return fmt.Sprintf("%s generating image… %d%%", m.spin.View(), progress.Percent)
	}
	if m.manager.Session(m.conversationID) != nil {
		return fmt.Sprintf("%s streaming (esc to stop)", m.spin.View())
	}
	return "ready"
}

func (m *model) approvalPrompt(head *approval.Request) string {
	var names []string
	for _, call := range head.ToolCalls {
		names = append(names, call.Name)
	}
	prompt := fmt.Sprintf("Approve tool calls: %s? [y/n]", strings.Join(names, ", "))
	if head.RiskNote != "" {
		prompt += fmt.Sprintf("\nrisk (%s): %s", head.RiskLevel, head.RiskNote)
	}
	return prompt
}

func (m *model) submit(text string) tea.Cmd {
	return func() tea.Msg {
		if _, err := m.manager.Start(context.Background(), m.conversationID, text, nil, nil); err != nil {
			return errMsg{err: err}
		}
		return refreshMsg{}
	}
}

func (m *model) resolve(key string, approved bool) tea.Cmd {
	return func() tea.Msg {
		if err := m.approvals.Resolve(context.Background(), key, approved); err != nil {
			return errMsg{err: err}
		}
		return refreshMsg{}
	}
}
