// Package ui renders the interactive chat on top of the session engine. It
// is a thin consumer: all message lifecycle and recovery logic lives in
// internal/chat, the UI only re-renders snapshots.
package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"parley/internal/chat"
)

// SessionChangedMsg tells the UI the session state changed outside the
// update loop (request completion, reconciliation, out-of-band store edits).
type SessionChangedMsg struct{}

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	bannerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Model is the bubbletea model for the chat view.
type Model struct {
	session *chat.Session
	who     string

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model
	renderer *glamour.TermRenderer

	width  int
	height int
	ready  bool
}

// New builds the chat view for an existing session.
func New(session *chat.Session, who string) Model {
	input := textinput.New()
	input.Placeholder = "Send a message..."
	input.Focus()
	input.CharLimit = 4000

	spin := spinner.New(spinner.WithSpinner(spinner.Dot))

	return Model{
		session: session,
		who:     who,
		input:   input,
		spin:    spin,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		inputCmd tea.Cmd
		vpCmd    tea.Cmd
		spCmd    tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlX:
			m.session.DismissError()
			return m, nil
		case tea.KeyEnter:
			if m.session.Send(m.input.Value()) {
				m.input.Reset()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chatHeight := msg.Height - 4 // header, input, help, banner slack
		if chatHeight < 1 {
			chatHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, chatHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = chatHeight
		}
		m.renderer = newRenderer(msg.Width)
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, nil

	case SessionChangedMsg:
		if m.ready {
			m.viewport.SetContent(m.renderHistory())
			m.viewport.GotoBottom()
		}
		return m, nil

	case spinner.TickMsg:
		m.spin, spCmd = m.spin.Update(msg)
		if m.ready && m.session.Busy() {
			m.viewport.SetContent(m.renderHistory())
		}
		return m, spCmd
	}

	m.input, inputCmd = m.input.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(inputCmd, vpCmd)
}

func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}

	var b strings.Builder
	b.WriteString(assistantStyle.Render("parley") + helpStyle.Render("  ("+m.who+")") + "\n")
	b.WriteString(m.viewport.View() + "\n")

	if errText := m.session.LastError(); errText != "" {
		b.WriteString(bannerStyle.Render("✗ "+errText) + helpStyle.Render("  (ctrl+x to dismiss)") + "\n")
	}

	b.WriteString(m.input.View() + "\n")
	b.WriteString(helpStyle.Render("enter send · ctrl+c quit"))
	return b.String()
}

// renderHistory formats the current snapshot of the conversation.
func (m Model) renderHistory() string {
	var b strings.Builder
	for _, msg := range m.session.Messages() {
		switch {
		case msg.Role == chat.RoleUser:
			b.WriteString(userStyle.Render(m.who+":") + " " + msg.Content + "\n")
		case msg.Status == chat.StatusPending:
			b.WriteString(m.spin.View() + pendingStyle.Render(msg.Content) + "\n")
		case msg.Status == chat.StatusError:
			b.WriteString(errorStyle.Render(msg.Content) + "\n")
		default:
			b.WriteString(assistantStyle.Render("assistant:") + "\n" + m.renderMarkdown(msg.Content))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderMarkdown(content string) string {
	if m.renderer == nil {
		return content + "\n"
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content + "\n"
	}
	return out
}

func newRenderer(width int) *glamour.TermRenderer {
	wrap := width - 2
	if wrap < 20 {
		wrap = 20
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return nil
	}
	return renderer
}
