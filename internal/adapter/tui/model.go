package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"clawterm/internal/adapter/gateway"
	"clawterm/internal/domain"
	"clawterm/internal/usecase/chat"
)

type phase int

const (
	phaseConnect phase = iota
	phaseChat
)

// ModelDeps are dependencies injected into the root model.
type ModelDeps struct {
	Client  *gateway.Client
	Session *chat.Session
	Logger  *slog.Logger

	// Initial form values, usually from config.
	URL   string
	Token string

	// OnConnected is called after a successful connect with the URL and
	// token that worked, so credentials can be persisted.
	OnConnected func(url, token string)
}

// Model is the root Bubble Tea model: a connection form until the
// gateway handshake succeeds, then the chat surface.
type Model struct {
	deps ModelDeps

	phase phase

	// Connect form.
	urlInput   textinput.Model
	tokenInput textinput.Model
	focusIdx   int
	connecting bool
	connectErr string

	// Chat surface.
	vp       viewport.Model
	input    textarea.Model
	spin     spinner.Model
	renderer *glamour.TermRenderer

	status   gateway.Status
	width    int
	height   int
	quitting bool
}

// NewModel creates the root model.
func NewModel(deps ModelDeps) Model {
	url := textinput.New()
	url.Placeholder = "ws://127.0.0.1:18789"
	url.SetValue(deps.URL)
	url.CharLimit = 256
	url.Focus()

	token := textinput.New()
	token.Placeholder = "gateway token"
	token.SetValue(deps.Token)
	token.CharLimit = 512
	token.EchoMode = textinput.EchoPassword

	input := textarea.New()
	input.Placeholder = "Type a message..."
	input.SetHeight(3)
	input.ShowLineNumbers = false
	input.CharLimit = 0
	// Enter submits; newlines go through alt+enter.
	input.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter"))

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorAccent)

	return Model{
		deps:       deps,
		phase:      phaseConnect,
		urlInput:   url,
		tokenInput: token,
		input:      input,
		spin:       s,
		status:     deps.Client.Status(),
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, textinput.Blink)
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.refreshTranscript()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ConnectResultMsg:
		m.connecting = false
		if msg.Err != nil {
			m.connectErr = msg.Err.Error()
			return m, nil
		}
		m.connectErr = ""
		m.phase = phaseChat
		m.input.Focus()
		if m.deps.OnConnected != nil {
			m.deps.OnConnected(msg.URL, msg.Token)
		}
		m.refreshTranscript()
		return m, nil

	case SendResultMsg:
		// Errors already appear inline as system messages.
		m.refreshTranscript()
		return m, nil

	case StreamMsg:
		m.refreshTranscript()
		return m, nil

	case StatusMsg:
		m.status = msg.Status
		// A background reconnect can land while the form is still up.
		if msg.Status == gateway.StatusConnected && m.phase == phaseConnect {
			m.phase = phaseChat
			m.connecting = false
			m.connectErr = ""
			m.input.Focus()
			m.refreshTranscript()
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m.updateFocused(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEsc:
		if m.phase == phaseChat && m.deps.Session.Generating() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.deps.Session.Abort(ctx)
			cancel()
			m.refreshTranscript()
			return m, nil
		}

	case tea.KeyTab, tea.KeyShiftTab:
		if m.phase == phaseConnect {
			m.focusIdx = (m.focusIdx + 1) % 2
			if m.focusIdx == 0 {
				m.urlInput.Focus()
				m.tokenInput.Blur()
			} else {
				m.urlInput.Blur()
				m.tokenInput.Focus()
			}
			return m, nil
		}

	case tea.KeyEnter:
		if m.phase == phaseConnect {
			return m.submitConnect()
		}
		if msg.Alt {
			break // Alt+Enter inserts a newline in the textarea
		}
		return m.submitMessage()
	}

	return m.updateFocused(msg)
}

func (m Model) updateFocused(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	if m.phase == phaseConnect {
		m.urlInput, cmd = m.urlInput.Update(msg)
		cmds = append(cmds, cmd)
		m.tokenInput, cmd = m.tokenInput.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)
	}

	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) submitConnect() (tea.Model, tea.Cmd) {
	if m.connecting {
		return m, nil
	}
	url := strings.TrimSpace(m.urlInput.Value())
	token := strings.TrimSpace(m.tokenInput.Value())
	if url == "" {
		m.connectErr = "gateway URL is required"
		return m, nil
	}
	m.connecting = true
	m.connectErr = ""

	client := m.deps.Client
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := client.Connect(ctx, url, token)
		return ConnectResultMsg{URL: url, Token: token, Err: err}
	}
}

func (m Model) submitMessage() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.deps.Session.Generating() {
		return m, nil
	}
	m.input.Reset()

	session := m.deps.Session
	cmd := func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer cancel()
		return SendResultMsg{Err: session.SendMessage(ctx, text)}
	}

	// Render the optimistic user message on the next frame.
	return m, tea.Batch(cmd, func() tea.Msg { return StreamMsg{} })
}

func (m *Model) layout() {
	if m.width == 0 {
		return
	}
	inputHeight := m.input.Height() + 2
	vpHeight := m.height - inputHeight - 3
	if vpHeight < 3 {
		vpHeight = 3
	}
	m.vp = viewport.New(m.width, vpHeight)
	m.input.SetWidth(m.width - 4)

	wrap := m.width - 6
	if wrap < 20 {
		wrap = 20
	}
	if r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	); err == nil {
		m.renderer = r
	} else if m.deps.Logger != nil {
		m.deps.Logger.Warn("markdown renderer init failed", "error", err)
	}
}

// refreshTranscript re-renders the session transcript into the viewport
// and keeps it pinned to the bottom.
func (m *Model) refreshTranscript() {
	if m.phase != phaseChat || m.width == 0 {
		return
	}
	var b strings.Builder
	for _, msg := range m.deps.Session.Messages() {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}
	m.vp.SetContent(b.String())
	m.vp.GotoBottom()
}

func (m *Model) renderMessage(msg domain.ChatMessage) string {
	switch msg.Role {
	case domain.RoleUser:
		return userLabelStyle.Render("You") + "\n" + msg.Content + "\n"
	case domain.RoleAssistant:
		body := msg.Content
		if m.renderer != nil && !msg.Streaming {
			if out, err := m.renderer.Render(body); err == nil {
				body = strings.TrimRight(out, "\n") + "\n"
			}
		}
		label := assistantLabelStyle.Render("Assistant")
		if msg.Streaming {
			label += statusStyle.Render(" (typing)")
		}
		return label + "\n" + body
	default:
		return systemStyle.Render(msg.Content) + "\n"
	}
}

// View renders the whole UI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "  Initializing..."
	}
	if m.phase == phaseConnect {
		return m.connectView()
	}
	return m.chatView()
}

func (m Model) connectView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("clawterm"))
	b.WriteString("\n\n")
	b.WriteString(formLabelStyle.Render("URL") + m.urlInput.View() + "\n")
	b.WriteString(formLabelStyle.Render("Token") + m.tokenInput.View() + "\n\n")

	switch {
	case m.connecting:
		b.WriteString(m.spin.View() + " Connecting...\n")
	case m.connectErr != "":
		b.WriteString(statusErrStyle.Render("Connection failed: "+m.connectErr) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render("tab: switch field · enter: connect · ctrl+c: quit"))
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}

func (m Model) chatView() string {
	var status string
	switch m.status {
	case gateway.StatusConnected:
		status = statusStyle.Render("● connected")
	case gateway.StatusConnecting:
		status = statusStyle.Render(m.spin.View() + " reconnecting...")
	case gateway.StatusError:
		status = statusErrStyle.Render("● connection lost, retrying")
	default:
		status = statusErrStyle.Render("● disconnected")
	}
	if m.deps.Session.Generating() {
		status += statusStyle.Render("  " + m.spin.View() + " thinking...")
	}

	header := titleStyle.Render("clawterm") + " " + status
	footer := helpStyle.Render("enter: send · alt+enter: newline · esc: abort · ctrl+c: quit")

	return fmt.Sprintf("%s\n%s\n%s\n%s",
		header,
		m.vp.View(),
		inputBorderStyle.Width(m.width-2).Render(m.input.View()),
		footer,
	)
}
