package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentarena/arena/bridge/internal/tui"
	"github.com/agentarena/arena/pkg/protocol"
)

const maxLines = 1000

// Sender delivers commands to the bridge.
type Sender interface {
	Send(cmd protocol.ClientCommand) error
}

// FrameMsg wraps a decoded bridge frame.
type FrameMsg struct{ Frame any }

// ClosedMsg reports that the bridge connection ended.
type ClosedMsg struct{ Err error }

type sendErrMsg struct{ err error }

// Model is the chat screen for one agent package.
type Model struct {
	sender   Sender
	agentPkg string

	connected  bool
	hatching   bool
	sessionKey string
	agentName  string

	lines   []string
	pending string // reply being streamed
	waiting bool   // a chat was sent and no final reply has arrived

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	width    int

	quitting bool
	err      error
}

// NewModel creates a chat model that hatches agentPkg once the bridge
// reports the gateway as connected.
func NewModel(sender Sender, agentPkg string) Model {
	in := textinput.New()
	in.Placeholder = "Say something, or /history"
	in.Prompt = "› "
	in.CharLimit = 4000
	in.Focus()

	return Model{
		sender:    sender,
		agentPkg:  agentPkg,
		agentName: agentPkg,
		input:     in,
		viewport:  viewport.New(80, 20),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(tui.Dimmed)),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = max(msg.Height-7, 3)
		m.input.Width = msg.Width - 6
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "esc"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("enter"))):
			return m.submit()
		case key.Matches(msg, key.NewBinding(key.WithKeys("pgup", "pgdown"))):
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case FrameMsg:
		return m.handleFrame(msg.Frame)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case sendErrMsg:
		m.waiting = false
		m.addLine(tui.ErrorStyle.Render("send failed: " + msg.err.Error()))
		return m, nil

	case ClosedMsg:
		m.err = msg.Err
		m.quitting = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	m.input.Reset()

	if text == "/history" {
		return m, m.send(protocol.ClientCommand{Type: protocol.CmdHistory, AgentPkg: m.agentPkg, SessionKey: m.sessionKey})
	}
	m.addLine(tui.You.Render("you") + "  " + tui.Body.Render(text))
	m.waiting = true
	return m, m.send(protocol.ClientCommand{Type: protocol.CmdChat, AgentPkg: m.agentPkg, Message: text, SessionKey: m.sessionKey})
}

func (m Model) handleFrame(frame any) (tea.Model, tea.Cmd) {
	switch f := frame.(type) {
	case *protocol.StatusFrame:
		m.connected = f.Connected
		if f.Connected && m.sessionKey == "" && !m.hatching {
			m.hatching = true
			m.addLine(tui.Dimmed.Render("hatching " + m.agentPkg + "..."))
			return m, m.send(protocol.ClientCommand{Type: protocol.CmdHatch, AgentPkg: m.agentPkg})
		}

	case *protocol.HatchOKFrame:
		m.hatching = false
		m.sessionKey = f.SessionKey
		if name := agentName(f.Agent); name != "" {
			m.agentName = name
		}
		m.addLine(tui.Dimmed.Render("session " + f.SessionKey + " ready"))

	case *protocol.ChatFrame:
		text := MessageText(f.Message)
		if f.Type == protocol.TypeChatDelta {
			m.pending = mergeDelta(m.pending, text)
			m.refresh()
			break
		}
		if text == "" {
			text = m.pending
		}
		m.pending = ""
		m.waiting = false
		m.addLine(m.agentLabel() + "  " + tui.Body.Render(text))

	case *protocol.HistoryFrame:
		var msgs []json.RawMessage
		_ = json.Unmarshal(f.Messages, &msgs)
		m.addLine(tui.Dimmed.Render(fmt.Sprintf("── history (%d messages) ──", len(msgs))))
		for _, raw := range msgs {
			label := m.agentLabel()
			if messageRole(raw) == "user" {
				label = tui.You.Render("you")
			}
			m.addLine(label + "  " + tui.Body.Render(MessageText(raw)))
		}

	case *protocol.ErrorFrame:
		m.hatching = false
		m.waiting = false
		m.pending = ""
		m.addLine(tui.ErrorStyle.Render(f.Error))
	}
	return m, nil
}

func (m Model) send(cmd protocol.ClientCommand) tea.Cmd {
	return func() tea.Msg {
		if err := m.sender.Send(cmd); err != nil {
			return sendErrMsg{err: err}
		}
		return nil
	}
}

func (m Model) agentLabel() string {
	return tui.Agent.Render(m.agentName)
}

func (m *Model) addLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.refresh()
}

func (m *Model) refresh() {
	content := strings.Join(m.lines, "\n")
	if m.pending != "" {
		content += "\n" + m.agentLabel() + "  " + tui.Dimmed.Render(m.pending)
	}
	wrap := lipgloss.NewStyle()
	if m.viewport.Width > 0 {
		wrap = wrap.Width(m.viewport.Width)
	}
	m.viewport.SetContent(wrap.Render(content))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	header := tui.Title.Render("Agent Arena") + "  " + m.agentName + "  " + tui.StatusText(m.connected)
	body := tui.Border.Render(m.viewport.View())
	help := tui.Help.Render("enter send · /history · pgup/pgdown scroll · esc quit")
	if m.hatching || m.waiting {
		help = m.spinner.View() + " " + help
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.input.View(), help)
}

// Transcript returns the committed lines.
func (m Model) Transcript() []string { return m.lines }

// SessionKey returns the session opened by hatch, if any.
func (m Model) SessionKey() string { return m.sessionKey }

// Err returns the connection error that ended the model, if any.
func (m Model) Err() error { return m.err }

// mergeDelta folds a streamed chunk into the pending reply. Gateways send
// either the reply so far or just the new chunk; both are handled.
func mergeDelta(pending, chunk string) string {
	if strings.HasPrefix(chunk, pending) {
		return chunk
	}
	return pending + chunk
}

// MessageText extracts display text from a gateway chat message. Accepted
// shapes are a bare string, {"text": ...}, and {"content": ...} where content
// is a string or a list of {"type":"text","text":...} parts.
func MessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var msg struct {
		Text    string          `json:"text"`
		Content json.RawMessage `json:"content"`
	}
	if json.Unmarshal(raw, &msg) != nil {
		return string(raw)
	}
	if msg.Text != "" {
		return msg.Text
	}
	if json.Unmarshal(msg.Content, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(msg.Content, &parts) == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" || p.Type == "" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func messageRole(raw json.RawMessage) string {
	var msg struct {
		Role string `json:"role"`
	}
	_ = json.Unmarshal(raw, &msg)
	return msg.Role
}

// agentName reads the display name out of a hatch-ok agent manifest.
func agentName(agent any) string {
	m, ok := agent.(map[string]any)
	if !ok {
		return ""
	}
	if s, _ := m["displayName"].(string); s != "" {
		return s
	}
	s, _ := m["name"].(string)
	return s
}
