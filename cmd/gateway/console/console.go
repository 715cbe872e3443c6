// Package console is an interactive terminal bridge for a running gateway.
// It speaks the same socket protocol as external bridges, so everything a
// Telegram bridge can do is reachable from the terminal.
package console

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"

	"gateway/internal/bridge"
)

const consoleChatID = "console"

// Run connects to the gateway socket and blocks until the console exits.
func Run(socketPath, gatewayName string) error {
	m := newModel(socketPath, gatewayName)
	p := tea.NewProgram(m, tea.WithAltScreen())

	// The connection hooks feed the tea loop, so the dial itself must run
	// from Init once the loop is receiving.
	m.client = bridge.NewClient(socketPath, bridge.ClientHooks{
		OnConnected:    func() { p.Send(connectedMsg{}) },
		OnDisconnected: func() { p.Send(disconnectedMsg{}) },
		OnMessage: func(frameType string, raw json.RawMessage) {
			p.Send(frameMsg{frameType: frameType, raw: raw})
		},
	}, nil)
	defer m.client.Disconnect()

	_, err := p.Run()
	return err
}

type connectedMsg struct{}
type disconnectedMsg struct{}

type connectErrMsg struct{ err error }

type frameMsg struct {
	frameType string
	raw       json.RawMessage
}

type role int

const (
	roleUser role = iota
	roleAssistant
	roleSystem
)

type line struct {
	role role
	text string
}

type model struct {
	client      *bridge.Client
	gatewayName string

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	styles   styles
	renderer *glamour.TermRenderer

	history   []line
	waiting   bool
	connected bool
	ready     bool
	userID    string
}

func newModel(socketPath, gatewayName string) *model {
	ta := textarea.New()
	ta.Placeholder = "Message the gateway (/help for commands)"
	ta.Focus()
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))

	if gatewayName == "" {
		gatewayName = "gateway"
	}
	return &model{
		gatewayName: gatewayName,
		textarea:    ta,
		spinner:     sp,
		styles:      defaultStyles(),
		renderer:    renderer,
		userID:      "console",
	}
}

func (m *model) Init() tea.Cmd {
	connect := func() tea.Msg {
		if err := m.client.Connect(); err != nil {
			return connectErrMsg{err: err}
		}
		return nil
	}
	return tea.Batch(textarea.Blink, m.spinner.Tick, connect)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := m.textarea.Height() + 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.textarea.SetWidth(msg.Width - 2)
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.textarea.Value())
			if text == "" {
				break
			}
			m.textarea.Reset()
			if cmd := m.submit(text); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}

	case connectedMsg:
		m.connected = true
		m.appendSystem("connected to " + m.gatewayName)

	case disconnectedMsg:
		m.connected = false
		m.waiting = false
		m.appendSystem("connection lost, reconnecting")

	case connectErrMsg:
		m.appendSystem(fmt.Sprintf("gateway not reachable: %v (is `gateway serve` running?)", msg.err))

	case frameMsg:
		m.handleFrame(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var taCmd, vpCmd tea.Cmd
	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, taCmd, vpCmd)
	return m, tea.Batch(cmds...)
}

// submit turns one input line into a frame. Slash commands map onto the
// command protocol; everything else is a chat turn.
func (m *model) submit(text string) tea.Cmd {
	if strings.HasPrefix(text, "/") && !strings.HasPrefix(text, "/task ") {
		return m.submitCommand(text)
	}

	m.history = append(m.history, line{role: roleUser, text: text})
	m.waiting = true
	m.refresh()

	req := bridge.SocketRequest{
		Type:      bridge.TypeSocketRequest,
		RequestID: uuid.NewString(),
		Message: bridge.Message{
			ID:        uuid.NewString(),
			Source:    "console",
			UserID:    m.userID,
			Text:      text,
			Timestamp: time.Now().UnixMilli(),
		},
		ReplyTo: bridge.ReplyTo{ChatID: consoleChatID},
	}
	if err := m.client.Send(req); err != nil {
		m.waiting = false
		m.appendSystem("send failed: " + err.Error())
	}
	return nil
}

func (m *model) submitCommand(text string) tea.Cmd {
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")

	switch name {
	case "help":
		m.appendSystem(helpText)
		return nil
	case "quit", "exit":
		return tea.Quit
	case "approve", "reject":
		if len(fields) < 2 {
			m.appendSystem("usage: /" + name + " <approval-id>")
			return nil
		}
		decision := "approved"
		if name == "reject" {
			decision = "rejected"
		}
		m.sendFrame(bridge.ApprovalDecision{
			Type:       bridge.TypeApprovalDecision,
			ApprovalID: fields[1],
			Decision:   decision,
		})
		m.appendSystem(fmt.Sprintf("%s %s", decision, fields[1]))
		return nil
	}

	command, payload, err := commandFor(name, fields[1:], m.userID)
	if err != nil {
		m.appendSystem(err.Error())
		return nil
	}
	m.sendFrame(bridge.Command{Type: command, RequestID: uuid.NewString(), Payload: payload})
	return nil
}

// commandFor maps console shorthand onto command frames.
func commandFor(name string, args []string, userID string) (string, json.RawMessage, error) {
	marshal := func(v interface{}) json.RawMessage {
		raw, _ := json.Marshal(v)
		return raw
	}
	switch name {
	case "memories":
		return bridge.CmdMemoryList, marshal(map[string]string{"userId": userID}), nil
	case "forget":
		if len(args) < 1 {
			return "", nil, fmt.Errorf("usage: /forget <topic>")
		}
		return bridge.CmdMemoryDelete, marshal(map[string]string{"userId": userID, "topic": strings.Join(args, " ")}), nil
	case "sessions":
		return bridge.CmdSessionList, nil, nil
	case "stop":
		return bridge.CmdTaskStop, marshal(map[string]string{"userId": userID}), nil
	case "heartbeats":
		return bridge.CmdHeartbeatList, nil, nil
	case "heartbeat":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			return "", nil, fmt.Errorf("usage: /heartbeat <name> on|off")
		}
		return bridge.CmdHeartbeatToggle, marshal(map[string]interface{}{"name": args[0], "enabled": args[1] == "on"}), nil
	case "soul":
		return bridge.CmdSoulHistory, nil, nil
	case "rollback":
		if len(args) < 1 {
			return "", nil, fmt.Errorf("usage: /rollback <version-id>")
		}
		return bridge.CmdSoulRollback, marshal(map[string]string{"versionId": args[0]}), nil
	}
	return "", nil, fmt.Errorf("unknown command /%s, try /help", name)
}

func (m *model) sendFrame(frame interface{}) {
	if err := m.client.Send(frame); err != nil {
		m.appendSystem("send failed: " + err.Error())
	}
}

func (m *model) handleFrame(msg frameMsg) {
	switch msg.frameType {
	case bridge.TypeSocketResponse:
		var resp bridge.SocketResponse
		if json.Unmarshal(msg.raw, &resp) != nil {
			return
		}
		m.waiting = false
		m.history = append(m.history, line{role: roleAssistant, text: resp.Outgoing.Content})

	case bridge.TypeApprovalRequest:
		var req bridge.ApprovalRequest
		if json.Unmarshal(msg.raw, &req) != nil {
			return
		}
		input, _ := json.Marshal(req.ToolInput)
		m.appendSystem(fmt.Sprintf("approval needed: %s %s\n  reason: %s\n  /approve %s or /reject %s",
			req.ToolName, string(input), req.Reason, req.ApprovalID, req.ApprovalID))

	case bridge.TypeApprovalExpired:
		var exp bridge.ApprovalExpired
		if json.Unmarshal(msg.raw, &exp) != nil {
			return
		}
		m.appendSystem("approval expired: " + exp.ApprovalID)

	case bridge.TypeNotification, bridge.TypeTaskProgress:
		var note bridge.Notification
		if json.Unmarshal(msg.raw, &note) != nil {
			return
		}
		m.appendSystem(note.Text)

	default:
		if bridge.IsCommand(msg.frameType) {
			var resp bridge.CommandResponse
			if json.Unmarshal(msg.raw, &resp) != nil {
				return
			}
			if !resp.OK {
				m.appendSystem(msg.frameType + " failed: " + resp.Error)
				return
			}
			pretty, _ := json.MarshalIndent(resp.Data, "", "  ")
			m.appendSystem(msg.frameType + ":\n" + string(pretty))
		}
	}
	m.refresh()
}

func (m *model) appendSystem(text string) {
	m.history = append(m.history, line{role: roleSystem, text: text})
	m.refresh()
}

const helpText = `commands:
  /memories            list your stored memories
  /forget <topic>      delete memories on a topic
  /sessions            list active sessions
  /task <request>      start a background task
  /stop                stop your running task
  /heartbeats          list heartbeats
  /heartbeat <n> on    toggle a heartbeat
  /soul                show identity version history
  /rollback <id>       roll the identity back to a version
  /approve <id>        approve a pending action
  /reject <id>         reject a pending action
  /quit                leave the console`
