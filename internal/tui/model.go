package tui

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/chat"
	"github.com/bit2swaz/disasterconnect/internal/peers"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	maxLines   = 500
	sosCommand = "/sos"
)

// Engine is the node surface the terminal UI drives.
type Engine interface {
	NodeID() string
	Nick() string
	PublishText(ctx context.Context, text string) (int, error)
	SendSOS(ctx context.Context, text string) bool
	Peers() []peers.Record
	Backlog() map[string]int
	OnSOS(fn func(protocol.Envelope))
}

type tickMsg time.Time
type chatMsg chat.Message
type sosMsg protocol.Envelope

type publishResultMsg struct{ err error }
type sosResultMsg struct{ delivered bool }

type peerRow struct {
	ID      string
	Addr    string
	Backlog int
}

type model struct {
	ctx       context.Context
	eng       Engine
	updates   <-chan chat.Message
	roomName  string
	qr        string
	peers     []peerRow
	lines     []string
	status    string
	viewport  viewport.Model
	textInput textinput.Model
	width     int
	height    int
	flashTick int
	ready     bool
}

func initialModel(ctx context.Context, eng Engine, room *chat.Room, qr string) model {
	ti := textinput.New()
	ti.Placeholder = "Type a message, or /sos <text>"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 40

	m := model{
		ctx:       ctx,
		eng:       eng,
		updates:   room.Updates(),
		roomName:  room.Name(),
		qr:        qr,
		textInput: ti,
	}
	for _, msg := range room.Messages() {
		m.lines = append(m.lines, formatChat(msg, eng.NodeID()))
	}
	m.peers = collectPeers(eng)
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tick(), waitForChat(m.updates))
}

func tick() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForChat(updates <-chan chat.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-updates
		if !ok {
			return nil
		}
		return chatMsg(msg)
	}
}

func (m model) publish(text string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.eng.PublishText(m.ctx, text)
		return publishResultMsg{err: err}
	}
}

func (m model) sendSOS(text string) tea.Cmd {
	return func() tea.Msg {
		return sosResultMsg{delivered: m.eng.SendSOS(m.ctx, text)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		cmds  []tea.Cmd
	)

	switch msg := msg.(type) {
	case tickMsg:
		m.peers = collectPeers(m.eng)
		if m.flashTick > 0 {
			m.flashTick--
		}
		return m, tick()

	case chatMsg:
		m.appendLine(formatChat(chat.Message(msg), m.eng.NodeID()))
		return m, waitForChat(m.updates)

	case sosMsg:
		m.appendLine(formatSOS(protocol.Envelope(msg)))
		m.flashTick = 4
		return m, nil

	case publishResultMsg:
		// Only failures are surfaced.
		switch {
		case errors.Is(msg.err, chat.ErrNoRecipients):
			m.status = "No peer reachable. Message kept locally."
		case msg.err != nil:
			m.status = "Send failed: " + msg.err.Error()
		default:
			m.status = ""
		}
		return m, nil

	case sosResultMsg:
		if msg.delivered {
			m.status = "SOS acknowledged by every peer."
		} else {
			m.status = "SOS NOT acknowledged by every peer. It will be retried."
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.textInput.Value())
			m.textInput.Reset()
			if text == "" {
				break
			}
			if text == sosCommand || strings.HasPrefix(text, sosCommand+" ") {
				rest := strings.TrimSpace(strings.TrimPrefix(text, sosCommand))
				if rest == "" {
					m.status = "Usage: /sos <what happened>"
					break
				}
				m.status = "Sending SOS..."
				cmds = append(cmds, m.sendSOS(rest))
				break
			}
			cmds = append(cmds, m.publish(text))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		streamWidth, bodyHeight := m.layout()
		if !m.ready {
			m.viewport = viewport.New(streamWidth, bodyHeight)
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.viewport.GotoBottom()
			m.ready = true
		} else {
			m.viewport.Width = streamWidth
			m.viewport.Height = bodyHeight
		}
		m.textInput.Width = msg.Width - 4
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, tiCmd, vpCmd)
	return m, tea.Batch(cmds...)
}

func (m *model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	if m.ready {
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}
}

func collectPeers(eng Engine) []peerRow {
	backlog := eng.Backlog()
	records := eng.Peers()
	rows := make([]peerRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, peerRow{ID: r.ID, Addr: r.Addr, Backlog: backlog[r.Addr]})
	}
	sortPeers(rows)
	return rows
}

// sortPeers puts peers without a delivery backlog first, then orders by id.
func sortPeers(rows []peerRow) {
	sort.Slice(rows, func(i, j int) bool {
		iClear, jClear := rows[i].Backlog == 0, rows[j].Backlog == 0
		if iClear != jClear {
			return iClear
		}
		return rows[i].ID < rows[j].ID
	})
}

// StartTUI runs the terminal UI until the user quits or ctx is done.
func StartTUI(ctx context.Context, eng Engine, room *chat.Room, qr string) error {
	p := tea.NewProgram(initialModel(ctx, eng, room, qr), tea.WithAltScreen(), tea.WithContext(ctx))
	eng.OnSOS(func(env protocol.Envelope) {
		p.Send(sosMsg(env))
	})
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
