package tui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/chat"
	"github.com/bit2swaz/disasterconnect/internal/core"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	// Colors
	colorGreen = lipgloss.Color("2")
	colorBlack = lipgloss.Color("0")
	colorGray  = lipgloss.Color("240")
	colorRed   = lipgloss.Color("196")
	colorWhite = lipgloss.Color("231")
	colorCyan  = lipgloss.Color("51")

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorBlack).
			Background(colorGreen).
			Padding(0, 1)

	alertStyle = lipgloss.NewStyle().
			Background(colorRed).
			Foreground(colorWhite).
			Bold(true)

	flashStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(colorRed)

	selfStyle = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	nickStyle = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	tsStyle   = lipgloss.NewStyle().Foreground(colorGray)

	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(colorGreen).
			Padding(0, 1)

	streamStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(colorGreen).
			Padding(0, 1)
)

// layout returns the chat stream width and the body height.
func (m model) layout() (int, int) {
	streamWidth := int(float64(m.width)*0.7) - 4
	bodyHeight := m.height - 5
	if streamWidth < 10 {
		streamWidth = 10
	}
	if bodyHeight < 3 {
		bodyHeight = 3
	}
	return streamWidth, bodyHeight
}

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing System..."
	}

	streamWidth, bodyHeight := m.layout()
	sidebarWidth := m.width - streamWidth - 8

	streamView := streamStyle.Width(streamWidth).Height(bodyHeight).Render(m.viewport.View())
	sidebarView := m.renderSidebar(sidebarWidth, bodyHeight)
	body := lipgloss.JoinHorizontal(lipgloss.Top, streamView, sidebarView)

	if m.flashTick > 0 && m.flashTick%2 == 0 {
		body = flashStyle.Render(body)
	}

	status := fmt.Sprintf("#%s  %s (%s)", m.roomName, m.eng.Nick(), core.ShortID(m.eng.NodeID()))
	if m.status != "" {
		status += "  |  " + m.status
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		body,
		statusBarStyle.Width(m.width).Render(status),
		m.textInput.View(),
	)
}

func (m model) renderSidebar(width, height int) string {
	logo := `
 DISASTERCONNECT
`
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("PEER", "ADDR", "QUEUED").
		Width(width)

	for _, p := range m.peers {
		t.Row(core.ShortID(p.ID), p.Addr, strconv.Itoa(p.Backlog))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		logo,
		fmt.Sprintf("PEERS: %d", len(m.peers)),
		t.Render(),
	)
	if m.qr != "" && height > 30 {
		content = lipgloss.JoinVertical(lipgloss.Left, content, "\nSCAN TO JOIN:", m.qr)
	}
	return sidebarStyle.Width(width).Height(height).Render(content)
}

func formatChat(msg chat.Message, self string) string {
	style := nickStyle
	if msg.SenderID == self {
		style = selfStyle
	}
	return fmt.Sprintf("%s %s %s",
		tsStyle.Render("["+clock(msg.Timestamp)+"]"),
		style.Render(msg.SenderNick+":"),
		msg.Text)
}

func formatSOS(env protocol.Envelope) string {
	nick := env.Payload.Nick
	if nick == "" {
		nick = core.ShortID(env.SenderID)
	}
	line := fmt.Sprintf("[%s] SOS from %s: %s", env.Time().Local().Format("15:04:05"), nick, env.Payload.Text)
	return alertStyle.Render(line)
}

func clock(ts string) string {
	t, err := time.Parse(chat.TimestampLayout, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04:05")
}
