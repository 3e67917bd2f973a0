package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// timeOfDay returns the HH:MM:SS part of a wire timestamp
func timeOfDay(ts string) string {
	if _, rest, ok := strings.Cut(ts, " "); ok {
		return rest
	}
	return ts
}

// renderMessage formats one transcript line
func (m Model) renderMessage(msg *protocol.Message) string {
	prefix := ""
	if msg.Timestamp != "" {
		prefix = TimestampStyle.Render("["+timeOfDay(msg.Timestamp)+"]") + " "
	}

	switch msg.Kind {
	case protocol.KindPublic:
		style := SenderStyle
		if msg.Sender == m.conn.Name() {
			style = OwnSenderStyle
		}
		return prefix + style.Render(msg.Sender) + ": " + msg.Content
	case protocol.KindPrivate:
		return prefix + PrivateStyle.Render(fmt.Sprintf("[private] %s: %s", msg.Sender, msg.Content))
	case protocol.KindJoin, protocol.KindLeave:
		return prefix + PresenceStyle.Render("* "+msg.Content)
	case protocol.KindWarning:
		return prefix + WarningStyle.Render(msg.Content)
	case protocol.KindMute, protocol.KindKick:
		return prefix + ErrorStyle.Render(msg.Content)
	default:
		return prefix + SystemStyle.Render(msg.Content)
	}
}

func (m Model) transcript() string {
	return strings.Join(m.lines, "\n")
}

func (m Model) rosterView(height int) string {
	var b strings.Builder
	b.WriteString(RosterTitleStyle.Render(fmt.Sprintf("Online (%d)", len(m.roster)+1)))
	b.WriteString("\n")
	b.WriteString(OwnSenderStyle.Render(m.conn.Name()))
	for _, name := range m.roster {
		b.WriteString("\n")
		b.WriteString(name)
	}
	return RosterPaneStyle.
		Width(rosterWidth - 4).
		Height(max(height, 1)).
		Render(b.String())
}

// View renders the program
func (m Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	header := HeaderStyle.Render("Chat Relay") + StatusStyle.Render(m.statusMessage)
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		ChatPaneStyle.Render(m.viewport.View()),
		m.rosterView(m.viewport.Height),
	)

	footer := FooterStyle.Render("Enter send · /help commands · PgUp/PgDn scroll · Ctrl+C quit")
	if m.errorMessage != "" {
		footer = ErrorStyle.Padding(0, 1).Render(m.errorMessage)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.input.View(), footer)
}
