// Package ui is the terminal chat client: a scrolling transcript, the
// roster of other users and an input line.
package ui

import (
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Conn is the part of *client.Client the UI uses
type Conn interface {
	Name() string
	Messages() <-chan *protocol.Message
	Err() error
	Roster() []string
	SendPublic(content string) error
	SendPrivate(recipient, content string) error
	Exit() error
}

// maxLines bounds the transcript kept in memory
const maxLines = 1000

// Model represents the application state
type Model struct {
	conn Conn

	lines  []string
	roster []string

	input    textinput.Model
	viewport viewport.Model
	ready    bool

	width  int
	height int

	connected     bool
	statusMessage string
	errorMessage  string
}

// ServerFrameMsg wraps an incoming server frame
type ServerFrameMsg struct {
	Message *protocol.Message
}

// DisconnectedMsg is sent when the frame stream ends
type DisconnectedMsg struct {
	Err error
}

// SendErrorMsg reports a failed write
type SendErrorMsg struct {
	Err error
}

// NewModel creates the model for an already registered connection
func NewModel(conn Conn) Model {
	input := textinput.New()
	input.Placeholder = "Type a message, /help for commands"
	input.CharLimit = 4096
	input.Focus()

	return Model{
		conn:          conn,
		roster:        conn.Roster(),
		input:         input,
		connected:     true,
		statusMessage: "Connected as " + conn.Name(),
	}
}

// Init starts listening for server frames
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForServerFrames(m.conn))
}

// listenForServerFrames waits for the next frame or the end of the stream
func listenForServerFrames(conn Conn) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-conn.Messages()
		if !ok {
			return DisconnectedMsg{Err: conn.Err()}
		}
		return ServerFrameMsg{Message: msg}
	}
}

// appendLine adds a rendered line, dropping the oldest past maxLines
func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	if m.ready {
		m.viewport.SetContent(m.transcript())
		m.viewport.GotoBottom()
	}
}
