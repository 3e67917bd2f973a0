package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// rosterWidth is the fixed width of the user list pane, borders included
const rosterWidth = 24

// Command is a parsed input line
type Command struct {
	Kind      CommandKind
	Recipient string
	Content   string
}

type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandPublic
	CommandPrivate
	CommandUsers
	CommandHelp
	CommandQuit
	CommandUnknown
)

var errUsage = errors.New("usage: /msg <name> <message>")

// ParseInput turns an input line into a command
func ParseInput(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{Kind: CommandNone}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: CommandPublic, Content: line}, nil
	}
	// Escaped slash sends the rest literally
	if strings.HasPrefix(line, "//") {
		return Command{Kind: CommandPublic, Content: line[1:]}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(name) {
	case "/msg", "/w", "/whisper":
		recipient, content, ok := strings.Cut(strings.TrimSpace(rest), " ")
		content = strings.TrimSpace(content)
		if !ok || recipient == "" || content == "" {
			return Command{}, errUsage
		}
		return Command{Kind: CommandPrivate, Recipient: recipient, Content: content}, nil
	case "/users", "/who":
		return Command{Kind: CommandUsers}, nil
	case "/help", "/?":
		return Command{Kind: CommandHelp}, nil
	case "/quit", "/exit":
		return Command{Kind: CommandQuit}, nil
	}
	return Command{Kind: CommandUnknown, Content: name}, fmt.Errorf("unknown command %s", name)
}

const helpText = "Commands: /msg <name> <text> (private), /users, /help, /quit"

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		chatWidth := max(msg.Width-rosterWidth-2, 20)
		chatHeight := max(msg.Height-5, 3)
		if !m.ready {
			m.viewport = viewport.New(chatWidth, chatHeight)
			m.ready = true
		} else {
			m.viewport.Width = chatWidth
			m.viewport.Height = chatHeight
		}
		m.input.Width = max(msg.Width-4, 10)
		m.viewport.SetContent(m.transcript())
		m.viewport.GotoBottom()
		return m, nil

	case ServerFrameMsg:
		m = m.handleServerFrame(msg.Message)
		return m, listenForServerFrames(m.conn)

	case DisconnectedMsg:
		m.connected = false
		m.statusMessage = "Disconnected"
		if msg.Err != nil {
			m.errorMessage = msg.Err.Error()
		}
		m.appendLine(ErrorStyle.Render("Connection closed"))
		return m, nil

	case SendErrorMsg:
		m.errorMessage = msg.Err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, m.quit()
	case tea.KeyEnter:
		line := m.input.Value()
		m.input.Reset()
		return m.submit(line)
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit runs one input line
func (m Model) submit(line string) (tea.Model, tea.Cmd) {
	m.errorMessage = ""

	cmd, err := ParseInput(line)
	if err != nil {
		m.errorMessage = err.Error()
		return m, nil
	}

	switch cmd.Kind {
	case CommandPublic:
		if !m.connected {
			m.errorMessage = "not connected"
			return m, nil
		}
		return m, m.send(func() error { return m.conn.SendPublic(cmd.Content) })
	case CommandPrivate:
		if !m.connected {
			m.errorMessage = "not connected"
			return m, nil
		}
		return m, m.send(func() error { return m.conn.SendPrivate(cmd.Recipient, cmd.Content) })
	case CommandUsers:
		m.appendLine(SystemStyle.Render(usersLine(m.conn.Name(), m.roster)))
	case CommandHelp:
		m.appendLine(SystemStyle.Render(helpText))
	case CommandQuit:
		return m, m.quit()
	}
	return m, nil
}

func (m Model) send(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}

// quit leaves the chat gracefully and ends the program
func (m Model) quit() tea.Cmd {
	if !m.connected {
		return tea.Quit
	}
	conn := m.conn
	return tea.Sequence(func() tea.Msg {
		_ = conn.Exit()
		return nil
	}, tea.Quit)
}

func (m Model) handleServerFrame(msg *protocol.Message) Model {
	if msg.Kind == protocol.KindUserList {
		m.roster = msg.Names()
		return m
	}
	m.appendLine(m.renderMessage(msg))
	return m
}

func usersLine(self string, roster []string) string {
	if len(roster) == 0 {
		return fmt.Sprintf("Only you (%s) are online", self)
	}
	return fmt.Sprintf("Online (%d): %s, %s", len(roster)+1, self, strings.Join(roster, ", "))
}
