package protocol

import (
	"strings"
	"time"
)

// TimestampLayout is the server-local date-time format carried in every frame
const TimestampLayout = "2006-01-02 15:04:05"

// Kind identifies what a message means on the wire
type Kind string

// Message kinds
const (
	KindPublic   Kind = "PUBLIC"
	KindPrivate  Kind = "PRIVATE"
	KindSystem   Kind = "SYSTEM"
	KindJoin     Kind = "JOIN"
	KindLeave    Kind = "LEAVE"
	KindUserList Kind = "USER_LIST"
	KindWarning  Kind = "WARNING"
	KindMute     Kind = "MUTE"
	KindKick     Kind = "KICK"
)

// Kinds lists every kind the codec accepts
var Kinds = []Kind{
	KindPublic,
	KindPrivate,
	KindSystem,
	KindJoin,
	KindLeave,
	KindUserList,
	KindWarning,
	KindMute,
	KindKick,
}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindPublic, KindPrivate, KindSystem, KindJoin, KindLeave,
		KindUserList, KindWarning, KindMute, KindKick:
		return true
	default:
		return false
	}
}

// ExitCommand is the SYSTEM content a client sends to leave gracefully
const ExitCommand = "EXIT"

// RosterSeparator joins names in USER_LIST content
const RosterSeparator = ","

// Message is one logical unit exchanged between client and server.
// Absent sender/recipient are represented by the empty string.
type Message struct {
	Kind      Kind   `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// NewMessage creates a message stamped with the current local time
func NewMessage(kind Kind, content string) *Message {
	return &Message{
		Kind:      kind,
		Content:   content,
		Timestamp: FormatTimestamp(time.Now()),
	}
}

// NewSystem creates a SYSTEM message
func NewSystem(content string) *Message {
	return NewMessage(KindSystem, content)
}

// NewPublic creates a PUBLIC message from sender
func NewPublic(sender, content string) *Message {
	m := NewMessage(KindPublic, content)
	m.Sender = sender
	return m
}

// NewPrivate creates a PRIVATE message addressed to recipient
func NewPrivate(sender, recipient, content string) *Message {
	m := NewMessage(KindPrivate, content)
	m.Sender = sender
	m.Recipient = recipient
	return m
}

// NewUserList creates a USER_LIST message carrying the given names
func NewUserList(names []string) *Message {
	return NewMessage(KindUserList, strings.Join(names, RosterSeparator))
}

// Clone returns a copy of m so per-recipient edits don't leak between sessions
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// IsExit reports whether m is the graceful-leave command
func (m *Message) IsExit() bool {
	return m.Kind == KindSystem && m.Content == ExitCommand
}

// Names splits USER_LIST content into the individual names
func (m *Message) Names() []string {
	if m.Content == "" {
		return nil
	}
	return strings.Split(m.Content, RosterSeparator)
}

// FormatTimestamp renders t in the wire timestamp layout
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}
