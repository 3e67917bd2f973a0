package database

import (
	"fmt"
	"time"
)

// AuditSink records presence and moderation events. Its method set matches
// the relay's event sink; chat content is deliberately not persisted.
type AuditSink struct {
	buf *WriteBuffer
}

// NewAuditSink returns a sink that queues events on db's write buffer
func NewAuditSink(db *DB) *AuditSink {
	return &AuditSink{buf: db.Events}
}

func (a *AuditSink) record(kind, name, peer, detail string) {
	a.buf.Append(Event{Kind: kind, Name: name, Peer: peer, Detail: detail})
}

func (a *AuditSink) UserJoined(name, addr string) {
	a.record(KindJoin, name, addr, "")
}

func (a *AuditSink) UserLeft(name, addr string) {
	a.record(KindLeave, name, addr, "")
}

func (a *AuditSink) PublicMessage(sender, content string) {}

func (a *AuditSink) PrivateMessage(sender, recipient, content string) {}

func (a *AuditSink) RateLimitWarning(name string, warnings int) {
	a.record(KindWarning, name, "", fmt.Sprintf("warning #%d", warnings))
}

func (a *AuditSink) RateLimitMute(name string, duration time.Duration) {
	a.record(KindMute, name, "", duration.String())
}

func (a *AuditSink) RateLimitKick(name string) {
	a.record(KindKick, name, "", "")
}

func (a *AuditSink) SystemEvent(text string) {
	a.record(KindSystem, "", "", text)
}
