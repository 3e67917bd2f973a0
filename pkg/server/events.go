package server

import (
	"time"

	"go.uber.org/zap"
)

// EventSink receives routing events. The coordinator and sessions call it
// synchronously after each decision, so implementations should be quick.
type EventSink interface {
	UserJoined(name, addr string)
	UserLeft(name, addr string)
	PublicMessage(sender, content string)
	PrivateMessage(sender, recipient, content string)
	RateLimitWarning(name string, warnings int)
	RateLimitMute(name string, duration time.Duration)
	RateLimitKick(name string)
	SystemEvent(text string)
}

// MultiSink fans every event out to each sink in order
type MultiSink []EventSink

func (m MultiSink) UserJoined(name, addr string) {
	for _, s := range m {
		s.UserJoined(name, addr)
	}
}

func (m MultiSink) UserLeft(name, addr string) {
	for _, s := range m {
		s.UserLeft(name, addr)
	}
}

func (m MultiSink) PublicMessage(sender, content string) {
	for _, s := range m {
		s.PublicMessage(sender, content)
	}
}

func (m MultiSink) PrivateMessage(sender, recipient, content string) {
	for _, s := range m {
		s.PrivateMessage(sender, recipient, content)
	}
}

func (m MultiSink) RateLimitWarning(name string, warnings int) {
	for _, s := range m {
		s.RateLimitWarning(name, warnings)
	}
}

func (m MultiSink) RateLimitMute(name string, duration time.Duration) {
	for _, s := range m {
		s.RateLimitMute(name, duration)
	}
}

func (m MultiSink) RateLimitKick(name string) {
	for _, s := range m {
		s.RateLimitKick(name)
	}
}

func (m MultiSink) SystemEvent(text string) {
	for _, s := range m {
		s.SystemEvent(text)
	}
}

// logSink writes events to the operational log at debug level
type logSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink that records events through logger
func NewLogSink(logger *zap.Logger) EventSink {
	return &logSink{log: logger.Named("events")}
}

func (l *logSink) UserJoined(name, addr string) {
	l.log.Info("user joined", zap.String("name", name), zap.String("remote", addr))
}

func (l *logSink) UserLeft(name, addr string) {
	l.log.Info("user left", zap.String("name", name), zap.String("remote", addr))
}

func (l *logSink) PublicMessage(sender, content string) {
	l.log.Debug("public message", zap.String("sender", sender), zap.Int("length", len(content)))
}

func (l *logSink) PrivateMessage(sender, recipient, content string) {
	l.log.Debug("private message", zap.String("sender", sender), zap.String("recipient", recipient), zap.Int("length", len(content)))
}

func (l *logSink) RateLimitWarning(name string, warnings int) {
	l.log.Info("rate limit warning", zap.String("name", name), zap.Int("warnings", warnings))
}

func (l *logSink) RateLimitMute(name string, duration time.Duration) {
	l.log.Warn("rate limit mute", zap.String("name", name), zap.Duration("duration", duration))
}

func (l *logSink) RateLimitKick(name string) {
	l.log.Warn("rate limit kick", zap.String("name", name))
}

func (l *logSink) SystemEvent(text string) {
	l.log.Debug("system event", zap.String("text", text))
}
