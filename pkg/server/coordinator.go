package server

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/aeolun/chatrelay/pkg/ratelimit"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ReservedPrefix marks names the server never hands out
const ReservedPrefix = "*"

// DefaultMaxNameLength caps the requested name (before any suffix); 0 means no cap
const DefaultMaxNameLength = 0

var (
	// ErrNameRejected is returned by Register for names that can never be assigned
	ErrNameRejected = errors.New("name rejected")

	// ErrCoordinatorClosed is returned by Register once CloseAll has run
	ErrCoordinatorClosed = errors.New("coordinator closed")
)

// SuffixFunc returns the disambiguating suffix for the given collision attempt (0-based)
type SuffixFunc func(attempt int) string

// randomSuffix returns three random digits (100-999). After every hundred
// failed attempts the suffix grows by one digit so registration always ends.
func randomSuffix(attempt int) string {
	width := 3 + attempt/100
	lo := 1
	for i := 1; i < width; i++ {
		lo *= 10
	}
	return strconv.Itoa(lo + rand.Intn(9*lo))
}

// Stats is a point-in-time view of the relay
type Stats struct {
	ActiveSessions   int     `json:"connected_clients"`
	TotalMessages    uint64  `json:"total_messages"`
	TotalConnections uint64  `json:"total_connections"`
	Warnings         uint64  `json:"warnings"`
	Mutes            uint64  `json:"mutes"`
	Kicks            uint64  `json:"kicks"`
	CurrentlyMuted   int     `json:"currently_muted"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithEvents sets the sink that receives routing events
func WithEvents(sink EventSink) CoordinatorOption {
	return func(c *Coordinator) { c.events = sink }
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces the wall clock (tests use clock.NewMock)
func WithClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clk }
}

// WithLogger sets the operational logger
func WithLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = logger }
}

// WithSuffixFunc replaces the random collision suffix
func WithSuffixFunc(fn SuffixFunc) CoordinatorOption {
	return func(c *Coordinator) { c.suffix = fn }
}

// WithMaxNameLength sets the longest accepted requested name; 0 disables the check
func WithMaxNameLength(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxNameLength = n }
}

// WithWriteTimeout bounds a single frame write to a session
func WithWriteTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.writeTimeout = d }
}

// Coordinator is the registry of named sessions and the message router.
// A single mutex guards the registry and the routing counters; frames are
// never written while it is held.
type Coordinator struct {
	limiter       *ratelimit.Limiter
	events        EventSink
	metrics       *Metrics
	clock         clock.Clock
	log           *zap.Logger
	suffix        SuffixFunc
	maxNameLength int
	writeTimeout  time.Duration
	started       time.Time

	mu               sync.Mutex
	sessions         map[string]*Session
	closed           bool
	totalMessages    uint64
	totalConnections uint64
}

// NewCoordinator creates an empty registry using limiter for rate checks
func NewCoordinator(limiter *ratelimit.Limiter, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		limiter:       limiter,
		events:        MultiSink(nil),
		clock:         clock.New(),
		log:           zap.NewNop(),
		suffix:        randomSuffix,
		maxNameLength: DefaultMaxNameLength,
		writeTimeout:  DefaultWriteTimeout,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.clock.Now()
	return c
}

// Events returns the configured sink
func (c *Coordinator) Events() EventSink {
	return c.events
}

// Clock returns the coordinator's time source
func (c *Coordinator) Clock() clock.Clock {
	return c.clock
}

func (c *Coordinator) validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrNameRejected)
	case strings.HasPrefix(name, ReservedPrefix):
		return fmt.Errorf("%w: %q uses the reserved prefix", ErrNameRejected, name)
	case strings.ContainsAny(name, protocol.RosterSeparator+"\r\n"):
		return fmt.Errorf("%w: %q contains a separator", ErrNameRejected, name)
	case c.maxNameLength > 0 && len(name) > c.maxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrNameRejected, c.maxNameLength)
	}
	return nil
}

// Register assigns a unique name derived from requested and inserts sess.
// The requested name is used verbatim. Colliding names get a random numeric
// suffix appended to the requested name.
func (c *Coordinator) Register(sess *Session, requested string) (string, error) {
	if err := c.validateName(requested); err != nil {
		c.metrics.RecordRegistrationRejected()
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrCoordinatorClosed
	}

	name := requested
	for attempt := 0; ; attempt++ {
		if _, taken := c.sessions[name]; !taken {
			break
		}
		name = requested + c.suffix(attempt)
	}

	sess.setName(name)
	c.sessions[name] = sess
	c.limiter.Add(name)
	count := len(c.sessions)
	c.mu.Unlock()

	c.metrics.RecordActiveSessions(count)
	c.log.Debug("registered", zap.String("name", name), zap.String("requested", requested), zap.String("session", sess.ID))
	c.events.UserJoined(name, sess.RemoteAddr())
	return name, nil
}

// Unregister removes name and its rate state. It reports whether a
// session was removed; absent names are a no-op.
func (c *Coordinator) Unregister(name string) bool {
	c.mu.Lock()
	sess, ok := c.sessions[name]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.sessions, name)
	c.limiter.Remove(name)
	count := len(c.sessions)
	c.mu.Unlock()

	c.metrics.RecordActiveSessions(count)
	c.events.UserLeft(name, sess.RemoteAddr())
	return true
}

// Lookup returns the session registered under name
func (c *Coordinator) Lookup(name string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[name]
	return sess, ok
}

// snapshot copies the registry so callers can write without the lock
func (c *Coordinator) snapshot() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess)
	}
	return out
}

// Broadcast writes msg to every registered session except the one named
// exclude (empty excludes nobody) and returns how many writes succeeded.
// A failed write stops only that session.
func (c *Coordinator) Broadcast(msg *protocol.Message, exclude string) int {
	start := time.Now()
	targets := c.snapshot()

	sent := 0
	for _, sess := range targets {
		if exclude != "" && sess.Name() == exclude {
			continue
		}
		if err := sess.Send(msg); err != nil {
			c.log.Debug("broadcast write failed", zap.String("name", sess.Name()), zap.String("type", string(msg.Kind)), zap.Error(err))
			sess.Stop()
			continue
		}
		sent++
	}

	c.metrics.RecordBroadcastFanout(string(msg.Kind), sent)
	c.metrics.RecordBroadcastDuration(string(msg.Kind), time.Since(start).Seconds())
	return sent
}

// rosterFor returns the sorted roster as seen by self
func rosterFor(names []string, self string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

// BroadcastRoster sends every session the current roster minus its own name
func (c *Coordinator) BroadcastRoster() {
	c.broadcastRoster("")
}

func (c *Coordinator) broadcastRoster(exclude string) {
	targets := c.snapshot()
	names := make([]string, 0, len(targets))
	for _, sess := range targets {
		names = append(names, sess.Name())
	}
	sort.Strings(names)

	for _, sess := range targets {
		self := sess.Name()
		if exclude != "" && self == exclude {
			continue
		}
		if err := sess.Send(protocol.NewUserList(rosterFor(names, self))); err != nil {
			c.log.Debug("roster write failed", zap.String("name", self), zap.Error(err))
			sess.Stop()
		}
	}
}

// SendRoster sends sess the current roster minus its own name
func (c *Coordinator) SendRoster(sess *Session) error {
	names := c.Names()
	return sess.Send(protocol.NewUserList(rosterFor(names, sess.Name())))
}

// BroadcastJoin announces a freshly registered session. Everyone gets the
// JOIN notice and exactly one updated roster.
func (c *Coordinator) BroadcastJoin(sess *Session) {
	name := sess.Name()
	c.Broadcast(protocol.NewMessage(protocol.KindJoin, name+" joined the chat"), "")
	c.broadcastRoster(name)
	if err := c.SendRoster(sess); err != nil {
		sess.Stop()
	}
	c.events.SystemEvent(name + " joined")
}

// BroadcastLeave announces that name has gone
func (c *Coordinator) BroadcastLeave(name string) {
	c.Broadcast(protocol.NewMessage(protocol.KindLeave, name+" left the chat"), "")
	c.BroadcastRoster()
	c.events.SystemEvent(name + " left")
}

// Deliver writes a private message to its recipient. It reports whether
// the recipient was registered when looked up; a failed write stops the
// recipient's session.
func (c *Coordinator) Deliver(msg *protocol.Message) bool {
	target, ok := c.Lookup(msg.Recipient)
	if !ok {
		return false
	}

	if err := target.Send(msg); err != nil {
		c.log.Debug("private write failed", zap.String("recipient", msg.Recipient), zap.Error(err))
		target.Stop()
	}
	c.countMessage()
	c.events.PrivateMessage(msg.Sender, msg.Recipient, msg.Content)
	return true
}

// countMessage counts one routed chat message. Server notices are not counted.
func (c *Coordinator) countMessage() {
	c.mu.Lock()
	c.totalMessages++
	c.mu.Unlock()
}

// Publish broadcasts a public message to everyone including its sender
func (c *Coordinator) Publish(msg *protocol.Message) int {
	n := c.Broadcast(msg, "")
	c.countMessage()
	c.events.PublicMessage(msg.Sender, msg.Content)
	return n
}

// Check runs the rate limiter for name at the coordinator's current time
func (c *Coordinator) Check(name string) ratelimit.Verdict {
	v := c.limiter.Check(name, c.clock.Now())
	c.metrics.RecordVerdict(v.Action.String())
	return v
}

// Muted returns the time left on every active mute, keyed by name
func (c *Coordinator) Muted() map[string]time.Duration {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]time.Duration)
	for name := range c.sessions {
		if left := c.limiter.MuteRemaining(name, now); left > 0 {
			out[name] = left
		}
	}
	return out
}

// RecordConnection counts an accepted transport of the given kind
func (c *Coordinator) RecordConnection(transport string) {
	c.mu.Lock()
	c.totalConnections++
	c.mu.Unlock()
	c.metrics.RecordConnectionAccepted(transport)
}

// Names returns the registered names in sorted order
func (c *Coordinator) Names() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.sessions))
	for name := range c.sessions {
		names = append(names, name)
	}
	c.mu.Unlock()

	sort.Strings(names)
	return names
}

// Count returns the number of registered sessions
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sessions)
}

// Stats returns counters for the stats API and the periodic report.
// Every field is read in one registry critical section.
func (c *Coordinator) Stats() Stats {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	rl := c.limiter.Stats(now)
	return Stats{
		ActiveSessions:   len(c.sessions),
		TotalMessages:    c.totalMessages,
		TotalConnections: c.totalConnections,
		Warnings:         rl.Warnings,
		Mutes:            rl.Mutes,
		Kicks:            rl.Kicks,
		CurrentlyMuted:   rl.CurrentlyMuted,
		UptimeSeconds:    now.Sub(c.started).Seconds(),
	}
}

// CloseAll refuses further registrations and stops every session.
// Sessions unregister themselves as their goroutines exit.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	notice := protocol.NewSystem(textShuttingDown)
	for _, sess := range c.snapshot() {
		_ = sess.Send(notice)
		sess.Stop()
	}
}
