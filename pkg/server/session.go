package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/aeolun/chatrelay/pkg/ratelimit"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState is where a session is in its lifecycle
type SessionState int

const (
	StateUnregistered SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Text of the frames a session sends about itself
const (
	textNicknameRejected = "Nickname rejected by server"
	textHandshakeError   = "Expected a SYSTEM frame carrying your nickname"
	textInvalidFrame     = "Invalid frame received; closing connection"
	textShuttingDown     = "Server is shutting down"
	textKicked           = "You have been kicked for sending messages while muted"
)

// Session serves one client connection. Its goroutine is the only one that
// reads from the connection; any goroutine may write through Send.
type Session struct {
	ID        string
	Transport string

	conn    *SafeConn
	decoder *protocol.Decoder
	coord   *Coordinator
	log     *zap.Logger
	remote  string

	mu    sync.Mutex // protects name and state
	name  string
	state SessionState

	stopOnce sync.Once
	done     chan struct{}
}

// NewSession wraps conn; call Run to serve it
func NewSession(conn net.Conn, coord *Coordinator, transport string) *Session {
	id := uuid.NewString()
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &Session{
		ID:        id,
		Transport: transport,
		conn:      NewSafeConn(conn, coord.writeTimeout),
		decoder:   protocol.NewDecoder(conn),
		coord:     coord,
		log:       coord.log.With(zap.String("session", id), zap.String("remote", remote), zap.String("transport", transport)),
		remote:    remote,
		done:      make(chan struct{}),
	}
}

// Name returns the assigned name, empty before registration
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// State returns the lifecycle state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// RemoteAddr returns the peer address as text
func (s *Session) RemoteAddr() string {
	return s.remote
}

// Done is closed once Run has returned
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send writes one frame to the client
func (s *Session) Send(msg *protocol.Message) error {
	if err := s.conn.EncodeFrame(msg); err != nil {
		return err
	}
	s.coord.metrics.RecordMessageSent(string(msg.Kind))
	return nil
}

// Stop asks the session to end. The blocked read fails and Run cleans up.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// Run serves the connection until it ends
func (s *Session) Run() {
	defer close(s.done)
	defer s.close()

	s.coord.metrics.RecordSessionCreated()
	s.log.Debug("session started")

	if !s.handshake() {
		return
	}
	s.serve()
}

func (s *Session) handshake() bool {
	msg, err := s.decoder.Decode()
	if err != nil {
		s.handleReadError(err)
		return false
	}

	if msg.Kind != protocol.KindSystem || strings.TrimSpace(msg.Content) == "" {
		s.log.Debug("bad handshake", zap.String("type", string(msg.Kind)))
		_ = s.Send(protocol.NewSystem(textHandshakeError))
		return false
	}

	// The welcome goes out before anything routed to the new name
	var name string
	var welcomeErr error
	s.conn.WithWriteLock(func(send func(*protocol.Message) error) {
		name, err = s.coord.Register(s, msg.Content)
		if err != nil {
			return
		}
		welcomeErr = send(protocol.NewSystem("Connected as " + name))
	})
	if err != nil {
		s.log.Info("registration refused", zap.String("requested", msg.Content), zap.Error(err))
		text := textNicknameRejected
		if errors.Is(err, ErrCoordinatorClosed) {
			text = textShuttingDown
		}
		_ = s.Send(protocol.NewSystem(text))
		return false
	}

	s.log = s.log.With(zap.String("name", name))
	s.setState(StateActive)

	if welcomeErr != nil {
		s.log.Debug("welcome write failed", zap.Error(welcomeErr))
		return false
	}
	s.coord.metrics.RecordMessageSent(string(protocol.KindSystem))
	s.coord.BroadcastJoin(s)
	s.log.Info("session registered")
	return true
}

func (s *Session) serve() {
	for {
		msg, err := s.decoder.Decode()
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.coord.metrics.RecordMessageReceived(string(msg.Kind))

		deliver, alive := s.applyVerdict(s.coord.Check(s.Name()))
		if !alive {
			return
		}
		if !deliver {
			continue
		}
		if !s.dispatch(msg) {
			return
		}
	}
}

// applyVerdict reacts to the rate check for the current message. deliver
// is false when the message must be dropped, alive is false when the
// session must end.
func (s *Session) applyVerdict(v ratelimit.Verdict) (deliver, alive bool) {
	name := s.Name()

	switch v.Action {
	case ratelimit.ActionWarning:
		_ = s.Send(protocol.NewMessage(protocol.KindWarning, fmt.Sprintf("WARNING: Slow down! This is warning #%d", v.Warnings)))
		s.coord.events.RateLimitWarning(name, v.Warnings)
		return true, true

	case ratelimit.ActionMute:
		seconds := int(v.MuteDuration.Seconds())
		_ = s.Send(protocol.NewMessage(protocol.KindMute, fmt.Sprintf("You have been muted for %d seconds", seconds)))
		s.coord.events.RateLimitMute(name, v.MuteDuration)
		s.coord.Broadcast(protocol.NewSystem(name+" has been muted for spamming"), "")
		s.log.Info("muted", zap.Duration("duration", v.MuteDuration))
		return false, true

	case ratelimit.ActionKick:
		_ = s.Send(protocol.NewMessage(protocol.KindKick, textKicked))
		s.coord.events.RateLimitKick(name)
		s.coord.Broadcast(protocol.NewSystem(name+" has been kicked for spamming"), name)
		s.log.Info("kicked")
		return false, false
	}
	return true, true
}

// dispatch routes one client frame and reports whether the session continues
func (s *Session) dispatch(msg *protocol.Message) bool {
	name := s.Name()

	switch msg.Kind {
	case protocol.KindPublic:
		out := msg.Clone()
		out.Sender = name
		out.Recipient = ""
		s.coord.Publish(out)

	case protocol.KindPrivate:
		out := msg.Clone()
		out.Sender = name
		if s.coord.Deliver(out) {
			_ = s.Send(protocol.NewSystem("Private message sent to " + out.Recipient))
		} else {
			_ = s.Send(protocol.NewSystem(fmt.Sprintf("User '%s' not found", out.Recipient)))
		}

	case protocol.KindSystem:
		if msg.IsExit() {
			s.log.Debug("client exit")
			return false
		}
		s.log.Debug("ignoring system frame from client", zap.String("content", msg.Content))

	case protocol.KindJoin, protocol.KindLeave, protocol.KindUserList,
		protocol.KindWarning, protocol.KindMute, protocol.KindKick:
		s.log.Debug("ignoring server-only frame from client", zap.String("type", string(msg.Kind)))
	}
	return true
}

func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, protocol.ErrMalformedFrame), errors.Is(err, protocol.ErrFrameTooLarge):
		s.log.Info("protocol error", zap.Error(err))
		_ = s.Send(protocol.NewSystem(textInvalidFrame))
	case errors.Is(err, protocol.ErrStreamClosed):
		s.log.Debug("peer closed the stream")
	case errors.Is(err, net.ErrClosed):
		s.log.Debug("connection closed locally")
	default:
		s.log.Debug("read failed", zap.Error(err))
	}
}

func (s *Session) close() {
	s.setState(StateClosed)
	s.Stop()

	if name := s.Name(); name != "" && s.coord.Unregister(name) {
		s.coord.BroadcastLeave(name)
		s.log.Info("session closed")
	}
	s.coord.metrics.RecordSessionDisconnected()
}
