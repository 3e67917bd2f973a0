package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/aeolun/chatrelay/pkg/ratelimit"
)

const textServerBusy = "Server busy, try again later"

// LogSource exposes recent transcript lines to the HTTP API
type LogSource interface {
	Recent(n int) ([]string, error)
}

// Option configures a Server
type Option func(*Server)

// WithServerLogger sets the operational logger
func WithServerLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// WithSink adds an event sink next to the built-in log sink
func WithSink(sink EventSink) Option {
	return func(s *Server) { s.sinks = append(s.sinks, sink) }
}

// WithLogSource backs /api/logs
func WithLogSource(src LogSource) Option {
	return func(s *Server) { s.logSource = src }
}

// WithServerClock replaces the wall clock
func WithServerClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// Server owns the listeners and every live session
type Server struct {
	config    ServerConfig
	log       *zap.Logger
	clock     clock.Clock
	sinks     MultiSink
	logSource LogSource

	coord    *Coordinator
	limiter  *ratelimit.Limiter
	registry *prometheus.Registry
	metrics  *Metrics
	accept   *rate.Limiter // nil when unthrottled

	listener    net.Listener
	sshListener net.Listener
	httpServer  *http.Server
	httpAddr    net.Addr

	shutdown chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	closing bool
	live    map[*Session]struct{}
}

// NewServer creates a server; call Start to begin listening
func NewServer(config ServerConfig, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		config:   config,
		log:      zap.NewNop(),
		clock:    clock.New(),
		shutdown: make(chan struct{}),
		live:     make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.registry)

	s.limiter = ratelimit.New(config.Limits)
	s.coord = NewCoordinator(s.limiter,
		WithEvents(append(MultiSink{NewLogSink(s.log)}, s.sinks...)),
		WithMetrics(s.metrics),
		WithClock(s.clock),
		WithLogger(s.log),
		WithMaxNameLength(config.MaxNameLength),
		WithWriteTimeout(config.WriteTimeout),
	)

	promauto.With(s.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatrelay_muted_sessions",
		Help: "Sessions currently muted by the rate limiter",
	}, func() float64 {
		return float64(s.limiter.Stats(s.clock.Now()).CurrentlyMuted)
	})

	if config.AcceptRate > 0 {
		burst := config.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.accept = rate.NewLimiter(rate.Limit(config.AcceptRate), burst)
	}

	return s, nil
}

// Coordinator returns the registry and router
func (s *Server) Coordinator() *Coordinator {
	return s.coord
}

// Registry returns the Prometheus registry served at /metrics
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Addr returns the chat listener address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// SSHAddr returns the SSH listener address, nil when disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// reuseAddrControl applies SO_REUSEADDR before bind
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = setSocketOptions(fd)
	}); err != nil {
		return err
	}
	return sockErr
}

func (s *Server) listen(port int) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(port))
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

// Start opens the chat listener plus the optional SSH and HTTP listeners
func (s *Server) Start() error {
	listener, err := s.listen(s.config.TCPPort)
	if err != nil {
		return err
	}
	s.listener = listener
	logListenBacklog(s.log, listener.Addr().String())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.listener.Close()
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.sinks.SystemEvent("Server started on " + listener.Addr().String())

	s.wg.Add(3)
	go s.acceptLoop()
	go s.statsLoop()
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	return nil
}

// Stop stops accepting, ends every session and waits for their goroutines
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	close(s.shutdown)

	var errs error
	if s.listener != nil {
		errs = multierr.Append(errs, ignoreClosed(s.listener.Close()))
	}
	if s.sshListener != nil {
		errs = multierr.Append(errs, ignoreClosed(s.sshListener.Close()))
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, s.httpServer.Shutdown(ctx))
		cancel()
	}

	s.coord.CloseAll()

	s.mu.Lock()
	live := make([]*Session, 0, len(s.live))
	for sess := range s.live {
		live = append(live, sess)
	}
	s.mu.Unlock()

	// Unregistered sessions are not known to the coordinator
	for _, sess := range live {
		sess.Stop()
	}

	s.wg.Wait()
	s.log.Info("server stopped")
	return errs
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		if !s.allowConnection() {
			s.refuse(conn)
			continue
		}

		go s.runSession(conn, "tcp")
	}
}

// allowConnection applies the accept rate limit
func (s *Server) allowConnection() bool {
	return s.accept == nil || s.accept.Allow()
}

// refuse tells a throttled client why it is being dropped
func (s *Server) refuse(conn net.Conn) {
	s.metrics.RecordConnectionThrottled()
	s.log.Info("connection throttled", zap.String("remote", conn.RemoteAddr().String()))

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = protocol.EncodeFrame(conn, protocol.NewSystem(textServerBusy))
	_ = conn.Close()
}

// admit registers a live session unless the server is closing
func (s *Server) admit(conn net.Conn, transport string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return nil, false
	}

	s.coord.RecordConnection(transport)
	sess := NewSession(conn, s.coord, transport)
	s.live[sess] = struct{}{}
	s.wg.Add(1)
	return sess, true
}

func (s *Server) release(sess *Session) {
	s.mu.Lock()
	delete(s.live, sess)
	s.mu.Unlock()
	s.wg.Done()
}

// runSession serves conn until the session ends
func (s *Server) runSession(conn net.Conn, transport string) {
	sess, ok := s.admit(conn, transport)
	if !ok {
		_ = conn.Close()
		return
	}
	defer s.release(sess)

	sess.Run()
}

// LiveSessions returns the number of connections being served, named or not
func (s *Server) LiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.live)
}

func (s *Server) statsLoop() {
	defer s.wg.Done()

	if s.config.StatsInterval <= 0 {
		return
	}

	ticker := s.clock.Ticker(s.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.reportStats()
		}
	}
}

func (s *Server) reportStats() {
	st := s.coord.Stats()
	s.log.Info("statistics",
		zap.Int("connected_clients", st.ActiveSessions),
		zap.Uint64("total_messages", st.TotalMessages),
		zap.Uint64("total_connections", st.TotalConnections),
		zap.Uint64("warnings", st.Warnings),
		zap.Uint64("mutes", st.Mutes),
		zap.Uint64("kicks", st.Kicks),
		zap.Int("currently_muted", st.CurrentlyMuted),
		zap.Duration("uptime", time.Duration(st.UptimeSeconds*float64(time.Second))),
	)
}
