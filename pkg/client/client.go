// Package client is a small library for talking to the relay: it dials
// over TCP, WebSocket or SSH, performs the nickname handshake, and
// exposes the incoming frame stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const welcomePrefix = "Connected as "

var (
	// ErrRejected means the server closed the connection during the handshake
	ErrRejected = errors.New("handshake rejected")
	// ErrClosed is returned after Close or Exit
	ErrClosed = errors.New("client closed")
)

type options struct {
	log          *zap.Logger
	timeout      time.Duration
	writeTimeout time.Duration
	hostKey      ssh.HostKeyCallback
	buffer       int
}

// Option configures Dial and Handshake
type Option func(*options)

// WithLogger sets a logger for connection events
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.log = logger }
}

// WithTimeout bounds dialing and the handshake
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHostKeyCallback verifies the server key on ssh:// addresses.
// Without it, known_hosts is used.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(o *options) { o.hostKey = cb }
}

// WithBuffer sets how many unread frames are queued before reads stall
func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

func buildOptions(opts []Option) options {
	o := options{
		log:          zap.NewNop(),
		timeout:      10 * time.Second,
		writeTimeout: 10 * time.Second,
		buffer:       256,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client is one registered chat connection
type Client struct {
	conn    net.Conn
	decoder *protocol.Decoder
	log     *zap.Logger
	name    string

	writeTimeout time.Duration
	writeMu      sync.Mutex

	incoming  chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	roster []string
}

// Dial connects to addr and registers nickname. addr is host[:port] or a
// tcp://, ws://, wss:// or ssh:// URL.
func Dial(ctx context.Context, addr, nickname string, opts ...Option) (*Client, error) {
	ep, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	var conn net.Conn
	switch ep.scheme {
	case "tcp":
		d := net.Dialer{Timeout: o.timeout}
		conn, err = d.DialContext(ctx, "tcp", ep.address)
	case "ws", "wss":
		conn, err = dialWebSocket(ctx, ep.scheme, ep.address, o.timeout)
	case "ssh":
		conn, err = dialSSH(ctx, ep, o.hostKey, o.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ep, err)
	}
	o.log.Debug("connected", zap.Stringer("server", ep))

	c, err := handshake(ctx, conn, nickname, o)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Handshake registers nickname over an already established connection
func Handshake(ctx context.Context, conn net.Conn, nickname string, opts ...Option) (*Client, error) {
	return handshake(ctx, conn, nickname, buildOptions(opts))
}

func handshake(ctx context.Context, conn net.Conn, nickname string, o options) (*Client, error) {
	deadline := time.Now().Add(o.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.EncodeFrame(conn, protocol.NewSystem(nickname)); err != nil {
		return nil, fmt.Errorf("send nickname: %w", err)
	}

	// Broadcasts may reach us before the welcome; keep them for the reader
	dec := protocol.NewDecoder(conn)
	var pending []*protocol.Message
	var lastSystem string
	name := ""
	for name == "" {
		msg, err := dec.Decode()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if lastSystem != "" {
				return nil, fmt.Errorf("%w: %s", ErrRejected, lastSystem)
			}
			return nil, fmt.Errorf("handshake: %w", err)
		}

		if msg.Kind == protocol.KindSystem {
			if n, ok := strings.CutPrefix(msg.Content, welcomePrefix); ok {
				name = n
				continue
			}
			lastSystem = msg.Content
		}
		pending = append(pending, msg)
	}
	_ = conn.SetDeadline(time.Time{})

	c := &Client{
		conn:         conn,
		decoder:      dec,
		log:          o.log.With(zap.String("name", name)),
		name:         name,
		writeTimeout: o.writeTimeout,
		incoming:     make(chan *protocol.Message, max(o.buffer, len(pending))),
		done:         make(chan struct{}),
	}
	for _, msg := range pending {
		c.observe(msg)
		c.incoming <- msg
	}
	go c.readLoop()

	c.log.Debug("registered")
	return c, nil
}

// Name returns the name the server assigned, which may carry a suffix
func (c *Client) Name() string {
	return c.name
}

// RemoteAddr returns the server address
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// observe tracks state carried by incoming frames
func (c *Client) observe(msg *protocol.Message) {
	if msg.Kind == protocol.KindUserList {
		c.mu.Lock()
		c.roster = msg.Names()
		c.mu.Unlock()
	}
}

func (c *Client) readLoop() {
	defer close(c.incoming)

	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			c.mu.Lock()
			select {
			case <-c.done:
				c.err = ErrClosed
			default:
				c.err = err
			}
			c.mu.Unlock()
			c.log.Debug("connection closed", zap.Error(err))
			return
		}

		c.observe(msg)
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

// Messages returns the incoming frame stream; it is closed when the
// connection ends
func (c *Client) Messages() <-chan *protocol.Message {
	return c.incoming
}

// Receive waits for the next frame
func (c *Client) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return nil, c.Err()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err reports why the stream ended, nil while it is open
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		select {
		case <-c.done:
			return ErrClosed
		default:
		}
	}
	return c.err
}

// Roster returns the latest user list, which never includes this client
func (c *Client) Roster() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.roster...)
}

func (c *Client) send(msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return protocol.EncodeFrame(c.conn, msg)
}

// SendPublic broadcasts content to everyone
func (c *Client) SendPublic(content string) error {
	return c.send(protocol.NewPublic(c.name, content))
}

// SendPrivate sends content to one user. The server answers with a SYSTEM
// frame saying whether the recipient exists.
func (c *Client) SendPrivate(recipient, content string) error {
	return c.send(protocol.NewPrivate(c.name, recipient, content))
}

// Exit announces a graceful leave and closes the connection
func (c *Client) Exit() error {
	err := c.send(protocol.NewSystem(protocol.ExitCommand))
	if cerr := c.Close(); err == nil && !errors.Is(cerr, ErrClosed) {
		err = cerr
	}
	return err
}

// Close closes the connection without the exit handshake
func (c *Client) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
