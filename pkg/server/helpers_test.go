package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/aeolun/chatrelay/pkg/ratelimit"
)

const waitTimeout = 2 * time.Second

// recordConn is a net.Conn whose writes are captured and whose reads block
// until Close
type recordConn struct {
	mu         sync.Mutex
	written    bytes.Buffer
	closed     bool
	failWrites bool

	readR *io.PipeReader
	readW *io.PipeWriter
}

func newRecordConn() *recordConn {
	r, w := io.Pipe()
	return &recordConn{readR: r, readW: w}
}

func (c *recordConn) Read(b []byte) (int, error) {
	return c.readR.Read(b)
}

func (c *recordConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	if c.failWrites {
		return 0, errors.New("broken pipe")
	}
	return c.written.Write(b)
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.readW.CloseWithError(net.ErrClosed)
	}
	return nil
}

func (c *recordConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// frames decodes everything written so far
func (c *recordConn) frames(t *testing.T) []*protocol.Message {
	t.Helper()

	c.mu.Lock()
	data := append([]byte(nil), c.written.Bytes()...)
	c.mu.Unlock()

	dec := protocol.NewDecoder(bytes.NewReader(data))
	var out []*protocol.Message
	for {
		msg, err := dec.Decode()
		if errors.Is(err, protocol.ErrStreamClosed) {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func (c *recordConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
}

func (c *recordConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (c *recordConn) SetDeadline(time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

// newTestCoordinator builds a coordinator on a mock clock
func newTestCoordinator(t *testing.T, opts ...CoordinatorOption) (*Coordinator, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 11, 19, 14, 0, 0, 0, time.Local))

	base := []CoordinatorOption{
		WithClock(mock),
		WithLogger(zaptest.NewLogger(t)),
	}
	return NewCoordinator(ratelimit.New(ratelimit.DefaultConfig()), append(base, opts...)...), mock
}

// registerRecorded registers a session backed by a recordConn without running it
func registerRecorded(t *testing.T, c *Coordinator, requested string) (*Session, *recordConn) {
	t.Helper()

	conn := newRecordConn()
	sess := NewSession(conn, c, "test")
	_, err := c.Register(sess, requested)
	require.NoError(t, err)
	return sess, conn
}

// fixedSuffix returns "101", "102", ... for successive collisions
func fixedSuffix() SuffixFunc {
	var mu sync.Mutex
	next := 100
	return func(int) string {
		mu.Lock()
		defer mu.Unlock()
		next++
		return strconv.Itoa(next)
	}
}

// testClient drives a session from the client side. A pump goroutine drains
// everything the server writes so the server never blocks on the test.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	frames chan *protocol.Message
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()

	c := &testClient{t: t, conn: conn, frames: make(chan *protocol.Message, 512)}
	go func() {
		defer close(c.frames)
		dec := protocol.NewDecoder(conn)
		for {
			msg, err := dec.Decode()
			if err != nil {
				return
			}
			c.frames <- msg
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) send(msg *protocol.Message) {
	c.t.Helper()
	require.NoError(c.t, protocol.EncodeFrame(c.conn, msg))
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	_, err := c.conn.Write(data)
	require.NoError(c.t, err)
}

// next returns the next frame, failing after waitTimeout
func (c *testClient) next() *protocol.Message {
	c.t.Helper()

	select {
	case msg, ok := <-c.frames:
		require.True(c.t, ok, "connection closed while waiting for a frame")
		return msg
	case <-time.After(waitTimeout):
		c.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// expect returns the next frame and checks its kind
func (c *testClient) expect(kind protocol.Kind) *protocol.Message {
	c.t.Helper()

	msg := c.next()
	require.Equal(c.t, kind, msg.Kind, "content: %q", msg.Content)
	return msg
}

// expectContent checks both kind and content of the next frame
func (c *testClient) expectContent(kind protocol.Kind, content string) *protocol.Message {
	c.t.Helper()

	msg := c.expect(kind)
	require.Equal(c.t, content, msg.Content)
	return msg
}

// skipUntil discards frames until one of kind arrives
func (c *testClient) skipUntil(kind protocol.Kind) *protocol.Message {
	c.t.Helper()

	for {
		msg := c.next()
		if msg.Kind == kind {
			return msg
		}
	}
}

// expectClosed drains frames until the server closes the connection
func (c *testClient) expectClosed() []*protocol.Message {
	c.t.Helper()

	var rest []*protocol.Message
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-c.frames:
			if !ok {
				return rest
			}
			rest = append(rest, msg)
		case <-deadline:
			c.t.Fatal("timed out waiting for the connection to close")
			return rest
		}
	}
}

// join performs the handshake and consumes the welcome, JOIN and roster
func (c *testClient) join(requested string) string {
	c.t.Helper()

	c.send(protocol.NewSystem(requested))
	welcome := c.expect(protocol.KindSystem)
	require.Contains(c.t, welcome.Content, "Connected as ")
	name := welcome.Content[len("Connected as "):]

	c.expectContent(protocol.KindJoin, name+" joined the chat")
	c.expect(protocol.KindUserList)
	return name
}

// recordingSink captures events for assertions
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingSink) UserJoined(name, addr string) { r.add("join:" + name) }
func (r *recordingSink) UserLeft(name, addr string)   { r.add("leave:" + name) }
func (r *recordingSink) PublicMessage(sender, content string) {
	r.add("public:" + sender + ":" + content)
}
func (r *recordingSink) PrivateMessage(sender, recipient, content string) {
	r.add("private:" + sender + "->" + recipient + ":" + content)
}
func (r *recordingSink) RateLimitWarning(name string, warnings int) {
	r.add("warning:" + name + ":" + strconv.Itoa(warnings))
}
func (r *recordingSink) RateLimitMute(name string, duration time.Duration) {
	r.add("mute:" + name + ":" + duration.String())
}
func (r *recordingSink) RateLimitKick(name string) { r.add("kick:" + name) }
func (r *recordingSink) SystemEvent(text string)   { r.add("system:" + text) }
