package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/aeolun/chatrelay/pkg/server"
)

const waitTimeout = 5 * time.Second

type relay struct {
	srv  *server.Server
	http int
	ssh  int
}

// startRelay runs a real server on loopback
func startRelay(t *testing.T, withHTTP, withSSH bool) *relay {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.SSHPort = 0
	cfg.SSHHostKeyPath = t.TempDir() + "/host_key"
	cfg.ChatLogPath = ""

	r := &relay{}
	if withHTTP {
		r.http = freePort(t)
		cfg.HTTPPort = r.http
	}
	if withSSH {
		r.ssh = freePort(t)
		cfg.SSHPort = r.ssh
	}

	srv, err := server.NewServer(cfg, server.WithServerLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { assert.NoError(t, srv.Stop()) })

	r.srv = srv
	return r
}

func (r *relay) tcpAddr() string {
	return "tcp://" + r.srv.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func dial(t *testing.T, addr, nickname string, opts ...Option) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := Dial(ctx, addr, nickname, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// next returns the next frame of the given kind, skipping others
func next(t *testing.T, c *Client, kind protocol.Kind) *protocol.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for {
		msg, err := c.Receive(ctx)
		require.NoError(t, err, "waiting for %s", kind)
		if msg.Kind == kind {
			return msg
		}
	}
}

func TestDialTCP(t *testing.T) {
	r := startRelay(t, false, false)

	alice := dial(t, r.tcpAddr(), "alice")
	assert.Equal(t, "alice", alice.Name())
	assert.Equal(t, r.srv.Addr().String(), alice.RemoteAddr().String())

	// The welcome is consumed; the join broadcast follows
	assert.Equal(t, "alice joined the chat", next(t, alice, protocol.KindJoin).Content)
	next(t, alice, protocol.KindUserList)
	assert.Empty(t, alice.Roster())
}

func TestDialAssignsSuffixOnCollision(t *testing.T) {
	r := startRelay(t, false, false)

	dial(t, r.tcpAddr(), "alice")
	second := dial(t, r.tcpAddr(), "alice")

	assert.Regexp(t, `^alice[1-9][0-9]{2}$`, second.Name())
}

func TestPublicAndPrivateMessages(t *testing.T) {
	r := startRelay(t, false, false)

	alice := dial(t, r.tcpAddr(), "alice")
	bob := dial(t, r.tcpAddr(), "bob")
	next(t, bob, protocol.KindUserList)

	// Alice's roster updates once bob joins
	require.Eventually(t, func() bool {
		roster := alice.Roster()
		return len(roster) == 1 && roster[0] == "bob"
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, bob.SendPublic("hello"))
	got := next(t, alice, protocol.KindPublic)
	assert.Equal(t, "bob", got.Sender)
	assert.Equal(t, "hello", got.Content)

	require.NoError(t, alice.SendPrivate("bob", "psst"))
	assert.Equal(t, "Private message sent to bob", next(t, alice, protocol.KindSystem).Content)

	priv := next(t, bob, protocol.KindPrivate)
	assert.Equal(t, "alice", priv.Sender)
	assert.Equal(t, "psst", priv.Content)
}

func TestDialRejectedName(t *testing.T) {
	r := startRelay(t, false, false)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	_, err := Dial(ctx, r.tcpAddr(), "*admin")
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "Nickname rejected by server")
}

func TestExitLeavesChat(t *testing.T) {
	r := startRelay(t, false, false)

	alice := dial(t, r.tcpAddr(), "alice")
	bob := dial(t, r.tcpAddr(), "bob")
	next(t, alice, protocol.KindUserList)

	require.NoError(t, bob.Exit())
	assert.Equal(t, "bob left the chat", next(t, alice, protocol.KindLeave).Content)

	assert.ErrorIs(t, bob.SendPublic("too late"), ErrClosed)
	assert.ErrorIs(t, bob.Close(), ErrClosed)
}

func TestStreamEndsWhenServerStops(t *testing.T) {
	r := startRelay(t, false, false)
	alice := dial(t, r.tcpAddr(), "alice")

	require.NoError(t, r.srv.Stop())

	timeout := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-alice.Messages():
			if !ok {
				assert.Error(t, alice.Err())
				assert.NotErrorIs(t, alice.Err(), ErrClosed)
				return
			}
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	r := startRelay(t, false, false)
	alice := dial(t, r.tcpAddr(), "alice")
	next(t, alice, protocol.KindUserList)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := alice.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandshakeKeepsEarlyFrames(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	go func() {
		dec := protocol.NewDecoder(serverSide)
		if _, err := dec.Decode(); err != nil {
			return
		}
		_ = protocol.EncodeFrame(serverSide, protocol.NewPublic("bob", "early"))
		_ = protocol.EncodeFrame(serverSide, protocol.NewSystem("Connected as alice"))
		_ = protocol.EncodeFrame(serverSide, protocol.NewUserList([]string{"bob", "carol"}))
	}()

	c, err := Handshake(context.Background(), clientSide, "alice", WithTimeout(waitTimeout))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "alice", c.Name())
	assert.Equal(t, "early", next(t, c, protocol.KindPublic).Content)
	assert.Equal(t, []string{"bob", "carol"}, next(t, c, protocol.KindUserList).Names())
	assert.Equal(t, []string{"bob", "carol"}, c.Roster())
}

func TestHandshakeCanceled(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	// Read the nickname and never answer
	go func() { _, _ = protocol.NewDecoder(serverSide).Decode() }()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := Handshake(ctx, clientSide, "alice", WithTimeout(waitTimeout))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandshakeTimeout(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	go func() { _, _ = protocol.NewDecoder(serverSide).Decode() }()

	_, err := Handshake(context.Background(), clientSide, "alice", WithTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestDialWebSocket(t *testing.T) {
	r := startRelay(t, true, false)

	addr := "ws://127.0.0.1:" + strconv.Itoa(r.http)
	alice := dial(t, addr, "webby")
	assert.Equal(t, "webby", alice.Name())

	require.NoError(t, alice.SendPublic("over websocket"))
	got := next(t, alice, protocol.KindPublic)
	assert.Equal(t, "webby", got.Sender)
	assert.Equal(t, "over websocket", got.Content)
}

func TestDialSSH(t *testing.T) {
	r := startRelay(t, false, true)

	addr := "ssh://tester@127.0.0.1:" + strconv.Itoa(r.ssh)
	alice := dial(t, addr, "tunnel", WithHostKeyCallback(ssh.InsecureIgnoreHostKey()))
	assert.Equal(t, "tunnel", alice.Name())

	tcp := dial(t, r.tcpAddr(), "bob")
	require.NoError(t, tcp.SendPublic("across transports"))
	assert.Equal(t, "across transports", next(t, alice, protocol.KindPublic).Content)
}

func TestDialUnreachable(t *testing.T) {
	port := freePort(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := Dial(ctx, "127.0.0.1:"+strconv.Itoa(port), "alice", WithTimeout(time.Second))
	assert.ErrorContains(t, err, "connect to 127.0.0.1:"+strconv.Itoa(port))
}
