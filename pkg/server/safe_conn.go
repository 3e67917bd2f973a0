package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// DefaultWriteTimeout bounds how long one frame write may block on a slow peer
const DefaultWriteTimeout = 10 * time.Second

// SafeConn wraps a connection so whole frames are written atomically.
// Close waits for an in-flight frame to finish (or time out) so a frame
// is never cut in half.
type SafeConn struct {
	net.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool // guarded by writeMu
}

// NewSafeConn wraps conn with frame-level write synchronization
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{Conn: conn, writeTimeout: writeTimeout}
}

// EncodeFrame writes one complete frame
func (c *SafeConn) EncodeFrame(m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.writeFrameLocked(data)
}

func (c *SafeConn) writeFrameLocked(data []byte) error {
	if c.closed {
		return net.ErrClosed
	}

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.Conn.Write(data)
	return err
}

// WithWriteLock runs fn while holding the write lock. Frames written
// through send reach the peer before any frame from another goroutine
// that was waiting on the lock.
func (c *SafeConn) WithWriteLock(fn func(send func(*protocol.Message) error)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	fn(func(m *protocol.Message) error {
		data, err := protocol.Encode(m)
		if err != nil {
			return err
		}
		return c.writeFrameLocked(data)
	})
}

// Write is serialized with EncodeFrame
func (c *SafeConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	return c.Conn.Write(b)
}

// Close closes the underlying connection once
func (c *SafeConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.Conn.Close()
}

// Closed reports whether Close has been called
func (c *SafeConn) Closed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.closed
}
