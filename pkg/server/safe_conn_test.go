package server

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

func TestSafeConnFramesDoNotInterleave(t *testing.T) {
	raw := newRecordConn()
	conn := NewSafeConn(raw, DefaultWriteTimeout)

	const writers, each = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				assert.NoError(t, conn.EncodeFrame(protocol.NewPublic("alice", "concurrent frame body")))
			}
		}()
	}
	wg.Wait()

	frames := raw.frames(t)
	require.Len(t, frames, writers*each)
	for _, f := range frames {
		assert.Equal(t, "concurrent frame body", f.Content)
	}
}

func TestSafeConnCloseIsIdempotent(t *testing.T) {
	raw := newRecordConn()
	conn := NewSafeConn(raw, 0)

	assert.False(t, conn.Closed())
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.Closed())
	assert.True(t, raw.isClosed())

	assert.ErrorIs(t, conn.EncodeFrame(protocol.NewSystem("late")), net.ErrClosed)
	_, err := conn.Write([]byte("late\n"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestSafeConnRejectsOversizedFrame(t *testing.T) {
	raw := newRecordConn()
	conn := NewSafeConn(raw, 0)

	big := make([]byte, protocol.MaxFrameSize)
	for i := range big {
		big[i] = 'x'
	}
	err := conn.EncodeFrame(protocol.NewPublic("alice", string(big)))
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.Empty(t, raw.frames(t))
}

func TestSafeConnWithWriteLockHoldsOtherWriters(t *testing.T) {
	raw := newRecordConn()
	conn := NewSafeConn(raw, 0)

	written := make(chan struct{})
	conn.WithWriteLock(func(send func(*protocol.Message) error) {
		go func() {
			assert.NoError(t, conn.EncodeFrame(protocol.NewPublic("bob", "second")))
			close(written)
		}()
		require.NoError(t, send(protocol.NewSystem("first")))
	})
	<-written

	frames := raw.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, "first", frames[0].Content)
	assert.Equal(t, "second", frames[1].Content)
}
