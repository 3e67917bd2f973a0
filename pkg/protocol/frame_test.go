package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "public",
			msg:  Message{Kind: KindPublic, Sender: "alice", Content: "hello", Timestamp: "2025-11-19 14:30:45"},
		},
		{
			name: "private",
			msg:  Message{Kind: KindPrivate, Sender: "alice", Recipient: "bob", Content: "psst", Timestamp: "2025-11-19 14:30:45"},
		},
		{
			name: "system",
			msg:  Message{Kind: KindSystem, Content: "Connected as alice", Timestamp: "2025-11-19 14:30:45"},
		},
		{
			name: "join",
			msg:  Message{Kind: KindJoin, Content: "alice joined the chat", Timestamp: "2025-11-19 14:30:45"},
		},
		{
			name: "leave",
			msg:  Message{Kind: KindLeave, Content: "alice left the chat", Timestamp: "2025-11-19 14:30:45"},
		},
		{
			name: "user list",
			msg:  Message{Kind: KindUserList, Content: "alice,bob,carol", Timestamp: "2025-11-19 14:30:45"},
		},
		{
			name: "empty user list",
			msg:  Message{Kind: KindUserList, Timestamp: "2025-11-19 14:30:45"},
		},
		{
			name: "content with newlines",
			msg:  Message{Kind: KindPublic, Sender: "alice", Content: "line one\nline two\r\n", Timestamp: "2025-11-19 14:30:45"},
		},
		{
			name: "unicode and html",
			msg:  Message{Kind: KindPublic, Sender: "çağrı", Content: "<b>merhaba</b> & 👋", Timestamp: "2025-11-19 14:30:45"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, EncodeFrame(buf, &tt.msg))

			// Exactly one delimiter, at the very end
			assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte{Delimiter}))
			assert.Equal(t, byte(Delimiter), buf.Bytes()[buf.Len()-1])

			decoded, err := NewDecoder(buf).Decode()
			require.NoError(t, err)
			assert.Equal(t, tt.msg, *decoded)
		})
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := Encode(&Message{Kind: "BOGUS", Content: "x"})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEncodeOversizedFrame(t *testing.T) {
	msg := NewPublic("alice", strings.Repeat("a", MaxFrameSize))
	_, err := Encode(msg)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRetainsTrailingFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeFrame(&buf, NewPublic("alice", "first")))
	require.NoError(t, EncodeFrame(&buf, NewPublic("bob", "second")))
	require.NoError(t, EncodeFrame(&buf, NewSystem(ExitCommand)))

	dec := NewDecoder(&buf)

	first, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "first", first.Content)
	assert.Greater(t, dec.Buffered(), 0, "second and third frames should stay buffered")

	second, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "bob", second.Sender)

	third, err := dec.Decode()
	require.NoError(t, err)
	assert.True(t, third.IsExit())

	_, err = dec.Decode()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestDecodeSplitAcrossReads(t *testing.T) {
	data, err := Encode(NewPrivate("alice", "bob", "hi there"))
	require.NoError(t, err)

	// One byte per Read call
	dec := NewDecoder(&byteReader{data: data})
	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, KindPrivate, msg.Kind)
	assert.Equal(t, "bob", msg.Recipient)
}

func TestDecodeAssignsMissingTimestamp(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"SYSTEM","content":"alice"}` + "\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Timestamp)
	assert.Equal(t, "alice", msg.Content)
}

func TestDecodeAcceptsNullFields(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type": "PUBLIC", "sender": null, "recipient": null, "content": "hey", "timestamp": "2025-11-19 14:30:45"}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "", msg.Sender)
	assert.Equal(t, "", msg.Recipient)
	assert.Equal(t, "hey", msg.Content)
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "empty stream", input: []byte{}, wantErr: ErrStreamClosed},
		{name: "partial frame then EOF", input: []byte(`{"type":"PUBLIC"`), wantErr: ErrStreamClosed},
		{name: "blank line", input: []byte("\n"), wantErr: ErrMalformedFrame},
		{name: "not json", input: []byte("hello world\n"), wantErr: ErrMalformedFrame},
		{name: "json array", input: []byte("[1,2,3]\n"), wantErr: ErrMalformedFrame},
		{name: "json null", input: []byte("null\n"), wantErr: ErrMalformedFrame},
		{name: "missing type", input: []byte(`{"content":"x"}` + "\n"), wantErr: ErrMalformedFrame},
		{name: "unknown type", input: []byte(`{"type":"SHOUT","content":"x"}` + "\n"), wantErr: ErrMalformedFrame},
		{name: "numeric type", input: []byte(`{"type":3,"content":"x"}` + "\n"), wantErr: ErrMalformedFrame},
		{name: "oversized", input: append(bytes.Repeat([]byte("a"), MaxFrameSize+10), Delimiter), wantErr: ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
		})
	}
}

func TestDecodeMalformedIsNotStreamClosed(t *testing.T) {
	_, err := DecodeMessage([]byte("{oops}\n"))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.NotErrorIs(t, err, ErrStreamClosed)
}

func TestDecodeTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := NewDecoder(&failingReader{err: boom}).Decode()
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrStreamClosed)
	assert.NotErrorIs(t, err, ErrMalformedFrame)
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("").Valid())
	assert.False(t, Kind("public").Valid())
}

func TestUserListNames(t *testing.T) {
	msg := NewUserList([]string{"alice", "bob"})
	assert.Equal(t, "alice,bob", msg.Content)
	assert.Equal(t, []string{"alice", "bob"}, msg.Names())
	assert.Nil(t, NewUserList(nil).Names())
}

type byteReader struct {
	data []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

type failingReader struct {
	err error
}

func (r *failingReader) Read(p []byte) (int, error) {
	return 0, r.err
}
