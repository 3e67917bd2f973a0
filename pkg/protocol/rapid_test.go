package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func genMessage() *rapid.Generator[*Message] {
	return rapid.Custom(func(t *rapid.T) *Message {
		kind := rapid.SampledFrom(Kinds).Draw(t, "kind")
		msg := &Message{
			Kind:      kind,
			Content:   rapid.String().Draw(t, "content"),
			Timestamp: rapid.StringMatching(`20[0-9]{2}-[01][0-9]-[0-3][0-9] [0-2][0-9]:[0-5][0-9]:[0-5][0-9]`).Draw(t, "timestamp"),
		}
		switch kind {
		case KindPublic:
			msg.Sender = rapid.StringMatching(`[a-zA-Z0-9_-]{1,20}`).Draw(t, "sender")
		case KindPrivate:
			msg.Sender = rapid.StringMatching(`[a-zA-Z0-9_-]{1,20}`).Draw(t, "sender")
			msg.Recipient = rapid.StringMatching(`[a-zA-Z0-9_-]{1,20}`).Draw(t, "recipient")
		}
		return msg
	})
}

// TestMessageRoundTrip tests that any valid message survives encode then decode
func TestMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := genMessage().Draw(t, "message")

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := NewDecoder(&buf).Decode()
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if *decoded != *original {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, original)
		}
		if buf.Len() != 0 {
			t.Fatalf("decoder left %d unread bytes", buf.Len())
		}
	})
}

// TestStreamOfFramesRoundTrip tests that back-to-back frames decode in order
func TestStreamOfFramesRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		messages := rapid.SliceOfN(genMessage(), 1, 20).Draw(t, "messages")

		var buf bytes.Buffer
		for _, m := range messages {
			if err := EncodeFrame(&buf, m); err != nil {
				t.Fatalf("encode failed: %v", err)
			}
		}

		dec := NewDecoder(&buf)
		for i, want := range messages {
			got, err := dec.Decode()
			if err != nil {
				t.Fatalf("decode %d failed: %v", i, err)
			}
			if *got != *want {
				t.Fatalf("frame %d mismatch: got %+v, want %+v", i, got, want)
			}
		}
	})
}
