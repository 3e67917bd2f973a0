package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// MaxFrameSize is the maximum allowed frame size (64 KB, delimiter excluded)
	MaxFrameSize = 64 * 1024

	// Delimiter terminates every frame on the wire
	Delimiter = '\n'
)

var (
	// ErrMalformedFrame means the bytes before the delimiter are not a valid record
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrStreamClosed means the transport ended before a delimiter was seen
	ErrStreamClosed = errors.New("stream closed")
	// ErrFrameTooLarge means no delimiter was found within MaxFrameSize bytes
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (64 KB)")
)

// Encode serializes m into a single delimiter-terminated frame
func Encode(m *Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, m.Kind)
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// json.Encoder appends '\n' after the value, which is our delimiter
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	if buf.Len()-1 > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return buf.Bytes(), nil
}

// EncodeFrame writes m to w as one frame with a single Write call
func EncodeFrame(w io.Writer, m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Decoder reads frames from a stream. Bytes received past the end of one
// frame stay buffered for the next Decode call.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Buffered returns the number of bytes read from the stream but not yet decoded
func (d *Decoder) Buffered() int {
	return d.r.Buffered()
}

// Decode reads the next frame from the stream
func (d *Decoder) Decode() (*Message, error) {
	line, err := d.readUnit()
	if err != nil {
		return nil, err
	}
	return parseUnit(line)
}

func (d *Decoder) readUnit() ([]byte, error) {
	var unit []byte
	for {
		chunk, err := d.r.ReadSlice(Delimiter)
		unit = append(unit, chunk...)

		switch {
		case err == nil:
			unit = unit[:len(unit)-1]
			if len(unit) > MaxFrameSize {
				return nil, ErrFrameTooLarge
			}
			return unit, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(unit) > MaxFrameSize {
				return nil, ErrFrameTooLarge
			}
		case errors.Is(err, io.EOF):
			return nil, ErrStreamClosed
		default:
			return nil, fmt.Errorf("read frame: %w", err)
		}
	}
}

// DecodeMessage decodes the first frame contained in data
func DecodeMessage(data []byte) (*Message, error) {
	return NewDecoder(bytes.NewReader(data)).Decode()
}

func parseUnit(unit []byte) (*Message, error) {
	unit = bytes.TrimSpace(unit)
	if len(unit) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	var m Message
	if err := json.Unmarshal(unit, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if m.Kind == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, m.Kind)
	}

	if m.Timestamp == "" {
		m.Timestamp = FormatTimestamp(time.Now())
	}
	return &m, nil
}
