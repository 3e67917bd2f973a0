// Package chatlog writes the human-readable chat transcript.
//
// Every line has the form
//
//	[2025-11-19 14:30:45] TYPE | text
//
// and each server start appends a banner block.
package chatlog

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Line types
const (
	TypePublic  = "PUBLIC"
	TypePrivate = "PRIVATE"
	TypeSystem  = "SYSTEM"
	TypeError   = "ERROR"
)

var separator = strings.Repeat("=", 60)

// Writer appends transcript lines to a file. It is safe for concurrent use.
type Writer struct {
	path  string
	clock clock.Clock

	mu sync.Mutex
	f  *os.File
}

// Option configures a Writer
type Option func(*Writer)

// WithClock replaces the wall clock used for timestamps
func WithClock(c clock.Clock) Option {
	return func(w *Writer) { w.clock = c }
}

// Open opens (or creates) the transcript at path and writes the start banner
func Open(path string, opts ...Option) (*Writer, error) {
	w := &Writer{path: path, clock: clock.New()}
	for _, opt := range opts {
		opt(w)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open chat log: %w", err)
	}
	w.f = f

	if err := w.banner("Server Started"); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the transcript file path
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) now() string {
	return protocol.FormatTimestamp(w.clock.Now())
}

func (w *Writer) banner(title string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := fmt.Fprintf(w.f, "\n%s\n%s: %s\n%s\n", separator, title, w.now(), separator)
	return err
}

// Write appends one line. Embedded newlines are flattened so one event is
// always one line.
func (w *Writer) Write(lineType, text string) error {
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return os.ErrClosed
	}
	_, err := fmt.Fprintf(w.f, "[%s] %s | %s\n", w.now(), lineType, text)
	return err
}

// Close closes the file; later writes fail with os.ErrClosed
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Clear truncates the transcript and writes a "Logs Cleared" banner
func (w *Writer) Clear() error {
	w.mu.Lock()
	if w.f == nil {
		w.mu.Unlock()
		return os.ErrClosed
	}
	if err := w.f.Truncate(0); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("truncate chat log: %w", err)
	}
	w.mu.Unlock()

	return w.banner("Logs Cleared")
}

// Recent returns up to n of the latest transcript lines, skipping banners
func (w *Writer) Recent(n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}

	f, err := os.Open(w.path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 2*protocol.MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "[") {
			continue
		}
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

// hostOnly strips the port from a remote address
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Event sink methods. Write errors are dropped.

func (w *Writer) UserJoined(name, addr string) {
	_ = w.Write(TypeSystem, fmt.Sprintf("%s@%s connected", name, hostOnly(addr)))
}

func (w *Writer) UserLeft(name, addr string) {
	_ = w.Write(TypeSystem, fmt.Sprintf("%s@%s disconnected", name, hostOnly(addr)))
}

func (w *Writer) PublicMessage(sender, content string) {
	_ = w.Write(TypePublic, sender+": "+content)
}

func (w *Writer) PrivateMessage(sender, recipient, content string) {
	_ = w.Write(TypePrivate, fmt.Sprintf("%s -> %s: %s", sender, recipient, content))
}

func (w *Writer) RateLimitWarning(name string, warnings int) {
	_ = w.Write(TypeSystem, fmt.Sprintf("%s received rate limit warning #%d", name, warnings))
}

func (w *Writer) RateLimitMute(name string, duration time.Duration) {
	_ = w.Write(TypeSystem, fmt.Sprintf("%s muted for %ds", name, int(duration/time.Second)))
}

func (w *Writer) RateLimitKick(name string) {
	_ = w.Write(TypeSystem, name+" kicked for spamming")
}

func (w *Writer) SystemEvent(text string) {
	_ = w.Write(TypeSystem, text)
}

// Error records an operational error in the transcript
func (w *Writer) Error(msg string) {
	_ = w.Write(TypeError, msg)
}
