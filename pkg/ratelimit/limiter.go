// Package ratelimit implements the per-sender abuse detector that escalates
// from warnings to a timed mute and finally a kick.
package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the sliding-window thresholds
type Config struct {
	// FastWindow and FastMax trigger warnings
	FastWindow time.Duration
	FastMax    int

	// SevereWindow and SevereMax trigger a mute. SevereWindow also bounds
	// how long timestamps are kept.
	SevereWindow time.Duration
	SevereMax    int

	MuteDuration time.Duration
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		FastWindow:   5 * time.Second,
		FastMax:      5,
		SevereWindow: 10 * time.Second,
		SevereMax:    16,
		MuteDuration: 30 * time.Second,
	}
}

// Validate checks that the thresholds are usable
func (c Config) Validate() error {
	if c.FastWindow <= 0 || c.SevereWindow <= 0 || c.MuteDuration <= 0 {
		return fmt.Errorf("rate limit windows and mute duration must be positive")
	}
	if c.FastMax <= 0 || c.SevereMax <= 0 {
		return fmt.Errorf("rate limit maximums must be positive")
	}
	if c.FastWindow > c.SevereWindow {
		return fmt.Errorf("fast window (%v) must not exceed severe window (%v)", c.FastWindow, c.SevereWindow)
	}
	return nil
}

// Action is the outcome class of a rate check
type Action int

const (
	ActionOK Action = iota
	ActionWarning
	ActionMute
	ActionKick
)

func (a Action) String() string {
	switch a {
	case ActionOK:
		return "OK"
	case ActionWarning:
		return "WARNING"
	case ActionMute:
		return "MUTE"
	case ActionKick:
		return "KICK"
	default:
		return "UNKNOWN"
	}
}

// Verdict classifies one incoming message
type Verdict struct {
	Action Action

	// Warnings is the sender's warning count (ActionWarning only)
	Warnings int

	// MuteDuration is how long the sender is muted (ActionMute only)
	MuteDuration time.Duration
}

func (v Verdict) String() string {
	switch v.Action {
	case ActionWarning:
		return fmt.Sprintf("WARNING(%d)", v.Warnings)
	case ActionMute:
		return fmt.Sprintf("MUTE(%s)", v.MuteDuration)
	default:
		return v.Action.String()
	}
}

// Suppresses reports whether the triggering message must be dropped
func (v Verdict) Suppresses() bool {
	return v.Action == ActionMute || v.Action == ActionKick
}

// state is the per-name sliding window. Only the goroutine serving the
// name touches times; mutedUntil and warnings may be read or reset from
// any goroutine.
type state struct {
	times      []time.Time
	mutedUntil atomic.Int64 // unix nanos, 0 when not muted
	warnings   atomic.Int64
}

// Stats are cumulative counters since the limiter was created
type Stats struct {
	Warnings       uint64 `json:"warnings"`
	Mutes          uint64 `json:"mutes"`
	Kicks          uint64 `json:"kicks"`
	CurrentlyMuted int    `json:"currently_muted"`
}

// Limiter tracks rate state for every registered name
type Limiter struct {
	config Config

	mu     sync.Mutex // guards membership of states only
	states map[string]*state

	totalWarnings atomic.Uint64
	totalMutes    atomic.Uint64
	totalKicks    atomic.Uint64
}

// New creates a limiter with the given thresholds
func New(config Config) *Limiter {
	return &Limiter{
		config: config,
		states: make(map[string]*state),
	}
}

// Config returns the limiter's thresholds
func (l *Limiter) Config() Config {
	return l.config
}

// Add creates fresh state for name, replacing any previous state
func (l *Limiter) Add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.states[name] = &state{}
}

// Remove drops the state for name; no-op if absent
func (l *Limiter) Remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.states, name)
}

// Tracked reports whether name currently has state
func (l *Limiter) Tracked(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.states[name]
	return ok
}

func (l *Limiter) lookup(name string) *state {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[name]
	if !ok {
		st = &state{}
		l.states[name] = st
	}
	return st
}

// Check records a message from name at now and returns the verdict.
// It must only be called from the goroutine that owns name. The first
// message after a mute expires starts the warning count afresh.
func (l *Limiter) Check(name string, now time.Time) Verdict {
	st := l.lookup(name)

	// A message while muted is a violation of its own
	if until := st.mutedUntil.Load(); until != 0 {
		if now.UnixNano() < until {
			l.totalKicks.Add(1)
			return Verdict{Action: ActionKick}
		}
		st.mutedUntil.Store(0)
		st.warnings.Store(0)
	}

	st.times = append(st.times, now)

	// Evict everything older than the severe window
	drop := 0
	for drop < len(st.times) && now.Sub(st.times[drop]) > l.config.SevereWindow {
		drop++
	}
	if drop > 0 {
		st.times = append(st.times[:0], st.times[drop:]...)
	}

	countSevere := len(st.times)
	countFast := 0
	for i := len(st.times) - 1; i >= 0; i-- {
		if now.Sub(st.times[i]) > l.config.FastWindow {
			break
		}
		countFast++
	}

	if countSevere >= l.config.SevereMax {
		st.mutedUntil.Store(now.Add(l.config.MuteDuration).UnixNano())
		l.totalMutes.Add(1)
		return Verdict{Action: ActionMute, MuteDuration: l.config.MuteDuration}
	}

	if countFast >= l.config.FastMax {
		warnings := st.warnings.Add(1)
		l.totalWarnings.Add(1)
		return Verdict{Action: ActionWarning, Warnings: int(warnings)}
	}

	return Verdict{Action: ActionOK}
}

// MuteRemaining returns how long name stays muted, or zero
func (l *Limiter) MuteRemaining(name string, now time.Time) time.Duration {
	l.mu.Lock()
	st, ok := l.states[name]
	l.mu.Unlock()
	if !ok {
		return 0
	}

	until := st.mutedUntil.Load()
	if until == 0 || now.UnixNano() >= until {
		return 0
	}
	return time.Duration(until - now.UnixNano())
}

// ResetWarnings zeroes the warning counter for name
func (l *Limiter) ResetWarnings(name string) {
	l.mu.Lock()
	st, ok := l.states[name]
	l.mu.Unlock()
	if ok {
		st.warnings.Store(0)
	}
}

// Stats returns cumulative counters and the number of names muted at now
func (l *Limiter) Stats(now time.Time) Stats {
	l.mu.Lock()
	muted := 0
	for _, st := range l.states {
		if until := st.mutedUntil.Load(); until != 0 && now.UnixNano() < until {
			muted++
		}
	}
	l.mu.Unlock()

	return Stats{
		Warnings:       l.totalWarnings.Load(),
		Mutes:          l.totalMutes.Load(),
		Kicks:          l.totalKicks.Load(),
		CurrentlyMuted: muted,
	}
}
