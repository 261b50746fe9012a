// Package session keeps bounded per-node conversation history.
package session

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	DefaultMaxTurns    = 20
	DefaultMaxBytes    = 2000
	DefaultMaxAge      = time.Hour
	DefaultIdleTimeout = 30 * time.Minute
)

// Turn is one entry in a conversation.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Size is the number of bytes a turn counts against the session budget.
func (t Turn) Size() int {
	return len(t.Role) + len(t.Text)
}

// Limits bound one session. Zero values select the defaults.
type Limits struct {
	MaxTurns int
	MaxBytes int
	MaxAge   time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxTurns <= 0 {
		l.MaxTurns = DefaultMaxTurns
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	if l.MaxAge <= 0 {
		l.MaxAge = DefaultMaxAge
	}
	return l
}

// Session is the ordered history of one node. Oldest turns are evicted first
// so the total size never exceeds Limits.MaxBytes.
type Session struct {
	limits Limits

	mu         sync.Mutex
	turns      []Turn
	size       int
	lastActive time.Time
}

func newSession(limits Limits, now time.Time) *Session {
	return &Session{limits: limits.withDefaults(), lastActive: now}
}

// Append adds a turn and evicts from the front until every bound holds.
func (s *Session) Append(role string, text string, at time.Time) {
	role = strings.TrimSpace(role)
	text = strings.TrimSpace(text)
	if role == "" || text == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turn := Turn{Role: role, Text: text, At: at}
	if over := turn.Size() - s.limits.MaxBytes; over > 0 {
		turn.Text = truncateBytes(turn.Text, len(turn.Text)-over)
	}

	s.turns = append(s.turns, turn)
	s.size += turn.Size()
	s.lastActive = at
	s.evictLocked(at)
}

// Turns returns a copy of the live history, dropping turns older than MaxAge.
func (s *Session) Turns(now time.Time) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(now)
	if len(s.turns) == 0 {
		return nil
	}

	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = nil
	s.size = 0
}

// Size returns the bytes currently counted against the budget.
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) evictLocked(now time.Time) {
	drop := 0
	size := s.size
	for drop < len(s.turns) {
		t := s.turns[drop]
		expired := !now.IsZero() && now.Sub(t.At) > s.limits.MaxAge
		overCount := len(s.turns)-drop > s.limits.MaxTurns
		overSize := size > s.limits.MaxBytes
		if !expired && !overCount && !overSize {
			break
		}
		size -= t.Size()
		drop++
	}
	if drop == 0 {
		return
	}
	s.turns = append([]Turn(nil), s.turns[drop:]...)
	s.size = size
}

// truncateBytes cuts s to at most limit bytes without splitting a rune.
func truncateBytes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
