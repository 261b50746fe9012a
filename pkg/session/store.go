package session

import (
	"sync"
	"time"
)

// Store owns every live session, keyed by node id.
type Store struct {
	limits      Limits
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore builds an empty store. A zero idle timeout selects the default.
func NewStore(limits Limits, idleTimeout time.Duration) *Store {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Store{
		limits:      limits.withDefaults(),
		idleTimeout: idleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
}

// Get returns the session for key, creating it on first use.
func (st *Store) Get(key string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[key]
	if !ok {
		s = newSession(st.limits, st.now())
		st.sessions[key] = s
	}
	return s
}

// Append records a turn on key's session using the store clock.
func (st *Store) Append(key string, role string, text string) {
	st.Get(key).Append(role, text, st.now())
}

// History returns the live turns of key without creating a session.
func (st *Store) History(key string) []Turn {
	st.mu.Lock()
	s, ok := st.sessions[key]
	st.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Turns(st.now())
}

// Clear empties key's session.
func (st *Store) Clear(key string) {
	st.mu.Lock()
	s, ok := st.sessions[key]
	st.mu.Unlock()
	if ok {
		s.Clear()
	}
}

// EvictIdle drops sessions without activity for longer than the idle timeout.
func (st *Store) EvictIdle() int {
	now := st.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	evicted := 0
	for key, s := range st.sessions {
		if now.Sub(s.LastActive()) > st.idleTimeout {
			delete(st.sessions, key)
			evicted++
		}
	}
	return evicted
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
