package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SessionState is the position of a session in its lifecycle. A session only moves forward:
// new, handshaking, ready, closed.
type SessionState int

// Session is the server-side record of one client conversation.
type Session struct {
	ID                 string             `json:"id"`
	State              SessionState       `json:"state"`
	ProtocolVersion    string             `json:"protocolVersion"`
	ClientInfo         Info               `json:"clientInfo"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	CreatedAt          time.Time          `json:"createdAt"`
	LastSeen           time.Time          `json:"lastSeen"`
}

// MemorySessionRegistry is a SessionRegistry backed by a map guarded by a mutex. Sessions don't
// survive a restart.
type MemorySessionRegistry struct {
	mu          sync.Mutex
	sessions    map[string]Session
	maxSessions int
}

// SessionState values.
const (
	SessionStateNew SessionState = iota
	SessionStateHandshaking
	SessionStateReady
	SessionStateClosed
)

var (
	// ErrSessionNotFound is returned when a session ID is unknown, expired or already deleted.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotReady is returned when a session hasn't completed its handshake.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrInvalidTransition is returned when a state change doesn't follow the session lifecycle.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrTooManySessions is returned by registries that reached their capacity.
	ErrTooManySessions = errors.New("too many sessions")
	// ErrSessionExists is returned when creating a session with an ID that is already stored.
	ErrSessionExists = errors.New("session already exists")
)

// NewMemorySessionRegistry creates an empty registry. A positive maxSessions caps the number of
// sessions stored at once.
func NewMemorySessionRegistry(maxSessions int) *MemorySessionRegistry {
	return &MemorySessionRegistry{
		sessions:    make(map[string]Session),
		maxSessions: maxSessions,
	}
}

func (s SessionState) String() string {
	switch s {
	case SessionStateNew:
		return "new"
	case SessionStateHandshaking:
		return "handshaking"
	case SessionStateReady:
		return "ready"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SessionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "new":
		*s = SessionStateNew
	case "handshaking":
		*s = SessionStateHandshaking
	case "ready":
		*s = SessionStateReady
	case "closed":
		*s = SessionStateClosed
	default:
		return fmt.Errorf("unknown session state %q", string(text))
	}
	return nil
}

// BeginHandshake moves a new session to handshaking.
func (s Session) BeginHandshake() (Session, error) {
	if s.State != SessionStateNew {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, SessionStateHandshaking)
	}
	s.State = SessionStateHandshaking
	return s, nil
}

// MarkReady moves a handshaking session to ready. Marking a ready session again is a no-op.
func (s Session) MarkReady() (Session, error) {
	switch s.State {
	case SessionStateHandshaking:
		s.State = SessionStateReady
		return s, nil
	case SessionStateReady:
		return s, nil
	default:
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, SessionStateReady)
	}
}

// Close moves the session to its terminal state.
func (s Session) Close() Session {
	s.State = SessionStateClosed
	return s
}

// Create implements SessionRegistry.
func (m *MemorySessionRegistry) Create(_ context.Context, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return ErrTooManySessions
	}
	m.sessions[sess.ID] = sess
	return nil
}

// Get implements SessionRegistry.
func (m *MemorySessionRegistry) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// MarkReady implements SessionRegistry.
func (m *MemorySessionRegistry) MarkReady(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	sess, err := sess.MarkReady()
	if err != nil {
		return sess, err
	}
	m.sessions[id] = sess
	return sess, nil
}

// Touch implements SessionRegistry.
func (m *MemorySessionRegistry) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if at.After(sess.LastSeen) {
		sess.LastSeen = at
		m.sessions[id] = sess
	}
	return nil
}

// Delete implements SessionRegistry.
func (m *MemorySessionRegistry) Delete(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	delete(m.sessions, id)
	return sess.Close(), nil
}

// DeleteIdle implements SessionRegistry.
func (m *MemorySessionRegistry) DeleteIdle(_ context.Context, before time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, sess := range m.sessions {
		if sess.LastSeen.Before(before) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// Count implements SessionRegistry.
func (m *MemorySessionRegistry) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions), nil
}
