// Package mcpsrv hosts the MCP-facing side of the bridge: client session
// lifecycle with TTL cleanup, the session-to-instance binding, and the MCP
// server with its streamable-HTTP and legacy SSE transports.
package mcpsrv

import (
	"fmt"
	"sync"
	"time"
)

// DefaultSessionTTL is the idle lifetime of an MCP client session.
const DefaultSessionTTL = 30 * time.Minute

// Session is one MCP client session and its instance binding.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	updatedAt  time.Time
	instanceID string
	flowTools  []string
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Touch refreshes the session's activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) updated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// InstanceID returns the bound extension instance id, or "".
func (s *Session) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceID
}

func (s *Session) bindInstance(instanceID string) {
	s.mu.Lock()
	s.instanceID = instanceID
	s.mu.Unlock()
}

// setFlowTools records the flow tool names currently injected into the
// session, returning the previous set.
func (s *Session) setFlowTools(names []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.flowTools
	s.flowTools = names
	return prev
}

// SessionManager holds MCP client sessions with TTL cleanup. The SDK does not
// manage sessions itself; it delegates through the SessionIdManager adapter.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl    time.Duration
	stopCh chan struct{}
	once   sync.Once
}

// NewSessionManager creates a manager and starts its cleanup worker.
func NewSessionManager(ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &SessionManager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// AddWithID registers a new session under id.
func (m *SessionManager) AddWithID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return fmt.Errorf("session id %q already exists", id)
	}
	now := time.Now()
	m.sessions[id] = &Session{id: id, createdAt: now, updatedAt: now}
	return nil
}

// Get returns the session and refreshes its activity timestamp.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.Touch()
	return s, true
}

// Delete removes the session and, with it, its instance binding.
func (m *SessionManager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// BindInstance attaches an extension instance to a session. Returns false if
// the session does not exist.
func (m *SessionManager) BindInstance(sessionID, instanceID string) bool {
	s, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	s.bindInstance(instanceID)
	return true
}

// Instance returns the instance bound to sessionID, or ("", false) when the
// session is unknown or unbound.
func (m *SessionManager) Instance(sessionID string) (string, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	id := s.InstanceID()
	return id, id != ""
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupExpired drops sessions idle past the TTL.
func (m *SessionManager) CleanupExpired() int {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.updated().Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Stop terminates the cleanup worker.
func (m *SessionManager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}
