package streaming

import (
	"sync"
)

// Manager tracks one session per conversation so several generations can
// stream concurrently. Switching the visibly focused conversation never
// cancels a background session: deltas keep routing to the owning chat's
// slice of the store, and returning to a backgrounded conversation shows it
// having progressed to completion.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the chat's session, creating it with factory when
// none exists. A terminal session whose outcome has been consumed should be
// released first; until then it remains observable.
func (m *Manager) GetOrCreate(chatKey string, factory func() *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[chatKey]; ok {
		return s
	}
	s := factory()
	m.sessions[chatKey] = s
	return s
}

// Get returns the chat's session, if any.
func (m *Manager) Get(chatKey string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[chatKey]
	return s, ok
}

// Active reports whether the chat has a generation in flight.
func (m *Manager) Active(chatKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[chatKey]
	return ok && !s.State().Terminal()
}

// ActiveCount returns the number of in-flight sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			n++
		}
	}
	return n
}

// Release drops a session once its terminal state has been consumed. A
// non-terminal session is never dropped; callers must Cancel first.
func (m *Manager) Release(chatKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[chatKey]
	if !ok || !s.State().Terminal() {
		return false
	}
	delete(m.sessions, chatKey)
	return true
}
