// Package call negotiates the WebRTC audio session between a paired source
// and sink using Pion. Coupling to the rest of the program is via the
// Signaler interface only.
package call

import (
	"sync"
)

// Manager owns the process's single active session. Switching devices
// requires Replace or Destroy.
type Manager struct {
	dial SignalerFactory

	mu      sync.Mutex
	current *Session
}

func NewManager(dial SignalerFactory) *Manager {
	return &Manager{dial: dial}
}

// Acquire returns the active session, creating one for deviceID if none is
// active. A live session is returned as is, whatever id is asked for; use
// Replace to switch devices.
func (m *Manager) Acquire(deviceID string, cfg Config) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.current; s != nil && !s.isClosed() {
		if s.deviceID != deviceID {
			log.Debugw("reusing active session", "active", s.deviceID, "requested", deviceID)
		}
		return s
	}
	m.current = NewSession(deviceID, cfg, m.dial)
	log.Infof("session created for %s", deviceID)
	return m.current
}

// Replace tears down the active session and creates a new one.
func (m *Manager) Replace(deviceID string, cfg Config) *Session {
	m.mu.Lock()
	old := m.current
	m.current = NewSession(deviceID, cfg, m.dial)
	s := m.current
	m.mu.Unlock()

	if old != nil {
		old.Close()
		log.Infof("session for %s replaced", old.deviceID)
	}
	return s
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.isClosed() {
		return nil
	}
	return m.current
}

// Destroy closes and forgets the active session.
func (m *Manager) Destroy() {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}
}
