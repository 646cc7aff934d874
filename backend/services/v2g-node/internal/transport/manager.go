package transport

import (
	"net"
	"sync"
)

// Manager tracks accepted connections.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]net.Conn
}

// NewManager builds connection manager.
func NewManager() *Manager {
	return &Manager{connections: make(map[string]net.Conn)}
}

// Add registers connection.
func (m *Manager) Add(id string, conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[id] = conn
}

// Remove removes connection.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, id)
}

// Len returns the number of open connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// CloseAll closes every tracked connection. Handlers remove themselves as they exit.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.connections {
		_ = conn.Close()
	}
}
