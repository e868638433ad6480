package websocket

import (
	"sync"

	"soulchat/pkg/interfaces"
)

// Registry maps session IDs to live sockets. It implements
// interfaces.SinkLookup for the hub.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// RegisterConnection binds conn to its session ID. Session IDs are minted by
// the server, so a second registration for the same ID is refused.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	sessionID := conn.SessionID()
	if sessionID == "" {
		return ErrMissingSessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[sessionID]; exists {
		return ErrDuplicateSession
	}
	r.connections[sessionID] = conn
	return nil
}

// UnregisterConnection removes conn if it is still the registered instance.
// Idempotent.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, exists := r.connections[conn.SessionID()]; exists && registered == conn {
		delete(r.connections, conn.SessionID())
	}
}

// GetConnection implements interfaces.SinkLookup.
func (r *Registry) GetConnection(sessionID string) (interfaces.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[sessionID]
	if !exists {
		return nil, false
	}
	return conn, true
}

// CloseAll closes every registered socket, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
	}
}
