// Package terminal connects to remote shells and captures the output of the
// commands and keystrokes sent to them.
package terminal

import (
	"log/slog"
	"sync"
)

// Registry tracks the live terminal connection of each user session.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*Conn
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active: make(map[string]map[string]*Conn),
		logger: logger,
	}
}

// Get returns the connection for a user and session, or nil.
func (r *Registry) Get(userID, sessionID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessions, ok := r.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register stores conn for a user session, closing any connection it
// replaces. The entry is dropped automatically when conn ends.
func (r *Registry) Register(userID, sessionID string, conn *Conn) {
	r.mu.Lock()
	if _, exists := r.active[userID]; !exists {
		r.active[userID] = make(map[string]*Conn)
	}
	existing := r.active[userID][sessionID]
	r.active[userID][sessionID] = conn
	r.mu.Unlock()

	if existing != nil && existing != conn {
		_ = existing.Close()
	}
	r.logger.Info("Terminal connection registered", "user_id", userID, "session_id", sessionID)

	go func() {
		<-conn.Done()
		r.Unregister(userID, sessionID, conn)
	}()
}

// Unregister removes conn if it is still the current connection for the
// session. It does not close conn.
func (r *Registry) Unregister(userID, sessionID string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.active[userID]
	if !ok {
		return false
	}
	current, exists := sessions[sessionID]
	if !exists || current != conn {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.active, userID)
	}
	r.logger.Info("Terminal connection unregistered", "user_id", userID, "session_id", sessionID)
	return true
}

// Disconnect closes and removes the connection for a user session.
func (r *Registry) Disconnect(userID, sessionID string) bool {
	conn := r.Get(userID, sessionID)
	if conn == nil {
		return false
	}
	r.Unregister(userID, sessionID, conn)
	if err := conn.Close(); err != nil {
		r.logger.Debug("Terminal close failed", "error", err, "user_id", userID)
	}
	return true
}

// CloseAll closes every tracked connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var conns []*Conn
	for _, sessions := range r.active {
		for _, c := range sessions {
			conns = append(conns, c)
		}
	}
	r.active = make(map[string]map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.active {
		n += len(sessions)
	}
	return n
}
