// Package realtime serves the bidirectional counseling channel over websockets.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// liveConn is the part of a websocket connection the manager needs.
type liveConn interface {
	Close(code websocket.StatusCode, reason string) error
}

type registration struct {
	userID int64
	conn   liveConn
}

// ConnManager tracks the live connection of each counseling session.
// A session has at most one live connection; a newer one replaces the older.
type ConnManager struct {
	mu     sync.RWMutex
	active map[int64]registration
	logger *slog.Logger
}

// NewConnManager creates a new connection manager.
func NewConnManager(logger *slog.Logger) *ConnManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnManager{
		active: make(map[int64]registration),
		logger: logger,
	}
}

// Active returns the live connection for a session, or nil.
func (m *ConnManager) Active(sessionID int64) liveConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if reg, ok := m.active[sessionID]; ok {
		return reg.conn
	}
	return nil
}

// Register records conn as the live connection for a session, closing any
// connection it replaces.
func (m *ConnManager) Register(userID, sessionID int64, conn liveConn) {
	m.mu.Lock()
	existing, replaced := m.active[sessionID]
	m.active[sessionID] = registration{userID: userID, conn: conn}
	m.mu.Unlock()

	if replaced && existing.conn != conn {
		_ = existing.conn.Close(websocket.StatusPolicyViolation, "session opened elsewhere")
	}
	m.logger.Info("Counseling channel registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes conn if it is still the live connection for the session.
func (m *ConnManager) Unregister(sessionID int64, conn liveConn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[sessionID]; ok && current.conn == conn {
		delete(m.active, sessionID)
		m.logger.Info("Counseling channel unregistered", "user_id", current.userID, "session_id", sessionID)
	}
}

// CloseSession terminates the live connection of a session, if any.
func (m *ConnManager) CloseSession(sessionID int64) {
	m.mu.Lock()
	reg, ok := m.active[sessionID]
	if ok {
		delete(m.active, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	// Close waits for the handshake, so it runs outside the lock.
	_ = reg.conn.Close(websocket.StatusNormalClosure, "session closed")
	m.logger.Info("Counseling channel closed", "user_id", reg.userID, "session_id", sessionID)
}

// Count returns the number of live connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
