package realtime

import (
	"sync"
	"testing"

	"github.com/coder/websocket"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	code   websocket.StatusCode
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestConnManager_Register(t *testing.T) {
	m := NewConnManager(nil)
	conn := &fakeConn{}

	m.Register(1, 42, conn)

	if active := m.Active(42); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
}

func TestConnManager_ReplaceClosesOlder(t *testing.T) {
	m := NewConnManager(nil)
	older := &fakeConn{}
	newer := &fakeConn{}

	m.Register(1, 42, older)
	m.Register(1, 42, newer)

	if !older.isClosed() || older.code != websocket.StatusPolicyViolation {
		t.Error("Expected replaced connection to be closed")
	}
	if newer.isClosed() {
		t.Error("Expected newer connection to stay open")
	}

	// The stale handler unregistering must not drop the newer connection.
	m.Unregister(42, older)
	if m.Active(42) != newer {
		t.Error("Expected newer connection to remain active")
	}
}

func TestConnManager_CloseSession(t *testing.T) {
	m := NewConnManager(nil)
	conn := &fakeConn{}
	other := &fakeConn{}
	m.Register(1, 42, conn)
	m.Register(1, 43, other)

	m.CloseSession(42)
	m.CloseSession(99)

	if !conn.isClosed() {
		t.Error("Expected connection to be closed")
	}
	if m.Active(42) != nil {
		t.Error("Expected session to be removed")
	}
	if other.isClosed() || m.Count() != 1 {
		t.Error("Expected other session untouched")
	}
}

func TestConnManager_ConcurrentAccess(t *testing.T) {
	m := NewConnManager(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			m.Register(1, int64(i), &fakeConn{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			m.Active(int64(i))
		}
	}()
	wg.Wait()

	if m.Count() != 1000 {
		t.Fatalf("expected 1000 connections, got %d", m.Count())
	}
}
