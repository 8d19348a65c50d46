package transport

import (
	"context"
	"sync"
)

// Roles a push connection can be opened for.
const (
	RoleCollector = "collector"
	RoleResident  = "resident"
	RoleAdmin     = "admin"
)

// DialFunc opens a push connection for role.
type DialFunc func(ctx context.Context, role string) (*PushConn, error)

type managedConn struct {
	conn *PushConn
	refs int
}

// ConnManager owns at most one push connection per role for the whole
// process. Components borrow it with Acquire and give it back with Release;
// only Close tears it down.
type ConnManager struct {
	dial DialFunc

	mu    sync.Mutex
	conns map[string]*managedConn
}

// NewConnManager dials through client. collectorID identifies the collector
// role's connection and is ignored for the others.
func NewConnManager(client *Client, collectorID string) *ConnManager {
	return NewConnManagerWithDialer(func(ctx context.Context, role string) (*PushConn, error) {
		id := ""
		if role == RoleCollector {
			id = collectorID
		}
		return Dial(ctx, client.SocketURL(role, id), role, client.AuthHeader())
	})
}

// NewConnManagerWithDialer uses dial to open connections.
func NewConnManagerWithDialer(dial DialFunc) *ConnManager {
	return &ConnManager{dial: dial, conns: make(map[string]*managedConn)}
}

// Acquire returns the open connection for role, dialing when there is none
// or the previous one dropped.
func (m *ConnManager) Acquire(ctx context.Context, role string) (*PushConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mc, ok := m.conns[role]; ok && mc.conn.Connected() {
		mc.refs++
		return mc.conn, nil
	}
	conn, err := m.dial(ctx, role)
	if err != nil {
		return nil, err
	}
	m.conns[role] = &managedConn{conn: conn, refs: 1}
	return conn, nil
}

// Current returns the open connection for role without dialing.
func (m *ConnManager) Current(role string) (*PushConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.conns[role]
	if !ok || !mc.conn.Connected() {
		return nil, false
	}
	return mc.conn, true
}

// Release drops one reference. The connection stays open for the next
// Acquire.
func (m *ConnManager) Release(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[role]; ok && mc.refs > 0 {
		mc.refs--
	}
}

// Refs returns the number of outstanding references for role.
func (m *ConnManager) Refs(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[role]; ok {
		return mc.refs
	}
	return 0
}

// Close tears down the connection for role.
func (m *ConnManager) Close(role string) error {
	m.mu.Lock()
	mc, ok := m.conns[role]
	delete(m.conns, role)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return mc.conn.Close()
}

// CloseAll tears down every connection.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*managedConn)
	m.mu.Unlock()
	for _, mc := range conns {
		_ = mc.conn.Close()
	}
}
