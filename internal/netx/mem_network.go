package netx

import (
	"fmt"
	"net"
	"sync"
)

// MemFabric connects in-process networks by name, for tests that need
// several nodes without touching real sockets.
type MemFabric struct {
	mu      sync.Mutex
	nextID  int
	inboxes map[Addr]chan Conn
}

func NewMemFabric() *MemFabric {
	return &MemFabric{inboxes: make(map[Addr]chan Conn)}
}

// Network returns a Network attached to the fabric. Listen ignores the bind
// address and assigns a unique synthetic one.
func (f *MemFabric) Network() Network {
	return &memNetwork{fabric: f}
}

type memNetwork struct {
	fabric *MemFabric

	mu     sync.Mutex
	addr   Addr
	inbox  chan Conn
	closed bool
}

func (m *memNetwork) Listen(string) (Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inbox != nil {
		return m.addr, nil
	}

	f := m.fabric
	f.mu.Lock()
	f.nextID++
	addr := Addr(fmt.Sprintf("mem:%d", f.nextID))
	inbox := make(chan Conn, 16)
	f.inboxes[addr] = inbox
	f.mu.Unlock()

	m.addr = addr
	m.inbox = inbox
	return addr, nil
}

func (m *memNetwork) Accept() (Conn, error) {
	m.mu.Lock()
	inbox := m.inbox
	m.mu.Unlock()
	if inbox == nil {
		return nil, net.ErrClosed
	}
	c, ok := <-inbox
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}

func (m *memNetwork) Dial(addr Addr) (Conn, error) {
	f := m.fabric
	f.mu.Lock()
	inbox, ok := f.inboxes[addr]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("netx: no listener at %s", addr)
	}

	local, remote := net.Pipe()

	m.mu.Lock()
	localAddr := m.addr
	m.mu.Unlock()

	select {
	case inbox <- &memConn{Conn: remote, remote: localAddr}:
	default:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("netx: accept backlog full at %s", addr)
	}
	return &memConn{Conn: local, remote: addr}, nil
}

func (m *memNetwork) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.inbox != nil {
		f := m.fabric
		f.mu.Lock()
		delete(f.inboxes, m.addr)
		f.mu.Unlock()
		close(m.inbox)
		m.inbox = nil
	}
	return nil
}

type memConn struct {
	net.Conn
	remote Addr
}

func (c *memConn) RemoteAddr() Addr { return c.remote }
