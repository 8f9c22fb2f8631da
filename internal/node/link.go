package node

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"meshwork/internal/crypto/noiseconn"
	"meshwork/internal/identity"
	"meshwork/internal/netx"
)

// link is one authenticated, encrypted connection to a directly reachable
// peer. Frames cross it as single noise records.
type link struct {
	id           identity.NodeID
	name         string
	addr         netx.Addr // peer's advertised listen address
	observedAddr netx.Addr
	conn         *noiseconn.SecureConn

	sendCh chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (l *link) writeLoop(n *Node) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case raw, ok := <-l.sendCh:
			if !ok {
				return
			}
			if _, err := l.conn.Write(raw); err != nil {
				n.log.Debug("link write failed",
					zap.String("peer", l.id.Short()), zap.Error(err))
				go n.removeLink(l.id)
				return
			}
		}
	}
}

func (n *Node) addLink(l *link) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.links[l.id]; exists || l.id == n.kp.NodeID {
		return false
	}
	n.links[l.id] = l
	n.emit(Event{Type: EventLinkUp, PeerID: l.id.Hex(), PeerAddr: string(l.addr), PeerName: l.name})
	return true
}

func (n *Node) removeLink(id identity.NodeID) {
	n.mu.Lock()
	l := n.links[id]
	if l != nil {
		delete(n.links, id)
	}
	n.mu.Unlock()

	if l == nil {
		return
	}

	// Idempotent teardown.
	l.once.Do(func() {
		l.cancel()
		_ = l.conn.Close()
		n.emit(Event{Type: EventLinkDown, PeerID: l.id.Hex(), PeerAddr: string(l.addr), PeerName: l.name})
	})
}

func (n *Node) hasLink(id identity.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.links[id]
	return ok
}

// LinkCount returns the number of live links.
func (n *Node) LinkCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.links)
}

// Connected returns a snapshot of directly linked peer ids.
func (n *Node) Connected() []identity.NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]identity.NodeID, 0, len(n.links))
	for id := range n.links {
		out = append(out, id)
	}
	return out
}

// PeerAddr returns the advertised listen address for a linked peer, or "".
func (n *Node) PeerAddr(id identity.NodeID) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if l, ok := n.links[id]; ok {
		return string(l.addr)
	}
	return ""
}

// SendRaw queues frame bytes to a directly linked peer. A full send buffer
// tears the link down rather than blocking the router.
func (n *Node) SendRaw(to identity.NodeID, raw []byte) error {
	n.mu.RLock()
	l, ok := n.links[to]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no link to %s", to.Short())
	}

	select {
	case l.sendCh <- raw:
		return nil
	default:
		n.log.Warn("link send buffer full, dropping link", zap.String("peer", to.Short()))
		go n.removeLink(to)
		return fmt.Errorf("link to %s congested", to.Short())
	}
}
