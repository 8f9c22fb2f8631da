package node

import (
	"time"

	"go.uber.org/zap"

	"meshwork/internal/dht"
	"meshwork/internal/netx"
)

const perTickLookups = 2

func (n *Node) discoveryLoop() {
	// On startup, try the static bootstraps and anything persisted from a
	// previous run.
	for _, addr := range n.cfg.Bootstraps {
		if addr == "" {
			continue
		}
		n.log.Debug("bootstrap dial", zap.String("addr", string(addr)))
		_ = n.ConnectTo(addr)
	}
	n.dialStoredPeers()

	ticker := time.NewTicker(n.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.discoveryTick()
		}
	}
}

func (n *Node) dialStoredPeers() {
	if n.cfg.Store == nil {
		return
	}
	cands, err := n.cfg.Store.Candidates(3, 8)
	if err != nil {
		n.log.Debug("peerstore read failed", zap.Error(err))
		return
	}
	for _, c := range cands {
		if n.hasLink(c.ID) {
			continue
		}
		if err := n.ConnectTo(netx.Addr(c.Addr)); err != nil {
			_ = n.cfg.Store.NoteFailure(c.ID)
		}
	}
}

func (n *Node) discoveryTick() {
	if n.LinkCount() >= n.cfg.MinPeers {
		return
	}

	// Re-dial bootstraps while under-connected.
	for _, addr := range n.cfg.Bootstraps {
		if addr == "" {
			continue
		}
		_ = n.ConnectTo(addr)
	}

	// Expand through the mesh: random-target lookups surface records whose
	// addresses we can dial directly.
	if n.LinkCount() == 0 {
		return
	}
	for i := 0; i < perTickLookups; i++ {
		target := dht.RandomNodeID()
		for _, rec := range n.engine.IterativeFindNode(n, target, dht.DefaultLookupConfig()) {
			id, ok := n.engine.ValidateRecord(rec)
			if !ok || rec.Addr == "" {
				continue
			}
			if n.hasLink(id) {
				continue
			}
			_ = n.ConnectTo(netx.Addr(rec.Addr))
		}
	}
}
