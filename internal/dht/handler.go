package dht

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"meshwork/internal/frame"
	"meshwork/internal/identity"
	"meshwork/internal/proto"
)

// HandleWire processes one decoded discovery or control payload from a
// directly connected, already-authenticated peer.
func (d *DHT) HandleWire(s Sender, from identity.NodeID, fromAddr, fromName string, raw []byte) {
	var w proto.DHTWire
	if err := json.Unmarshal(raw, &w); err != nil {
		d.log.Debug("bad wire payload", zap.String("from", from.Short()), zap.Error(err))
		return
	}

	now := time.Now()
	d.rlMu.Lock()
	b := d.rl[from]
	if b == nil {
		b = &tokenBucket{}
		d.rl[from] = b
	}
	ok := b.allow(now, 20 /* req/sec */, 40 /* burst */, 1 /* cost */)
	d.rlMu.Unlock()
	if !ok {
		return
	}

	// Any direct traffic refreshes the peer's liveness.
	d.rt.Upsert(Peer{ID: from, Addr: fromAddr, Name: fromName})

	// Deliver responses to pending RPC waiters.
	if w.RPCID != "" && (w.Kind == proto.KindNodes || w.Kind == proto.KindPong) {
		d.pendingMu.Lock()
		ch := d.pending[w.RPCID]
		if ch != nil {
			delete(d.pending, w.RPCID)
		}
		d.pendingMu.Unlock()

		if ch != nil {
			select {
			case ch <- w:
			default:
			}
			return
		}
	}

	switch w.Kind {
	case proto.KindPing:
		reply := proto.DHTWire{Kind: proto.KindPong, RPCID: w.RPCID}
		if err := s.Send(from, frame.TControl, proto.MustMarshal(reply)); err != nil {
			d.log.Debug("pong send failed", zap.String("to", from.Short()), zap.Error(err))
		}

	case proto.KindFindNode:
		target, err := identity.ParseNodeIDHex(w.Target)
		if err != nil {
			return
		}

		closest := d.rt.Closest(target, d.rt.K())
		out := make([]proto.NodeRecord, 0, len(closest))
		for _, p := range closest {
			if rec, ok := d.record(p); ok {
				out = append(out, rec)
			}
		}

		reply := proto.DHTWire{Kind: proto.KindNodes, RPCID: w.RPCID, Target: w.Target, Nodes: out}
		if err := s.Send(from, frame.TDiscoveryResponse, proto.MustMarshal(reply)); err != nil {
			d.log.Debug("nodes send failed", zap.String("to", from.Short()), zap.Error(err))
		}

	default:
		// Unsolicited responses and unknown kinds are dropped.
	}
}
