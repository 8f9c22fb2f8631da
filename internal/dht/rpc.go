package dht

import (
	"context"
	"time"

	"github.com/google/uuid"

	"meshwork/internal/frame"
	"meshwork/internal/identity"
	"meshwork/internal/proto"
)

// query sends one request and waits for the correlated response or timeout.
func (d *DHT) query(s Sender, to identity.NodeID, typ frame.Type, w proto.DHTWire, timeout time.Duration) (proto.DHTWire, error) {
	rpcID := uuid.NewString()
	w.RPCID = rpcID

	ch := make(chan proto.DHTWire, 1)

	d.pendingMu.Lock()
	d.pending[rpcID] = ch
	d.pendingMu.Unlock()

	drop := func() {
		d.pendingMu.Lock()
		delete(d.pending, rpcID)
		d.pendingMu.Unlock()
	}

	if err := s.Send(to, typ, proto.MustMarshal(w)); err != nil {
		drop()
		return proto.DHTWire{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		drop()
		return proto.DHTWire{}, context.DeadlineExceeded
	}
}

// Ping probes a peer for liveness over a control frame and returns the
// measured round trip. A timeout resolves to an error, never a hang.
func (d *DHT) Ping(s Sender, to identity.NodeID, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	_, err := d.query(s, to, frame.TControl, proto.DHTWire{Kind: proto.KindPing}, timeout)
	d.metrics.IncRPC(proto.KindPing, err == nil)
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// QueryFindNode asks one peer for its closest known nodes to target.
func (d *DHT) QueryFindNode(s Sender, to identity.NodeID, target identity.NodeID, timeout time.Duration) (proto.DHTWire, error) {
	w := proto.DHTWire{Kind: proto.KindFindNode, Target: target.Hex()}
	resp, err := d.query(s, to, frame.TDiscoveryQuery, w, timeout)
	d.metrics.IncRPC(proto.KindFindNode, err == nil)
	return resp, err
}
