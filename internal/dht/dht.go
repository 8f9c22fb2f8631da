// Package dht maintains the set of known peers in a Kademlia-style routing
// table and drives FIND_NODE discovery over signed frames.
package dht

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"meshwork/internal/frame"
	"meshwork/internal/identity"
	"meshwork/internal/proto"
)

// Sender is the outbound half the engine needs from the node: build a signed
// frame of the given type addressed to a directly connected peer and put it
// on the wire.
type Sender interface {
	Self() identity.NodeID
	Send(to identity.NodeID, typ frame.Type, payload []byte) error
}

// DHT is the package's primary engine. It owns the routing table, pending
// RPC correlation, and lookup behavior. One engine per node process.
type DHT struct {
	log  *zap.Logger
	self identity.NodeID
	rt   *Table
	keys *identity.Keyring

	pendingMu sync.Mutex
	pending   map[string]chan proto.DHTWire

	rlMu sync.Mutex
	rl   map[identity.NodeID]*tokenBucket

	probeTimeout time.Duration
	metrics      Metrics
}

type Option func(*DHT)

func WithMetrics(m Metrics) Option {
	return func(d *DHT) {
		if m != nil {
			d.metrics = m
		}
	}
}

func WithProbeTimeout(timeout time.Duration) Option {
	return func(d *DHT) {
		if timeout > 0 {
			d.probeTimeout = timeout
		}
	}
}

func WithDiversityPolicy(p DiversityPolicy) Option {
	return func(d *DHT) { d.rt.SetDiversityLimit(p.MaxPerSubnet) }
}

func New(keys *identity.Keyring, k int, log *zap.Logger, opts ...Option) *DHT {
	if log == nil {
		log = zap.NewNop()
	}
	self := keys.Self().NodeID
	d := &DHT{
		log:          log.Named("dht"),
		self:         self,
		rt:           NewTable(self, k),
		keys:         keys,
		pending:      make(map[string]chan proto.DHTWire),
		rl:           make(map[identity.NodeID]*tokenBucket),
		probeTimeout: 3 * time.Second,
		metrics:      NoopMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DHT) Routing() *Table { return d.rt }

// ObservePeer admits a peer that completed a direct authenticated exchange.
// Admission uses full eviction semantics: a full bucket probes its LRU tail
// before the newcomer may take a slot.
func (d *DHT) ObservePeer(s Sender, id identity.NodeID, addr, name string) {
	d.rt.UpsertWithEviction(Peer{ID: id, Addr: addr, Name: name}, d.pingFunc(s))
	d.metrics.SetTableSize(d.rt.Size())
}

// pingFunc adapts the engine's control ping for table eviction probes.
func (d *DHT) pingFunc(s Sender) PingFunc {
	return func(p Peer) (time.Duration, bool) {
		rtt, err := d.Ping(s, p.ID, d.probeTimeout)
		return rtt, err == nil
	}
}

// record builds the discovery record for a table peer, attaching its public
// keys so receivers can re-validate the id binding. Peers whose keys are
// unknown are unanswerable and skipped.
func (d *DHT) record(p Peer) (proto.NodeRecord, bool) {
	signPub, ok := d.keys.SignPub(p.ID)
	if !ok {
		return proto.NodeRecord{}, false
	}
	agreePub, ok := d.keys.AgreePub(p.ID)
	if !ok {
		return proto.NodeRecord{}, false
	}
	return proto.NodeRecord{
		ID:       p.ID.Hex(),
		Addr:     p.Addr,
		Name:     p.Name,
		SignPub:  signPub,
		AgreePub: agreePub[:],
	}, true
}

// ValidateRecord checks a discovery record's id/key binding and, when valid,
// teaches the keyring. The peer still must pass a direct liveness exchange
// before it can enter the routing table.
func (d *DHT) ValidateRecord(rec proto.NodeRecord) (identity.NodeID, bool) {
	id, err := identity.ParseNodeIDHex(rec.ID)
	if err != nil || id == d.self || id.IsBroadcast() {
		return identity.NodeID{}, false
	}
	var agreePub [32]byte
	if len(rec.AgreePub) != len(agreePub) {
		return identity.NodeID{}, false
	}
	copy(agreePub[:], rec.AgreePub)
	if err := d.keys.Learn(id, rec.SignPub, agreePub); err != nil {
		return identity.NodeID{}, false
	}
	return id, true
}
