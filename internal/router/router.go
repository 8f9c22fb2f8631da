// Package router implements the per-frame state machine: every inbound
// frame is validated (decode, signature, replay, TTL) and then delivered
// locally, forwarded toward its destination, or dropped. Loop prevention is
// structural: duplicate detection via the SeenCache plus TTL decay, with no
// source-path history.
package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meshwork/internal/dht"
	"meshwork/internal/frame"
	"meshwork/internal/identity"
)

// Links is the transport surface the router forwards through: raw frame
// bytes to directly connected peers. The router never assumes delivery is
// reliable or ordered.
type Links interface {
	SendRaw(to identity.NodeID, b []byte) error
	Connected() []identity.NodeID
	PeerAddr(id identity.NodeID) string
}

// Delivery is one validated, decrypted, deduplicated payload for the
// consumer. Internal drop reasons never surface here.
type Delivery struct {
	Sender  identity.NodeID
	Payload []byte
}

type Config struct {
	MaxTTL         uint8
	MaxPayload     int
	ReplayWindow   time.Duration
	FloodFanout    int
	InboundBuffer  int
	DeliveryBuffer int
}

func DefaultConfig() Config {
	return Config{
		MaxTTL:         16,
		MaxPayload:     8192,
		ReplayWindow:   2 * time.Minute,
		FloodFanout:    8,
		InboundBuffer:  256,
		DeliveryBuffer: 128,
	}
}

type inbound struct {
	from identity.NodeID // link the bytes arrived on
	raw  []byte
}

// Router drives frames between the frame codec, the routing table, and the
// transport links. It owns the SeenCache; the routing table is only read
// (route selection) and poked through the DHT engine's API.
type Router struct {
	log    *zap.Logger
	cfg    Config
	self   identity.NodeID
	keys   *identity.Keyring
	engine *dht.DHT
	links  Links
	sender dht.Sender

	seen *SeenCache

	inbound    chan inbound
	deliveries chan Delivery

	stats Stats
}

func New(keys *identity.Keyring, engine *dht.DHT, links Links, sender dht.Sender, cfg Config, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = 16
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 8192
	}
	if cfg.FloodFanout <= 0 {
		cfg.FloodFanout = 8
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}
	if cfg.DeliveryBuffer <= 0 {
		cfg.DeliveryBuffer = 128
	}
	return &Router{
		log:        log.Named("router"),
		cfg:        cfg,
		self:       keys.Self().NodeID,
		keys:       keys,
		engine:     engine,
		links:      links,
		sender:     sender,
		seen:       NewSeenCache(cfg.ReplayWindow),
		inbound:    make(chan inbound, cfg.InboundBuffer),
		deliveries: make(chan Delivery, cfg.DeliveryBuffer),
	}
}

// Deliveries is the message-consumer interface: only successfully
// validated, decrypted payloads appear here.
func (r *Router) Deliveries() <-chan Delivery { return r.deliveries }

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() StatsSnapshot { return r.stats.snapshot() }

// Submit hands raw bytes from a transport link into the processing loop.
// A full pipeline sheds load by dropping; a dropped frame is no different
// from one the network lost.
func (r *Router) Submit(from identity.NodeID, raw []byte) {
	select {
	case r.inbound <- inbound{from: from, raw: raw}:
	default:
		r.stats.overflowDrops.Add(1)
	}
}

// Run consumes the inbound pipeline until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-r.inbound:
			r.process(in.from, in.raw)
		}
	}
}

// process moves one frame through Received -> Validated -> {Deliver-Local |
// Forward | Drop}. Every failure is local: a bad frame never poisons the
// table or the cache.
func (r *Router) process(from identity.NodeID, raw []byte) {
	f, err := frame.Decode(raw, r.cfg.MaxPayload)
	if err != nil {
		r.stats.decodeDrops.Add(1)
		r.log.Debug("frame dropped at decode", zap.String("link", from.Short()), zap.Error(err))
		return
	}

	if f.TTL > r.cfg.MaxTTL {
		r.stats.decodeDrops.Add(1)
		return
	}

	// Our own frame echoed back by a neighbor.
	if f.Sender == r.self {
		return
	}

	if r.engine.Routing().Denied(f.Sender) {
		r.stats.authDrops.Add(1)
		return
	}

	pub, ok := r.keys.SignPub(f.Sender)
	if !ok {
		// Cannot verify the claimed sender; fail closed.
		r.stats.unknownDrops.Add(1)
		return
	}
	if !f.VerifySignature(pub) {
		r.stats.authDrops.Add(1)
		if r.engine.Routing().NoteAuthFailure(f.Sender) {
			r.log.Info("peer deny-listed after repeated auth failures",
				zap.String("peer", f.Sender.Short()))
		}
		return
	}

	// Replay check runs after signature verification so forged frames
	// cannot poison the cache against a legitimate sender.
	if r.seen.Seen(f.Sender, f.Nonce) {
		r.stats.replayDrops.Add(1)
		return
	}

	toSelf := f.Dest == r.self
	flood := f.Dest.IsBroadcast()

	if toSelf || flood {
		// Final-hop delivery ignores the TTL floor.
		r.deliverLocal(f, from)
	}
	if toSelf {
		return
	}

	r.forward(f, from)
}

func (r *Router) deliverLocal(f *frame.Frame, from identity.NodeID) {
	switch f.Type {
	case frame.TData:
		payload := f.Payload
		if !f.Dest.IsBroadcast() {
			sess, err := r.keys.Session(f.Sender)
			if err != nil {
				r.stats.authDrops.Add(1)
				return
			}
			pt, err := sess.Open(f.Nonce, f.Payload)
			if err != nil {
				r.stats.authDrops.Add(1)
				r.engine.Routing().NoteAuthFailure(f.Sender)
				return
			}
			payload = pt
		}
		select {
		case r.deliveries <- Delivery{Sender: f.Sender, Payload: payload}:
			r.stats.delivered.Add(1)
		default:
			r.stats.overflowDrops.Add(1)
		}

	case frame.TDiscoveryQuery, frame.TDiscoveryResponse, frame.TControl:
		r.engine.HandleWire(r.sender, f.Sender, r.links.PeerAddr(f.Sender), "", f.Payload)
		r.stats.control.Add(1)
	}
}

// forward relays f toward its destination. The TTL rule: a frame received
// with TTL 0 is at its final hop and is never forwarded; otherwise it goes
// out with TTL-1.
func (r *Router) forward(f *frame.Frame, from identity.NodeID) {
	if f.TTL == 0 {
		r.stats.ttlDrops.Add(1)
		return
	}

	fwd := *f
	fwd.TTL--
	raw := fwd.Encode()

	if f.Dest.IsBroadcast() {
		r.floodOut(raw, from, f.Sender)
		return
	}

	for _, hop := range r.engine.Routing().Closest(f.Dest, r.cfg.FloodFanout) {
		if hop.ID == r.self || hop.ID == from || hop.ID == f.Sender {
			continue
		}
		if err := r.links.SendRaw(hop.ID, raw); err != nil {
			continue
		}
		r.stats.forwarded.Add(1)
		return
	}

	// No reachable next hop. Not retried here; that is the sender's call.
	r.stats.unreachableDrops.Add(1)
}

// floodOut re-broadcasts to a bounded fan-out of connected peers. The
// SeenCache at each receiver keeps the flood from echoing forever.
func (r *Router) floodOut(raw []byte, from, origin identity.NodeID) {
	sent := 0
	for _, id := range r.links.Connected() {
		if sent >= r.cfg.FloodFanout {
			break
		}
		if id == from || id == origin || id == r.self {
			continue
		}
		if err := r.links.SendRaw(id, raw); err != nil {
			continue
		}
		sent++
	}
	if sent > 0 {
		r.stats.forwarded.Add(1)
	}
}
