package router

import "sync/atomic"

// Stats counts frame outcomes. Counters only; no timestamps, no per-peer
// breakdown. Cheap enough to bump on every frame.
type Stats struct {
	delivered        atomic.Uint64
	control          atomic.Uint64
	forwarded        atomic.Uint64
	decodeDrops      atomic.Uint64
	authDrops        atomic.Uint64
	unknownDrops     atomic.Uint64
	replayDrops      atomic.Uint64
	ttlDrops         atomic.Uint64
	unreachableDrops atomic.Uint64
	overflowDrops    atomic.Uint64
}

type StatsSnapshot struct {
	Delivered        uint64
	ControlHandled   uint64
	Forwarded        uint64
	DecodeDrops      uint64
	AuthDrops        uint64
	UnknownDrops     uint64
	ReplayDrops      uint64
	TTLDrops         uint64
	UnreachableDrops uint64
	OverflowDrops    uint64
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Delivered:        s.delivered.Load(),
		ControlHandled:   s.control.Load(),
		Forwarded:        s.forwarded.Load(),
		DecodeDrops:      s.decodeDrops.Load(),
		AuthDrops:        s.authDrops.Load(),
		UnknownDrops:     s.unknownDrops.Load(),
		ReplayDrops:      s.replayDrops.Load(),
		TTLDrops:         s.ttlDrops.Load(),
		UnreachableDrops: s.unreachableDrops.Load(),
		OverflowDrops:    s.overflowDrops.Load(),
	}
}
