package dht

import (
	"sort"
	"time"

	"meshwork/internal/identity"
	"meshwork/internal/proto"
)

type LookupConfig struct {
	Alpha      int
	K          int
	RPCTimeout time.Duration
	MaxRounds  int
}

func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		Alpha:      3,
		K:          20,
		RPCTimeout: 1200 * time.Millisecond,
		MaxRounds:  32,
	}
}

// IterativeFindNode runs a Kademlia lookup toward target: query the alpha
// closest unqueried candidates, merge validated records from their replies,
// repeat until no closer node appears. Returned records are candidates for
// the caller to dial; nothing here enters the routing table without a direct
// authenticated exchange.
func (d *DHT) IterativeFindNode(s Sender, target identity.NodeID, cfg LookupConfig) []proto.NodeRecord {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.K <= 0 {
		cfg.K = d.rt.K()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 1200 * time.Millisecond
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 32
	}

	start := time.Now()

	type cand struct {
		id   identity.NodeID
		rec  proto.NodeRecord
		dist identity.NodeID
	}

	best := make([]cand, 0, cfg.K)
	seen := make(map[identity.NodeID]bool)

	for _, p := range d.rt.Closest(target, cfg.K) {
		rec, ok := d.record(p)
		if !ok {
			rec = proto.NodeRecord{ID: p.ID.Hex(), Addr: p.Addr, Name: p.Name}
		}
		best = append(best, cand{id: p.ID, rec: rec, dist: Xor(p.ID, target)})
		seen[p.ID] = true
	}

	sortBest := func() {
		sort.Slice(best, func(i, j int) bool { return DistanceLess(best[i].dist, best[j].dist) })
		if len(best) > cfg.K {
			best = best[:cfg.K]
		}
	}
	sortBest()

	queried := make(map[identity.NodeID]bool)
	pickNext := func() []identity.NodeID {
		out := make([]identity.NodeID, 0, cfg.Alpha)
		for _, c := range best {
			if len(out) == cfg.Alpha {
				break
			}
			if queried[c.id] {
				continue
			}
			queried[c.id] = true
			out = append(out, c.id)
		}
		return out
	}

	queries := 0
	closerFound := true

	for rounds := 0; closerFound && rounds < cfg.MaxRounds; rounds++ {
		closerFound = false

		toQuery := pickNext()
		if len(toQuery) == 0 {
			break
		}

		type result struct {
			resp proto.DHTWire
			ok   bool
		}
		resCh := make(chan result, len(toQuery))

		for _, id := range toQuery {
			queries++
			go func(id identity.NodeID) {
				resp, err := d.QueryFindNode(s, id, target, cfg.RPCTimeout)
				resCh <- result{resp: resp, ok: err == nil && resp.Kind == proto.KindNodes}
			}(id)
		}

		for i := 0; i < len(toQuery); i++ {
			r := <-resCh
			if !r.ok {
				continue
			}
			for _, rec := range r.resp.Nodes {
				id, ok := d.ValidateRecord(rec)
				if !ok || seen[id] {
					continue
				}
				seen[id] = true
				best = append(best, cand{id: id, rec: rec, dist: Xor(id, target)})
				closerFound = true
			}
		}

		sortBest()
	}

	d.metrics.ObserveLookup(queries, time.Since(start), len(best) > 0)

	out := make([]proto.NodeRecord, 0, len(best))
	for _, c := range best {
		out = append(out, c.rec)
	}
	return out
}
