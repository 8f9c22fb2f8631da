package dht

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"meshwork/internal/identity"
)

// Peer is one routing table entry. Identity fields are fixed at admission;
// liveness fields are updated only through Table methods.
type Peer struct {
	ID   identity.NodeID
	Addr string // transport-opaque address token
	Name string

	LastSeen time.Time
	RTT      time.Duration

	probeFailures int
	authFailures  int
}

type bucket struct {
	peers []Peer // LRU: index 0 = most recently seen; end = least
	repl  []Peer // replacement cache (bounded)
}

// DiversityPolicy caps how many peers from one subnet a bucket may hold,
// raising the address cost of eclipsing any single bucket.
type DiversityPolicy struct {
	MaxPerSubnet int
}

// Table is the set of known peers, organized in 256 fixed-capacity buckets
// by XOR distance from the local node. Bucket capacity k bounds how much of
// any distance range a single identity block can occupy.
type Table struct {
	self identity.NodeID
	k    int

	mu      sync.RWMutex
	buckets [256]bucket

	diversity DiversityPolicy
	deny      *denyList
}

const (
	replacementMax    = 10
	probeFailureLimit = 3
	authFailureLimit  = 3
)

func NewTable(self identity.NodeID, k int) *Table {
	if k <= 0 {
		k = 20
	}
	return &Table{
		self:      self,
		k:         k,
		diversity: DiversityPolicy{MaxPerSubnet: 2},
		deny:      newDenyList(10 * time.Minute),
	}
}

func (t *Table) Self() identity.NodeID { return t.self }
func (t *Table) K() int                { return t.k }

// PingFunc probes a peer for liveness, returning the measured round trip.
// It must respect its own timeout; a timed-out probe returns ok=false.
type PingFunc func(Peer) (rtt time.Duration, ok bool)

// Upsert is a "no-network" upsert: it maintains LRU ordering but never
// evicts. A full bucket silently drops the new peer.
func (t *Table) Upsert(p Peer) {
	t.upsertLRU(p, time.Now(), nil)
}

// UpsertWithEviction implements Kademlia bucket semantics:
//   - known peer: move to front, refresh liveness
//   - space left: insert at front
//   - bucket full: probe the least-recently-seen occupant; dead -> evict and
//     insert, alive -> keep the incumbent and stash the candidate in the
//     replacement cache.
//
// Eviction on proven death only is the anti-eclipse baseline: displacing a
// legitimate peer requires defeating its liveness probe.
func (t *Table) UpsertWithEviction(p Peer, ping PingFunc) {
	t.upsertLRU(p, time.Now(), ping)
}

func (t *Table) upsertLRU(p Peer, now time.Time, ping PingFunc) {
	if p.ID == t.self || t.deny.Denied(p.ID, now) {
		return
	}
	bi := BucketIndex(t.self, p.ID)
	if bi < 0 || bi >= 256 {
		return
	}

	t.mu.Lock()
	b := t.buckets[bi]

	for i := range b.peers {
		if b.peers[i].ID == p.ID {
			cur := b.peers[i]
			if p.Addr != "" {
				cur.Addr = p.Addr
			}
			if p.Name != "" {
				cur.Name = p.Name
			}
			cur.LastSeen = now
			cur.probeFailures = 0

			copy(b.peers[i:], b.peers[i+1:])
			b.peers = b.peers[:len(b.peers)-1]
			b.peers = append([]Peer{cur}, b.peers...)

			t.buckets[bi] = b
			t.mu.Unlock()
			return
		}
	}

	p.LastSeen = now
	p.probeFailures = 0

	if max := t.diversity.MaxPerSubnet; max > 0 {
		if sk := subnetKey(p.Addr); sk != "" {
			cnt := 0
			for i := range b.peers {
				if subnetKey(b.peers[i].Addr) == sk {
					cnt++
				}
			}
			if cnt >= max {
				t.mu.Unlock()
				return
			}
		}
	}

	if len(b.peers) < t.k {
		b.peers = append([]Peer{p}, b.peers...)
		t.buckets[bi] = b
		t.mu.Unlock()
		return
	}

	// Bucket full. Without a probe we cannot safely evict; drop the candidate.
	if ping == nil {
		t.mu.Unlock()
		return
	}

	// Probe the LRU tail outside the lock so the table stays usable.
	tail := b.peers[len(b.peers)-1]
	t.mu.Unlock()

	rtt, alive := ping(tail)

	t.mu.Lock()
	b = t.buckets[bi]

	if len(b.peers) < t.k {
		b.peers = append([]Peer{p}, b.peers...)
		t.buckets[bi] = b
		t.mu.Unlock()
		return
	}

	// Re-identify the tail; it may have changed while unlocked.
	curTail := b.peers[len(b.peers)-1]

	if alive && curTail.ID == tail.ID {
		b.peers[len(b.peers)-1].RTT = rtt
		b.peers[len(b.peers)-1].LastSeen = time.Now()
		b = addReplacement(b, p)
		t.buckets[bi] = b
		t.mu.Unlock()
		return
	}

	b.peers = b.peers[:len(b.peers)-1]
	b.peers = append([]Peer{p}, b.peers...)
	t.buckets[bi] = b
	t.mu.Unlock()
}

func addReplacement(b bucket, p Peer) bucket {
	for i := range b.repl {
		if b.repl[i].ID == p.ID {
			return b
		}
	}
	b.repl = append([]Peer{p}, b.repl...)
	if len(b.repl) > replacementMax {
		b.repl = b.repl[:replacementMax]
	}
	return b
}

// Closest returns up to n known peers ordered by ascending XOR distance to
// target. Each bucket is read under the lock, so callers always observe a
// consistent snapshot.
func (t *Table) Closest(target identity.NodeID, n int) []Peer {
	if n <= 0 {
		n = t.k
	}

	t.mu.RLock()
	all := make([]Peer, 0, 4*t.k)
	for i := 0; i < 256; i++ {
		all = append(all, t.buckets[i].peers...)
	}
	t.mu.RUnlock()

	SortByDistance(all, target)

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// SortByDistance sorts peers by XOR distance to target, ascending.
func SortByDistance(peers []Peer, target identity.NodeID) {
	type pd struct {
		p    Peer
		dist identity.NodeID
	}
	tmp := make([]pd, len(peers))
	for i := range peers {
		tmp[i] = pd{p: peers[i], dist: Xor(peers[i].ID, target)}
	}

	for i := 1; i < len(tmp); i++ {
		j := i
		for j > 0 && DistanceLess(tmp[j].dist, tmp[j-1].dist) {
			tmp[j], tmp[j-1] = tmp[j-1], tmp[j]
			j--
		}
	}
	for i := range tmp {
		peers[i] = tmp[i].p
	}
}

// Remove drops a peer from the table. A replacement cache entry, if any,
// is promoted into the freed slot.
func (t *Table) Remove(id identity.NodeID) {
	bi := BucketIndex(t.self, id)
	if bi < 0 || bi >= 256 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[bi]
	for i := range b.peers {
		if b.peers[i].ID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			if len(b.repl) > 0 {
				b.peers = append(b.peers, b.repl[0])
				b.repl = b.repl[1:]
			}
			t.buckets[bi] = b
			return
		}
	}
}

// NoteAuthFailure records a signature or AEAD failure attributed to id.
// Past the threshold the peer is removed and deny-listed, independent of
// bucket-capacity eviction, to blunt flooding from a single bad identity.
// Returns true when the peer was evicted.
func (t *Table) NoteAuthFailure(id identity.NodeID) bool {
	bi := BucketIndex(t.self, id)
	if bi < 0 || bi >= 256 {
		return false
	}

	t.mu.Lock()
	b := t.buckets[bi]
	evict := false
	for i := range b.peers {
		if b.peers[i].ID == id {
			b.peers[i].authFailures++
			evict = b.peers[i].authFailures >= authFailureLimit
			break
		}
	}
	t.mu.Unlock()

	if !evict {
		// Unknown senders hammering us get deny-listed on the same count.
		return t.deny.NoteStray(id, authFailureLimit)
	}

	t.Remove(id)
	t.deny.Add(id)
	return true
}

// NoteProbeFailure records one failed liveness probe. Three consecutive
// failures evict the peer; any successful contact (Upsert) resets the count.
// Returns true when the peer was evicted.
func (t *Table) NoteProbeFailure(id identity.NodeID) bool {
	bi := BucketIndex(t.self, id)
	if bi < 0 || bi >= 256 {
		return false
	}

	t.mu.Lock()
	b := t.buckets[bi]
	evict := false
	for i := range b.peers {
		if b.peers[i].ID == id {
			b.peers[i].probeFailures++
			evict = b.peers[i].probeFailures >= probeFailureLimit
			break
		}
	}
	t.mu.Unlock()

	if evict {
		t.Remove(id)
	}
	return evict
}

// NoteProbeSuccess refreshes liveness and the RTT estimate after a probe.
func (t *Table) NoteProbeSuccess(id identity.NodeID, rtt time.Duration) {
	bi := BucketIndex(t.self, id)
	if bi < 0 || bi >= 256 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[bi]
	for i := range b.peers {
		if b.peers[i].ID == id {
			b.peers[i].probeFailures = 0
			b.peers[i].LastSeen = time.Now()
			b.peers[i].RTT = rtt
			return
		}
	}
}

// Stale returns peers whose LastSeen is older than the liveness window.
func (t *Table) Stale(window time.Duration, now time.Time) []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Peer
	for i := 0; i < 256; i++ {
		for _, p := range t.buckets[i].peers {
			if now.Sub(p.LastSeen) > window {
				out = append(out, p)
			}
		}
	}
	return out
}

// Denied reports whether id is currently deny-listed.
func (t *Table) Denied(id identity.NodeID) bool {
	return t.deny.Denied(id, time.Now())
}

// Size returns the total number of peers in the table.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := 0; i < 256; i++ {
		n += len(t.buckets[i].peers)
	}
	return n
}

// BucketSize returns the occupancy of one bucket.
func (t *Table) BucketSize(bucket int) int {
	if bucket < 0 || bucket >= 256 {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets[bucket].peers)
}

func (t *Table) SetDiversityLimit(maxPerSubnet int) {
	t.mu.Lock()
	t.diversity.MaxPerSubnet = maxPerSubnet
	t.mu.Unlock()
}

func subnetKey(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = ""
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "dns:" + strings.ToLower(host)
	}

	if ip.IsLoopback() {
		if port != "" {
			return "loopback:" + host + ":" + port
		}
		return "loopback:" + host
	}

	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("v4:%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}

	ip = ip.To16()
	if ip == nil {
		return "ip:unknown"
	}

	pfx := make(net.IP, 16)
	copy(pfx, ip)
	for i := 8; i < 16; i++ {
		pfx[i] = 0
	}
	return "v6:" + pfx.String() + "/64"
}
