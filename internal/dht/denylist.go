package dht

import (
	"sync"
	"time"

	"meshwork/internal/identity"
)

// denyList is a temporary block list for identities that repeatedly fail
// authentication. Entries expire so a transiently broken peer is not banned
// forever.
type denyList struct {
	mu    sync.Mutex
	ttl   time.Duration
	until map[identity.NodeID]time.Time
	stray map[identity.NodeID]int // failure counts for ids not in the table
}

func newDenyList(ttl time.Duration) *denyList {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &denyList{
		ttl:   ttl,
		until: make(map[identity.NodeID]time.Time),
		stray: make(map[identity.NodeID]int),
	}
}

func (d *denyList) Add(id identity.NodeID) {
	d.mu.Lock()
	d.until[id] = time.Now().Add(d.ttl)
	delete(d.stray, id)
	d.mu.Unlock()
}

func (d *denyList) Denied(id identity.NodeID, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.until[id]
	if !ok {
		return false
	}
	if now.After(t) {
		delete(d.until, id)
		return false
	}
	return true
}

// NoteStray counts an auth failure for an id that holds no table slot.
// Past limit the id is deny-listed. Returns true once listed.
func (d *denyList) NoteStray(id identity.NodeID, limit int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stray[id]++
	if d.stray[id] >= limit {
		d.until[id] = time.Now().Add(d.ttl)
		delete(d.stray, id)
		return true
	}
	return false
}
