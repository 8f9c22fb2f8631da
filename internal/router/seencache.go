package router

import (
	"sync"
	"time"

	"meshwork/internal/frame"
	"meshwork/internal/identity"
)

type seenKey struct {
	sender identity.NodeID
	nonce  [frame.NonceBytes]byte
}

// SeenCache is the time-bounded (sender, nonce) record used for duplicate
// and loop suppression. Purely advisory: safe to lose on restart.
type SeenCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[seenKey]time.Time
}

func NewSeenCache(ttl time.Duration) *SeenCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &SeenCache{
		ttl:   ttl,
		items: make(map[seenKey]time.Time),
	}
}

// Seen returns true if the (sender, nonce) pair was seen within the window.
// If not, it records the pair and returns false. Check-and-record is one
// critical section so concurrent duplicates resolve to exactly one "unseen".
func (s *SeenCache) Seen(sender identity.NodeID, nonce [frame.NonceBytes]byte) bool {
	now := time.Now()
	k := seenKey{sender: sender, nonce: nonce}

	s.mu.Lock()
	defer s.mu.Unlock()

	// opportunistic GC
	for key, at := range s.items {
		if now.Sub(at) > s.ttl {
			delete(s.items, key)
		}
	}

	if _, ok := s.items[k]; ok {
		return true
	}
	s.items[k] = now
	return false
}

// Len reports the current number of live entries (for tests and stats).
func (s *SeenCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
