// Package peerstore persists known peer endpoints across restarts so a node
// can rejoin the mesh without static bootstrap entries.
package peerstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"meshwork/internal/identity"
)

const (
	bPeers = "peers"

	defaultTO = 2 * time.Second
)

type record struct {
	Addr         string    `json:"addr"`
	Name         string    `json:"name,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	LastSuccess  time.Time `json:"last_success"`
	FailureCount int       `json:"failures"`
}

// Candidate is a dialable peer from a previous run.
type Candidate struct {
	ID   identity.NodeID
	Addr string
	Name string
}

// Store is a BoltDB-backed peer endpoint store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bPeers))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// NoteSuccess records a completed authenticated exchange with the peer and
// clears its failure count.
func (s *Store) NoteSuccess(id identity.NodeID, addr, name string) error {
	return s.update(id, func(r *record) {
		now := time.Now()
		if addr != "" {
			r.Addr = addr
		}
		if name != "" {
			r.Name = name
		}
		r.LastSeen = now
		r.LastSuccess = now
		r.FailureCount = 0
	})
}

// NoteFailure records one failed dial or exchange.
func (s *Store) NoteFailure(id identity.NodeID) error {
	return s.update(id, func(r *record) {
		r.FailureCount++
		r.LastSeen = time.Now()
	})
}

// Forget drops the peer entirely, e.g. after it was deny-listed.
func (s *Store) Forget(id identity.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).Delete([]byte(id.Hex()))
	})
}

func (s *Store) update(id identity.NodeID, mutate func(*record)) error {
	key := []byte(id.Hex())
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bPeers))

		var r record
		if raw := b.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &r); err != nil {
				// Unreadable record, start over.
				r = record{}
			}
		}
		mutate(&r)

		val, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

// Candidates returns up to limit dialable peers with at most maxFailures
// recorded failures, most recently successful first.
func (s *Store) Candidates(maxFailures, limit int) ([]Candidate, error) {
	type scored struct {
		c    Candidate
		last time.Time
	}
	var all []scored

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.FailureCount > maxFailures || r.Addr == "" {
				return nil
			}
			id, err := identity.ParseNodeIDHex(string(k))
			if err != nil {
				return nil
			}
			all = append(all, scored{
				c:    Candidate{ID: id, Addr: r.Addr, Name: r.Name},
				last: r.LastSuccess,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].last.After(all[j].last) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]Candidate, len(all))
	for i, s := range all {
		out[i] = s.c
	}
	return out, nil
}
