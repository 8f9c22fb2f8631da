package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownPeer is returned when no public keys are known for a node ID.
var ErrUnknownPeer = errors.New("identity: unknown peer")

// PeerKeys are the public halves learned for a remote node.
type PeerKeys struct {
	SignPub  ed25519.PublicKey
	AgreePub [32]byte
}

// Keyring tracks public keys of remote nodes and caches derived sessions.
// It is owned by a single node process; multiple nodes in one process each
// carry their own.
type Keyring struct {
	self *KeyPair

	mu       sync.RWMutex
	peers    map[NodeID]PeerKeys
	sessions map[NodeID]*Session
}

func NewKeyring(self *KeyPair) *Keyring {
	return &Keyring{
		self:     self,
		peers:    make(map[NodeID]PeerKeys),
		sessions: make(map[NodeID]*Session),
	}
}

func (k *Keyring) Self() *KeyPair { return k.self }

// Learn records a peer's public keys. The node ID must match the hash of the
// signing key, otherwise the caller is being fed a forged binding.
func (k *Keyring) Learn(id NodeID, signPub ed25519.PublicKey, agreePub [32]byte) error {
	if len(signPub) != ed25519.PublicKeySize {
		return ErrInvalidKeyMaterial
	}
	if NodeIDFromPub(signPub) != id {
		return fmt.Errorf("%w: node id does not match signing key", ErrInvalidKeyMaterial)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if old, ok := k.peers[id]; ok && old.AgreePub != agreePub {
		// Agreement key rotated; any cached session is stale.
		delete(k.sessions, id)
	}
	k.peers[id] = PeerKeys{
		SignPub:  append(ed25519.PublicKey(nil), signPub...),
		AgreePub: agreePub,
	}
	return nil
}

// SignPub returns the signing public key for id, if known.
func (k *Keyring) SignPub(id NodeID) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.peers[id]
	if !ok {
		return nil, false
	}
	return pk.SignPub, true
}

// AgreePub returns the agreement public key for id, if known.
func (k *Keyring) AgreePub(id NodeID) ([32]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.peers[id]
	return pk.AgreePub, ok
}

// Knows reports whether any keys are recorded for id.
func (k *Keyring) Knows(id NodeID) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.peers[id]
	return ok
}

// Session returns the cached pairwise session for id, deriving it on first
// use. Ephemeral: sessions never outlive the process.
func (k *Keyring) Session(id NodeID) (*Session, error) {
	k.mu.RLock()
	s := k.sessions[id]
	k.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if s := k.sessions[id]; s != nil {
		return s, nil
	}
	pk, ok := k.peers[id]
	if !ok {
		return nil, ErrUnknownPeer
	}
	s, err := DeriveSession(k.self.AgreePriv, pk.AgreePub, k.self.NodeID, id)
	if err != nil {
		return nil, err
	}
	k.sessions[id] = s
	return s, nil
}

// Forget drops a peer's keys and session, e.g. after repeated auth failures.
func (k *Keyring) Forget(id NodeID) {
	k.mu.Lock()
	delete(k.peers, id)
	delete(k.sessions, id)
	k.mu.Unlock()
}
