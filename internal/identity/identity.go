package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const NodeIDBytes = 32

// NodeID is the node's position in the XOR metric space.
// It is derived from the signing public key and cannot be chosen freely.
type NodeID [NodeIDBytes]byte

// Broadcast is the all-zero destination used for flood frames.
var Broadcast NodeID

// NodeIDFromPub derives the canonical node ID from a signing public key.
func NodeIDFromPub(pub ed25519.PublicKey) NodeID {
	return sha256.Sum256(pub)
}

func ParseNodeIDHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != NodeIDBytes {
		return id, fmt.Errorf("node id must be %d bytes, got %d", NodeIDBytes, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func MustParseNodeIDHex(s string) NodeID {
	id, err := ParseNodeIDHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

func (id NodeID) IsBroadcast() bool { return id == Broadcast }

// Short returns a truncated hex form for logs.
func (id NodeID) Short() string {
	h := id.Hex()
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// KeyPair is the local node's long-term identity: an ed25519 signing pair
// plus a separate x25519 agreement pair. Private halves never go on the wire.
type KeyPair struct {
	SignPriv ed25519.PrivateKey
	SignPub  ed25519.PublicKey

	AgreePriv [32]byte
	AgreePub  [32]byte

	NodeID NodeID
}

// Generate creates a fresh identity. Failure here means the entropy source
// is broken and is fatal to the caller.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}

	var agreePriv [32]byte
	if _, err := rand.Read(agreePriv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate agreement key: %w", err)
	}
	// RFC 7748 clamping.
	agreePriv[0] &= 248
	agreePriv[31] &= 127
	agreePriv[31] |= 64

	agreePubSlice, err := curve25519.X25519(agreePriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive agreement public key: %w", err)
	}

	kp := &KeyPair{
		SignPriv: priv,
		SignPub:  pub,
		NodeID:   NodeIDFromPub(pub),
	}
	copy(kp.AgreePriv[:], agreePriv[:])
	copy(kp.AgreePub[:], agreePubSlice)
	return kp, nil
}

// Sign signs msg with the long-term signing key.
func (kp *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.SignPriv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
// Malformed inputs return false, never panic.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
