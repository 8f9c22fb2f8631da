package identity

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidKeyMaterial is returned when key agreement is attempted
	// against a low-order or otherwise invalid public key.
	ErrInvalidKeyMaterial = errors.New("identity: invalid key material")

	// ErrAuthenticationFailed is returned when an AEAD tag does not verify.
	// No partial plaintext is ever returned alongside it.
	ErrAuthenticationFailed = errors.New("identity: authentication failed")
)

// NonceBytes is the per-frame nonce width carried on the wire.
const NonceBytes = 8

// Session holds the pairwise symmetric keys for one peer. The two directions
// use distinct keys so that both sides can pick nonces independently.
type Session struct {
	send cipher.AEAD
	recv cipher.AEAD
}

// DeriveSession performs X25519 agreement between the local agreement private
// key and the peer's agreement public key, then expands the shared secret with
// HKDF-SHA256 into two directional keys. Which key is "send" depends on the
// byte order of the two node IDs, so both sides derive mirrored sessions.
func DeriveSession(localPriv [32]byte, peerPub [32]byte, localID, peerID NodeID) (*Session, error) {
	shared, err := curve25519.X25519(localPriv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	var zero [32]byte
	if bytes.Equal(shared, zero[:]) {
		return nil, ErrInvalidKeyMaterial
	}

	lo, hi := localID, peerID
	if bytes.Compare(hi[:], lo[:]) < 0 {
		lo, hi = hi, lo
	}
	salt := make([]byte, 0, 2*NodeIDBytes)
	salt = append(salt, lo[:]...)
	salt = append(salt, hi[:]...)

	r := hkdf.New(sha256.New, shared, salt, []byte("meshwork/session/v1"))
	var kLo, kHi [32]byte
	if _, err := io.ReadFull(r, kLo[:]); err != nil {
		return nil, fmt.Errorf("identity: hkdf expand: %w", err)
	}
	if _, err := io.ReadFull(r, kHi[:]); err != nil {
		return nil, fmt.Errorf("identity: hkdf expand: %w", err)
	}

	// kLo encrypts lo->hi traffic, kHi encrypts hi->lo.
	var sendKey, recvKey [32]byte
	if localID == lo {
		sendKey, recvKey = kLo, kHi
	} else {
		sendKey, recvKey = kHi, kLo
	}

	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, err
	}
	recvAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}
	return &Session{send: sendAEAD, recv: recvAEAD}, nil
}

func aeadNonce(nonce [NonceBytes]byte) []byte {
	out := make([]byte, chacha20poly1305.NonceSize)
	copy(out, nonce[:])
	return out
}

// Seal encrypts plaintext under the send key, binding the frame nonce.
func (s *Session) Seal(nonce [NonceBytes]byte, plaintext []byte) []byte {
	return s.send.Seal(nil, aeadNonce(nonce), plaintext, nil)
}

// Open decrypts ciphertext received from the peer. Any tag mismatch fails
// closed with ErrAuthenticationFailed.
func (s *Session) Open(nonce [NonceBytes]byte, ciphertext []byte) ([]byte, error) {
	pt, err := s.recv.Open(nil, aeadNonce(nonce), ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}
