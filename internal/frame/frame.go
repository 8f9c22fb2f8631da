// Package frame implements the wire format of the mesh: a fixed binary
// header bound to an ed25519 signature, followed by the payload bytes.
package frame

import (
	"crypto/rand"
	"errors"
	"fmt"

	"meshwork/internal/identity"
)

// Type tags the frame's role on the wire.
type Type uint8

const (
	TDiscoveryQuery    Type = 0x01
	TDiscoveryResponse Type = 0x02
	TData              Type = 0x03
	TControl           Type = 0x04
)

func (t Type) Valid() bool {
	return t >= TDiscoveryQuery && t <= TControl
}

func (t Type) String() string {
	switch t {
	case TDiscoveryQuery:
		return "discovery_query"
	case TDiscoveryResponse:
		return "discovery_response"
	case TData:
		return "data"
	case TControl:
		return "control"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

const (
	// Version is the only wire version this build speaks.
	Version = 1

	SignatureBytes = 64
	NonceBytes     = identity.NonceBytes

	// headerBytes covers version|type|ttl|sender|dest|nonce|payload_len.
	headerBytes = 1 + 1 + 1 + identity.NodeIDBytes + identity.NodeIDBytes + NonceBytes + 2

	// Overhead is the fixed per-frame cost excluding the payload.
	Overhead = headerBytes + SignatureBytes

	// MaxPayload is the hard ceiling on declared payload length; configs may
	// lower it but never raise it (payload_len is 16-bit anyway).
	MaxPayload = 0xffff
)

var (
	ErrTruncatedFrame     = errors.New("frame: declared length disagrees with bytes received")
	ErrOversizedFrame     = errors.New("frame: declared payload exceeds maximum")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrUnknownType        = errors.New("frame: unknown frame type")
)

// Frame is the unit of wire transmission. Dest all-zero means flood.
type Frame struct {
	Version   uint8
	Type      Type
	TTL       uint8
	Sender    identity.NodeID
	Dest      identity.NodeID
	Nonce     [NonceBytes]byte
	Signature [SignatureBytes]byte
	Payload   []byte
}

// RandomNonce draws a fresh per-frame nonce.
func RandomNonce() ([NonceBytes]byte, error) {
	var n [NonceBytes]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("frame: nonce: %w", err)
	}
	return n, nil
}
