package frame

import (
	"crypto/ed25519"
	"encoding/binary"

	"meshwork/internal/identity"
)

// signedBytes is the canonical encoding the signature covers: every field
// except the signature itself and the TTL. TTL is decremented by forwarding
// hops, which cannot re-sign on the sender's behalf.
func (f *Frame) signedBytes() []byte {
	out := make([]byte, 0, headerBytes-1+len(f.Payload))
	out = append(out, f.Version, byte(f.Type))
	out = append(out, f.Sender[:]...)
	out = append(out, f.Dest[:]...)
	out = append(out, f.Nonce[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(f.Payload)))
	out = append(out, f.Payload...)
	return out
}

// Sign computes and stores the header signature using the sender's key.
func (f *Frame) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, f.signedBytes())
	copy(f.Signature[:], sig)
}

// VerifySignature checks the embedded signature against the claimed sender's
// signing key. Malformed input returns false.
func (f *Frame) VerifySignature(pub ed25519.PublicKey) bool {
	return identity.Verify(pub, f.signedBytes(), f.Signature[:])
}

// Encode emits the deterministic wire layout. Sign must have been called.
func (f *Frame) Encode() []byte {
	out := make([]byte, 0, Overhead+len(f.Payload))
	out = append(out, f.Version, byte(f.Type), f.TTL)
	out = append(out, f.Sender[:]...)
	out = append(out, f.Dest[:]...)
	out = append(out, f.Nonce[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(f.Payload)))
	out = append(out, f.Signature[:]...)
	out = append(out, f.Payload...)
	return out
}

// Decode parses and structurally validates a frame. maxPayload caps the
// declared payload length; the check runs before any payload-sized work so an
// attacker-controlled length field cannot drive allocation. Signature
// verification is the caller's job, since only it can resolve the sender's
// public key.
func Decode(b []byte, maxPayload int) (*Frame, error) {
	if maxPayload <= 0 || maxPayload > MaxPayload {
		maxPayload = MaxPayload
	}
	if len(b) < Overhead {
		return nil, ErrTruncatedFrame
	}

	f := &Frame{
		Version: b[0],
		Type:    Type(b[1]),
		TTL:     b[2],
	}
	if f.Version != Version {
		return nil, ErrUnsupportedVersion
	}
	if !f.Type.Valid() {
		return nil, ErrUnknownType
	}

	off := 3
	copy(f.Sender[:], b[off:])
	off += identity.NodeIDBytes
	copy(f.Dest[:], b[off:])
	off += identity.NodeIDBytes
	copy(f.Nonce[:], b[off:])
	off += NonceBytes

	payloadLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2

	if payloadLen > maxPayload {
		return nil, ErrOversizedFrame
	}
	if len(b) != Overhead+payloadLen {
		return nil, ErrTruncatedFrame
	}

	copy(f.Signature[:], b[off:])
	off += SignatureBytes

	if payloadLen > 0 {
		f.Payload = append([]byte(nil), b[off:off+payloadLen]...)
	}
	return f, nil
}
