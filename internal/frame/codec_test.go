package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"meshwork/internal/identity"
)

func testFrame(t *testing.T, kp *identity.KeyPair, payload []byte) *Frame {
	t.Helper()
	nonce, err := RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce: %v", err)
	}
	f := &Frame{
		Version: Version,
		Type:    TData,
		TTL:     8,
		Sender:  kp.NodeID,
		Nonce:   nonce,
		Payload: payload,
	}
	f.Dest = identity.MustParseNodeIDHex("1111111111111111111111111111111111111111111111111111111111111111")
	f.Sign(kp.SignPriv)
	return f
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	f := testFrame(t, kp, []byte("the payload, ciphertext plus tag"))
	b := f.Encode()

	got, err := Decode(b, MaxPayload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Version != f.Version || got.Type != f.Type || got.TTL != f.TTL {
		t.Fatalf("header mismatch: %+v vs %+v", got, f)
	}
	if got.Sender != f.Sender || got.Dest != f.Dest || got.Nonce != f.Nonce {
		t.Fatalf("identity fields mismatch")
	}
	if got.Signature != f.Signature || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("signature/payload mismatch")
	}
	if !got.VerifySignature(kp.SignPub) {
		t.Fatalf("decoded frame does not verify")
	}
}

func TestDecode_ZeroLengthControlPayload(t *testing.T) {
	kp, _ := identity.Generate()
	f := testFrame(t, kp, nil)
	f.Type = TControl
	f.Sign(kp.SignPriv)

	got, err := Decode(f.Encode(), MaxPayload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Payload))
	}
	if !got.VerifySignature(kp.SignPub) {
		t.Fatalf("zero-payload frame does not verify")
	}
}

func TestDecode_Truncated(t *testing.T) {
	kp, _ := identity.Generate()
	b := testFrame(t, kp, []byte("abcdef")).Encode()

	for _, n := range []int{0, 1, Overhead - 1, len(b) - 1} {
		if _, err := Decode(b[:n], MaxPayload); !errors.Is(err, ErrTruncatedFrame) {
			t.Fatalf("len=%d: expected ErrTruncatedFrame, got %v", n, err)
		}
	}

	// Trailing junk also disagrees with the declared length.
	if _, err := Decode(append(b, 0x00), MaxPayload); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("trailing byte: expected ErrTruncatedFrame, got %v", err)
	}
}

func TestDecode_OversizedDeclaredLength(t *testing.T) {
	kp, _ := identity.Generate()
	b := testFrame(t, kp, []byte("small")).Encode()

	// Rewrite payload_len to a huge value without supplying the bytes.
	lenOff := 3 + identity.NodeIDBytes*2 + NonceBytes
	binary.BigEndian.PutUint16(b[lenOff:], 0xffff)

	_, err := Decode(b, 1024)
	if !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("expected ErrOversizedFrame, got %v", err)
	}
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	kp, _ := identity.Generate()
	b := testFrame(t, kp, []byte("x")).Encode()
	b[0] = Version + 1
	if _, err := Decode(b, MaxPayload); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	kp, _ := identity.Generate()
	b := testFrame(t, kp, []byte("x")).Encode()
	b[1] = 0x7f
	if _, err := Decode(b, MaxPayload); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestSignature_BindsFieldsButNotTTL(t *testing.T) {
	kp, _ := identity.Generate()
	f := testFrame(t, kp, []byte("payload"))

	// TTL is forwarding state, deliberately outside the signature.
	f.TTL--
	if !f.VerifySignature(kp.SignPub) {
		t.Fatalf("ttl decrement broke the signature")
	}

	// Everything else must break it.
	mutate := []func(*Frame){
		func(g *Frame) { g.Type = TControl },
		func(g *Frame) { g.Sender[0] ^= 1 },
		func(g *Frame) { g.Dest[0] ^= 1 },
		func(g *Frame) { g.Nonce[0] ^= 1 },
		func(g *Frame) { g.Payload[0] ^= 1 },
	}
	for i, m := range mutate {
		g := *f
		g.Payload = append([]byte(nil), f.Payload...)
		m(&g)
		if g.VerifySignature(kp.SignPub) {
			t.Fatalf("mutation %d still verifies", i)
		}
	}
}

func TestDecode_NoAllocationProportionalToDeclaredLength(t *testing.T) {
	kp, _ := identity.Generate()
	b := testFrame(t, kp, []byte("s")).Encode()
	lenOff := 3 + identity.NodeIDBytes*2 + NonceBytes
	binary.BigEndian.PutUint16(b[lenOff:], 0xffff)

	allocs := testing.AllocsPerRun(100, func() {
		_, _ = Decode(b, 256)
	})
	// One Frame alloc at most; never a 64 KiB payload buffer.
	if allocs > 2 {
		t.Fatalf("oversized decode allocates too much: %.1f allocs/op", allocs)
	}
}
