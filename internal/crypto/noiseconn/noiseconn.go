// Package noiseconn secures a point-to-point link with a Noise_XX handshake
// and length-prefixed encrypted framing. The handshake authenticates only
// the noise static keys; binding those to mesh identities is done by the
// payload each side carries in its final handshake message.
package noiseconn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

// HandshakeResult is a completed handshake: the secured stream, the peer's
// noise static key, and whatever identity payload the peer sent.
type HandshakeResult struct {
	Conn          *SecureConn
	RemoteStatic  []byte
	RemotePayload []byte
}

// SecureConn wraps an underlying stream with the post-handshake cipher
// states. Each Write is one encrypted record; each Read returns one record.
type SecureConn struct {
	underlying io.ReadWriteCloser

	readCS  *noise.CipherState
	writeCS *noise.CipherState
}

const maxRecordBytes = 1 << 20

// Read reads a single length-prefixed encrypted record and decrypts it.
func (c *SecureConn) Read(p []byte) (int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.underlying, lenBuf[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxRecordBytes {
		return 0, fmt.Errorf("noiseconn: invalid record length %d", n)
	}

	ct := make([]byte, n)
	if _, err := io.ReadFull(c.underlying, ct); err != nil {
		return 0, err
	}

	pt, err := c.readCS.Decrypt(nil, nil, ct)
	if err != nil {
		return 0, err
	}

	if len(pt) > len(p) {
		copy(p, pt[:len(p)])
		return len(p), io.ErrShortBuffer
	}
	copy(p, pt)
	return len(pt), nil
}

// Write encrypts p as a single record and writes it with a length prefix.
func (c *SecureConn) Write(p []byte) (int, error) {
	ct, err := c.writeCS.Encrypt(nil, nil, p)
	if err != nil {
		return 0, err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ct)))

	if _, err := c.underlying.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := c.underlying.Write(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *SecureConn) Close() error {
	return c.underlying.Close()
}

// NewSecureClient runs Noise_XX as initiator. payload rides the final
// handshake message, so it is encrypted and only readable by the
// authenticated responder.
func NewSecureClient(underlying io.ReadWriteCloser, staticPriv, staticPub, payload []byte) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: noise.DHKey{Private: staticPriv, Public: staticPub},
	})
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es  (carries responder payload)
	in, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, in)
	if err != nil {
		return nil, err
	}

	// -> s, se  (carries our payload)
	msg2, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg2); err != nil {
		return nil, err
	}

	// Initiator sends with cs1 and receives with cs2.
	return &HandshakeResult{
		Conn: &SecureConn{
			underlying: underlying,
			readCS:     cs2,
			writeCS:    cs1,
		},
		RemoteStatic:  hs.PeerStatic(),
		RemotePayload: remotePayload,
	}, nil
}

// NewSecureServer runs Noise_XX as responder. payload rides the second
// handshake message; the peer's payload arrives in the third.
func NewSecureServer(underlying io.ReadWriteCloser, staticPriv, staticPub, payload []byte) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: noise.DHKey{Private: staticPriv, Public: staticPub},
	})
	if err != nil {
		return nil, err
	}

	// <- e
	in, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, err
	}

	// -> e, ee, s, es  (carries our payload)
	msg, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- s, se  (carries initiator payload)
	in2, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, in2)
	if err != nil {
		return nil, err
	}

	// Responder cipher state order mirrors the initiator's.
	return &HandshakeResult{
		Conn: &SecureConn{
			underlying: underlying,
			readCS:     cs1,
			writeCS:    cs2,
		},
		RemoteStatic:  hs.PeerStatic(),
		RemotePayload: remotePayload,
	}, nil
}
