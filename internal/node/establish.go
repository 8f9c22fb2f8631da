package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"meshwork/internal/crypto/noiseconn"
	"meshwork/internal/identity"
	"meshwork/internal/netx"
	"meshwork/internal/proto"
)

const linkSendBuffer = 128

// linkIdentityPayload builds the handshake payload binding this node's mesh
// identity to its noise static key.
func (n *Node) linkIdentityPayload() ([]byte, error) {
	li := proto.LinkIdentity{
		Name:     n.cfg.Name,
		Listen:   string(n.addr),
		SignPub:  n.kp.SignPub,
		AgreePub: n.kp.AgreePub[:],
		Sig:      n.kp.Sign(n.noiseStatic.Public),
	}
	return json.Marshal(li)
}

// establishLink runs the noise handshake over rawConn and validates the
// peer's identity payload. On success the peer's keys are in the keyring,
// the table has seen it, and its write loop is running.
func (n *Node) establishLink(rawConn netx.Conn, inbound bool) (*link, error) {
	payload, err := n.linkIdentityPayload()
	if err != nil {
		return nil, err
	}

	var hs *noiseconn.HandshakeResult
	if inbound {
		hs, err = noiseconn.NewSecureServer(rawConn, n.noiseStatic.Private, n.noiseStatic.Public, payload)
	} else {
		hs, err = noiseconn.NewSecureClient(rawConn, n.noiseStatic.Private, n.noiseStatic.Public, payload)
	}
	if err != nil {
		return nil, err
	}
	secure := hs.Conn

	peerID, li, err := n.validateLinkIdentity(hs)
	if err != nil {
		_ = secure.Close()
		return nil, err
	}

	lctx, cancel := context.WithCancel(n.ctx)
	l := &link{
		id:           peerID,
		name:         li.Name,
		addr:         netx.Addr(li.Listen),
		observedAddr: rawConn.RemoteAddr(),
		conn:         secure,
		sendCh:       make(chan []byte, linkSendBuffer),
		ctx:          lctx,
		cancel:       cancel,
	}

	if !n.addLink(l) {
		cancel()
		_ = secure.Close()
		return nil, nil
	}

	go l.writeLoop(n)

	// Only now, after a direct authenticated exchange, may the peer enter
	// the routing table.
	n.engine.ObservePeer(n, peerID, string(l.addr), l.name)
	if n.cfg.Store != nil {
		_ = n.cfg.Store.NoteSuccess(peerID, string(l.addr), l.name)
	}

	return l, nil
}

// validateLinkIdentity checks the peer's handshake payload: the claimed
// node id must hash from the signing key, and the signature must bind that
// key to the noise static the handshake actually authenticated.
func (n *Node) validateLinkIdentity(hs *noiseconn.HandshakeResult) (identity.NodeID, proto.LinkIdentity, error) {
	var li proto.LinkIdentity
	if len(hs.RemotePayload) == 0 {
		return identity.NodeID{}, li, errors.New("peer sent no identity payload")
	}
	if err := json.Unmarshal(hs.RemotePayload, &li); err != nil {
		return identity.NodeID{}, li, fmt.Errorf("bad identity payload: %w", err)
	}

	if !identity.Verify(li.SignPub, hs.RemoteStatic, li.Sig) {
		return identity.NodeID{}, li, errors.New("identity not bound to link key")
	}

	peerID := identity.NodeIDFromPub(li.SignPub)
	if peerID == n.kp.NodeID {
		return identity.NodeID{}, li, errors.New("connected to self")
	}
	if n.engine.Routing().Denied(peerID) {
		return identity.NodeID{}, li, fmt.Errorf("peer %s is deny-listed", peerID.Short())
	}

	var agreePub [32]byte
	if len(li.AgreePub) != len(agreePub) {
		return identity.NodeID{}, li, errors.New("bad agreement key length")
	}
	copy(agreePub[:], li.AgreePub)
	if err := n.keys.Learn(peerID, bytes.Clone(li.SignPub), agreePub); err != nil {
		return identity.NodeID{}, li, err
	}

	return peerID, li, nil
}
