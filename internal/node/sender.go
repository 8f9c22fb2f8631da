package node

import (
	"fmt"

	"meshwork/internal/frame"
	"meshwork/internal/identity"
)

const frameSlack = frame.Overhead + 64

func (n *Node) buildFrame(dest identity.NodeID, typ frame.Type, ttl uint8, payload []byte) (*frame.Frame, error) {
	if len(payload) > n.cfg.MaxFrameSize {
		return nil, fmt.Errorf("payload %d bytes exceeds limit %d", len(payload), n.cfg.MaxFrameSize)
	}
	nonce, err := frame.RandomNonce()
	if err != nil {
		return nil, err
	}
	f := &frame.Frame{
		Version: frame.Version,
		Type:    typ,
		TTL:     ttl,
		Sender:  n.kp.NodeID,
		Dest:    dest,
		Nonce:   nonce,
		Payload: payload,
	}
	f.Sign(n.kp.SignPriv)
	return f, nil
}

// Self implements the discovery engine's sender contract.
func (n *Node) Self() identity.NodeID { return n.kp.NodeID }

// Send delivers a control or discovery payload to a directly linked peer.
// These never travel more than one hop.
func (n *Node) Send(to identity.NodeID, typ frame.Type, payload []byte) error {
	f, err := n.buildFrame(to, typ, 1, payload)
	if err != nil {
		return err
	}
	return n.SendRaw(to, f.Encode())
}

// SendMessage encrypts plaintext for dest and routes it into the mesh. The
// payload is sealed with the pairwise session; intermediate hops verify the
// outer signature but cannot read it.
func (n *Node) SendMessage(dest identity.NodeID, plaintext []byte) error {
	if dest == n.kp.NodeID || dest.IsBroadcast() {
		return fmt.Errorf("bad destination %s", dest.Short())
	}
	sess, err := n.keys.Session(dest)
	if err != nil {
		return fmt.Errorf("no session with %s: %w", dest.Short(), err)
	}

	nonce, err := frame.RandomNonce()
	if err != nil {
		return err
	}
	f := &frame.Frame{
		Version: frame.Version,
		Type:    frame.TData,
		TTL:     n.cfg.MaxTTL,
		Sender:  n.kp.NodeID,
		Dest:    dest,
		Nonce:   nonce,
		Payload: sess.Seal(nonce, plaintext),
	}
	if len(f.Payload) > n.cfg.MaxFrameSize {
		return fmt.Errorf("payload %d bytes exceeds limit %d", len(f.Payload), n.cfg.MaxFrameSize)
	}
	f.Sign(n.kp.SignPriv)
	raw := f.Encode()

	// Direct link first, then the closest linked peers to the destination.
	if n.hasLink(dest) {
		return n.SendRaw(dest, raw)
	}
	for _, hop := range n.engine.Routing().Closest(dest, n.cfg.FloodFanout) {
		if hop.ID == n.kp.NodeID {
			continue
		}
		if err := n.SendRaw(hop.ID, raw); err != nil {
			continue
		}
		return nil
	}
	return fmt.Errorf("no route toward %s", dest.Short())
}

// Broadcast floods a signed plaintext payload to the mesh. Broadcast
// frames cannot be encrypted end to end; anything confidential belongs in
// a unicast message.
func (n *Node) Broadcast(payload []byte) error {
	f, err := n.buildFrame(identity.Broadcast, frame.TData, n.cfg.MaxTTL, payload)
	if err != nil {
		return err
	}
	raw := f.Encode()

	sent := 0
	for _, id := range n.Connected() {
		if err := n.SendRaw(id, raw); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return fmt.Errorf("no links to flood")
	}
	return nil
}
