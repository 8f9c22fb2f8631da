// Package proto defines the JSON payload schemas carried inside frame
// payloads: discovery traffic, control ping/pong, and the link identity
// exchanged during the Noise handshake.
package proto

import "encoding/json"

// Wire kinds carried in discovery and control frames.
const (
	KindPing     = "PING"
	KindPong     = "PONG"
	KindFindNode = "FIND_NODE"
	KindNodes    = "NODES"
)

// DHTWire is the single payload for all discovery and control traffic.
// Kept flat and explicit for forwards-compat.
type DHTWire struct {
	// Kind is one of KindPing, KindPong, KindFindNode, KindNodes.
	Kind string `json:"kind"`

	// RPCID correlates requests with responses.
	RPCID string `json:"rpc_id,omitempty"`

	// Target is the lookup target for FIND_NODE (hex node id).
	Target string `json:"target,omitempty"`

	// Nodes are the returned peers for NODES.
	Nodes []NodeRecord `json:"nodes,omitempty"`
}

// NodeRecord describes a peer in a discovery response. Receivers must not
// trust a record until the id/key binding checks out and the peer answers a
// direct liveness exchange.
type NodeRecord struct {
	ID       string `json:"id"`   // hex node id
	Addr     string `json:"addr"` // transport-opaque address token
	Name     string `json:"name,omitempty"`
	SignPub  []byte `json:"sign_pub"`
	AgreePub []byte `json:"agree_pub"`
}

// LinkIdentity is sent inside the Noise handshake payload. It binds the
// node's application identity to the Noise static key: Sig is an ed25519
// signature by SignPub over the Noise static public key.
type LinkIdentity struct {
	Name     string `json:"name"`
	Listen   string `json:"listen"`
	SignPub  []byte `json:"sign_pub"`
	AgreePub []byte `json:"agree_pub"`
	Sig      []byte `json:"sig"`
}

func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
