package dht

import (
	"bytes"
	"crypto/rand"

	"meshwork/internal/identity"
)

// Xor is the distance metric: d = a ^ b.
func Xor(a, b identity.NodeID) (out identity.NodeID) {
	for i := 0; i < identity.NodeIDBytes; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// DistanceLess reports whether a is closer than b in the XOR metric,
// comparing big-endian.
func DistanceLess(a, b identity.NodeID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// BucketIndex returns [0..255] for 256-bit IDs: the index of the first
// differing bit, MSB-first. Identical IDs return -1.
func BucketIndex(self, other identity.NodeID) int {
	d := Xor(self, other)
	for byteIdx := 0; byteIdx < identity.NodeIDBytes; byteIdx++ {
		x := d[byteIdx]
		if x == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if x&(1<<(7-bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}

// RandomNodeID draws a uniform target for bucket refresh lookups.
func RandomNodeID() identity.NodeID {
	var id identity.NodeID
	_, _ = rand.Read(id[:])
	return id
}
