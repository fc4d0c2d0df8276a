package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// NodeIDSize is the length of a NodeID in bytes.
const NodeIDSize = 64

// NodeID is the opaque identity of a peer, independent of its endpoint.
type NodeID [NodeIDSize]byte

// NodeIDFromString derives a NodeID from an arbitrary name.
func NodeIDFromString(name string) NodeID {
	return NodeID(blake2b.Sum512([]byte(name)))
}

// RandomNodeID returns a random NodeID.
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

// ParseNodeID decodes the hex form produced by Hex.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse node id: %w", err)
	}
	if len(b) != NodeIDSize {
		return id, fmt.Errorf("parse node id: got %d bytes, want %d", len(b), NodeIDSize)
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the full hex encoding of id.
func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

// String returns an abbreviated form for logs.
func (id NodeID) String() string { return hex.EncodeToString(id[:4]) }

// IsZero reports whether id is unset.
func (id NodeID) IsZero() bool { return id == NodeID{} }
