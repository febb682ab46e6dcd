package models

import (
	"fmt"
	"strings"
)

// AddrID is the opaque identifier of an address node. Addresses are
// treated as plain strings so that any encoding (base58, bech32, or a
// synthetic id minted by an upstream pipeline) flows through unchanged.
type AddrID string

// EntityID identifies a cluster of addresses under common ownership.
// The id is derived from the smallest member address, so re-running
// attribution over the same graph always yields the same ids. The
// canonical form carries an "ent:" prefix.
type EntityID string

// NewEntityID derives the canonical id for a cluster from its smallest
// member address.
func NewEntityID(smallest AddrID) EntityID {
	return EntityID("ent:" + string(smallest))
}

// NodeKind enumerates the node types a score or an export root may
// refer to.
type NodeKind uint8

const (
	// NodeAddress refers to a single address node.
	NodeAddress NodeKind = iota

	// NodeEntity refers to an attributed entity cluster.
	NodeEntity
)

// NodeID identifies a scoreable node, either a lone address or an
// attributed entity.
type NodeID struct {
	Kind NodeKind

	// ID holds the raw address for NodeAddress and the full
	// canonical entity id for NodeEntity.
	ID string
}

// AddrNode wraps an address into a node id.
func AddrNode(addr AddrID) NodeID {
	return NodeID{Kind: NodeAddress, ID: string(addr)}
}

// EntityNode wraps an entity id into a node id.
func EntityNode(id EntityID) NodeID {
	return NodeID{Kind: NodeEntity, ID: string(id)}
}

// String returns the canonical form, "addr:<id>" for addresses and the
// already prefixed entity id otherwise. The string form defines the
// total order used wherever deterministic iteration over nodes is
// required.
func (n NodeID) String() string {
	if n.Kind == NodeEntity {
		return n.ID
	}

	return "addr:" + n.ID
}

// Less orders node ids by their canonical string form.
func (n NodeID) Less(other NodeID) bool {
	return n.String() < other.String()
}

// ParseNodeID maps a canonical node id string back to its value.
func ParseNodeID(s string) (NodeID, error) {
	switch {
	case strings.HasPrefix(s, "addr:"):
		return AddrNode(AddrID(strings.TrimPrefix(s, "addr:"))), nil

	case strings.HasPrefix(s, "ent:"):
		return EntityNode(EntityID(s)), nil

	default:
		return NodeID{}, fmt.Errorf("unknown node id form %q", s)
	}
}
