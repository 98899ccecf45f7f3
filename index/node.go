// Package index implements the per-column hierarchical Bloom index: an
// R-ary tree of nodes, each summarising its subtree with a Bloom filter
// and an inclusive key range. Leaves summarise fixed-size partitions of
// segment files; interior nodes summarise their children by filter union
// and range enclosure.
package index

import (
	"fmt"

	"github.com/wojciechmacyna/bloomtree/filter"
)

// NodeID addresses a node within its tree's arena.
type NodeID int32

// InvalidNode is the null node reference.
const InvalidNode NodeID = -1

// Node is one node of the index tree. Nodes live in the tree's arena and
// reference children by arena index; they never point back at parents.
//
// A node is a leaf iff SegmentPath is non-empty; leaves have no children
// and interior nodes have no segment path.
type Node struct {
	Filter   *filter.Filter
	StartKey string
	EndKey   string

	// SegmentPath is the segment file this leaf summarises a partition of.
	SegmentPath string
	// Children are the arena indices of an interior node's children.
	Children []NodeID
}

// IsLeaf reports whether the node summarises a segment partition directly.
func (n *Node) IsLeaf() bool {
	return n.SegmentPath != ""
}

// OverlapsRange reports whether the node's key range intersects
// [qStart, qEnd]. Empty bounds are open-ended.
func (n *Node) OverlapsRange(qStart, qEnd string) bool {
	if qEnd != "" && n.StartKey > qEnd {
		return false
	}
	if qStart != "" && n.EndKey < qStart {
		return false
	}
	return true
}

// LeafFilterPath is the persisted location of a leaf's filter, derived
// from its segment path and key range.
func LeafFilterPath(segmentPath, startKey, endKey string) string {
	return fmt.Sprintf("%s_%s_%s", segmentPath, startKey, endKey)
}
