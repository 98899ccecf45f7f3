package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/wojciechmacyna/bloomtree/blobstore"
	"github.com/wojciechmacyna/bloomtree/filter"
)

// State is the lifecycle state of a Tree.
type State uint8

const (
	// StateBuilding accepts AddLeaf; queries are rejected.
	StateBuilding State = iota
	// StateReady accepts queries; the tree is immutable.
	StateReady
	// StateDisposed has released its nodes.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// LifecycleError reports an operation invoked in the wrong tree state.
// These are programming errors, not runtime conditions.
type LifecycleError struct {
	Op    string
	State State
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("index: %s on %s tree", e.Op, e.State)
}

// ConfigError reports impossible index parameters.
type ConfigError struct {
	Param string
	Value int64
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("index: invalid %s: %d", e.Param, e.Value)
}

// ErrDoubleBuild is returned when Build is called more than once.
var ErrDoubleBuild = errors.New("index: tree already built")

// Probes receives Bloom-probe accounting from tree traversals.
// Implementations must be safe for concurrent use.
type Probes interface {
	// BloomProbe records one membership test; leaf says whether the
	// probed node was a leaf.
	BloomProbe(leaf bool)
}

// Tree is the branching-factor-R index of one column.
//
// Nodes are allocated in a tree-owned arena and addressed by NodeID, so
// disposal is bulk and traversal is pointer-chase free. A tree is built
// once (AddLeaf* then Build) and read-only afterwards; READY trees are
// safe for concurrent queries.
type Tree struct {
	branching int
	bits      uint64
	hashes    int

	nodes  []Node
	leaves []NodeID // segment order, preserved from AddLeaf
	root   NodeID
	state  State
}

// NewTree creates an empty BUILDING tree. All node filters of the tree
// share the given width and probe count.
func NewTree(branching int, bits uint64, hashes int) (*Tree, error) {
	if branching < 2 {
		return nil, &ConfigError{Param: "branching ratio", Value: int64(branching)}
	}
	if bits == 0 {
		return nil, &ConfigError{Param: "filter bits", Value: 0}
	}
	if hashes < 1 {
		return nil, &ConfigError{Param: "filter hashes", Value: int64(hashes)}
	}
	return &Tree{
		branching: branching,
		bits:      bits,
		hashes:    hashes,
		root:      InvalidNode,
	}, nil
}

// Branching returns the branching ratio R.
func (t *Tree) Branching() int { return t.branching }

// FilterBits returns the shared filter width.
func (t *Tree) FilterBits() uint64 { return t.bits }

// FilterHashes returns the shared probe count.
func (t *Tree) FilterHashes() int { return t.hashes }

// State returns the lifecycle state.
func (t *Tree) State() State { return t.state }

// Root returns the root node id, or InvalidNode for an empty tree.
func (t *Tree) Root() NodeID { return t.root }

// Leaves returns the leaf ids in segment order. Callers must not mutate
// the returned slice.
func (t *Tree) Leaves() []NodeID { return t.leaves }

// Node returns the node for id. The pointer is borrowed; the tree owns
// the node.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

// AddLeaf appends a leaf summarising one segment partition. Leaves must
// arrive in segment order; only BUILDING trees accept them.
func (t *Tree) AddLeaf(f *filter.Filter, segmentPath, startKey, endKey string) error {
	if t.state != StateBuilding {
		return &LifecycleError{Op: "AddLeaf", State: t.state}
	}
	if f == nil || segmentPath == "" {
		return errors.New("index: leaf requires a filter and a segment path")
	}
	if f.Bits() != t.bits || f.Hashes() != t.hashes {
		return fmt.Errorf("%w: leaf %dx%d, tree %dx%d",
			filter.ErrWidthMismatch, f.Bits(), f.Hashes(), t.bits, t.hashes)
	}

	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, Node{
		Filter:      f,
		StartKey:    startKey,
		EndKey:      endKey,
		SegmentPath: segmentPath,
	})
	t.leaves = append(t.leaves, id)
	return nil
}

// Build constructs the interior levels bottom-up and freezes the tree.
// It may be called exactly once. A single leaf becomes the root directly;
// an empty tree stays empty and answers every query with no results.
func (t *Tree) Build() error {
	if t.state == StateReady {
		return ErrDoubleBuild
	}
	if t.state != StateBuilding {
		return &LifecycleError{Op: "Build", State: t.state}
	}

	level := append([]NodeID(nil), t.leaves...)
	for len(level) > 1 {
		var parents []NodeID
		for i := 0; i < len(level); i += t.branching {
			end := i + t.branching
			if end > len(level) {
				end = len(level)
			}
			parent, err := t.makeParent(level[i:end])
			if err != nil {
				return err
			}
			parents = append(parents, parent)
		}
		level = parents
	}

	if len(level) == 1 {
		t.root = level[0]
	}
	t.state = StateReady
	return nil
}

func (t *Tree) makeParent(children []NodeID) (NodeID, error) {
	f, err := filter.New(t.bits, t.hashes)
	if err != nil {
		return InvalidNode, err
	}

	parent := Node{
		Filter:   f,
		StartKey: t.nodes[children[0]].StartKey,
		EndKey:   t.nodes[children[0]].EndKey,
		Children: append([]NodeID(nil), children...),
	}
	for _, id := range children {
		child := &t.nodes[id]
		if child.StartKey < parent.StartKey {
			parent.StartKey = child.StartKey
		}
		if child.EndKey > parent.EndKey {
			parent.EndKey = child.EndKey
		}
		if err := f.MergeFrom(child.Filter); err != nil {
			return InvalidNode, err
		}
	}

	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, parent)
	return id, nil
}

// Dispose releases the arena. Further use of the tree fails with a
// LifecycleError.
func (t *Tree) Dispose() {
	t.nodes = nil
	t.leaves = nil
	t.root = InvalidNode
	t.state = StateDisposed
}

// QueryPaths returns the segment paths whose leaves might contain value
// within [qStart, qEnd] (inclusive, empty meaning open-ended), in segment
// order. Every reached node costs exactly one Bloom probe, reported to
// probes when non-nil.
func (t *Tree) QueryPaths(value, qStart, qEnd string, probes Probes) ([]string, error) {
	leaves, err := t.QueryLeaves(value, qStart, qEnd, probes)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(leaves))
	for _, id := range leaves {
		paths = append(paths, t.nodes[id].SegmentPath)
	}
	return paths, nil
}

// QueryLeaves is QueryPaths returning the matching leaf nodes themselves,
// for callers that need per-leaf key ranges.
func (t *Tree) QueryLeaves(value, qStart, qEnd string, probes Probes) ([]NodeID, error) {
	if t.state != StateReady {
		return nil, &LifecycleError{Op: "query", State: t.state}
	}
	if t.root == InvalidNode {
		return nil, nil
	}
	var out []NodeID
	t.search(t.root, value, qStart, qEnd, probes, &out)
	return out, nil
}

func (t *Tree) search(id NodeID, value, qStart, qEnd string, probes Probes, out *[]NodeID) {
	node := &t.nodes[id]
	if !node.OverlapsRange(qStart, qEnd) {
		return
	}

	leaf := node.IsLeaf()
	if probes != nil {
		probes.BloomProbe(leaf)
	}
	if !node.Filter.Exists(value) {
		return
	}

	if leaf {
		*out = append(*out, id)
		return
	}
	for _, child := range node.Children {
		t.search(child, value, qStart, qEnd, probes, out)
	}
}

// MemorySize returns the bytes the interior filters would occupy on disk;
// interior nodes are the part of the index held only in memory.
func (t *Tree) MemorySize() int {
	total := 0
	for i := range t.nodes {
		if !t.nodes[i].IsLeaf() {
			total += t.nodes[i].Filter.SizeBytes()
		}
	}
	return total
}

// DiskSize returns the bytes of the persisted leaf filters.
func (t *Tree) DiskSize() int {
	total := 0
	for _, id := range t.leaves {
		total += t.nodes[id].Filter.SizeBytes()
	}
	return total
}

// PersistLeaves writes every leaf filter to blobs under LeafFilterPath.
// Failures are collected per leaf; the first error is returned after all
// leaves are attempted.
func (t *Tree) PersistLeaves(ctx context.Context, blobs blobstore.BlobStore) error {
	if t.state != StateReady {
		return &LifecycleError{Op: "PersistLeaves", State: t.state}
	}
	var firstErr error
	for _, id := range t.leaves {
		leaf := &t.nodes[id]
		name := LeafFilterPath(leaf.SegmentPath, leaf.StartKey, leaf.EndKey)
		if err := blobs.Put(ctx, name, leaf.Filter.Marshal()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("index: persist leaf filter %s: %w", name, err)
		}
	}
	return firstErr
}

// LoadLeafFilter reads a persisted leaf filter back.
func LoadLeafFilter(ctx context.Context, blobs blobstore.BlobStore, segmentPath, startKey, endKey string) (*filter.Filter, error) {
	data, err := blobs.Get(ctx, LeafFilterPath(segmentPath, startKey, endKey))
	if err != nil {
		return nil, err
	}
	return filter.Unmarshal(data)
}
