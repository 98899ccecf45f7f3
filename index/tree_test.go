package index

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wojciechmacyna/bloomtree/blobstore"
	"github.com/wojciechmacyna/bloomtree/filter"
)

type countingProbes struct {
	total atomic.Int64
	leaf  atomic.Int64
}

func (c *countingProbes) BloomProbe(leaf bool) {
	c.total.Add(1)
	if leaf {
		c.leaf.Add(1)
	}
}

func newLeafFilter(t *testing.T, bits uint64, hashes int, values ...string) *filter.Filter {
	t.Helper()
	f, err := filter.New(bits, hashes)
	require.NoError(t, err)
	for _, v := range values {
		f.Insert(v)
	}
	return f
}

// buildTestTree creates a READY tree with nLeaves leaves, leaf i covering
// keys [i*10, i*10+9] on segment "seg<i/2>" and holding
// value "v<i>".
func buildTestTree(t *testing.T, branching, nLeaves int) *Tree {
	t.Helper()
	tree, err := NewTree(branching, 1024, 3)
	require.NoError(t, err)
	for i := 0; i < nLeaves; i++ {
		f := newLeafFilter(t, 1024, 3, fmt.Sprintf("v%d", i))
		require.NoError(t, tree.AddLeaf(f,
			fmt.Sprintf("seg%d", i/2),
			fmt.Sprintf("key%03d", i*10),
			fmt.Sprintf("key%03d", i*10+9)))
	}
	require.NoError(t, tree.Build())
	return tree
}

func TestNewTreeValidation(t *testing.T) {
	tests := []struct {
		name      string
		branching int
		bits      uint64
		hashes    int
	}{
		{name: "branching below two", branching: 1, bits: 64, hashes: 1},
		{name: "zero bits", branching: 4, bits: 0, hashes: 1},
		{name: "zero hashes", branching: 4, bits: 64, hashes: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTree(tt.branching, tt.bits, tt.hashes)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
		})
	}
}

func TestLifecycle(t *testing.T) {
	tree, err := NewTree(4, 1024, 3)
	require.NoError(t, err)
	require.Equal(t, StateBuilding, tree.State())

	// Query before build fails loudly.
	_, err = tree.QueryPaths("v", "", "", nil)
	var le *LifecycleError
	require.ErrorAs(t, err, &le)

	f := newLeafFilter(t, 1024, 3, "v0")
	require.NoError(t, tree.AddLeaf(f, "seg0", "a", "b"))
	require.NoError(t, tree.Build())
	require.Equal(t, StateReady, tree.State())

	// Append after build fails loudly.
	err = tree.AddLeaf(newLeafFilter(t, 1024, 3, "v1"), "seg1", "c", "d")
	require.ErrorAs(t, err, &le)

	// Double build fails loudly.
	require.ErrorIs(t, tree.Build(), ErrDoubleBuild)

	tree.Dispose()
	require.Equal(t, StateDisposed, tree.State())
	_, err = tree.QueryPaths("v0", "", "", nil)
	require.ErrorAs(t, err, &le)
}

func TestAddLeafWidthMismatch(t *testing.T) {
	tree, err := NewTree(4, 1024, 3)
	require.NoError(t, err)

	err = tree.AddLeaf(newLeafFilter(t, 2048, 3, "v"), "seg0", "a", "b")
	require.ErrorIs(t, err, filter.ErrWidthMismatch)
}

func TestBuildEmptyTree(t *testing.T) {
	tree, err := NewTree(4, 1024, 3)
	require.NoError(t, err)
	require.NoError(t, tree.Build())

	require.Equal(t, InvalidNode, tree.Root())
	paths, err := tree.QueryPaths("anything", "", "", nil)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestSingleLeafIsRoot(t *testing.T) {
	tree := buildTestTree(t, 4, 1)
	require.Equal(t, tree.Leaves()[0], tree.Root())
	assert.True(t, tree.Node(tree.Root()).IsLeaf())
}

func TestTreeShape(t *testing.T) {
	const branching = 3
	tree := buildTestTree(t, branching, 10)

	root := tree.Node(tree.Root())
	require.False(t, root.IsLeaf())
	assert.Equal(t, "key000", root.StartKey)
	assert.Equal(t, "key099", root.EndKey)

	// 10 leaves at R=3: 10 -> 4 -> 2 -> 1.
	var walk func(NodeID) int
	walk = func(id NodeID) int {
		n := tree.Node(id)
		if n.IsLeaf() {
			return 1
		}
		require.LessOrEqual(t, len(n.Children), branching)
		require.NotEmpty(t, n.Children)
		seen := 0
		for _, c := range n.Children {
			child := tree.Node(c)
			assert.GreaterOrEqual(t, child.StartKey, n.StartKey)
			assert.LessOrEqual(t, child.EndKey, n.EndKey)
			seen += walk(c)
		}
		return seen
	}
	assert.Equal(t, 10, walk(tree.Root()))
}

func TestUnionClosure(t *testing.T) {
	tree := buildTestTree(t, 3, 10)

	// P6: every value any leaf reports must be reported by all ancestors,
	// in particular the root.
	root := tree.Node(tree.Root())
	for i := 0; i < 10; i++ {
		v := fmt.Sprintf("v%d", i)
		assert.True(t, root.Filter.Exists(v), v)
	}
}

func TestQueryPathsFindsValue(t *testing.T) {
	tree := buildTestTree(t, 3, 10)

	// P1: no false negatives through the hierarchy.
	for i := 0; i < 10; i++ {
		paths, err := tree.QueryPaths(fmt.Sprintf("v%d", i), "", "", nil)
		require.NoError(t, err)
		require.Contains(t, paths, fmt.Sprintf("seg%d", i/2))
	}
}

func TestQueryPathsRangePruning(t *testing.T) {
	tree := buildTestTree(t, 3, 10)

	// P2: leaf 4 covers [key040, key049]; a disjoint constraint prunes it.
	paths, err := tree.QueryPaths("v4", "key050", "key099", nil)
	require.NoError(t, err)
	assert.Empty(t, paths)

	paths, err = tree.QueryPaths("v4", "key045", "key045", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"seg2"}, paths)

	// Open-ended bounds match everything in range.
	paths, err = tree.QueryPaths("v4", "", "key041", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"seg2"}, paths)
}

func TestQueryLeavesPreOrder(t *testing.T) {
	tree, err := NewTree(2, 1024, 3)
	require.NoError(t, err)
	// The same value in every leaf: result order must be segment order.
	for i := 0; i < 5; i++ {
		require.NoError(t, tree.AddLeaf(newLeafFilter(t, 1024, 3, "shared"),
			fmt.Sprintf("seg%d", i), fmt.Sprintf("k%d0", i), fmt.Sprintf("k%d9", i)))
	}
	require.NoError(t, tree.Build())

	leaves, err := tree.QueryLeaves("shared", "", "", nil)
	require.NoError(t, err)
	require.Len(t, leaves, 5)
	for i, id := range leaves {
		assert.Equal(t, fmt.Sprintf("seg%d", i), tree.Node(id).SegmentPath)
	}
}

func TestProbeAccounting(t *testing.T) {
	tree := buildTestTree(t, 3, 10)

	var probes countingProbes
	_, err := tree.QueryLeaves("v0", "", "", &probes)
	require.NoError(t, err)

	assert.Positive(t, probes.total.Load())
	assert.LessOrEqual(t, probes.leaf.Load(), probes.total.Load())

	// A range that overlaps nothing probes nothing.
	var none countingProbes
	_, err = tree.QueryLeaves("v0", "zzz", "zzzz", &none)
	require.NoError(t, err)
	assert.Zero(t, none.total.Load())
}

func TestPersistAndLoadLeaves(t *testing.T) {
	tree := buildTestTree(t, 3, 4)
	blobs := blobstore.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, tree.PersistLeaves(ctx, blobs))
	assert.Equal(t, 4, blobs.Len())

	for _, id := range tree.Leaves() {
		n := tree.Node(id)
		f, err := LoadLeafFilter(ctx, blobs, n.SegmentPath, n.StartKey, n.EndKey)
		require.NoError(t, err)
		assert.Equal(t, n.Filter.Marshal(), f.Marshal())
	}
}

func TestSizes(t *testing.T) {
	tree := buildTestTree(t, 3, 10)
	perFilter := tree.Node(tree.Root()).Filter.SizeBytes()

	assert.Equal(t, 10*perFilter, tree.DiskSize())
	// 10 leaves at R=3 produce 4+2+1 interior nodes.
	assert.Equal(t, 7*perFilter, tree.MemorySize())
}
