package index

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wojciechmacyna/bloomtree/blobstore"
	"github.com/wojciechmacyna/bloomtree/internal/pool"
	"github.com/wojciechmacyna/bloomtree/store"
)

// fakeStore serves scripted segments and can fail specific ones, standing
// in for the real store during builder tests.
type fakeStore struct {
	segments map[string][]string      // column -> ordered segment paths
	entries  map[string][]store.Entry // segment path -> sorted entries
	broken   map[string]bool          // segment path -> fail Iterate
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		segments: make(map[string][]string),
		entries:  make(map[string][]store.Entry),
		broken:   make(map[string]bool),
	}
}

func (s *fakeStore) addSegment(column, path string, entries []store.Entry) {
	s.segments[column] = append(s.segments[column], path)
	s.entries[path] = entries
}

func (s *fakeStore) EnumerateSegments(column string) ([]string, error) {
	return s.segments[column], nil
}

func (s *fakeStore) Iterate(segment string) (store.Iterator, error) {
	if s.broken[segment] {
		return nil, fmt.Errorf("fake: cannot open %s", segment)
	}
	return &sliceIterator{entries: s.entries[segment], pos: -1}, nil
}

func (s *fakeStore) ScanSegmentForValue(segment, value, rangeStart, rangeEnd string) ([]string, error) {
	var keys []string
	for _, e := range s.entries[segment] {
		if rangeStart != "" && e.Key < rangeStart {
			continue
		}
		if rangeEnd != "" && e.Key > rangeEnd {
			break
		}
		if e.Value == value {
			keys = append(keys, e.Key)
		}
	}
	return keys, nil
}

func (s *fakeStore) Get(column, key string) (string, error) {
	for _, seg := range s.segments[column] {
		for _, e := range s.entries[seg] {
			if e.Key == key {
				return e.Value, nil
			}
		}
	}
	return "", store.ErrNotFound
}

type sliceIterator struct {
	entries []store.Entry
	pos     int
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}
func (it *sliceIterator) Key() string   { return it.entries[it.pos].Key }
func (it *sliceIterator) Value() string { return it.entries[it.pos].Value }
func (it *sliceIterator) Err() error    { return nil }
func (it *sliceIterator) Close() error  { return nil }

func segEntries(first, count int) []store.Entry {
	out := make([]store.Entry, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, store.Entry{
			Key:   fmt.Sprintf("key%05d", first+i),
			Value: fmt.Sprintf("value%d", first+i),
		})
	}
	return out
}

var testParams = Params{PartitionSize: 10, FilterBits: 4096, FilterHashes: 5, Branching: 4}

func TestBuildForColumnPartitioning(t *testing.T) {
	st := newFakeStore()
	st.addSegment("phone", "seg_a", segEntries(0, 25))
	st.addSegment("phone", "seg_b", segEntries(100, 10))

	b := NewBuilder(st, WithBlobStore(blobstore.NewMemoryStore()))
	tree, err := b.BuildForColumn(context.Background(), "phone", testParams)
	require.NoError(t, err)

	// 25 entries at P=10 give leaves of 10, 10, 5; segment b adds one.
	leaves := tree.Leaves()
	require.Len(t, leaves, 4)

	first := tree.Node(leaves[0])
	assert.Equal(t, "seg_a", first.SegmentPath)
	assert.Equal(t, "key00000", first.StartKey)
	assert.Equal(t, "key00009", first.EndKey)

	partial := tree.Node(leaves[2])
	assert.Equal(t, "key00020", partial.StartKey)
	assert.Equal(t, "key00024", partial.EndKey)

	last := tree.Node(leaves[3])
	assert.Equal(t, "seg_b", last.SegmentPath)
	assert.Equal(t, "key00100", last.StartKey)
	assert.Equal(t, "key00109", last.EndKey)
}

func TestBuildForColumnNoFalseNegatives(t *testing.T) {
	st := newFakeStore()
	st.addSegment("phone", "seg_a", segEntries(0, 100))

	b := NewBuilder(st, WithBlobStore(nil))
	tree, err := b.BuildForColumn(context.Background(), "phone", testParams)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		paths, err := tree.QueryPaths(fmt.Sprintf("value%d", i), "", "", nil)
		require.NoError(t, err)
		assert.Contains(t, paths, "seg_a")
	}
}

func TestBuildForColumnParamValidation(t *testing.T) {
	b := NewBuilder(newFakeStore())
	ctx := context.Background()

	for _, params := range []Params{
		{PartitionSize: 0, FilterBits: 64, FilterHashes: 1, Branching: 2},
		{PartitionSize: 1, FilterBits: 0, FilterHashes: 1, Branching: 2},
		{PartitionSize: 1, FilterBits: 64, FilterHashes: 0, Branching: 2},
		{PartitionSize: 1, FilterBits: 64, FilterHashes: 1, Branching: 1},
	} {
		_, err := b.BuildForColumn(ctx, "phone", params)
		var ce *ConfigError
		require.ErrorAs(t, err, &ce, "%+v", params)
	}
}

func TestBuildForColumnBrokenSegmentSkipped(t *testing.T) {
	st := newFakeStore()
	st.addSegment("phone", "seg_a", segEntries(0, 10))
	st.addSegment("phone", "seg_bad", segEntries(50, 10))
	st.addSegment("phone", "seg_c", segEntries(100, 10))
	st.broken["seg_bad"] = true

	b := NewBuilder(st, WithBlobStore(nil))
	tree, err := b.BuildForColumn(context.Background(), "phone", testParams)
	require.NoError(t, err)

	// The broken segment contributes nothing; the others still index.
	require.Len(t, tree.Leaves(), 2)
	assert.Equal(t, "seg_a", tree.Node(tree.Leaves()[0]).SegmentPath)
	assert.Equal(t, "seg_c", tree.Node(tree.Leaves()[1]).SegmentPath)
}

func TestBuildForColumnEmptyColumn(t *testing.T) {
	b := NewBuilder(newFakeStore(), WithBlobStore(nil))
	tree, err := b.BuildForColumn(context.Background(), "phone", testParams)
	require.NoError(t, err)
	require.Equal(t, InvalidNode, tree.Root())
}

func TestBuildForColumnPersistsLeaves(t *testing.T) {
	st := newFakeStore()
	st.addSegment("phone", "seg_a", segEntries(0, 20))

	blobs := blobstore.NewMemoryStore()
	b := NewBuilder(st, WithBlobStore(blobs))
	tree, err := b.BuildForColumn(context.Background(), "phone", testParams)
	require.NoError(t, err)

	require.Equal(t, len(tree.Leaves()), blobs.Len())
	n := tree.Node(tree.Leaves()[0])
	f, err := LoadLeafFilter(context.Background(), blobs, n.SegmentPath, n.StartKey, n.EndKey)
	require.NoError(t, err)
	assert.True(t, f.Exists("value0"))
}

func TestBuilderDeterminism(t *testing.T) {
	st := newFakeStore()
	st.addSegment("phone", "seg_a", segEntries(0, 95))
	st.addSegment("phone", "seg_b", segEntries(200, 33))

	build := func() *Tree {
		b := NewBuilder(st, WithBlobStore(nil), WithPool(pool.New(4)))
		tree, err := b.BuildForColumn(context.Background(), "phone", testParams)
		require.NoError(t, err)
		return tree
	}
	a, b := build(), build()

	require.Equal(t, len(a.Leaves()), len(b.Leaves()))
	var compare func(x, y NodeID)
	compare = func(x, y NodeID) {
		nx, ny := a.Node(x), b.Node(y)
		assert.Equal(t, nx.SegmentPath, ny.SegmentPath)
		assert.Equal(t, nx.StartKey, ny.StartKey)
		assert.Equal(t, nx.EndKey, ny.EndKey)
		assert.Equal(t, nx.Filter.Marshal(), ny.Filter.Marshal())
		require.Equal(t, len(nx.Children), len(ny.Children))
		for i := range nx.Children {
			compare(nx.Children[i], ny.Children[i])
		}
	}
	compare(a.Root(), b.Root())
}

func TestBuildForColumnRateLimited(t *testing.T) {
	st := newFakeStore()
	for i := 0; i < 3; i++ {
		st.addSegment("phone", fmt.Sprintf("seg_%d", i), segEntries(i*100, 5))
	}

	b := NewBuilder(st, WithBlobStore(nil), WithScanRateLimit(1000))
	tree, err := b.BuildForColumn(context.Background(), "phone", testParams)
	require.NoError(t, err)
	require.Len(t, tree.Leaves(), 3)
}

func TestBuildForColumnEnumerateError(t *testing.T) {
	b := NewBuilder(&erroringStore{}, WithBlobStore(nil))
	_, err := b.BuildForColumn(context.Background(), "phone", testParams)
	require.Error(t, err)
}

type erroringStore struct{}

func (erroringStore) EnumerateSegments(string) ([]string, error) {
	return nil, errors.New("store offline")
}
func (erroringStore) Iterate(string) (store.Iterator, error) {
	return nil, errors.New("store offline")
}
func (erroringStore) ScanSegmentForValue(string, string, string, string) ([]string, error) {
	return nil, errors.New("store offline")
}
func (erroringStore) Get(string, string) (string, error) {
	return "", errors.New("store offline")
}
