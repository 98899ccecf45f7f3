package index

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/wojciechmacyna/bloomtree/blobstore"
	"github.com/wojciechmacyna/bloomtree/filter"
	"github.com/wojciechmacyna/bloomtree/internal/pool"
	"github.com/wojciechmacyna/bloomtree/store"
)

// Params are the knobs of one column's index build.
type Params struct {
	// PartitionSize is the number of entries summarised per leaf.
	PartitionSize int
	// FilterBits is the Bloom filter width m shared by all nodes.
	FilterBits uint64
	// FilterHashes is the probe count k shared by all nodes.
	FilterHashes int
	// Branching is the tree's branching ratio R.
	Branching int
}

func (p Params) validate() error {
	if p.PartitionSize < 1 {
		return &ConfigError{Param: "partition size", Value: int64(p.PartitionSize)}
	}
	// Filter and branching parameters are validated by NewTree.
	return nil
}

// Builder produces IndexTrees from a column's segment files.
//
// Builders are stateless between builds and safe for concurrent use; the
// heavy lifting runs on the injected worker pool.
type Builder struct {
	store   store.Store
	pool    *pool.Pool
	blobs   blobstore.BlobStore
	logger  *slog.Logger
	limiter *rate.Limiter
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithPool injects the shared worker pool. Nil keeps a private pool sized
// to the machine.
func WithPool(p *pool.Pool) BuilderOption {
	return func(b *Builder) {
		if p != nil {
			b.pool = p
		}
	}
}

// WithBlobStore sets where leaf filters are persisted after the build.
// Nil disables persistence.
func WithBlobStore(blobs blobstore.BlobStore) BuilderOption {
	return func(b *Builder) {
		b.blobs = blobs
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithScanRateLimit throttles segment scans to n segment openings per
// second, keeping index rebuilds from saturating store I/O. Zero or
// negative disables throttling.
func WithScanRateLimit(perSecond float64) BuilderOption {
	return func(b *Builder) {
		if perSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewBuilder creates a Builder over the given store.
func NewBuilder(st store.Store, optFns ...BuilderOption) *Builder {
	b := &Builder{
		store:  st,
		pool:   pool.New(0),
		logger: slog.Default(),
		blobs:  blobstore.NewLocalStore("", nil),
	}
	for _, fn := range optFns {
		fn(b)
	}
	return b
}

type leaf struct {
	filter   *filter.Filter
	startKey string
	endKey   string
}

// BuildForColumn builds the index tree of one column. Segment files are
// scanned in parallel on the worker pool; a segment that cannot be opened
// or iterated contributes no leaves and is logged, without failing the
// build. After construction every leaf filter is persisted.
func (b *Builder) BuildForColumn(ctx context.Context, column string, params Params) (*Tree, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	tree, err := NewTree(params.Branching, params.FilterBits, params.FilterHashes)
	if err != nil {
		return nil, err
	}

	segments, err := b.store.EnumerateSegments(column)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	futures := make([]*pool.Future[[]leaf], len(segments))
	for i, segment := range segments {
		futures[i] = pool.Submit(ctx, b.pool, func() ([]leaf, error) {
			return b.processSegment(ctx, segment, params)
		})
	}

	// Join in input order so the leaf list preserves segment order.
	for i, fut := range futures {
		leaves, err := fut.Wait()
		if err != nil {
			// Recoverable I/O failure: the segment simply goes unindexed.
			b.logger.Error("segment scan failed, leaving segment unindexed",
				"column", column, "segment", segments[i], "error", err)
			continue
		}
		for _, lf := range leaves {
			if err := tree.AddLeaf(lf.filter, segments[i], lf.startKey, lf.endKey); err != nil {
				return nil, err
			}
		}
	}

	if err := tree.Build(); err != nil {
		return nil, err
	}

	if b.blobs != nil {
		if err := tree.PersistLeaves(ctx, b.blobs); err != nil {
			b.logger.Error("leaf filter persistence incomplete",
				"column", column, "error", err)
		}
	}

	b.logger.Info("index built",
		"column", column,
		"segments", len(segments),
		"leaves", len(tree.Leaves()),
		"elapsed", time.Since(started))
	return tree, nil
}

// processSegment partitions one segment into leaves of PartitionSize
// entries (the last run may be smaller), each summarised by a fresh
// filter over the partition's values.
func (b *Builder) processSegment(ctx context.Context, segment string, params Params) ([]leaf, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	it, err := b.store.Iterate(segment)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var leaves []leaf
	var current *filter.Filter
	var startKey, lastKey string
	count := 0

	for it.Next() {
		if count == 0 {
			current, err = filter.New(params.FilterBits, params.FilterHashes)
			if err != nil {
				return nil, err
			}
			startKey = it.Key()
		}
		current.Insert(it.Value())
		lastKey = it.Key()
		count++

		if count == params.PartitionSize {
			leaves = append(leaves, leaf{filter: current, startKey: startKey, endKey: lastKey})
			current = nil
			count = 0
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if count > 0 {
		leaves = append(leaves, leaf{filter: current, startKey: startKey, endKey: lastKey})
	}
	return leaves, nil
}
