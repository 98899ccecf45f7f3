package bloomtree

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wojciechmacyna/bloomtree/engine"
	"github.com/wojciechmacyna/bloomtree/index"
	"github.com/wojciechmacyna/bloomtree/store"
)

// Index holds one READY tree per indexed column plus the query engine
// walking them. It is immutable after Build and safe for concurrent
// queries.
type Index struct {
	store   store.Store
	trees   map[string]*index.Tree
	columns []string
	engine  *engine.Engine
	logger  *Logger
	metrics MetricsCollector
}

// Build constructs an Index over the given columns of the store. The
// per-column trees are built concurrently, each scanning its segment
// files in parallel on the shared worker pool.
func Build(ctx context.Context, st store.Store, columns []string, optFns ...Option) (*Index, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(columns) == 0 {
		return nil, translateError(engine.ErrColumnCountMismatch)
	}

	builderOpts := []index.BuilderOption{
		index.WithPool(opts.pool),
		index.WithLogger(opts.logger.WithComponent("builder").Logger),
		index.WithScanRateLimit(opts.scanRate),
	}
	if opts.haveBlobs {
		builderOpts = append(builderOpts, index.WithBlobStore(opts.blobs))
	}
	builder := index.NewBuilder(st, builderOpts...)

	trees := make([]*index.Tree, len(columns))
	g, gctx := errgroup.WithContext(ctx)
	for i, column := range columns {
		g.Go(func() error {
			tree, err := builder.BuildForColumn(gctx, column, opts.params)
			if err != nil {
				return err
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, translateError(err)
	}

	ix := &Index{
		store:   st,
		trees:   make(map[string]*index.Tree, len(columns)),
		columns: append([]string(nil), columns...),
		engine: engine.New(st,
			engine.WithPool(opts.pool),
			engine.WithLogger(opts.logger.WithComponent("engine").Logger)),
		logger:  opts.logger,
		metrics: opts.metrics,
	}
	for i, column := range columns {
		ix.trees[column] = trees[i]
	}
	return ix, nil
}

// Columns returns the indexed column names in build order.
func (ix *Index) Columns() []string {
	return append([]string(nil), ix.columns...)
}

// Tree returns the column's index tree for direct traversal.
func (ix *Index) Tree(column string) (*index.Tree, bool) {
	t, ok := ix.trees[column]
	return t, ok
}

func (ix *Index) lookupTrees(columns []string) ([]*index.Tree, error) {
	if len(columns) == 0 {
		return nil, translateError(engine.ErrColumnCountMismatch)
	}
	trees := make([]*index.Tree, len(columns))
	for i, column := range columns {
		t, ok := ix.trees[column]
		if !ok {
			return nil, ErrUnknownColumn
		}
		trees[i] = t
	}
	return trees, nil
}

// Query returns every key matching values[i] in columns[i] for all i.
func (ix *Index) Query(ctx context.Context, columns, values []string) (*engine.Result, error) {
	return ix.QueryRange(ctx, columns, values, "", "")
}

// QueryRange is Query restricted to the outer key range
// [globalStart, globalEnd] (inclusive; empty means open-ended).
func (ix *Index) QueryRange(ctx context.Context, columns, values []string, globalStart, globalEnd string) (*engine.Result, error) {
	trees, err := ix.lookupTrees(columns)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := ix.engine.Query(ctx, trees, values, globalStart, globalEnd)
	if err != nil {
		return nil, translateError(err)
	}
	if ix.metrics != nil {
		ix.metrics.ObserveQuery("multi", res.Stats, time.Since(started))
	}
	return res, nil
}

// QuerySingle answers the same question traversing only the first
// column's tree, verifying the remaining columns by point gets.
func (ix *Index) QuerySingle(ctx context.Context, columns, values []string) (*engine.Result, error) {
	trees, err := ix.lookupTrees(columns)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := ix.engine.QuerySingle(ctx, trees[0], columns, values)
	if err != nil {
		return nil, translateError(err)
	}
	if ix.metrics != nil {
		ix.metrics.ObserveQuery("single", res.Stats, time.Since(started))
	}
	return res, nil
}

// FindValue reports whether value occurs in the column within
// [qStart, qEnd].
func (ix *Index) FindValue(ctx context.Context, column, value, qStart, qEnd string) (bool, engine.Stats, error) {
	trees, err := ix.lookupTrees([]string{column})
	if err != nil {
		return false, engine.Stats{}, err
	}
	found, stats, err := ix.engine.FindValue(ctx, trees[0], value, qStart, qEnd)
	return found, stats, translateError(err)
}

// MemorySize returns the bytes held by interior filters across columns.
func (ix *Index) MemorySize() int {
	total := 0
	for _, t := range ix.trees {
		total += t.MemorySize()
	}
	return total
}

// DiskSize returns the bytes of persisted leaf filters across columns.
func (ix *Index) DiskSize() int {
	total := 0
	for _, t := range ix.trees {
		total += t.DiskSize()
	}
	return total
}

// Dispose releases every tree. The index must not be used afterwards.
func (ix *Index) Dispose() {
	names := make([]string, 0, len(ix.trees))
	for name := range ix.trees {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ix.trees[name].Dispose()
	}
}
