package bloomtree

import (
	"github.com/wojciechmacyna/bloomtree/blobstore"
	"github.com/wojciechmacyna/bloomtree/index"
	"github.com/wojciechmacyna/bloomtree/internal/pool"
)

// Defaults for index construction. FilterBits tracks PartitionSize at ten
// bits per entry, which with seven hashes keeps leaf false positives
// around one percent.
const (
	DefaultPartitionSize = 1000
	DefaultFilterBits    = 10 * DefaultPartitionSize
	DefaultFilterHashes  = 7
	DefaultBranching     = 4
)

type options struct {
	params    index.Params
	pool      *pool.Pool
	blobs     blobstore.BlobStore
	logger    *Logger
	metrics   MetricsCollector
	scanRate  float64
	haveBlobs bool
}

// Option configures Build.
type Option func(*options)

// WithPartitionSize sets the number of entries summarised per leaf.
func WithPartitionSize(p int) Option {
	return func(o *options) {
		o.params.PartitionSize = p
	}
}

// WithFilterBits sets the Bloom filter width shared by every node.
func WithFilterBits(m uint64) Option {
	return func(o *options) {
		o.params.FilterBits = m
	}
}

// WithFilterHashes sets the probe count shared by every node.
func WithFilterHashes(k int) Option {
	return func(o *options) {
		o.params.FilterHashes = k
	}
}

// WithBranching sets the tree branching ratio.
func WithBranching(r int) Option {
	return func(o *options) {
		o.params.Branching = r
	}
}

// WithWorkerPool injects the process-wide worker pool shared by builds
// and queries. Nil keeps a pool sized to the machine.
func WithWorkerPool(p *pool.Pool) Option {
	return func(o *options) {
		if p != nil {
			o.pool = p
		}
	}
}

// WithBlobStore sets where leaf filters persist. The default writes them
// next to the segment files; nil disables persistence.
func WithBlobStore(blobs blobstore.BlobStore) Option {
	return func(o *options) {
		o.blobs = blobs
		o.haveBlobs = true
	}
}

// WithLogger sets the structured logger used by the index and engine.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsCollector registers a collector observing query telemetry.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithScanRateLimit throttles build-time segment scans to n per second.
func WithScanRateLimit(perSecond float64) Option {
	return func(o *options) {
		o.scanRate = perSecond
	}
}

func defaultOptions() options {
	return options{
		params: index.Params{
			PartitionSize: DefaultPartitionSize,
			FilterBits:    DefaultFilterBits,
			FilterHashes:  DefaultFilterHashes,
			Branching:     DefaultBranching,
		},
		pool:   pool.New(0),
		logger: NewLogger(nil),
	}
}
