package bloomtree

import (
	"sync/atomic"
	"time"

	"github.com/wojciechmacyna/bloomtree/engine"
)

// MetricsCollector observes query telemetry. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	// ObserveQuery is called once per finished query with its strategy
	// ("multi" or "single"), counters, and wall time.
	ObserveQuery(strategy string, stats engine.Stats, elapsed time.Duration)
}

// CountingCollector is a trivial MetricsCollector accumulating totals.
// Useful in tests and for coarse production dashboards.
type CountingCollector struct {
	Queries     atomic.Int64
	BloomProbes atomic.Int64
	SSTChecks   atomic.Int64
}

func (c *CountingCollector) ObserveQuery(_ string, stats engine.Stats, _ time.Duration) {
	c.Queries.Add(1)
	c.BloomProbes.Add(stats.BloomProbes)
	c.SSTChecks.Add(stats.SSTChecks)
}

var _ MetricsCollector = (*CountingCollector)(nil)
