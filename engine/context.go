// Package engine executes conjunctive queries over per-column index
// trees: the synchronised multi-tree descent and the single-index
// baseline it is compared against.
package engine

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wojciechmacyna/bloomtree/index"
)

// Stats is the telemetry of one query invocation.
type Stats struct {
	// BloomProbes is the total number of filter membership tests.
	BloomProbes int64
	// LeafBloomProbes is how many of those landed on leaf nodes.
	LeafBloomProbes int64
	// SSTChecks counts segment scans and, for the single-index path,
	// candidate segments slated for scanning.
	SSTChecks int64
}

// QueryContext carries the probe counters of one top-level query. The
// counters are atomics because pool workers update them concurrently;
// they start zeroed at query start and are never reset mid-query.
type QueryContext struct {
	id uuid.UUID

	bloomProbes atomic.Int64
	leafProbes  atomic.Int64
	sstChecks   atomic.Int64
}

var _ index.Probes = (*QueryContext)(nil)

// NewQueryContext creates a fresh context with a correlation ID.
func NewQueryContext() *QueryContext {
	return &QueryContext{id: uuid.New()}
}

// ID returns the query correlation ID used in log records.
func (c *QueryContext) ID() uuid.UUID {
	return c.id
}

// BloomProbe records one filter membership test.
func (c *QueryContext) BloomProbe(leaf bool) {
	c.bloomProbes.Add(1)
	if leaf {
		c.leafProbes.Add(1)
	}
}

// AddSSTChecks records n segment checks.
func (c *QueryContext) AddSSTChecks(n int) {
	c.sstChecks.Add(int64(n))
}

// Stats snapshots the counters.
func (c *QueryContext) Stats() Stats {
	return Stats{
		BloomProbes:     c.bloomProbes.Load(),
		LeafBloomProbes: c.leafProbes.Load(),
		SSTChecks:       c.sstChecks.Load(),
	}
}

// Result is the outcome of a query: the matching keys (deduplicated, in
// no particular order) and the probe telemetry.
type Result struct {
	Keys  []string
	Stats Stats
}
