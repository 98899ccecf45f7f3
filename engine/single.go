package engine

import (
	"context"
	"errors"
	"time"

	"github.com/wojciechmacyna/bloomtree/index"
	"github.com/wojciechmacyna/bloomtree/internal/pool"
	"github.com/wojciechmacyna/bloomtree/store"
)

// QuerySingle answers the same conjunctive question as Query using only
// the primary column's tree: candidate leaves come from one traversal,
// their segments are scanned for values[0], and the surviving keys are
// verified against the remaining columns by point gets.
//
// The SST-check counter is incremented by the candidate count before any
// scan runs. That is deliberate: callers compare counters between this
// strategy and the multi-column engine, and the historical accounting
// counts candidates slated for scanning, not scans that succeeded.
func (e *Engine) QuerySingle(ctx context.Context, primary *index.Tree, columns, values []string) (*Result, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return nil, ErrColumnCountMismatch
	}

	qc := NewQueryContext()
	started := time.Now()

	leaves, err := primary.QueryLeaves(values[0], "", "", qc)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 {
		return &Result{Keys: []string{}, Stats: qc.Stats()}, nil
	}
	qc.AddSSTChecks(len(leaves))

	// Phase one: scan every candidate leaf's segment for the primary
	// value, bounded to the leaf's own key range.
	scans := make([]*pool.Future[[]string], len(leaves))
	for i, id := range leaves {
		leaf := primary.Node(id)
		segment := leaf.SegmentPath
		scanStart, scanEnd := leaf.StartKey, leaf.EndKey
		value := values[0]
		scans[i] = pool.Submit(ctx, e.pool, func() ([]string, error) {
			return e.store.ScanSegmentForValue(segment, value, scanStart, scanEnd)
		})
	}

	candidates := make(map[string]struct{})
	for i, fut := range scans {
		keys, err := fut.Wait()
		if err != nil {
			e.logger.Error("primary segment scan failed",
				"query", qc.ID(),
				"segment", primary.Node(leaves[i]).SegmentPath,
				"error", err)
			continue
		}
		for _, k := range keys {
			candidates[k] = struct{}{}
		}
	}

	// Phase two: verify each candidate key against the remaining columns.
	type verdict struct {
		key string
		ok  bool
	}
	checks := make([]*pool.Future[verdict], 0, len(candidates))
	for key := range candidates {
		checks = append(checks, pool.Submit(ctx, e.pool, func() (verdict, error) {
			for i := 1; i < len(columns); i++ {
				v, err := e.store.Get(columns[i], key)
				if errors.Is(err, store.ErrNotFound) {
					return verdict{key: key}, nil
				}
				if err != nil {
					return verdict{key: key}, err
				}
				if v != values[i] {
					return verdict{key: key}, nil
				}
			}
			return verdict{key: key, ok: true}, nil
		}))
	}

	keys := make([]string, 0, len(checks))
	for _, fut := range checks {
		v, err := fut.Wait()
		if err != nil {
			e.logger.Error("candidate verification failed",
				"query", qc.ID(), "key", v.key, "error", err)
			continue
		}
		if v.ok {
			keys = append(keys, v.key)
		}
	}

	result := &Result{Keys: keys, Stats: qc.Stats()}
	e.logger.Info("single-index query finished",
		"query", qc.ID(),
		"candidates", len(candidates),
		"matches", len(keys),
		"bloom_probes", result.Stats.BloomProbes,
		"sst_checks", result.Stats.SSTChecks,
		"elapsed", time.Since(started))
	return result, nil
}
