package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wojciechmacyna/bloomtree/index"
	"github.com/wojciechmacyna/bloomtree/internal/pool"
	"github.com/wojciechmacyna/bloomtree/store"
)

// ErrColumnCountMismatch is returned when trees/columns and values do not
// pair up one to one.
var ErrColumnCountMismatch = errors.New("engine: trees and values must match and be non-empty")

// Engine runs conjunctive queries against one index tree per column,
// with terminal verification scans against the store.
type Engine struct {
	store  store.Store
	pool   *pool.Pool
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPool injects the shared worker pool.
func WithPool(p *pool.Pool) Option {
	return func(e *Engine) {
		if p != nil {
			e.pool = p
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Engine over the given store.
func New(st store.Store, optFns ...Option) *Engine {
	e := &Engine{
		store:  st,
		pool:   pool.New(0),
		logger: slog.Default(),
	}
	for _, fn := range optFns {
		fn(e)
	}
	return e
}

// combo is the state of one descent step: one node per column plus the
// intersected key range shared by all of them.
type combo struct {
	nodes      []index.NodeID
	rangeStart string
	rangeEnd   string
}

// Query returns every key whose row matches values[i] in the column
// indexed by trees[i], for all i simultaneously, restricted to the outer
// key range [globalStart, globalEnd] (inclusive; empty means open-ended).
//
// The result keys are deduplicated and unordered. Scan failures reduce
// recall for this invocation only: they are logged and the remaining work
// proceeds.
func (e *Engine) Query(ctx context.Context, trees []*index.Tree, values []string, globalStart, globalEnd string) (*Result, error) {
	if len(trees) == 0 || len(trees) != len(values) {
		return nil, ErrColumnCountMismatch
	}
	for _, t := range trees {
		if t.State() != index.StateReady {
			return nil, &index.LifecycleError{Op: "query", State: t.State()}
		}
	}

	qc := NewQueryContext()
	started := time.Now()
	matches := make(map[string]struct{})

	root := combo{nodes: make([]index.NodeID, len(trees))}
	empty := false
	for i, t := range trees {
		id := t.Root()
		if id == index.InvalidNode {
			empty = true
			break
		}
		root.nodes[i] = id
		n := t.Node(id)
		if root.rangeStart == "" || n.StartKey > root.rangeStart {
			root.rangeStart = n.StartKey
		}
		if root.rangeEnd == "" || n.EndKey < root.rangeEnd {
			root.rangeEnd = n.EndKey
		}
	}
	if globalStart != "" && globalStart > root.rangeStart {
		root.rangeStart = globalStart
	}
	if globalEnd != "" && globalEnd < root.rangeEnd {
		root.rangeEnd = globalEnd
	}

	if !empty {
		// Roots are probed exactly once, before any descent.
		for i, t := range trees {
			n := t.Node(root.nodes[i])
			qc.BloomProbe(n.IsLeaf())
			if !n.Filter.Exists(values[i]) {
				empty = true
				break
			}
		}
	}

	if !empty {
		e.descend(ctx, qc, trees, values, root, matches)
	}

	result := &Result{
		Keys:  make([]string, 0, len(matches)),
		Stats: qc.Stats(),
	}
	for k := range matches {
		result.Keys = append(result.Keys, k)
	}

	e.logger.Info("multi-column query finished",
		"query", qc.ID(),
		"columns", len(trees),
		"matches", len(result.Keys),
		"bloom_probes", result.Stats.BloomProbes,
		"leaf_bloom_probes", result.Stats.LeafBloomProbes,
		"sst_checks", result.Stats.SSTChecks,
		"elapsed", time.Since(started))
	return result, nil
}

// descend advances one synchronised step: either the combo is all leaves
// and is scanned, or each column's node expands to its pruned candidate
// children and the Cartesian product of the candidates recurses.
func (e *Engine) descend(ctx context.Context, qc *QueryContext, trees []*index.Tree, values []string, c combo, matches map[string]struct{}) {
	if c.rangeStart > c.rangeEnd {
		return
	}

	allLeaves := true
	for i, t := range trees {
		if !t.Node(c.nodes[i]).IsLeaf() {
			allLeaves = false
			break
		}
	}
	if allLeaves {
		for _, key := range e.scanAndIntersect(ctx, qc, trees, values, c) {
			matches[key] = struct{}{}
		}
		return
	}

	// Candidate generation with progressive range tightening: each
	// column narrows the window the following columns prune against.
	n := len(trees)
	candidates := make([][]index.NodeID, n)
	tightStart, tightEnd := c.rangeStart, c.rangeEnd

	for i := 0; i < n; i++ {
		t := trees[i]
		node := t.Node(c.nodes[i])
		var colMin, colMax string
		found := false

		consider := func(id index.NodeID, probe bool) {
			child := t.Node(id)
			if !child.OverlapsRange(tightStart, tightEnd) {
				return
			}
			if probe {
				qc.BloomProbe(child.IsLeaf())
				if !child.Filter.Exists(values[i]) {
					return
				}
			}
			candidates[i] = append(candidates[i], id)
			if !found {
				colMin, colMax = child.StartKey, child.EndKey
				found = true
				return
			}
			if child.StartKey < colMin {
				colMin = child.StartKey
			}
			if child.EndKey > colMax {
				colMax = child.EndKey
			}
		}

		if node.IsLeaf() {
			// Already probed when it became a candidate; only the range
			// can disqualify it now.
			consider(c.nodes[i], false)
		} else {
			for _, child := range node.Children {
				consider(child, true)
			}
		}
		if !found {
			return
		}

		if i+1 < n {
			if colMin > tightStart {
				tightStart = colMin
			}
			if colMax < tightEnd {
				tightEnd = colMax
			}
			if tightStart > tightEnd {
				return
			}
		}
	}

	// Enumerate the candidate product, carrying the per-combination
	// intersected range.
	chosen := make([]index.NodeID, n)
	var backtrack func(idx int, curStart, curEnd string)
	backtrack = func(idx int, curStart, curEnd string) {
		if idx == n {
			next := combo{
				nodes:      append([]index.NodeID(nil), chosen...),
				rangeStart: curStart,
				rangeEnd:   curEnd,
			}
			e.descend(ctx, qc, trees, values, next, matches)
			return
		}
		for _, cand := range candidates[idx] {
			node := trees[idx].Node(cand)
			ns, ne := curStart, curEnd
			if node.StartKey > ns {
				ns = node.StartKey
			}
			if node.EndKey < ne {
				ne = node.EndKey
			}
			if ns <= ne {
				chosen[idx] = cand
				backtrack(idx+1, ns, ne)
			}
		}
	}
	backtrack(0, c.rangeStart, c.rangeEnd)
}

// scanAndIntersect handles an all-leaf combo: each column's segment is
// scanned in parallel for keys holding the target value inside the
// combo's range, and the per-column key sets are intersected.
func (e *Engine) scanAndIntersect(ctx context.Context, qc *QueryContext, trees []*index.Tree, values []string, c combo) []string {
	n := len(trees)
	qc.AddSSTChecks(n)

	futures := make([]*pool.Future[[]string], n)
	for i := 0; i < n; i++ {
		leaf := trees[i].Node(c.nodes[i])
		value := values[i]
		scanStart, scanEnd := c.rangeStart, c.rangeEnd
		if leaf.StartKey > scanStart {
			scanStart = leaf.StartKey
		}
		if leaf.EndKey < scanEnd {
			scanEnd = leaf.EndKey
		}
		segment := leaf.SegmentPath
		futures[i] = pool.Submit(ctx, e.pool, func() ([]string, error) {
			return e.store.ScanSegmentForValue(segment, value, scanStart, scanEnd)
		})
	}

	var intersection map[string]struct{}
	for i, fut := range futures {
		keys, err := fut.Wait()
		if err != nil {
			// Dropping the scan drops its keys from the intersection,
			// which can only shrink the result.
			e.logger.Error("terminal segment scan failed",
				"query", qc.ID(),
				"segment", trees[i].Node(c.nodes[i]).SegmentPath,
				"error", err)
			keys = nil
		}

		if i == 0 {
			intersection = make(map[string]struct{}, len(keys))
			for _, k := range keys {
				intersection[k] = struct{}{}
			}
		} else {
			next := make(map[string]struct{})
			for _, k := range keys {
				if _, ok := intersection[k]; ok {
					next[k] = struct{}{}
				}
			}
			intersection = next
		}
		if len(intersection) == 0 {
			// Later scans cannot resurrect keys, but their futures must
			// still be joined before returning.
			for _, rest := range futures[i+1:] {
				_, _ = rest.Wait()
			}
			return nil
		}
	}

	out := make([]string, 0, len(intersection))
	for k := range intersection {
		out = append(out, k)
	}
	return out
}

// FindValue reports whether value occurs anywhere in the tree's column
// within [qStart, qEnd], scanning candidate segments in parallel and
// stopping early once a hit is known.
func (e *Engine) FindValue(ctx context.Context, tree *index.Tree, value, qStart, qEnd string) (bool, Stats, error) {
	qc := NewQueryContext()

	paths, err := tree.QueryPaths(value, qStart, qEnd, qc)
	if err != nil {
		return false, qc.Stats(), err
	}
	if len(paths) == 0 {
		return false, qc.Stats(), nil
	}
	qc.AddSSTChecks(len(paths))

	var hit atomic.Bool
	futures := make([]*pool.Future[bool], len(paths))
	for i, path := range paths {
		futures[i] = pool.Submit(ctx, e.pool, func() (bool, error) {
			if hit.Load() {
				return false, nil
			}
			keys, err := e.store.ScanSegmentForValue(path, value, qStart, qEnd)
			if err != nil {
				return false, err
			}
			if len(keys) > 0 {
				hit.Store(true)
				return true, nil
			}
			return false, nil
		})
	}

	for i, fut := range futures {
		if _, err := fut.Wait(); err != nil {
			e.logger.Error("candidate segment scan failed",
				"query", qc.ID(), "segment", paths[i], "error", err)
		}
	}
	return hit.Load(), qc.Stats(), nil
}
