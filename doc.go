// Package bloomtree accelerates multi-attribute exact-match lookups over
// a column-partitioned, log-structured key-value store.
//
// Each attribute column is materialised by the store as an ordered family
// of immutable sorted segment files. bloomtree builds one hierarchical
// Bloom index per column: segment files are partitioned into fixed-size
// runs, each run summarised by a Bloom filter over its values, and the
// per-run leaves are stacked into an R-ary tree whose interior filters
// are the unions of their children.
//
// Given one target value per column, the query engine descends all column
// trees in lock step under a shared key-range intersection, pruning any
// subtree whose filter rejects its column's value or whose key range
// falls outside the window the other columns still allow. Surviving
// all-leaf combinations are resolved by parallel segment scans whose
// per-column key sets are intersected.
//
// A single-index baseline (traverse one tree, scan its candidates, then
// verify the remaining columns by point gets) is provided for comparison;
// both paths report Bloom-probe and segment-check telemetry.
//
//	db, _ := lsm.Open(dir, []string{"phone", "mail", "address"})
//	// ... populate and flush ...
//	idx, _ := bloomtree.Build(ctx, db, []string{"phone", "mail", "address"})
//	res, _ := idx.Query(ctx, []string{"phone", "mail", "address"},
//		[]string{"phone_value42", "mail_value42", "address_value42"})
//
// The index is derived state: it lives in memory apart from the persisted
// leaf filters and is rebuilt from the segment files it summarises.
package bloomtree
