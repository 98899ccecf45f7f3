// Package testutil provides the shared fixtures of the test suite: the
// dense, lexicographically ordered row set the indexes are exercised
// against.
package testutil

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wojciechmacyna/bloomtree/store"
	"github.com/wojciechmacyna/bloomtree/store/lsm"
)

// Columns are the column families used by the end-to-end scenarios.
var Columns = []string{"phone", "mail", "address"}

// Key returns the fixture key for row i: "key" plus i zero-padded to 20
// decimal digits, so keys order the same way numerically and byte-wise.
func Key(i int) string {
	return fmt.Sprintf("key%020d", i)
}

// Value returns the fixture value of row i in a column:
// "<column>_value<i>".
func Value(column string, i int) string {
	return fmt.Sprintf("%s_value%d", column, i)
}

// Values returns the per-column value vector of row i.
func Values(columns []string, i int) []string {
	out := make([]string, len(columns))
	for c, column := range columns {
		out[c] = Value(column, i)
	}
	return out
}

// PopulateDB writes rows 1..n into every column of db, flushing every
// rowsPerSegment rows so each column ends up with multiple segments.
func PopulateDB(t *testing.T, db *lsm.DB, columns []string, n, rowsPerSegment int) {
	t.Helper()
	for _, column := range columns {
		batch := make([]store.Entry, 0, rowsPerSegment)
		for i := 1; i <= n; i++ {
			batch = append(batch, store.Entry{Key: Key(i), Value: Value(column, i)})
			if len(batch) == rowsPerSegment || i == n {
				require.NoError(t, db.PutBatch(column, batch))
				require.NoError(t, db.Flush(column))
				batch = batch[:0]
			}
		}
	}
}

// OpenPopulatedDB opens a fresh store in a test temp dir and fills it
// with rows 1..n.
func OpenPopulatedDB(t *testing.T, columns []string, n, rowsPerSegment int, optFns ...lsm.Option) *lsm.DB {
	t.Helper()
	db, err := lsm.Open(t.TempDir(), columns, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	PopulateDB(t, db, columns, n, rowsPerSegment)
	return db
}
