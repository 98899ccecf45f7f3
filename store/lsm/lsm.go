// Package lsm is a small column-family sorted-segment store implementing
// the store contract. Each column family buffers writes in a memtable and
// flushes them to immutable, block-compressed segment files. It exists to
// materialise the segments the hierarchical index summarises; it is not a
// general-purpose database.
package lsm

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wojciechmacyna/bloomtree/store"
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("lsm: db closed")

// ErrUnknownColumn is returned when a column family does not exist.
type ErrUnknownColumn struct {
	Column string
}

func (e *ErrUnknownColumn) Error() string {
	return fmt.Sprintf("lsm: unknown column family %q", e.Column)
}

const segmentSuffix = ".sst"

type columnFamily struct {
	name string
	mem  *memtable
	// segment paths ordered by first key; rebuilt after every flush.
	segments []string
	nextSeq  int
}

// DB is a column-family sorted-segment store.
//
// All methods are safe for concurrent use. Reads of segment files go
// through a shared cache of open mmap readers.
type DB struct {
	dir  string
	opts options

	mu      sync.RWMutex
	columns map[string]*columnFamily
	readers map[string]*segment
	closed  bool
}

var _ store.Store = (*DB)(nil)

// Open opens (or creates) a DB at dir with the given column families.
// Open is idempotent with respect to on-disk state: existing segments are
// rediscovered and ordered by key range.
func Open(dir string, columns []string, optFns ...Option) (*DB, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(columns) == 0 {
		return nil, errors.New("lsm: at least one column family required")
	}

	db := &DB{
		dir:     dir,
		opts:    opts,
		columns: make(map[string]*columnFamily, len(columns)),
		readers: make(map[string]*segment),
	}

	for _, name := range columns {
		if err := opts.fsys.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			return nil, fmt.Errorf("lsm: create column dir: %w", err)
		}
		cf := &columnFamily{name: name, mem: newMemtable()}
		if err := db.discoverSegments(cf); err != nil {
			return nil, err
		}
		db.columns[name] = cf
	}

	opts.logger.Info("lsm store opened", "dir", dir, "columns", len(columns))
	return db, nil
}

func (db *DB) discoverSegments(cf *columnFamily) error {
	entries, err := db.opts.fsys.ReadDir(filepath.Join(db.dir, cf.name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("lsm: list segments: %w", err)
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), segmentSuffix) {
			continue
		}
		path := filepath.Join(db.dir, cf.name, ent.Name())
		seg, err := openSegment(path)
		if err != nil {
			return err
		}
		db.readers[path] = seg
		cf.segments = append(cf.segments, path)

		var seq int
		if _, err := fmt.Sscanf(ent.Name(), "%d", &seq); err == nil && seq >= cf.nextSeq {
			cf.nextSeq = seq + 1
		}
	}
	db.sortSegments(cf)
	return nil
}

// sortSegments keeps the enumeration order aligned with key-range order.
// Callers hold db.mu.
func (db *DB) sortSegments(cf *columnFamily) {
	sort.Slice(cf.segments, func(i, j int) bool {
		a, b := db.readers[cf.segments[i]], db.readers[cf.segments[j]]
		if a.firstKey() != b.firstKey() {
			return a.firstKey() < b.firstKey()
		}
		return cf.segments[i] < cf.segments[j]
	})
}

// Close releases all open segment readers. Idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	for _, seg := range db.readers {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.readers = nil
	return firstErr
}

func (db *DB) column(name string) (*columnFamily, error) {
	if db.closed {
		return nil, ErrClosed
	}
	cf, ok := db.columns[name]
	if !ok {
		return nil, &ErrUnknownColumn{Column: name}
	}
	return cf, nil
}

// Put buffers a single key/value write in the column's memtable.
func (db *DB) Put(column, key, value string) error {
	return db.PutBatch(column, []store.Entry{{Key: key, Value: value}})
}

// PutBatch buffers a batch of writes in the column's memtable.
func (db *DB) PutBatch(column string, entries []store.Entry) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cf, err := db.column(column)
	if err != nil {
		return err
	}
	for _, e := range entries {
		cf.mem.put(e.Key, e.Value)
	}
	return nil
}

// Flush writes the column's memtable to a new segment file and clears it.
// Flushing an empty memtable is a no-op.
func (db *DB) Flush(column string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cf, err := db.column(column)
	if err != nil {
		return err
	}
	return db.flushLocked(cf)
}

// FlushAll flushes every column family.
func (db *DB) FlushAll() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	for _, cf := range db.columns {
		if err := db.flushLocked(cf); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) flushLocked(cf *columnFamily) error {
	if cf.mem.len() == 0 {
		return nil
	}
	entries := cf.mem.sorted()
	path := filepath.Join(db.dir, cf.name, fmt.Sprintf("%06d%s", cf.nextSeq, segmentSuffix))

	if err := db.writeSegment(path, entries); err != nil {
		return err
	}
	cf.nextSeq++
	cf.mem.reset()

	seg, err := openSegment(path)
	if err != nil {
		return err
	}
	db.readers[path] = seg
	cf.segments = append(cf.segments, path)
	db.sortSegments(cf)

	db.opts.logger.Debug("flushed memtable",
		"column", cf.name, "segment", path, "entries", len(entries))
	return nil
}

func (db *DB) writeSegment(path string, entries []entry) error {
	w, err := newSegmentWriter(db.opts.fsys, path, db.opts.compression, db.opts.blockSize)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.append(e.key, e.value); err != nil {
			w.abort()
			return err
		}
	}
	return w.finish()
}

// Compact merges every segment of the column (and any buffered writes)
// into a single segment, newest value winning per key.
func (db *DB) Compact(column string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cf, err := db.column(column)
	if err != nil {
		return err
	}
	if err := db.flushLocked(cf); err != nil {
		return err
	}
	if len(cf.segments) <= 1 {
		return nil
	}

	// Newer segments carry higher sequence numbers; apply in path order so
	// later writes overwrite earlier ones.
	paths := append([]string(nil), cf.segments...)
	sort.Strings(paths)

	merged := make(map[string]string)
	for _, path := range paths {
		it := db.readers[path].iterator()
		for it.Next() {
			merged[it.Key()] = it.Value()
		}
		if err := it.Err(); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, entry{key: k, value: merged[k]})
	}

	out := filepath.Join(db.dir, cf.name, fmt.Sprintf("%06d%s", cf.nextSeq, segmentSuffix))
	if err := db.writeSegment(out, entries); err != nil {
		return err
	}
	cf.nextSeq++

	for _, path := range cf.segments {
		if seg, ok := db.readers[path]; ok {
			_ = seg.close()
			delete(db.readers, path)
		}
		_ = db.opts.fsys.Remove(path)
	}

	seg, err := openSegment(out)
	if err != nil {
		return err
	}
	db.readers[out] = seg
	cf.segments = []string{out}

	db.opts.logger.Info("compacted column family",
		"column", cf.name, "segment", out, "entries", len(entries))
	return nil
}

// CompactAll compacts every column family.
func (db *DB) CompactAll() error {
	db.mu.RLock()
	names := make([]string, 0, len(db.columns))
	for name := range db.columns {
		names = append(names, name)
	}
	db.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if err := db.Compact(name); err != nil {
			return err
		}
	}
	return nil
}

// EnumerateSegments returns the column's segment paths ordered by key range.
func (db *DB) EnumerateSegments(column string) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cf, err := db.column(column)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), cf.segments...), nil
}

func (db *DB) reader(segmentPath string) (*segment, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	seg, ok := db.readers[segmentPath]
	if !ok {
		return nil, fmt.Errorf("lsm: unknown segment %q", segmentPath)
	}
	return seg, nil
}

// Iterate opens a forward iterator over one segment.
func (db *DB) Iterate(segmentPath string) (store.Iterator, error) {
	seg, err := db.reader(segmentPath)
	if err != nil {
		return nil, err
	}
	return seg.iterator(), nil
}

// ScanSegmentForValue returns the keys in [rangeStart, rangeEnd] of one
// segment whose value equals value. Empty bounds are open-ended.
func (db *DB) ScanSegmentForValue(segmentPath, value, rangeStart, rangeEnd string) ([]string, error) {
	seg, err := db.reader(segmentPath)
	if err != nil {
		return nil, err
	}
	return seg.scanForValue(value, rangeStart, rangeEnd)
}

// Get returns the value under key in the given column, consulting the
// memtable first and then segments from newest to oldest.
func (db *DB) Get(column, key string) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cf, err := db.column(column)
	if err != nil {
		return "", err
	}

	if v, ok := cf.mem.get(key); ok {
		return v, nil
	}

	// Highest sequence number wins when ranges overlap.
	paths := append([]string(nil), cf.segments...)
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	for _, path := range paths {
		seg := db.readers[path]
		if key < seg.firstKey() || key > seg.lastKey() {
			continue
		}
		v, ok, err := seg.get(key)
		if err != nil {
			return "", err
		}
		if ok {
			return v, nil
		}
	}
	return "", store.ErrNotFound
}

// ScanColumnsForValues performs an unindexed conjunctive scan: every key
// whose value in each listed column equals the corresponding value. Used
// as a correctness cross-check for the indexed query paths.
func (db *DB) ScanColumnsForValues(columns, values []string) ([]string, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return nil, errors.New("lsm: columns and values must match and be non-empty")
	}

	segments, err := db.EnumerateSegments(columns[0])
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, seg := range segments {
		matched, err := db.ScanSegmentForValue(seg, values[0], "", "")
		if err != nil {
			return nil, err
		}
		keys = append(keys, matched...)
	}

	var out []string
	for _, key := range keys {
		ok := true
		for i := 1; i < len(columns); i++ {
			v, err := db.Get(columns[i], key)
			if errors.Is(err, store.ErrNotFound) {
				ok = false
				break
			}
			if err != nil {
				return nil, err
			}
			if v != values[i] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, key)
		}
	}
	return out, nil
}

// ColumnContainsValue reports whether any key of the column holds value,
// by brute-force segment scans.
func (db *DB) ColumnContainsValue(column, value string) (bool, error) {
	segments, err := db.EnumerateSegments(column)
	if err != nil {
		return false, err
	}
	for _, segPath := range segments {
		keys, err := db.ScanSegmentForValue(segPath, value, "", "")
		if err != nil {
			return false, err
		}
		if len(keys) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Dir returns the root directory of the store.
func (db *DB) Dir() string {
	return db.dir
}

// Logger exposes the store's logger for components that want to share it.
func (db *DB) Logger() *slog.Logger {
	return db.opts.logger
}
