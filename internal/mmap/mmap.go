// Package mmap provides read-only memory-mapped file access.
//
// Segment files and persisted leaf filters are immutable once written, which
// makes them a natural fit for mmap: iteration and range scans read straight
// from the page cache without copying through read buffers.
//
// Mapping is safe for concurrent readers. Close is idempotent, but callers
// must ensure no goroutine touches Bytes() after Close returns.
package mmap

import (
	"errors"
	"os"
	"sync/atomic"
)

var (
	// ErrInvalidSize is returned when the file size cannot be mapped.
	ErrInvalidSize = errors.New("mmap: invalid file size")
)

// AccessPattern provides hints to the kernel about how the data will be accessed.
type AccessPattern int

const (
	// AccessDefault is the default access pattern (no specific advice).
	AccessDefault AccessPattern = iota
	// AccessSequential expects data to be accessed front to back.
	AccessSequential
	// AccessRandom expects scattered point reads.
	AccessRandom
)

// Mapping represents a read-only memory-mapped file.
// It owns the underlying byte slice and is responsible for unmapping it.
type Mapping struct {
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// Open maps the file at path into memory read-only.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size < 0 || size != int64(int(size)) {
		return nil, ErrInvalidSize
	}
	if size == 0 {
		return &Mapping{}, nil
	}

	data, unmap, err := osMap(f, int(size))
	if err != nil {
		return nil, err
	}

	return &Mapping{data: data, unmap: unmap}, nil
}

// Close unmaps the memory. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.unmap != nil && m.data != nil {
		return m.unmap(m.data)
	}
	return nil
}

// Bytes returns the mapped contents. The slice is valid until Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int {
	return len(m.data)
}

// Advise passes an access-pattern hint to the kernel. Advisory only;
// failures other than unsupported-platform are returned but harmless.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() || len(m.data) == 0 {
		return nil
	}
	return osAdvise(m.data, pattern)
}
