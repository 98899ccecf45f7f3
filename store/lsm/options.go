package lsm

import (
	"log/slog"

	"github.com/wojciechmacyna/bloomtree/internal/fs"
)

type options struct {
	compression Compression
	blockSize   int
	fsys        fs.FileSystem
	logger      *slog.Logger
}

// Option configures a DB.
type Option func(*options)

// WithCompression selects the block codec for newly written segments.
// Existing segments carry their codec in the footer and remain readable.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithBlockSize sets the uncompressed block size target in bytes.
func WithBlockSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.blockSize = size
		}
	}
}

// WithFileSystem overrides the file system, mainly for fault injection in
// tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fsys = fsys
		}
	}
}

// WithLogger sets the structured logger. Nil keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func defaultOptions() options {
	return options{
		compression: CompressionS2,
		blockSize:   defaultBlockSize,
		fsys:        fs.Default,
		logger:      slog.Default(),
	}
}
