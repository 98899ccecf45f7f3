package lsm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"

	"github.com/wojciechmacyna/bloomtree/internal/fs"
	"github.com/wojciechmacyna/bloomtree/internal/hash"
	"github.com/wojciechmacyna/bloomtree/internal/mmap"
)

// Compression selects the per-block codec of a segment file.
type Compression uint8

const (
	// CompressionNone stores blocks uncompressed.
	CompressionNone Compression = iota
	// CompressionS2 uses the S2 block format.
	CompressionS2
	// CompressionLZ4 uses the LZ4 block format.
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

const (
	segmentMagic   = 0x42534731 // "BSG1"
	segmentVersion = 1
	footerSize     = 8 + 4 + 1 + 1 + 4

	defaultBlockSize = 16 * 1024
)

var (
	// ErrCorruptSegment indicates an undecodable segment file.
	ErrCorruptSegment = errors.New("lsm: corrupt segment")
	// ErrChecksum indicates a block failed its CRC32C check.
	ErrChecksum = errors.New("lsm: block checksum mismatch")
)

type blockMeta struct {
	offset   uint64
	clen     uint32 // compressed length
	ulen     uint32 // uncompressed length
	crc      uint32 // CRC32C of the stored (compressed) bytes
	firstKey string
	lastKey  string
}

// segmentWriter streams ascending key/value entries into a segment file.
// The file becomes visible under its final name only at finish.
type segmentWriter struct {
	fsys      fs.FileSystem
	path      string
	file      fs.File
	codec     Compression
	blockSize int

	buf     []byte
	blocks  []blockMeta
	offset  uint64
	pending struct {
		firstKey string
		lastKey  string
	}

	firstKey string
	lastKey  string
	count    int
}

func newSegmentWriter(fsys fs.FileSystem, path string, codec Compression, blockSize int) (*segmentWriter, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	if err := fs.EnsureDir(fsys, path); err != nil {
		return nil, err
	}
	f, err := fsys.OpenFile(path+".tmp", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &segmentWriter{
		fsys:      fsys,
		path:      path,
		file:      f,
		codec:     codec,
		blockSize: blockSize,
	}, nil
}

// append adds an entry. Keys must arrive in ascending order.
func (w *segmentWriter) append(key, value string) error {
	if w.count > 0 && key < w.lastKey {
		return fmt.Errorf("lsm: out-of-order key %q after %q", key, w.lastKey)
	}
	if w.count == 0 {
		w.firstKey = key
	}
	if len(w.buf) == 0 {
		w.pending.firstKey = key
	}
	w.pending.lastKey = key
	w.lastKey = key
	w.count++

	var lens [4]byte
	binary.LittleEndian.PutUint32(lens[:], uint32(len(key)))
	w.buf = append(w.buf, lens[:]...)
	w.buf = append(w.buf, key...)
	binary.LittleEndian.PutUint32(lens[:], uint32(len(value)))
	w.buf = append(w.buf, lens[:]...)
	w.buf = append(w.buf, value...)

	if len(w.buf) >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *segmentWriter) flushBlock() error {
	if len(w.buf) == 0 {
		return nil
	}

	var stored []byte
	switch w.codec {
	case CompressionS2:
		stored = s2.Encode(nil, w.buf)
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(w.buf)))
		n, err := lz4.CompressBlock(w.buf, dst, nil)
		if err != nil {
			return err
		}
		if n == 0 || n >= len(w.buf) {
			// Incompressible; store raw with clen == ulen as the marker.
			stored = append([]byte(nil), w.buf...)
		} else {
			stored = dst[:n]
		}
	default:
		stored = w.buf
	}

	if _, err := w.file.Write(stored); err != nil {
		return err
	}

	w.blocks = append(w.blocks, blockMeta{
		offset:   w.offset,
		clen:     uint32(len(stored)),
		ulen:     uint32(len(w.buf)),
		crc:      hash.CRC32C(stored),
		firstKey: w.pending.firstKey,
		lastKey:  w.pending.lastKey,
	})
	w.offset += uint64(len(stored))
	w.buf = w.buf[:0]
	return nil
}

// finish flushes the last block, writes the block index and footer, syncs,
// and renames the file into place.
func (w *segmentWriter) finish() error {
	if err := w.flushBlock(); err != nil {
		w.abort()
		return err
	}

	index := make([]byte, 0, 64*len(w.blocks)+4)
	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(w.blocks)))
	index = append(index, scratch[:4]...)
	for _, b := range w.blocks {
		binary.LittleEndian.PutUint64(scratch[:], b.offset)
		index = append(index, scratch[:]...)
		binary.LittleEndian.PutUint32(scratch[:4], b.clen)
		index = append(index, scratch[:4]...)
		binary.LittleEndian.PutUint32(scratch[:4], b.ulen)
		index = append(index, scratch[:4]...)
		binary.LittleEndian.PutUint32(scratch[:4], b.crc)
		index = append(index, scratch[:4]...)
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(b.firstKey)))
		index = append(index, scratch[:2]...)
		index = append(index, b.firstKey...)
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(b.lastKey)))
		index = append(index, scratch[:2]...)
		index = append(index, b.lastKey...)
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], w.offset)
	binary.LittleEndian.PutUint32(footer[8:12], uint32(len(index)))
	footer[12] = uint8(w.codec)
	footer[13] = segmentVersion
	binary.LittleEndian.PutUint32(footer[14:18], segmentMagic)

	if _, err := w.file.Write(index); err != nil {
		w.abort()
		return err
	}
	if _, err := w.file.Write(footer); err != nil {
		w.abort()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.abort()
		return err
	}
	if err := w.file.Close(); err != nil {
		_ = w.fsys.Remove(w.path + ".tmp")
		return err
	}
	return w.fsys.Rename(w.path+".tmp", w.path)
}

func (w *segmentWriter) abort() {
	_ = w.file.Close()
	_ = w.fsys.Remove(w.path + ".tmp")
}

// segment is an open, immutable segment file backed by an mmap.
type segment struct {
	path   string
	m      *mmap.Mapping
	codec  Compression
	blocks []blockMeta
	count  int
}

func openSegment(path string) (*segment, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := parseSegment(path, m)
	if err != nil {
		m.Close()
		return nil, err
	}
	return s, nil
}

func parseSegment(path string, m *mmap.Mapping) (*segment, error) {
	data := m.Bytes()
	if len(data) < footerSize {
		return nil, fmt.Errorf("%w: %s: short file", ErrCorruptSegment, path)
	}
	footer := data[len(data)-footerSize:]
	if binary.LittleEndian.Uint32(footer[14:18]) != segmentMagic {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorruptSegment, path)
	}
	if footer[13] != segmentVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptSegment, path, footer[13])
	}
	indexOffset := binary.LittleEndian.Uint64(footer[0:8])
	indexLen := binary.LittleEndian.Uint32(footer[8:12])
	codec := Compression(footer[12])

	if indexOffset+uint64(indexLen) > uint64(len(data)-footerSize) {
		return nil, fmt.Errorf("%w: %s: index out of bounds", ErrCorruptSegment, path)
	}
	index := data[indexOffset : indexOffset+uint64(indexLen)]
	if len(index) < 4 {
		return nil, fmt.Errorf("%w: %s: short index", ErrCorruptSegment, path)
	}
	blockCount := binary.LittleEndian.Uint32(index[:4])
	index = index[4:]

	blocks := make([]blockMeta, 0, blockCount)
	for i := uint32(0); i < blockCount; i++ {
		if len(index) < 20+2 {
			return nil, fmt.Errorf("%w: %s: truncated block meta", ErrCorruptSegment, path)
		}
		var b blockMeta
		b.offset = binary.LittleEndian.Uint64(index[0:8])
		b.clen = binary.LittleEndian.Uint32(index[8:12])
		b.ulen = binary.LittleEndian.Uint32(index[12:16])
		b.crc = binary.LittleEndian.Uint32(index[16:20])
		index = index[20:]

		fkLen := int(binary.LittleEndian.Uint16(index[:2]))
		index = index[2:]
		if len(index) < fkLen+2 {
			return nil, fmt.Errorf("%w: %s: truncated block meta", ErrCorruptSegment, path)
		}
		b.firstKey = string(index[:fkLen])
		index = index[fkLen:]

		lkLen := int(binary.LittleEndian.Uint16(index[:2]))
		index = index[2:]
		if len(index) < lkLen {
			return nil, fmt.Errorf("%w: %s: truncated block meta", ErrCorruptSegment, path)
		}
		b.lastKey = string(index[:lkLen])
		index = index[lkLen:]

		blocks = append(blocks, b)
	}

	return &segment{
		path:   path,
		m:      m,
		codec:  codec,
		blocks: blocks,
	}, nil
}

func (s *segment) close() error {
	return s.m.Close()
}

func (s *segment) firstKey() string {
	if len(s.blocks) == 0 {
		return ""
	}
	return s.blocks[0].firstKey
}

func (s *segment) lastKey() string {
	if len(s.blocks) == 0 {
		return ""
	}
	return s.blocks[len(s.blocks)-1].lastKey
}

func (s *segment) decodeBlock(b blockMeta) ([]byte, error) {
	data := s.m.Bytes()
	if b.offset+uint64(b.clen) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %s: block out of bounds", ErrCorruptSegment, s.path)
	}
	stored := data[b.offset : b.offset+uint64(b.clen)]
	if hash.CRC32C(stored) != b.crc {
		return nil, fmt.Errorf("%w: %s", ErrChecksum, s.path)
	}

	switch s.codec {
	case CompressionS2:
		out, err := s2.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSegment, s.path, err)
		}
		return out, nil
	case CompressionLZ4:
		if b.clen == b.ulen {
			// Raw fallback written for incompressible blocks.
			return stored, nil
		}
		out := make([]byte, b.ulen)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSegment, s.path, err)
		}
		return out[:n], nil
	default:
		return stored, nil
	}
}

// scanBlock walks the entries of a decoded block, calling fn until it
// returns false.
func scanBlock(block []byte, fn func(key, value string) bool) error {
	for len(block) > 0 {
		if len(block) < 4 {
			return fmt.Errorf("%w: truncated entry", ErrCorruptSegment)
		}
		klen := binary.LittleEndian.Uint32(block[:4])
		block = block[4:]
		if uint64(len(block)) < uint64(klen)+4 {
			return fmt.Errorf("%w: truncated key", ErrCorruptSegment)
		}
		key := string(block[:klen])
		block = block[klen:]

		vlen := binary.LittleEndian.Uint32(block[:4])
		block = block[4:]
		if uint64(len(block)) < uint64(vlen) {
			return fmt.Errorf("%w: truncated value", ErrCorruptSegment)
		}
		value := string(block[:vlen])
		block = block[vlen:]

		if !fn(key, value) {
			return nil
		}
	}
	return nil
}

// scanForValue returns the keys in [rangeStart, rangeEnd] whose value
// equals value. Empty bounds are open-ended.
func (s *segment) scanForValue(value, rangeStart, rangeEnd string) ([]string, error) {
	var keys []string
	for _, b := range s.blocks {
		if rangeStart != "" && b.lastKey < rangeStart {
			continue
		}
		if rangeEnd != "" && b.firstKey > rangeEnd {
			break
		}
		block, err := s.decodeBlock(b)
		if err != nil {
			return nil, err
		}
		stop := false
		err = scanBlock(block, func(key, v string) bool {
			if rangeEnd != "" && key > rangeEnd {
				stop = true
				return false
			}
			if (rangeStart == "" || key >= rangeStart) && v == value {
				keys = append(keys, key)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		if stop {
			break
		}
	}
	return keys, nil
}

// get returns the value stored under key, if present.
func (s *segment) get(key string) (string, bool, error) {
	// Binary search for the first block whose lastKey >= key.
	lo, hi := 0, len(s.blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.blocks[mid].lastKey < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(s.blocks) || s.blocks[lo].firstKey > key {
		return "", false, nil
	}

	block, err := s.decodeBlock(s.blocks[lo])
	if err != nil {
		return "", false, err
	}
	var value string
	var found bool
	err = scanBlock(block, func(k, v string) bool {
		if k == key {
			value, found = v, true
			return false
		}
		return k < key
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

// segmentIterator yields all entries of a segment in key order.
type segmentIterator struct {
	seg      *segment
	blockIdx int
	entries  []entry
	pos      int
	err      error
	closed   bool
}

type entry struct {
	key   string
	value string
}

func (s *segment) iterator() *segmentIterator {
	return &segmentIterator{seg: s, pos: -1}
}

func (it *segmentIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	it.pos++
	for it.pos >= len(it.entries) {
		if it.blockIdx >= len(it.seg.blocks) {
			return false
		}
		block, err := it.seg.decodeBlock(it.seg.blocks[it.blockIdx])
		if err != nil {
			it.err = err
			return false
		}
		it.blockIdx++
		it.entries = it.entries[:0]
		it.err = scanBlock(block, func(k, v string) bool {
			it.entries = append(it.entries, entry{key: k, value: v})
			return true
		})
		if it.err != nil {
			return false
		}
		it.pos = 0
	}
	return true
}

func (it *segmentIterator) Key() string   { return it.entries[it.pos].key }
func (it *segmentIterator) Value() string { return it.entries[it.pos].value }
func (it *segmentIterator) Err() error    { return it.err }

func (it *segmentIterator) Close() error {
	it.closed = true
	return nil
}
