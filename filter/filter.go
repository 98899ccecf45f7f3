// Package filter implements the Bloom filter summarising segment partitions.
//
// A filter can definitively say a value is absent, but may report false
// positives. That is exactly the contract index pruning needs: a negative
// probe skips a subtree with certainty, a positive probe only promises the
// terminal scan a chance of a match.
//
// Probe positions are derived from seeded 32-bit MurmurHash3, seeds
// 0..k-1, each reduced modulo the bit width. Insert and Exists share the
// same derivation, so false negatives cannot occur.
package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/spaolacci/murmur3"
)

var (
	// ErrWidthMismatch is returned when merging filters of different widths.
	ErrWidthMismatch = errors.New("filter: bit width mismatch")
	// ErrCorrupted indicates undecodable persisted filter data.
	ErrCorrupted = errors.New("filter: corrupted data")
)

// ConfigError reports impossible filter parameters.
type ConfigError struct {
	Param string
	Value int64
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("filter: invalid %s: %d", e.Param, e.Value)
}

const headerSize = 12 // m uint64 + k int32, both little-endian

// Filter is a fixed-width Bloom filter over byte-string values.
//
// Filters are not safe for concurrent mutation. Once a filter is owned by a
// READY tree it is only read, and concurrent readers are always safe.
type Filter struct {
	bits *bitset.BitSet
	m    uint64
	k    int32
}

// New creates an empty filter with m bits and k probe positions.
func New(m uint64, k int) (*Filter, error) {
	if m == 0 {
		return nil, &ConfigError{Param: "bit count", Value: 0}
	}
	if k < 1 {
		return nil, &ConfigError{Param: "hash count", Value: int64(k)}
	}
	if k > math.MaxInt32 {
		return nil, &ConfigError{Param: "hash count", Value: int64(k)}
	}
	return &Filter{
		bits: bitset.New(uint(m)),
		m:    m,
		k:    int32(k),
	}, nil
}

// Bits returns the filter width in bits.
func (f *Filter) Bits() uint64 { return f.m }

// Hashes returns the number of probe positions per value.
func (f *Filter) Hashes() int { return int(f.k) }

func (f *Filter) probe(value string, seed uint32) uint {
	h := murmur3.Sum32WithSeed([]byte(value), seed)
	return uint(uint64(h) % f.m)
}

// Insert adds a value to the filter.
// After Insert(v), Exists(v) always returns true.
func (f *Filter) Insert(value string) {
	for i := int32(0); i < f.k; i++ {
		f.bits.Set(f.probe(value, uint32(i)))
	}
}

// Exists reports whether the value might be in the filter.
// A false return is definitive; a true return may be a false positive.
func (f *Filter) Exists(value string) bool {
	for i := int32(0); i < f.k; i++ {
		if !f.bits.Test(f.probe(value, uint32(i))) {
			return false
		}
	}
	return true
}

// MergeFrom ORs other into f. The widths must match.
func (f *Filter) MergeFrom(other *Filter) error {
	if f.m != other.m {
		return fmt.Errorf("%w: %d vs %d", ErrWidthMismatch, f.m, other.m)
	}
	f.bits.InPlaceUnion(other.bits)
	return nil
}

// EstimateFPP returns the expected false-positive probability after n
// distinct insertions: (1 - e^(-kn/m))^k.
func (f *Filter) EstimateFPP(n int) float64 {
	if n <= 0 {
		return 0
	}
	kn := float64(f.k) * float64(n)
	return math.Pow(1-math.Exp(-kn/float64(f.m)), float64(f.k))
}

// SizeBytes returns the size of the serialised form.
func (f *Filter) SizeBytes() int {
	return headerSize + int((f.m+7)/8)
}

// Marshal serialises the filter: m (uint64 LE), k (int32 LE), then
// ceil(m/8) packed bytes with bit i stored at byte i/8, bit i mod 8.
// Emitted bit bytes are strict {0,1}-bit packings.
func (f *Filter) Marshal() []byte {
	packed := int((f.m + 7) / 8)
	out := make([]byte, headerSize, headerSize+packed)
	binary.LittleEndian.PutUint64(out[0:8], f.m)
	binary.LittleEndian.PutUint32(out[8:12], uint32(f.k))

	// bitset words are little-endian compatible with the byte-packed
	// layout: bit i lives in word i/64 at bit i%64, hence in byte i/8 at
	// bit i%8 once each word is emitted little-endian.
	var word [8]byte
	for _, w := range f.bits.Bytes() {
		binary.LittleEndian.PutUint64(word[:], w)
		out = append(out, word[:]...)
	}
	// The word dump may overshoot the packed length; keep exactly
	// ceil(m/8) bytes.
	return out[:headerSize+packed]
}

// Unmarshal decodes a filter serialised by Marshal. Decoding is bitwise, so
// any non-zero bit encoding in the payload is tolerated.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupted, len(data))
	}
	m := binary.LittleEndian.Uint64(data[0:8])
	k := int32(binary.LittleEndian.Uint32(data[8:12]))
	if m == 0 || k < 1 {
		return nil, fmt.Errorf("%w: m=%d k=%d", ErrCorrupted, m, k)
	}

	packed := int((m + 7) / 8)
	payload := data[headerSize:]
	if len(payload) < packed {
		return nil, fmt.Errorf("%w: want %d bit bytes, have %d", ErrCorrupted, packed, len(payload))
	}
	payload = payload[:packed]

	words := make([]uint64, (packed+7)/8)
	for i := range words {
		var word [8]byte
		copy(word[:], payload[i*8:])
		words[i] = binary.LittleEndian.Uint64(word[:])
	}

	return &Filter{
		bits: bitset.FromWithLength(uint(m), words),
		m:    m,
		k:    k,
	}, nil
}
