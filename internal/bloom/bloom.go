// Package bloom implements BFOID, the fixed-size Bloom filter over object IDs
// exchanged during anti-entropy.
//
// Filters are monotone: bits are only ever set. A filter can report false
// positives but never false negatives, so a caller that treats Contains as
// "this object may need attention" can only ever do extra work.
package bloom

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"github.com/roach88/replica/internal/ids"
)

const (
	// Bits is the filter length in bits.
	Bits = 8192
	// Probes is the number of bit positions set per OID.
	Probes = 4
	// ByteLen is the length of the serialized filter.
	ByteLen = Bits / 8
)

// Filter is a Bloom filter over OIDs. The zero value is not usable; call New.
type Filter struct {
	bits *bitset.BitSet
}

// New returns an empty filter.
func New() *Filter {
	return &Filter{bits: bitset.New(Bits)}
}

// Full returns a filter with every bit set. It contains every OID.
func Full() *Filter {
	f := New()
	for i := uint(0); i < Bits; i++ {
		f.bits.Set(i)
	}
	return f
}

// FromBytes decodes a serialized filter.
func FromBytes(b []byte) (*Filter, error) {
	if len(b) != ByteLen {
		return nil, fmt.Errorf("bloom filter must be %d bytes, got %d", ByteLen, len(b))
	}
	f := New()
	for i, octet := range b {
		for j := uint(0); j < 8; j++ {
			if octet&(1<<j) != 0 {
				f.bits.Set(uint(i)*8 + j)
			}
		}
	}
	return f, nil
}

// Bytes serializes the filter. Bit i lives in byte i/8 at position i%8.
func (f *Filter) Bytes() []byte {
	out := make([]byte, ByteLen)
	for i, ok := f.bits.NextSet(0); ok; i, ok = f.bits.NextSet(i + 1) {
		out[i/8] |= 1 << (i % 8)
	}
	return out
}

// probes returns the bit positions for an OID (Kirsch-Mitzenmacher double hashing).
func probes(oid ids.OID) [Probes]uint {
	sum := xxhash.Sum64(oid[:])
	h1 := uint32(sum)
	h2 := uint32(sum>>32) | 1

	var out [Probes]uint
	for i := range out {
		out[i] = uint((h1 + uint32(i)*h2) % Bits)
	}
	return out
}

// Add records oid. It never clears a bit.
func (f *Filter) Add(oid ids.OID) {
	for _, p := range probes(oid) {
		f.bits.Set(p)
	}
}

// Contains reports whether oid may have been added.
func (f *Filter) Contains(oid ids.OID) bool {
	for _, p := range probes(oid) {
		if !f.bits.Test(p) {
			return false
		}
	}
	return true
}

// UnionWith sets every bit set in other.
func (f *Filter) UnionWith(other *Filter) {
	f.bits.InPlaceUnion(other.bits)
}

// Clone returns an independent copy.
func (f *Filter) Clone() *Filter {
	return &Filter{bits: f.bits.Clone()}
}

// Equal reports whether both filters have the same bits.
func (f *Filter) Equal(other *Filter) bool {
	return f.bits.Equal(other.bits)
}

// Count returns the number of set bits.
func (f *Filter) Count() uint { return f.bits.Count() }

// IsEmpty reports whether no bit is set.
func (f *Filter) IsEmpty() bool { return f.bits.None() }

// IsFull reports whether every bit is set.
func (f *Filter) IsFull() bool { return f.bits.Count() == Bits }

// FillRatio is the fraction of set bits.
func (f *Filter) FillRatio() float64 {
	return float64(f.bits.Count()) / Bits
}

// FalsePositiveRate estimates the probability that Contains answers true for
// an OID that was never added.
func (f *Filter) FalsePositiveRate() float64 {
	return math.Pow(f.FillRatio(), Probes)
}

// Saturated reports whether the false positive estimate exceeds limit.
func (f *Filter) Saturated(limit float64) bool {
	return f.FalsePositiveRate() > limit
}

// Checksum is a short digest used in logs and tests.
func (f *Filter) Checksum() uint64 {
	return xxhash.Sum64(f.Bytes())
}
