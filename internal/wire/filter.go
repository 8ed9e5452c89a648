package wire

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/roach88/replica/internal/bloom"
)

// Filter carries a Bloom filter as snappy-compressed bytes. Sparse and
// full filters both compress to a few dozen bytes.
type Filter struct {
	*bloom.Filter
}

// MarshalJSON implements json.Marshaler.
func (f Filter) MarshalJSON() ([]byte, error) {
	if f.Filter == nil {
		return []byte("null"), nil
	}
	return json.Marshal(snappy.Encode(nil, f.Bytes()))
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(b []byte) error {
	var compressed []byte
	if err := json.Unmarshal(b, &compressed); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if compressed == nil {
		f.Filter = nil
		return nil
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("filter: decompress: %w", err)
	}
	bf, err := bloom.FromBytes(raw)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	f.Filter = bf
	return nil
}
