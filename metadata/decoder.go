// Package metadata provides the table metadata sources and decoder consumed
// by the sweep policy cache.
package metadata

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/marmot-sweep/encoding"
	"github.com/maxpert/marmot-sweep/sweep"
)

// DefaultDecodeCacheSize bounds the number of distinct metadata blobs memoized.
const DefaultDecodeCacheSize = 1024

// ErrUndecodable is returned for empty or unrecognized metadata.
var ErrUndecodable = errors.New("undecodable table metadata")

// TableMetadata is the persisted per-table metadata relevant to sweep.
type TableMetadata struct {
	SweepStrategy string `msgpack:"sweep_strategy"`
	Description   string `msgpack:"description,omitempty"`
}

// Encode returns the metadata encoding for policy.
func Encode(policy sweep.Policy) ([]byte, error) {
	return encoding.Marshal(&TableMetadata{SweepStrategy: policy.String()})
}

// MustEncode is Encode for fixtures and constants.
func MustEncode(policy sweep.Policy) []byte {
	raw, err := Encode(policy)
	if err != nil {
		panic(err)
	}
	return raw
}

type decodedEntry struct {
	raw    []byte
	policy sweep.Policy
}

// Decoder turns msgpack TableMetadata into a sweep.Policy. Results are
// memoized in an LRU keyed by XXH64 of the raw bytes, since many tables
// share identical metadata.
type Decoder struct {
	cache *lru.Cache[uint64, decodedEntry]
}

var _ sweep.PolicyDecoder = (*Decoder)(nil)

// NewDecoder creates a decoder with an LRU of the given size.
func NewDecoder(cacheSize int) (*Decoder, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultDecodeCacheSize
	}
	cache, err := lru.New[uint64, decodedEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decode cache: %w", err)
	}
	return &Decoder{cache: cache}, nil
}

// Decode returns ErrUndecodable for empty, malformed or unknown metadata.
func (d *Decoder) Decode(raw []byte) (sweep.Policy, error) {
	if len(raw) == 0 {
		return sweep.PolicyConservative, ErrUndecodable
	}

	hash := xxhash.Sum64(raw)
	if cached, ok := d.cache.Get(hash); ok && bytes.Equal(cached.raw, raw) {
		return cached.policy, nil
	}

	var meta TableMetadata
	if err := encoding.Unmarshal(raw, &meta); err != nil {
		return sweep.PolicyConservative, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if meta.SweepStrategy == "" {
		return sweep.PolicyConservative, fmt.Errorf("%w: no sweep strategy", ErrUndecodable)
	}
	policy, err := sweep.ParsePolicy(meta.SweepStrategy)
	if err != nil {
		return sweep.PolicyConservative, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	own := make([]byte, len(raw))
	copy(own, raw)
	d.cache.Add(hash, decodedEntry{raw: own, policy: policy})
	return policy, nil
}

// Len returns the number of memoized blobs.
func (d *Decoder) Len() int {
	return d.cache.Len()
}
