package sweep

import "github.com/cespare/xxhash/v2"

// DefaultShards is the cluster-wide shard count used when none is configured.
const DefaultShards = 128

// CellHash combines XXH64 of the row and column bytes with XOR.
// A cell whose row equals its column always hashes to 0.
func CellHash(c Cell) uint64 {
	return xxhash.Sum64(c.Row) ^ xxhash.Sum64(c.Column)
}

// ShardOf maps a cell to [0, shards). It depends only on the cell bytes, so
// replays and retries route identically. Panics if shards is not positive.
func ShardOf(c Cell, shards int) int {
	if shards <= 0 {
		panic("sweep: shard count must be positive")
	}
	return int(CellHash(c) % uint64(shards))
}
