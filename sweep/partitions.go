package sweep

import "fmt"

// PartitionKey identifies one sweep-queue grouping unit. Policy is never
// PolicyExempt.
type PartitionKey struct {
	Shard           int    `msgpack:"shard"`
	Policy          Policy `msgpack:"policy"`
	TimestampBucket uint64 `msgpack:"bucket"`
}

// NewPartitionKey validates that policy is sweepable.
func NewPartitionKey(shard int, policy Policy, bucket uint64) (PartitionKey, error) {
	if !policy.Sweepable() {
		return PartitionKey{}, fmt.Errorf("partition key requires a sweepable policy, got %s", policy)
	}
	return PartitionKey{Shard: shard, Policy: policy, TimestampBucket: bucket}, nil
}

// Conservative reports whether the key's policy class is conservative.
func (k PartitionKey) Conservative() bool {
	return k.Policy == PolicyConservative
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%d/%s/%d", k.Shard, k.Policy, k.TimestampBucket)
}

// Partitions maps partition keys to their writes. Keys iterate in first-seen
// order and each bucket keeps its writes in input order.
type Partitions struct {
	keys    []PartitionKey
	buckets map[PartitionKey][]Write
	total   int
}

func newPartitions() *Partitions {
	return &Partitions{buckets: make(map[PartitionKey][]Write)}
}

func (p *Partitions) add(key PartitionKey, w Write) {
	ws, ok := p.buckets[key]
	if !ok {
		p.keys = append(p.keys, key)
	}
	p.buckets[key] = append(ws, w)
	p.total++
}

// Len returns the number of distinct partition keys.
func (p *Partitions) Len() int {
	return len(p.keys)
}

// Total returns the number of writes across all buckets.
func (p *Partitions) Total() int {
	return p.total
}

// Keys returns the partition keys in first-seen order.
func (p *Partitions) Keys() []PartitionKey {
	out := make([]PartitionKey, len(p.keys))
	copy(out, p.keys)
	return out
}

// Get returns the writes grouped under key.
func (p *Partitions) Get(key PartitionKey) ([]Write, bool) {
	ws, ok := p.buckets[key]
	return ws, ok
}

// Range calls fn for every bucket in first-seen key order until fn returns false.
func (p *Partitions) Range(fn func(key PartitionKey, writes []Write) bool) {
	for _, k := range p.keys {
		if !fn(k, p.buckets[k]) {
			return
		}
	}
}
