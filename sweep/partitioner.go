package sweep

import (
	"context"

	"github.com/maxpert/marmot-sweep/telemetry"
)

// DefaultBucketWidth is the commit-timestamp window grouped into one bucket.
const DefaultBucketWidth uint64 = 50_000

// Options configures a Partitioner.
type Options struct {
	Shards      int
	BucketWidth uint64
}

// DefaultOptions returns the cluster defaults.
func DefaultOptions() Options {
	return Options{Shards: DefaultShards, BucketWidth: DefaultBucketWidth}
}

// Partitioner routes recorded writes to (shard, policy, timestamp bucket)
// groups. Shard and bucket computation never block; only first-time policy
// resolution per table touches the metadata source.
type Partitioner struct {
	cache       *PolicyCache
	shards      int
	bucketWidth uint64
}

// NewPartitioner refuses to build with a nil cache or non-positive settings.
func NewPartitioner(cache *PolicyCache, opts Options) (*Partitioner, error) {
	if cache == nil {
		return nil, ErrNilPolicyCache
	}
	if opts.Shards <= 0 {
		return nil, ErrInvalidShardCount
	}
	if opts.BucketWidth == 0 {
		return nil, ErrInvalidBucketWidth
	}
	return &Partitioner{
		cache:       cache,
		shards:      opts.Shards,
		bucketWidth: opts.BucketWidth,
	}, nil
}

func (p *Partitioner) Shards() int {
	return p.shards
}

func (p *Partitioner) BucketWidth() uint64 {
	return p.bucketWidth
}

// Cache returns the policy cache owned by this partitioner.
func (p *Partitioner) Cache() *PolicyCache {
	return p.cache
}

// TimestampBucket returns ts divided by the bucket width.
func (p *Partitioner) TimestampBucket(ts uint64) uint64 {
	return ts / p.bucketWidth
}

// ResolvePolicy returns the cleanup policy of the write's table.
func (p *Partitioner) ResolvePolicy(ctx context.Context, w Write) (Policy, error) {
	return p.cache.Resolve(ctx, w.Table)
}

// FilterSweepable drops writes of exempt tables, keeping order and duplicates.
func (p *Partitioner) FilterSweepable(ctx context.Context, writes []Write) ([]Write, error) {
	out := make([]Write, 0, len(writes))
	for _, w := range writes {
		policy, err := p.ResolvePolicy(ctx, w)
		if err != nil {
			return nil, err
		}
		if policy.Sweepable() {
			out = append(out, w)
		}
	}
	telemetry.ExemptWritesDropped.Add(float64(len(writes) - len(out)))
	return out, nil
}

// Partition groups writes by (shard, policy, timestamp bucket). Writes of
// exempt tables are skipped; every other write lands in exactly one bucket.
func (p *Partitioner) Partition(ctx context.Context, writes []Write) (*Partitions, error) {
	parts := newPartitions()
	for _, w := range writes {
		policy, err := p.ResolvePolicy(ctx, w)
		if err != nil {
			return nil, err
		}
		if !policy.Sweepable() {
			continue
		}
		key := PartitionKey{
			Shard:           ShardOf(w.Cell, p.shards),
			Policy:          policy,
			TimestampBucket: p.TimestampBucket(w.Timestamp),
		}
		parts.add(key, w)
	}

	telemetry.PartitionedWrites.Add(float64(parts.Total()))
	telemetry.PartitionBuckets.Observe(float64(parts.Len()))
	return parts, nil
}
