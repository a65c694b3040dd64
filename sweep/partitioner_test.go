package sweep

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPartitioner(t *testing.T, src *fakeSource, opts Options) *Partitioner {
	t.Helper()
	p, err := NewPartitioner(newTestCache(t, src), opts)
	require.NoError(t, err)
	return p
}

func TestNewPartitionerRejectsInvalidOptions(t *testing.T) {
	cache := newTestCache(t, newFakeSource(nil))

	_, err := NewPartitioner(cache, Options{Shards: 0, BucketWidth: 1})
	assert.ErrorIs(t, err, ErrInvalidShardCount)

	_, err = NewPartitioner(cache, Options{Shards: -4, BucketWidth: 1})
	assert.ErrorIs(t, err, ErrInvalidShardCount)

	_, err = NewPartitioner(cache, Options{Shards: 8, BucketWidth: 0})
	assert.ErrorIs(t, err, ErrInvalidBucketWidth)

	_, err = NewPartitioner(nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrNilPolicyCache)

	p, err := NewPartitioner(cache, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, DefaultShards, p.Shards())
	assert.Equal(t, DefaultBucketWidth, p.BucketWidth())
}

func TestResolvePolicyDelegatesToCache(t *testing.T) {
	src := newFakeSource(testMetadata())
	p := newTestPartitioner(t, src, DefaultOptions())

	policy, err := p.ResolvePolicy(context.Background(), writeWithFixedCellHash(thorough, 100))
	require.NoError(t, err)
	assert.Equal(t, PolicyAggressive, policy)
	assert.Equal(t, 1, p.Cache().Len())
}

func TestFilterSweepableRemovesWritesForExemptTables(t *testing.T) {
	p := newTestPartitioner(t, newFakeSource(testMetadata()), DefaultOptions())

	writes := []Write{
		writeWithFixedCellHash(conservative, 0),
		writeWithFixedCellHash(nothing, 1),
		writeWithFixedCellHash(conservative, 0),
		writeWithFixedCellHash(conservative2, 1),
		writeWithFixedCellHash(thorough, 2),
		writeWithFixedCellHash(nothing, 0),
	}

	got, err := p.FilterSweepable(context.Background(), writes)
	require.NoError(t, err)

	want := []Write{
		writeWithFixedCellHash(conservative, 0),
		writeWithFixedCellHash(conservative, 0),
		writeWithFixedCellHash(conservative2, 1),
		writeWithFixedCellHash(thorough, 2),
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "index %d: want %s got %s", i, want[i], got[i])
	}
}

func TestFilterSweepablePropagatesFetchFailure(t *testing.T) {
	src := newFakeSource(testMetadata())
	src.setFailure(thorough, errUnavailable)
	p := newTestPartitioner(t, src, DefaultOptions())

	_, err := p.FilterSweepable(context.Background(), []Write{
		writeWithFixedCellHash(conservative, 0),
		writeWithFixedCellHash(thorough, 1),
	})
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, errUnavailable)
}

func TestPartitionIntoSeparatePartitions(t *testing.T) {
	p := newTestPartitioner(t, newFakeSource(testMetadata()), Options{Shards: DefaultShards, BucketWidth: 100})

	writes := []Write{
		writeAt(conservative, 0, 0, 100),  // shard 0
		writeAt(conservative, 1, 0, 100),  // shard 33
		writeAt(conservative, 0, 3, 100),  // shard 102
		writeAt(conservative, 0, 0, 200),  // shard 0, next bucket
		writeAt(conservative2, 2, 5, 100), // shard 95
		writeAt(thorough, 0, 0, 100),      // shard 0, aggressive
	}

	parts, err := p.Partition(context.Background(), writes)
	require.NoError(t, err)
	assert.Equal(t, 6, parts.Len())
	assert.Equal(t, 6, parts.Total())

	assert.Equal(t, []PartitionKey{
		{Shard: 0, Policy: PolicyConservative, TimestampBucket: 1},
		{Shard: 33, Policy: PolicyConservative, TimestampBucket: 1},
		{Shard: 102, Policy: PolicyConservative, TimestampBucket: 1},
		{Shard: 0, Policy: PolicyConservative, TimestampBucket: 2},
		{Shard: 95, Policy: PolicyConservative, TimestampBucket: 1},
		{Shard: 0, Policy: PolicyAggressive, TimestampBucket: 1},
	}, parts.Keys())
}

func TestPartitionGroupsOnShardClash(t *testing.T) {
	p := newTestPartitioner(t, newFakeSource(testMetadata()), DefaultOptions())

	writes := make([]Write, 0, DefaultShards+1)
	for i := 0; i <= DefaultShards; i++ {
		writes = append(writes, writeWithFixedCellHash(conservative, i))
	}

	parts, err := p.Partition(context.Background(), writes)
	require.NoError(t, err)

	key := PartitionKey{Shard: 0, Policy: PolicyConservative, TimestampBucket: p.TimestampBucket(1)}
	assert.Equal(t, []PartitionKey{key}, parts.Keys())

	got, ok := parts.Get(key)
	require.True(t, ok)
	require.Len(t, got, len(writes))
	for i := range writes {
		assert.True(t, writes[i].Equal(got[i]), "index %d out of order", i)
	}
}

func TestPartitionKeepsOrderWithinBucketsAndFirstSeenKeyOrder(t *testing.T) {
	p := newTestPartitioner(t, newFakeSource(testMetadata()), Options{Shards: DefaultShards, BucketWidth: 100})

	a1 := writeAt(conservative, 1, 0, 150)
	b1 := writeAt(thorough, 1, 0, 150)
	a2 := writeAt(conservative2, 0, 1, 120) // same cell hash as a1, same bucket
	b2 := writeAt(thorough, 1, 0, 199)
	a3 := writeAt(conservative, 1, 0, 150) // duplicate of a1

	parts, err := p.Partition(context.Background(), []Write{a1, b1, a2, b2, a3})
	require.NoError(t, err)
	require.Equal(t, 2, parts.Len())

	keys := parts.Keys()
	assert.Equal(t, PolicyConservative, keys[0].Policy)
	assert.Equal(t, PolicyAggressive, keys[1].Policy)

	cons, _ := parts.Get(keys[0])
	require.Len(t, cons, 3)
	assert.True(t, cons[0].Equal(a1))
	assert.True(t, cons[1].Equal(a2))
	assert.True(t, cons[2].Equal(a3))

	aggr, _ := parts.Get(keys[1])
	require.Len(t, aggr, 2)
	assert.True(t, aggr[0].Equal(b1))
	assert.True(t, aggr[1].Equal(b2))

	var visited []PartitionKey
	parts.Range(func(k PartitionKey, _ []Write) bool {
		visited = append(visited, k)
		return false
	})
	assert.Equal(t, keys[:1], visited)
}

func TestPartitionSkipsExemptTables(t *testing.T) {
	p := newTestPartitioner(t, newFakeSource(testMetadata()), DefaultOptions())

	parts, err := p.Partition(context.Background(), []Write{
		writeAt(nothing, 1, 2, 5),
		writeAt(conservative, 1, 2, 5),
		writeAt(nothing, 3, 4, 5),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, parts.Total())
	for _, k := range parts.Keys() {
		assert.NotEqual(t, PolicyExempt, k.Policy)
	}
}

func TestPartitionLosesNoSweepableWrites(t *testing.T) {
	p := newTestPartitioner(t, newFakeSource(testMetadata()), Options{Shards: 16, BucketWidth: 10})
	ctx := context.Background()

	tables := []TableRef{nothing, conservative, conservative2, thorough, "test.unknown"}
	var writes []Write
	exempt := 0
	for i := 0; i < 500; i++ {
		table := tables[i%len(tables)]
		if table == nothing {
			exempt++
		}
		writes = append(writes, writeAt(table, i%37, i%11, uint64(i*3)))
	}

	filtered, err := p.FilterSweepable(ctx, writes)
	require.NoError(t, err)
	assert.Len(t, filtered, len(writes)-exempt)

	parts, err := p.Partition(ctx, filtered)
	require.NoError(t, err)
	assert.Equal(t, len(writes)-exempt, parts.Total())

	sum := 0
	parts.Range(func(k PartitionKey, ws []Write) bool {
		for _, w := range ws {
			assert.Equal(t, k.Shard, w.Shard(16))
			assert.Equal(t, k.TimestampBucket, w.Timestamp/10)
		}
		sum += len(ws)
		return true
	})
	assert.Equal(t, parts.Total(), sum)
}

func TestPartitionEmptyInput(t *testing.T) {
	p := newTestPartitioner(t, newFakeSource(nil), DefaultOptions())

	parts, err := p.Partition(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, parts.Len())
	assert.Empty(t, parts.Keys())
}

func TestPartitionFetchFailureReturnsNoPartitions(t *testing.T) {
	src := newFakeSource(testMetadata())
	src.setFailure(conservative2, errUnavailable)
	p := newTestPartitioner(t, src, DefaultOptions())

	parts, err := p.Partition(context.Background(), []Write{
		writeAt(conservative, 1, 2, 5),
		writeAt(conservative2, 1, 2, 5),
	})
	assert.Nil(t, parts)
	assert.True(t, IsRetryable(err))
}
