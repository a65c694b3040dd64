package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/maxpert/marmot-sweep/cfg"
	"github.com/maxpert/marmot-sweep/encoding"
	"github.com/maxpert/marmot-sweep/kv"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type policySource map[sweep.TableRef][]byte

func (s policySource) FetchRawMetadata(_ context.Context, table sweep.TableRef) ([]byte, error) {
	return s[table], nil
}

type policyDecoder struct{}

func (policyDecoder) Decode(raw []byte) (sweep.Policy, error) {
	return sweep.ParsePolicy(string(raw))
}

func testPartitions(t *testing.T, writes ...sweep.Write) *sweep.Partitions {
	t.Helper()
	cache, err := sweep.NewPolicyCache(policySource{
		"app.events": []byte("aggressive"),
		"app.cache":  []byte("exempt"),
	}, policyDecoder{})
	require.NoError(t, err)
	p, err := sweep.NewPartitioner(cache, sweep.Options{Shards: 16, BucketWidth: 100})
	require.NoError(t, err)
	parts, err := p.Partition(context.Background(), writes)
	require.NoError(t, err)
	return parts
}

func openTestQueue(t *testing.T, dir string, codec encoding.Codec) *PebbleQueue {
	t.Helper()
	q, err := OpenPebbleQueue(filepath.Join(dir, "sweep_queue"), codec, kv.DefaultOptions())
	require.NoError(t, err)
	return q
}

func TestPebbleQueueScanOrder(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), encoding.CodecZstd)
	defer q.Close()

	// Enqueued out of bucket order; scans come back ordered by bucket
	require.NoError(t, q.Enqueue(context.Background(), testPartitions(t,
		sweep.NewWrite("app.users", []byte("row-1"), []byte("col-a"), 550),
		sweep.NewWrite("app.users", []byte("row-1"), []byte("col-a"), 120),
	)))
	require.NoError(t, q.Enqueue(context.Background(), testPartitions(t,
		sweep.NewWrite("app.users", []byte("row-1"), []byte("col-a"), 130),
		sweep.NewWrite("app.events", []byte("row-1"), []byte("col-a"), 10),
	)))

	var buckets []uint64
	var sizes []int
	err := q.Scan(11, sweep.PolicyConservative, func(_ []byte, b *Bucket) (bool, error) {
		assert.Equal(t, 11, b.Key.Shard)
		assert.Equal(t, sweep.PolicyConservative, b.Key.Policy)
		buckets = append(buckets, b.Key.TimestampBucket)
		sizes = append(sizes, len(b.Writes))
		return true, nil
	})
	require.NoError(t, err)

	// Bucket 1 was enqueued twice; each enqueue keeps its own entry
	assert.Equal(t, []uint64{1, 1, 5}, buckets)
	assert.Equal(t, []int{1, 1, 1}, sizes)

	var aggressive int
	require.NoError(t, q.Scan(11, sweep.PolicyAggressive, func(_ []byte, b *Bucket) (bool, error) {
		aggressive++
		assert.Equal(t, uint64(0), b.Key.TimestampBucket)
		return true, nil
	}))
	assert.Equal(t, 1, aggressive)
}

func TestPebbleQueueExemptNeverStored(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), encoding.CodecNone)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), testPartitions(t,
		sweep.NewWrite("app.cache", []byte("a"), []byte("b"), 1),
	)))

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Buckets)
}

func TestPebbleQueueDeleteAndStats(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), encoding.CodecZstd)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), testPartitions(t,
		sweep.NewWrite("app.users", []byte("row-1"), []byte("col-a"), 10),
		sweep.NewWrite("app.users", []byte("row-1"), []byte("col-a"), 110),
		sweep.NewWrite("app.events", []byte("row-1"), []byte("col-a"), 10),
	)))

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Buckets)
	assert.Equal(t, map[string]int{"conservative": 2, "aggressive": 1}, stats.ByPolicy)
	assert.Equal(t, map[int]int{11: 3}, stats.ByShard)

	var first []byte
	require.NoError(t, q.Scan(11, sweep.PolicyConservative, func(key []byte, _ *Bucket) (bool, error) {
		first = key
		return false, nil
	}))
	require.NotNil(t, first)
	require.NoError(t, q.Delete(first))

	backlog, err := q.BacklogByPolicy()
	require.NoError(t, err)
	assert.Equal(t, 1, backlog["conservative"])
	assert.Equal(t, 1, backlog["aggressive"])
}

func TestPebbleQueueSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir, encoding.CodecNone)
	parts := testPartitions(t, sweep.NewWrite("app.users", []byte("row-1"), []byte("col-a"), 10))
	require.NoError(t, q.Enqueue(context.Background(), parts))
	require.NoError(t, q.Close())

	q = openTestQueue(t, dir, encoding.CodecNone)
	defer q.Close()
	require.NoError(t, q.Enqueue(context.Background(), parts))

	// Same partition key twice must not overwrite
	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Buckets)
}

func TestPebbleQueueEmptyAndClosed(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), encoding.CodecNone)
	require.NoError(t, q.Enqueue(context.Background(), nil))
	require.NoError(t, q.Enqueue(context.Background(), testPartitions(t)))

	require.NoError(t, q.Close())
	assert.Error(t, q.Enqueue(context.Background(), testPartitions(t,
		sweep.NewWrite("app.users", []byte("a"), []byte("b"), 1),
	)))
	assert.NoError(t, q.Close())
}

func TestBucketKeyRoundTrip(t *testing.T) {
	key := bucketKey(sweep.PartitionKey{Shard: 127, Policy: sweep.PolicyAggressive, TimestampBucket: 42}, 7)
	assert.Equal(t, "/sweepq/007f/aggressive/000000000000002a/0000000000000007", string(key))

	shard, policy, err := parseBucketKey(key)
	require.NoError(t, err)
	assert.Equal(t, 127, shard)
	assert.Equal(t, "aggressive", policy)
}

func TestNewWriterPebble(t *testing.T) {
	w, err := NewWriter(cfg.QueueConfiguration{Type: cfg.QueuePebble, Compression: "zstd"},
		filepath.Join(t.TempDir(), "q"), kv.DefaultOptions())
	require.NoError(t, err)
	defer w.Close()
	assert.IsType(t, &PebbleQueue{}, w)
}

func TestNewWriterUnknownType(t *testing.T) {
	_, err := NewWriter(cfg.QueueConfiguration{Type: "carrier-pigeon"}, t.TempDir(), kv.DefaultOptions())
	assert.Error(t, err)

	_, err = NewWriter(cfg.QueueConfiguration{Type: cfg.QueuePebble, Compression: "lz4"}, t.TempDir(), kv.DefaultOptions())
	assert.Error(t, err)
}
