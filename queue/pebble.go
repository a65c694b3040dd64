package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/marmot-sweep/encoding"
	"github.com/maxpert/marmot-sweep/kv"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/maxpert/marmot-sweep/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	prefixQueue = "/sweepq/"    // /sweepq/{shard:04x}/{policy}/{bucket:016x}/{seq:016x}
	keyQueueSeq = "/sweepq_seq" // last assigned bucket sequence
)

// PebbleQueue stores buckets locally, keyed so that one shard and policy
// class scans contiguously in timestamp-bucket order.
type PebbleQueue struct {
	db    *pebble.DB
	codec encoding.Codec

	mu      sync.Mutex
	lastSeq uint64

	closed atomic.Bool
}

// OpenPebbleQueue creates or opens a queue at path.
func OpenPebbleQueue(path string, codec encoding.Codec, opts kv.Options) (*PebbleQueue, error) {
	db, err := kv.Open("sweep_queue", path, opts)
	if err != nil {
		return nil, err
	}

	q := &PebbleQueue{db: db, codec: codec}

	val, ok, err := kv.GetCopy(db, []byte(keyQueueSeq))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load queue sequence: %w", err)
	}
	if ok {
		if len(val) != 8 {
			db.Close()
			return nil, fmt.Errorf("invalid queue sequence length: %d", len(val))
		}
		q.lastSeq = binary.LittleEndian.Uint64(val)
	}

	return q, nil
}

// Enqueue stores every bucket of parts in one atomic batch.
func (q *PebbleQueue) Enqueue(ctx context.Context, parts *sweep.Partitions) error {
	if q.closed.Load() {
		return fmt.Errorf("sweep queue is closed")
	}
	if parts == nil || parts.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.db.NewBatch()
	defer batch.Close()

	seq := q.lastSeq
	buckets := bucketsFrom(parts)
	for i := range buckets {
		seq++
		val, err := encoding.MarshalFramed(q.codec, &buckets[i])
		if err != nil {
			return fmt.Errorf("failed to encode bucket %s: %w", buckets[i].Key, err)
		}
		if err := batch.Set(bucketKey(buckets[i].Key, seq), val, nil); err != nil {
			return fmt.Errorf("failed to stage bucket %s: %w", buckets[i].Key, err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(keyQueueSeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to stage queue sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit buckets: %w", err)
	}
	q.lastSeq = seq

	for _, b := range buckets {
		telemetry.QueueBucketsEnqueued.With(b.Key.Policy.String()).Inc()
	}

	log.Debug().
		Int("buckets", len(buckets)).
		Int("writes", parts.Total()).
		Msg("Enqueued sweep buckets")
	return nil
}

// Scan visits the buckets of one shard and policy in timestamp-bucket order
// until fn returns false. The key passed to fn may be handed to Delete.
func (q *PebbleQueue) Scan(shard int, policy sweep.Policy, fn func(key []byte, b *Bucket) (bool, error)) error {
	if q.closed.Load() {
		return fmt.Errorf("sweep queue is closed")
	}

	return kv.ScanPrefix(q.db, scanPrefix(shard, policy), func(key, val []byte) (bool, error) {
		var b Bucket
		if err := encoding.UnmarshalFramed(val, &b); err != nil {
			return false, fmt.Errorf("failed to decode bucket %s: %w", key, err)
		}
		owned := make([]byte, len(key))
		copy(owned, key)
		return fn(owned, &b)
	})
}

// Delete removes a bucket once a sweeper has processed it.
func (q *PebbleQueue) Delete(key []byte) error {
	if q.closed.Load() {
		return fmt.Errorf("sweep queue is closed")
	}
	return q.db.Delete(key, pebble.Sync)
}

// Stats counts queued buckets by policy class and shard.
func (q *PebbleQueue) Stats() (Stats, error) {
	stats := Stats{
		ByPolicy: make(map[string]int),
		ByShard:  make(map[int]int),
	}
	if q.closed.Load() {
		return stats, fmt.Errorf("sweep queue is closed")
	}

	err := kv.ScanPrefix(q.db, []byte(prefixQueue), func(key, _ []byte) (bool, error) {
		shard, policy, err := parseBucketKey(key)
		if err != nil {
			log.Warn().Err(err).Str("key", string(key)).Msg("Skipping malformed queue key")
			return true, nil
		}
		stats.Buckets++
		stats.ByPolicy[policy]++
		stats.ByShard[shard]++
		return true, nil
	})
	return stats, err
}

// BacklogByPolicy reports queued bucket counts for the metrics collector.
func (q *PebbleQueue) BacklogByPolicy() (map[string]int, error) {
	stats, err := q.Stats()
	if err != nil {
		return nil, err
	}
	return stats.ByPolicy, nil
}

// Close closes the underlying Pebble database.
func (q *PebbleQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	return q.db.Close()
}

func scanPrefix(shard int, policy sweep.Policy) []byte {
	return []byte(fmt.Sprintf("%s%04x/%s/", prefixQueue, shard, policy))
}

func bucketKey(key sweep.PartitionKey, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%04x/%s/%016x/%016x", prefixQueue, key.Shard, key.Policy, key.TimestampBucket, seq))
}

func parseBucketKey(key []byte) (int, string, error) {
	parts := strings.Split(strings.TrimPrefix(string(key), prefixQueue), "/")
	if len(parts) != 4 {
		return 0, "", fmt.Errorf("expected 4 key segments, got %d", len(parts))
	}
	shard, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, "", fmt.Errorf("invalid shard segment: %w", err)
	}
	return int(shard), parts[1], nil
}
