package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/marmot-sweep/cfg"
	"github.com/maxpert/marmot-sweep/encoding"
	"github.com/maxpert/marmot-sweep/kv"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/maxpert/marmot-sweep/telemetry"
	"github.com/rs/zerolog/log"
)

// SinkWriter publishes one message per bucket. Messages for a shard share a
// topic and are keyed by policy and timestamp bucket.
type SinkWriter struct {
	sink        Sink
	codec       encoding.Codec
	topicPrefix string
}

// NewSinkWriter wraps sink; topicPrefix defaults to "marmot.sweep".
func NewSinkWriter(sink Sink, codec encoding.Codec, topicPrefix string) (*SinkWriter, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if topicPrefix == "" {
		topicPrefix = "marmot.sweep"
	}
	return &SinkWriter{sink: sink, codec: codec, topicPrefix: topicPrefix}, nil
}

// Enqueue publishes every bucket in key order, stopping at the first failure.
// Buckets published before a failure are published again on retry; sweepers
// must tolerate duplicates.
func (w *SinkWriter) Enqueue(ctx context.Context, parts *sweep.Partitions) error {
	if parts == nil || parts.Len() == 0 {
		return nil
	}

	for _, b := range bucketsFrom(parts) {
		if err := ctx.Err(); err != nil {
			return err
		}

		val, err := encoding.MarshalFramed(w.codec, &b)
		if err != nil {
			return fmt.Errorf("failed to encode bucket %s: %w", b.Key, err)
		}

		if err := w.sink.Publish(ctx, w.Topic(b.Key.Shard), MessageKey(b.Key), val); err != nil {
			return fmt.Errorf("failed to publish bucket %s: %w", b.Key, err)
		}
		telemetry.QueueBucketsEnqueued.With(b.Key.Policy.String()).Inc()
	}

	return nil
}

// Topic returns the topic buckets of shard are published to.
func (w *SinkWriter) Topic(shard int) string {
	return fmt.Sprintf("%s.%d", w.topicPrefix, shard)
}

// Close closes the wrapped sink.
func (w *SinkWriter) Close() error {
	return w.sink.Close()
}

// MessageKey is the routing key for a bucket message.
func MessageKey(key sweep.PartitionKey) string {
	return fmt.Sprintf("%s/%d", key.Policy, key.TimestampBucket)
}

// SinkFactory creates a Sink from queue configuration
type SinkFactory func(cfg.QueueConfiguration) (Sink, error)

var (
	sinkFactories = make(map[cfg.QueueType]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a queue type
func RegisterSink(queueType cfg.QueueType, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[queueType] = factory
}

// NewWriter builds the queue writer selected by config. Pebble queues live
// at dir; other types look up a registered sink.
func NewWriter(config cfg.QueueConfiguration, dir string, opts kv.Options) (Writer, error) {
	codec, err := encoding.ParseCodec(config.Compression)
	if err != nil {
		return nil, err
	}

	if config.Type == cfg.QueuePebble {
		return OpenPebbleQueue(dir, codec, opts)
	}

	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown queue type: %s", config.Type)
	}

	snk, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sink: %w", config.Type, err)
	}

	log.Info().
		Str("type", string(config.Type)).
		Str("topic_prefix", config.TopicPrefix).
		Msg("Sweep queue publishing to sink")
	return NewSinkWriter(snk, codec, config.TopicPrefix)
}
