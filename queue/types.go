// Package queue hands partitioned writes to the sweep queue. Each partition
// key becomes one bucket so a sweeper can claim a shard and policy class and
// work through it in timestamp-bucket order.
package queue

import (
	"context"

	"github.com/maxpert/marmot-sweep/sweep"
)

// Writer accepts partitioned writes. Enqueue is all-or-nothing from the
// caller's point of view: on error the caller retries the whole set.
type Writer interface {
	Enqueue(ctx context.Context, parts *sweep.Partitions) error
	Close() error
}

// Bucket is the payload stored or published for one partition key.
type Bucket struct {
	Key    sweep.PartitionKey `msgpack:"key"`
	Writes []sweep.Write      `msgpack:"writes"`
}

// Sink publishes bucket payloads to an external transport
type Sink interface {
	// Publish sends one message; key routes related messages together
	Publish(ctx context.Context, topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Stats summarizes the queued buckets.
type Stats struct {
	Buckets  int            `json:"buckets"`
	ByPolicy map[string]int `json:"by_policy"`
	ByShard  map[int]int    `json:"by_shard"`
}

func bucketsFrom(parts *sweep.Partitions) []Bucket {
	out := make([]Bucket, 0, parts.Len())
	parts.Range(func(key sweep.PartitionKey, writes []sweep.Write) bool {
		out = append(out, Bucket{Key: key, Writes: writes})
		return true
	})
	return out
}
