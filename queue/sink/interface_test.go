package sink

import "github.com/maxpert/marmot-sweep/queue"

// Compile-time interface verification
var (
	_ queue.Sink = (*KafkaSink)(nil)
	_ queue.Sink = (*NatsSink)(nil)
	_ queue.Sink = (*MockSink)(nil)
)
