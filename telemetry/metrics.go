package telemetry

var (
	// PartitionBucketBuckets covers buckets produced per partition call
	PartitionBucketBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

	// CycleBuckets for worker cycle latency
	CycleBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Policy cache metrics
var (
	// PolicyCacheHits counts lookups answered from the cache
	PolicyCacheHits Counter = NoopStat{}

	// PolicyCacheMisses counts lookups that fetched metadata
	PolicyCacheMisses Counter = NoopStat{}

	// MetadataFetchFailures counts transport failures from the metadata source
	MetadataFetchFailures Counter = NoopStat{}

	// PolicyFallbacks counts conservative fallbacks by reason (absent, undecodable)
	PolicyFallbacks CounterVec = noopCounterVec{}

	// MetadataFilterNegatives counts metadata store lookups skipped by the presence filter
	MetadataFilterNegatives Counter = NoopStat{}
)

// Partitioning metrics
var (
	// ExemptWritesDropped counts writes filtered out for exempt tables
	ExemptWritesDropped Counter = NoopStat{}

	// PartitionedWrites counts writes placed into buckets
	PartitionedWrites Counter = NoopStat{}

	// PartitionBuckets measures distinct buckets per partition call
	PartitionBuckets Histogram = NoopStat{}
)

// Worker and queue metrics
var (
	// WorkerCyclesTotal counts worker cycles by result (success, failed, empty)
	WorkerCyclesTotal CounterVec = noopCounterVec{}

	// WorkerCycleSeconds measures one read-partition-enqueue cycle
	WorkerCycleSeconds Histogram = NoopStat{}

	// DeferredWrites counts writes re-queued because their table's metadata fetch failed
	DeferredWrites Counter = NoopStat{}

	// QueueBucketsEnqueued counts buckets handed to the sweep queue by policy
	QueueBucketsEnqueued CounterVec = noopCounterVec{}

	// QueueBacklog tracks buckets waiting in the sweep queue by policy
	QueueBacklog GaugeVec = noopGaugeVec{}

	// WriteLogBacklog tracks recorded writes not yet consumed
	WriteLogBacklog Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	PolicyCacheHits = NewCounter("policy_cache_hits_total", "Policy lookups answered from cache")
	PolicyCacheMisses = NewCounter("policy_cache_misses_total", "Policy lookups that fetched table metadata")
	MetadataFetchFailures = NewCounter("metadata_fetch_failures_total", "Table metadata fetches that failed")
	PolicyFallbacks = NewCounterVec(
		"policy_fallbacks_total",
		"Tables resolved to the conservative policy by fallback",
		[]string{"reason"},
	)
	MetadataFilterNegatives = NewCounter("metadata_filter_negatives_total", "Metadata lookups answered by the presence filter")

	ExemptWritesDropped = NewCounter("exempt_writes_dropped_total", "Writes dropped because their table is exempt")
	PartitionedWrites = NewCounter("partitioned_writes_total", "Writes placed into sweep buckets")
	PartitionBuckets = NewHistogramWithBuckets(
		"partition_buckets",
		"Distinct buckets produced per partition call",
		PartitionBucketBuckets,
	)

	WorkerCyclesTotal = NewCounterVec("worker_cycles_total", "Worker cycles by result", []string{"result"})
	WorkerCycleSeconds = NewHistogramWithBuckets("worker_cycle_seconds", "Worker cycle latency", CycleBuckets)
	DeferredWrites = NewCounter("deferred_writes_total", "Writes deferred after a metadata fetch failure")
	QueueBucketsEnqueued = NewCounterVec("queue_buckets_enqueued_total", "Buckets enqueued by policy", []string{"policy"})
	QueueBacklog = NewGaugeVec("queue_backlog_buckets", "Buckets waiting in the sweep queue", []string{"policy"})
	WriteLogBacklog = NewGauge("write_log_backlog", "Recorded writes not yet consumed")
}
