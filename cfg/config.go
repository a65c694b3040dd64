package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// QueueType selects where partitioned buckets are written
type QueueType string

const (
	QueuePebble QueueType = "pebble" // Local scan-friendly Pebble queue
	QueueKafka  QueueType = "kafka"  // Kafka topic per shard
	QueueNats   QueueType = "nats"   // NATS JetStream subject per shard
)

// SweepConfiguration holds the cluster-wide partitioning constants and
// worker pacing. Shards must match on every node; changing it needs a migration.
type SweepConfiguration struct {
	Shards          int     `toml:"shards"`
	BucketWidth     uint64  `toml:"bucket_width"`
	BatchSize       int     `toml:"batch_size"`        // Writes read per worker cycle
	PollIntervalMS  int     `toml:"poll_interval_ms"`  // Sleep when the write log is empty
	FetchTimeoutMS  int     `toml:"fetch_timeout_ms"`  // Deadline around metadata fetches, 0 = none
	RetryInitialMS  int     `toml:"retry_initial_ms"`  // First enqueue retry delay
	RetryMaxMS      int     `toml:"retry_max_ms"`      // Enqueue retry delay cap
	RetryMultiplier float64 `toml:"retry_multiplier"`  // Backoff multiplier
	CleanupEvery    int     `toml:"cleanup_every"`     // Cycles between write log cleanups
	CollectorSecs   int     `toml:"collector_seconds"` // Backlog gauge refresh interval
}

// PolicyRuleConfiguration maps a table glob to a sweep strategy
type PolicyRuleConfiguration struct {
	Pattern string `toml:"pattern"`
	Policy  string `toml:"policy"`
}

// MetadataConfiguration controls where table sweep metadata comes from
type MetadataConfiguration struct {
	Dir             string                    `toml:"dir"` // Relative to data_dir unless absolute
	DecodeCacheSize int                       `toml:"decode_cache_size"`
	CacheSizeMB     int64                     `toml:"cache_size_mb"`
	Rules           []PolicyRuleConfiguration `toml:"rules"`      // Consulted when the store has no entry
	SQLDriver       string                    `toml:"sql_driver"` // "sqlite3" or "mysql", empty disables
	SQLDSN          string                    `toml:"sql_dsn"`
	SQLTable        string                    `toml:"sql_table"`
}

// QueueConfiguration controls the sweep-queue writer
type QueueConfiguration struct {
	Type        QueueType `toml:"type"`
	Dir         string    `toml:"dir"`
	Compression string    `toml:"compression"` // "none" or "zstd"
	TopicPrefix string    `toml:"topic_prefix"`
	Brokers     []string  `toml:"brokers"`
	BatchSize   int       `toml:"batch_size"`
	NatsURL     string    `toml:"nats_url"`
}

// WriteLogConfiguration controls the recorded-write log
type WriteLogConfiguration struct {
	Dir        string `toml:"dir"`
	ConsumerID string `toml:"consumer_id"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the admin HTTP server (also serves /metrics)
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Required on every admin request when set
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Sweep      SweepConfiguration      `toml:"sweep"`
	Metadata   MetadataConfiguration   `toml:"metadata"`
	Queue      QueueConfiguration      `toml:"queue"`
	WriteLog   WriteLogConfiguration   `toml:"write_log"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	ShardsFlag     = flag.Int("shards", 0, "Sweep shard count (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Config holds the defaults until Load decodes a file over it
var Config = Default()

// Default returns a fresh configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./marmot-sweep-data",

		Sweep: SweepConfiguration{
			Shards:          128,
			BucketWidth:     50_000,
			BatchSize:       1000,
			PollIntervalMS:  100,
			FetchTimeoutMS:  5000,
			RetryInitialMS:  100,
			RetryMaxMS:      30_000,
			RetryMultiplier: 2.0,
			CleanupEvery:    128,
			CollectorSecs:   15,
		},

		Metadata: MetadataConfiguration{
			Dir:             "table_meta",
			DecodeCacheSize: 1024,
			CacheSizeMB:     8,
			SQLTable:        "sweep_metadata",
		},

		Queue: QueueConfiguration{
			Type:        QueuePebble,
			Dir:         "sweep_queue",
			Compression: "zstd",
			TopicPrefix: "marmot.sweep",
			BatchSize:   100,
		},

		WriteLog: WriteLogConfiguration{
			Dir:        "write_log",
			ConsumerID: "sweep",
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8090,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *ShardsFlag != 0 {
		Config.Sweep.Shards = *ShardsFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("marmot-sweep")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Sweep.Shards < 1 {
		return fmt.Errorf("sweep shard count must be >= 1")
	}

	if Config.Sweep.BucketWidth < 1 {
		return fmt.Errorf("sweep bucket width must be >= 1")
	}

	if Config.Sweep.BatchSize < 1 {
		return fmt.Errorf("sweep batch size must be >= 1")
	}

	if Config.Sweep.PollIntervalMS < 1 {
		return fmt.Errorf("sweep poll interval must be >= 1ms")
	}

	if Config.Sweep.FetchTimeoutMS < 0 {
		return fmt.Errorf("metadata fetch timeout must be >= 0")
	}

	if Config.Sweep.RetryInitialMS < 0 || Config.Sweep.RetryMaxMS < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}

	if Config.Sweep.CollectorSecs < 1 {
		return fmt.Errorf("collector interval must be >= 1s")
	}

	if Config.Metadata.DecodeCacheSize < 1 {
		return fmt.Errorf("metadata decode cache size must be >= 1")
	}

	validPolicies := map[string]bool{
		"conservative": true, "aggressive": true, "thorough": true,
		"exempt": true, "nothing": true,
	}

	for i, rule := range Config.Metadata.Rules {
		if _, err := glob.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("metadata rule %d: invalid pattern %q: %w", i, rule.Pattern, err)
		}
		if !validPolicies[rule.Policy] {
			return fmt.Errorf("metadata rule %d: invalid policy %q", i, rule.Policy)
		}
	}

	switch Config.Metadata.SQLDriver {
	case "":
	case "sqlite3", "mysql":
		if Config.Metadata.SQLDSN == "" || Config.Metadata.SQLTable == "" {
			return fmt.Errorf("metadata sql source requires sql_dsn and sql_table")
		}
	default:
		return fmt.Errorf("invalid metadata sql driver: %s", Config.Metadata.SQLDriver)
	}

	switch Config.Queue.Type {
	case QueuePebble:
	case QueueKafka:
		if len(Config.Queue.Brokers) == 0 {
			return fmt.Errorf("kafka queue requires at least one broker")
		}
	case QueueNats:
		if Config.Queue.NatsURL == "" {
			return fmt.Errorf("nats queue requires nats_url")
		}
	default:
		return fmt.Errorf("invalid queue type: %s", Config.Queue.Type)
	}

	if Config.Queue.Compression != "none" && Config.Queue.Compression != "zstd" {
		return fmt.Errorf("invalid queue compression: %s", Config.Queue.Compression)
	}

	if Config.WriteLog.ConsumerID == "" {
		return fmt.Errorf("write log consumer id is required")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled returns true if admin requests must carry the secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// ResolveDir returns dir joined onto the data directory unless it is absolute
func ResolveDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(Config.DataDir, dir)
}
