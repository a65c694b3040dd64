package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/marmot-sweep/admin"
	"github.com/maxpert/marmot-sweep/cfg"
	"github.com/maxpert/marmot-sweep/kv"
	"github.com/maxpert/marmot-sweep/metadata"
	"github.com/maxpert/marmot-sweep/queue"
	_ "github.com/maxpert/marmot-sweep/queue/sink"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/maxpert/marmot-sweep/telemetry"
	"github.com/maxpert/marmot-sweep/worker"
	"github.com/maxpert/marmot-sweep/writelog"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Marmot Sweep - write partitioning for cleanup")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	sweepCfg := cfg.Config.Sweep
	partitioning := sweep.Options{Shards: sweepCfg.Shards, BucketWidth: sweepCfg.BucketWidth}

	// Metadata: Pebble store first, then the SQL table, configured rules last
	log.Info().Msg("Opening table metadata store")
	metaStore, err := metadata.OpenPebbleStore(
		cfg.ResolveDir(cfg.Config.Metadata.Dir),
		kv.Options{CacheSizeMB: cfg.Config.Metadata.CacheSizeMB},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open metadata store")
		return
	}
	defer metaStore.Close()

	rules := make([]metadata.Rule, 0, len(cfg.Config.Metadata.Rules))
	for _, r := range cfg.Config.Metadata.Rules {
		rules = append(rules, metadata.Rule{Pattern: r.Pattern, Policy: r.Policy})
	}
	ruleSource, err := metadata.NewRuleSource(rules)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile metadata rules")
		return
	}
	source := metadata.Chain{metaStore}
	if driver := cfg.Config.Metadata.SQLDriver; driver != "" {
		sqlSource, err := metadata.OpenSQLSource(driver, cfg.Config.Metadata.SQLDSN, cfg.Config.Metadata.SQLTable)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open SQL metadata source")
			return
		}
		defer sqlSource.Close()
		log.Info().Str("driver", driver).Str("table", cfg.Config.Metadata.SQLTable).Msg("SQL metadata source enabled")
		source = append(source, sqlSource)
	}
	source = append(source, ruleSource)

	decoder, err := metadata.NewDecoder(cfg.Config.Metadata.DecodeCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create metadata decoder")
		return
	}

	// Write log
	log.Info().Msg("Opening write log")
	writeLog, err := writelog.Open(cfg.ResolveDir(cfg.Config.WriteLog.Dir), kv.DefaultOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open write log")
		return
	}
	defer writeLog.Close()

	// Sweep queue
	log.Info().Str("type", string(cfg.Config.Queue.Type)).Msg("Opening sweep queue")
	sweepQueue, err := queue.NewWriter(cfg.Config.Queue, cfg.ResolveDir(cfg.Config.Queue.Dir), kv.DefaultOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open sweep queue")
		return
	}
	defer sweepQueue.Close()

	// Worker
	sweepWorker, err := worker.New(worker.Config{
		Name:            cfg.Config.WriteLog.ConsumerID,
		Log:             writeLog,
		Queue:           sweepQueue,
		Source:          source,
		Decoder:         decoder,
		Partitioning:    partitioning,
		BatchSize:       sweepCfg.BatchSize,
		PollInterval:    time.Duration(sweepCfg.PollIntervalMS) * time.Millisecond,
		FetchTimeout:    time.Duration(sweepCfg.FetchTimeoutMS) * time.Millisecond,
		RetryInitial:    time.Duration(sweepCfg.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(sweepCfg.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: sweepCfg.RetryMultiplier,
		CleanupEvery:    sweepCfg.CleanupEvery,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sweep worker")
		return
	}
	sweepWorker.Start()
	defer sweepWorker.Stop()

	// Backlog gauges; queue stats only exist for the local queue
	var queueStats telemetry.QueueStatsProvider
	var adminQueue admin.QueueStats
	if pq, ok := sweepQueue.(*queue.PebbleQueue); ok {
		queueStats = pq
		adminQueue = pq
	}
	collector := telemetry.NewMetricsCollector(queueStats, writeLog, time.Duration(sweepCfg.CollectorSecs)*time.Second)
	collector.Start()
	defer collector.Stop()

	// Admin HTTP server
	var httpServer *http.Server
	if cfg.Config.Admin.Enabled {
		handlers, err := admin.NewAdminHandlers(admin.Dependencies{
			Source:       source,
			Decoder:      decoder,
			Store:        metaStore,
			Queue:        adminQueue,
			Worker:       sweepWorker,
			Writes:       writeLog,
			Partitioning: partitioning,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create admin handlers")
			return
		}

		httpServer = startHTTPServer(handlers)
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("shards", partitioning.Shards).
		Uint64("bucket_width", partitioning.BucketWidth).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Marmot Sweep started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}
}

func startHTTPServer(handlers *admin.AdminHandlers) *http.Server {
	httpMux := http.NewServeMux()

	// Register pprof handlers for profiling
	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		httpMux.Handle("/metrics", metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	admin.RegisterRoutes(httpMux, handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("address", addr).Msg("Starting admin HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()

	return httpServer
}
