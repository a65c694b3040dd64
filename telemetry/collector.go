package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// QueueStatsProvider reports buckets waiting in the sweep queue keyed by policy name
type QueueStatsProvider interface {
	BacklogByPolicy() (map[string]int, error)
}

// WriteLogStatsProvider reports recorded writes not yet consumed
type WriteLogStatsProvider interface {
	Backlog() (uint64, error)
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	queue    QueueStatsProvider
	writeLog WriteLogStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. Either provider may be nil.
func NewMetricsCollector(queue QueueStatsProvider, writeLog WriteLogStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		queue:    queue,
		writeLog: writeLog,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.queue != nil {
		backlog, err := mc.queue.BacklogByPolicy()
		if err != nil {
			log.Debug().Err(err).Msg("Failed to collect sweep queue backlog")
		} else {
			for policy, n := range backlog {
				QueueBacklog.With(policy).Set(float64(n))
			}
		}
	}

	if mc.writeLog != nil {
		n, err := mc.writeLog.Backlog()
		if err != nil {
			log.Debug().Err(err).Msg("Failed to collect write log backlog")
			return
		}
		WriteLogBacklog.Set(float64(n))
	}
}
