// Package worker drains the recorded-write log into the sweep queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/marmot-sweep/notify"
	"github.com/maxpert/marmot-sweep/queue"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/maxpert/marmot-sweep/telemetry"
	"github.com/maxpert/marmot-sweep/writelog"
	"github.com/rs/zerolog/log"
)

const (
	// Default writes read per cycle
	DefaultBatchSize = 1000
	// Default interval between polls of an idle log
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed enqueues
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default attempts per cycle before the cycle is abandoned and retried later
	DefaultMaxRetries = 100
	// Default cycles between write log cleanups
	DefaultCleanupEvery = 128
)

// Config configures a sweep worker
type Config struct {
	Name            string               // Cursor name in the write log
	Log             *writelog.Log        // Recorded writes to drain
	Queue           queue.Writer         // Destination sweep queue
	Source          sweep.MetadataSource // Table metadata
	Decoder         sweep.PolicyDecoder  // Metadata to policy
	Partitioning    sweep.Options        // Shards and bucket width
	BatchSize       int                  // Writes per cycle
	PollInterval    time.Duration        // Idle poll interval
	FetchTimeout    time.Duration        // Deadline per table metadata fetch, 0 = none
	RetryInitial    time.Duration        // Initial retry delay
	RetryMax        time.Duration        // Max retry delay
	RetryMultiplier float64              // Backoff multiplier
	MaxRetries      int                  // Enqueue attempts per cycle
	CleanupEvery    int                  // Cycles between write log cleanups
}

// CycleResult describes one ProcessBatch call.
type CycleResult struct {
	Read     int    `json:"read"`     // Writes read from the log
	Exempt   int    `json:"exempt"`   // Writes dropped for exempt tables
	Enqueued int    `json:"enqueued"` // Writes handed to the queue
	Buckets  int    `json:"buckets"`  // Distinct partition keys enqueued
	Deferred int    `json:"deferred"` // Writes re-appended after a metadata fetch failure
	Cursor   uint64 `json:"cursor"`   // Cursor after the cycle
}

// Status is a point-in-time view of the worker.
type Status struct {
	Name      string      `json:"name"`
	Running   bool        `json:"running"`
	Cursor    uint64      `json:"cursor"`
	Cycles    uint64      `json:"cycles"`
	LastCycle CycleResult `json:"last_cycle"`
	LastError string      `json:"last_error,omitempty"`
}

// Worker reads batches of recorded writes, partitions them and enqueues the
// result. The cursor only advances once the batch is fully handed off.
type Worker struct {
	config Config

	cycleMu sync.Mutex // Serializes ProcessBatch

	statusMu  sync.RWMutex // Held only to read or publish the fields below
	cursor    uint64
	cycles    uint64
	lastCycle CycleResult
	lastErr   error

	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// New validates config, fills defaults and loads the worker's cursor.
func New(config Config) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("write log is required")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("sweep queue is required")
	}
	if config.Source == nil {
		return nil, sweep.ErrNilMetadataSource
	}
	if config.Decoder == nil {
		return nil, sweep.ErrNilPolicyDecoder
	}
	if config.Partitioning.Shards <= 0 {
		return nil, sweep.ErrInvalidShardCount
	}
	if config.Partitioning.BucketWidth == 0 {
		return nil, sweep.ErrInvalidBucketWidth
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.CleanupEvery <= 0 {
		config.CleanupEvery = DefaultCleanupEvery
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	return &Worker{config: config, cursor: cursor}, nil
}

// Start starts the poll loop
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.running.Store(true)

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.Cursor()).
		Int("shards", w.config.Partitioning.Shards).
		Uint64("bucket_width", w.config.Partitioning.BucketWidth).
		Msg("Starting sweep worker")

	go w.pollLoop(ctx)
}

// Stop stops the poll loop and waits for the in-flight cycle to end
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping sweep worker")

	w.cancel()
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Sweep worker stopped")
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	signals, unsubscribe := w.config.Log.Subscribe()
	defer unsubscribe()

	for ctx.Err() == nil {
		res, err := w.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", res.Cursor).
				Msg("Sweep cycle failed")
			sleep(ctx, w.config.PollInterval)
			continue
		}

		switch {
		case res.Read == 0:
			signals = waitForWrites(ctx, signals, w.config.PollInterval)
		case res.Deferred == res.Read:
			// Only deferred writes; give the metadata source time
			sleep(ctx, w.config.PollInterval)
		}
	}
}

// waitForWrites blocks until an append is signalled, d elapses or ctx ends.
// Returns nil once the signal channel has been closed.
func waitForWrites(ctx context.Context, signals <-chan notify.Signal, d time.Duration) <-chan notify.Signal {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case _, ok := <-signals:
		if !ok {
			return nil
		}
	}
	return signals
}

// ProcessBatch runs one cycle: read, resolve tables, defer tables whose
// metadata could not be fetched, partition, enqueue, advance the cursor.
// A fresh policy cache is used per cycle so policy changes are picked up
// between cycles and never within one.
func (w *Worker) ProcessBatch(ctx context.Context) (CycleResult, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	start := time.Now()
	res, err := w.processBatch(ctx)

	w.statusMu.Lock()
	w.lastCycle = res
	w.lastErr = err
	w.cycles++
	cycles := w.cycles
	w.statusMu.Unlock()

	switch {
	case err != nil:
		telemetry.WorkerCyclesTotal.With("failed").Inc()
	case res.Read == 0:
		telemetry.WorkerCyclesTotal.With("empty").Inc()
		return res, nil
	default:
		telemetry.WorkerCyclesTotal.With("success").Inc()
	}
	telemetry.WorkerCycleSeconds.Observe(time.Since(start).Seconds())

	if err == nil && cycles%uint64(w.config.CleanupEvery) == 0 {
		if cerr := w.config.Log.Cleanup(); cerr != nil {
			log.Warn().Err(cerr).Str("worker", w.config.Name).Msg("Write log cleanup failed")
		}
	}
	return res, err
}

// processBatch runs with cycleMu held; cursor is only written under cycleMu,
// so reading it here needs no statusMu.
func (w *Worker) processBatch(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Cursor: w.cursor}

	entries, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to read write log: %w", err)
	}
	if len(entries) == 0 {
		return res, nil
	}
	res.Read = len(entries)
	last := entries[len(entries)-1].Seq

	cache, err := sweep.NewPolicyCache(w.config.Source, w.config.Decoder)
	if err != nil {
		return res, err
	}
	partitioner, err := sweep.NewPartitioner(cache, w.config.Partitioning)
	if err != nil {
		return res, err
	}

	failed, err := w.resolveTables(ctx, cache, entries)
	if err != nil {
		return res, err
	}

	ready := make([]sweep.Write, 0, len(entries))
	var deferred []sweep.Write
	for _, e := range entries {
		if failed[e.Write.Table] {
			deferred = append(deferred, e.Write)
			continue
		}
		ready = append(ready, e.Write)
	}

	// Every table in ready is cached now, so partitioning does no I/O
	parts, err := partitioner.Partition(ctx, ready)
	if err != nil {
		return res, fmt.Errorf("failed to partition writes: %w", err)
	}
	res.Exempt = len(ready) - parts.Total()
	res.Enqueued = parts.Total()
	res.Buckets = parts.Len()

	if parts.Len() > 0 {
		if err := w.enqueueWithRetry(ctx, parts); err != nil {
			return res, err
		}
	}

	if len(deferred) > 0 {
		if _, err := w.config.Log.Append(deferred); err != nil {
			return res, fmt.Errorf("failed to defer %d writes: %w", len(deferred), err)
		}
		res.Deferred = len(deferred)
		telemetry.DeferredWrites.Add(float64(len(deferred)))
	}

	if err := w.config.Log.AdvanceCursor(w.config.Name, last); err != nil {
		// Already enqueued; the batch is re-read and enqueued again after restart
		return res, fmt.Errorf("failed to advance cursor: %w", err)
	}
	w.statusMu.Lock()
	w.cursor = last
	w.statusMu.Unlock()
	res.Cursor = last

	log.Debug().
		Str("worker", w.config.Name).
		Int("read", res.Read).
		Int("enqueued", res.Enqueued).
		Int("buckets", res.Buckets).
		Int("exempt", res.Exempt).
		Int("deferred", res.Deferred).
		Uint64("cursor", last).
		Msg("Sweep cycle complete")

	return res, nil
}

// resolveTables resolves each distinct table once and returns the tables
// whose metadata fetch failed. Non-retryable errors abort the cycle.
func (w *Worker) resolveTables(ctx context.Context, cache *sweep.PolicyCache, entries []writelog.Entry) (map[sweep.TableRef]bool, error) {
	failed := make(map[sweep.TableRef]bool)
	seen := make(map[sweep.TableRef]bool)

	for _, e := range entries {
		table := e.Write.Table
		if seen[table] {
			continue
		}
		seen[table] = true

		fetchCtx, cancel := w.fetchContext(ctx)
		_, err := cache.Resolve(fetchCtx, table)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !sweep.IsRetryable(err) {
			return nil, fmt.Errorf("failed to resolve policy for %s: %w", table, err)
		}

		var fetchErr *sweep.MetadataFetchError
		if errors.As(err, &fetchErr) {
			log.Warn().
				Err(fetchErr.Err).
				Str("worker", w.config.Name).
				Str("table", string(table)).
				Msg("Metadata fetch failed, deferring table writes")
		}
		failed[table] = true
	}

	return failed, nil
}

func (w *Worker) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.config.FetchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.config.FetchTimeout)
}

// enqueueWithRetry hands parts to the queue with exponential backoff.
// Returns an error once MaxRetries attempts fail or ctx is cancelled.
func (w *Worker) enqueueWithRetry(ctx context.Context, parts *sweep.Partitions) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Queue.Enqueue(ctx, parts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) enqueueing %d buckets: %w", w.config.MaxRetries, parts.Len(), err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Int("buckets", parts.Len()).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to enqueue sweep buckets, retrying")

		if !sleep(ctx, delay) {
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// Cursor returns the last sequence handed off. It does not wait for an
// in-flight cycle.
func (w *Worker) Cursor() uint64 {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.cursor
}

// Status returns the worker's state as of the last completed cycle. It does
// not wait for an in-flight cycle.
func (w *Worker) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	s := Status{
		Name:      w.config.Name,
		Running:   w.running.Load(),
		Cursor:    w.cursor,
		Cycles:    w.cycles,
		LastCycle: w.lastCycle,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// sleep waits for d, returning false if ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
