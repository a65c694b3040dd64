// Package writelog is the durable queue of recorded writes awaiting sweep
// partitioning. Transactions append their committed cells; sweep workers read
// from a named cursor and advance it once the writes are handed off.
package writelog

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/marmot-sweep/encoding"
	"github.com/maxpert/marmot-sweep/kv"
	"github.com/maxpert/marmot-sweep/notify"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixWrite  = "/wlog/"    // /wlog/{16-digit-hex-seq}
	prefixCursor = "/wcursor/" // /wcursor/{consumer}
	keySeq       = "/wseq"     // last assigned sequence
)

const defaultReadLimit = 1000

// Entry is a recorded write and its position in the log.
type Entry struct {
	Seq   uint64      `msgpack:"seq"`
	Write sweep.Write `msgpack:"w"`
}

// Log is a Pebble-backed append-only log of recorded writes.
type Log struct {
	db *pebble.DB

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	hub *notify.Hub

	closed atomic.Bool
}

// Open creates or opens the write log at path.
func Open(path string, opts kv.Options) (*Log, error) {
	db, err := kv.Open("write_log", path, opts)
	if err != nil {
		return nil, err
	}

	l := &Log{
		db:      db,
		cursors: make(map[string]uint64),
		hub:     notify.NewHub(),
	}

	if err := l.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := l.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return l, nil
}

func (l *Log) loadLastSeq() error {
	val, ok, err := kv.GetCopy(l.db, []byte(keySeq))
	if err != nil || !ok {
		return err
	}
	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	l.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (l *Log) loadCursors() error {
	return kv.ScanPrefix(l.db, []byte(prefixCursor), func(key, val []byte) (bool, error) {
		name := string(key[len(prefixCursor):])
		if len(val) != 8 {
			return false, fmt.Errorf("corrupted cursor for consumer %s: invalid length %d", name, len(val))
		}
		l.cursors[name] = binary.LittleEndian.Uint64(val)
		return true, nil
	})
}

// Append records writes and returns the sequence of the last one.
// Sequence numbers start at 1 and are never reused.
func (l *Log) Append(writes []sweep.Write) (uint64, error) {
	if l.closed.Load() {
		return 0, fmt.Errorf("write log is closed")
	}
	if len(writes) == 0 {
		return l.lastSeq.Load(), nil
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	seq := l.lastSeq.Load()
	batch := l.db.NewBatch()
	defer batch.Close()

	for _, w := range writes {
		seq++
		val, err := encoding.Marshal(&Entry{Seq: seq, Write: w})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal write: %w", err)
		}
		if err := batch.Set(entryKey(seq), val, nil); err != nil {
			return 0, fmt.Errorf("failed to stage write: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(keySeq), seqBuf, nil); err != nil {
		return 0, fmt.Errorf("failed to stage sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only publish the new sequence after a successful commit
	l.lastSeq.Store(seq)
	l.hub.Signal(seq, len(writes))
	return seq, nil
}

// Subscribe returns a channel signalled after every successful Append.
func (l *Log) Subscribe() (<-chan notify.Signal, func()) {
	return l.hub.Subscribe()
}

// ReadFrom returns up to limit entries after cursor, in sequence order.
func (l *Log) ReadFrom(cursor uint64, limit int) ([]Entry, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("write log is closed")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := entryKey(cursor + 1)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: kv.PrefixUpperBound([]byte(prefixWrite)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	for iter.SeekGE(start); iter.Valid() && len(entries) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var e Entry
		if err := encoding.Unmarshal(val, &e); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted write log entry")
			continue
		}
		entries = append(entries, e)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetCursor returns the last sequence the consumer has processed (0 if new).
func (l *Log) GetCursor(consumer string) (uint64, error) {
	if l.closed.Load() {
		return 0, fmt.Errorf("write log is closed")
	}
	l.cursorsMu.RLock()
	defer l.cursorsMu.RUnlock()
	return l.cursors[consumer], nil
}

// AdvanceCursor durably records that consumer has processed everything up to seq.
func (l *Log) AdvanceCursor(consumer string, seq uint64) error {
	if l.closed.Load() {
		return fmt.Errorf("write log is closed")
	}

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := l.db.Set([]byte(prefixCursor+consumer), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	l.cursorsMu.Lock()
	l.cursors[consumer] = seq
	l.cursorsMu.Unlock()
	return nil
}

func (l *Log) minCursor() (uint64, bool) {
	l.cursorsMu.RLock()
	defer l.cursorsMu.RUnlock()

	if len(l.cursors) == 0 {
		return 0, false
	}
	min := ^uint64(0)
	for _, c := range l.cursors {
		if c < min {
			min = c
		}
	}
	return min, true
}

// Cleanup deletes entries every consumer has processed.
func (l *Log) Cleanup() error {
	if l.closed.Load() {
		return fmt.Errorf("write log is closed")
	}

	min, ok := l.minCursor()
	if !ok || min == 0 {
		return nil
	}

	if err := l.db.DeleteRange([]byte(prefixWrite), entryKey(min+1), pebble.Sync); err != nil {
		return fmt.Errorf("failed to clean up write log: %w", err)
	}

	log.Debug().Uint64("min_cursor", min).Msg("Cleaned up write log entries")
	return nil
}

// LastSeq returns the most recently assigned sequence.
func (l *Log) LastSeq() uint64 {
	return l.lastSeq.Load()
}

// Backlog returns how many writes the slowest consumer has yet to process.
func (l *Log) Backlog() (uint64, error) {
	last := l.lastSeq.Load()
	min, _ := l.minCursor()
	if min >= last {
		return 0, nil
	}
	return last - min, nil
}

// Close closes the underlying Pebble database.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("write log already closed")
	}
	l.hub.Close()
	return l.db.Close()
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixWrite, seq))
}
