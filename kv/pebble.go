// Package kv holds the Pebble plumbing shared by the metadata store,
// the sweep queue and the write log.
package kv

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Options controls how a Pebble instance is opened.
type Options struct {
	CacheSizeMB    int64 // Block cache size
	MemTableSizeMB int64 // Write buffer size
	DisableWAL     bool  // Only for tests
}

// DefaultOptions suits the small, append-heavy stores in this repo.
func DefaultOptions() Options {
	return Options{
		CacheSizeMB:    8,
		MemTableSizeMB: 16,
	}
}

type pebbleLogger struct {
	name string
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Str("store", l.name).Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Str("store", l.name).Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Str("store", l.name).Msgf("[pebble] "+format, args...)
}

// Open opens (creating if needed) a Pebble database at path.
func Open(name, path string, opts Options) (*pebble.DB, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = DefaultOptions().CacheSizeMB
	}
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = DefaultOptions().MemTableSizeMB
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(opts.MemTableSizeMB << 20),
		DisableWAL:   opts.DisableWAL,
		Logger:       &pebbleLogger{name: name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s at %s: %w", name, path, err)
	}
	return db, nil
}

// PrefixUpperBound returns the smallest key greater than every key with prefix.
// Returns nil (unbounded) when prefix is all 0xFF.
func PrefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// GetCopy reads key and returns a copy of its value, or (nil, false, nil) if absent.
func GetCopy(db *pebble.DB, key []byte) ([]byte, bool, error) {
	val, closer, err := db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// ScanPrefix calls fn for each key/value under prefix in key order until fn
// returns false. Key and value are only valid during the callback.
func ScanPrefix(db *pebble.DB, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		more, err := fn(iter.Key(), val)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}
