package metadata

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/maxpert/marmot-sweep/kv"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/maxpert/marmot-sweep/telemetry"
	"github.com/rs/zerolog/log"
)

const prefixTableMeta = "/table_meta/" // /table_meta/{table}

// Presence filter sizing, 64K tables before the filter is bypassed
const (
	filterTagsPerBucket = 4
	filterBitsPerItem   = 32
	filterMaxKeys       = 1 << 16
)

// PebbleStore persists raw table metadata in Pebble and serves it as a
// sweep.MetadataSource. A cuckoo filter of stored tables answers most
// lookups for tables without metadata without touching Pebble. Once an
// insert into the filter fails the filter is bypassed for good and every
// lookup reads Pebble.
type PebbleStore struct {
	db     *pebble.DB
	closed atomic.Bool

	// writeMu serializes Put/Delete so filter membership matches the store
	writeMu  sync.Mutex
	filterMu       sync.RWMutex
	filter         *cuckoo.Filter
	filterDegraded bool // Guarded by filterMu
}

var _ sweep.MetadataSource = (*PebbleStore)(nil)

// OpenPebbleStore opens the metadata store at path.
func OpenPebbleStore(path string, opts kv.Options) (*PebbleStore, error) {
	db, err := kv.Open("table_meta", path, opts)
	if err != nil {
		return nil, err
	}

	s := &PebbleStore{
		db:     db,
		filter: newPresenceFilter(filterMaxKeys),
	}

	tables, err := s.List()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load table metadata keys: %w", err)
	}
	for _, table := range tables {
		s.filterAdd(table)
	}

	log.Debug().Int("tables", len(tables)).Msg("Loaded table metadata store")
	return s, nil
}

func tableKey(table sweep.TableRef) []byte {
	return []byte(prefixTableMeta + string(table))
}

func filterKey(table sweep.TableRef) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, xxhash.Sum64String(string(table)))
	return buf
}

func newPresenceFilter(maxKeys uint) *cuckoo.Filter {
	return cuckoo.NewFilter(filterTagsPerBucket, filterBitsPerItem, maxKeys, cuckoo.TableTypePacked)
}

// filterAdd marks the filter degraded when the insert fails. A failed
// cuckoo insert may also have evicted another table's fingerprint.
func (s *PebbleStore) filterAdd(table sweep.TableRef) {
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	if s.filterDegraded {
		return
	}
	if !s.filter.Add(filterKey(table)) {
		s.filterDegraded = true
		log.Warn().Str("table", string(table)).Msg("Table metadata filter full, reading every lookup from store")
	}
}

func (s *PebbleStore) filterDelete(table sweep.TableRef) {
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	if s.filterDegraded {
		return
	}
	s.filter.Delete(filterKey(table))
}

// mayContain is false only when table definitely has no stored metadata.
func (s *PebbleStore) mayContain(table sweep.TableRef) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return s.filterDegraded || s.filter.Contain(filterKey(table))
}

// FetchRawMetadata returns nil, nil when the table has no entry.
func (s *PebbleStore) FetchRawMetadata(ctx context.Context, table sweep.TableRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("metadata store is closed")
	}
	if !s.mayContain(table) {
		telemetry.MetadataFilterNegatives.Inc()
		return nil, nil
	}
	raw, _, err := kv.GetCopy(s.db, tableKey(table))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", table, err)
	}
	return raw, nil
}

// Put stores the encoded policy for table.
func (s *PebbleStore) Put(table sweep.TableRef, policy sweep.Policy) error {
	raw, err := Encode(policy)
	if err != nil {
		return err
	}
	return s.PutRaw(table, raw)
}

// PutRaw stores raw metadata bytes for table without validating them.
func (s *PebbleStore) PutRaw(table sweep.TableRef, raw []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("metadata store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, existed, err := kv.GetCopy(s.db, tableKey(table))
	if err != nil {
		return fmt.Errorf("failed to read metadata for %s: %w", table, err)
	}
	if err := s.db.Set(tableKey(table), raw, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", table, err)
	}
	if !existed {
		s.filterAdd(table)
	}

	log.Debug().Str("table", string(table)).Int("bytes", len(raw)).Msg("Stored table metadata")
	return nil
}

// Delete removes the metadata for table.
func (s *PebbleStore) Delete(table sweep.TableRef) error {
	if s.closed.Load() {
		return fmt.Errorf("metadata store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, existed, err := kv.GetCopy(s.db, tableKey(table))
	if err != nil {
		return fmt.Errorf("failed to read metadata for %s: %w", table, err)
	}
	if !existed {
		return nil
	}
	if err := s.db.Delete(tableKey(table), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete metadata for %s: %w", table, err)
	}
	s.filterDelete(table)
	return nil
}

// List returns every table with stored metadata, in key order.
func (s *PebbleStore) List() ([]sweep.TableRef, error) {
	var tables []sweep.TableRef
	err := kv.ScanPrefix(s.db, []byte(prefixTableMeta), func(key, _ []byte) (bool, error) {
		tables = append(tables, sweep.TableRef(strings.TrimPrefix(string(key), prefixTableMeta)))
		return true, nil
	})
	return tables, err
}

// Close is idempotent.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
