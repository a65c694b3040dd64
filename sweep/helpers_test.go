package sweep

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
)

// fakeSource serves raw metadata strings as bytes; tables missing from the map
// have no metadata.
type fakeSource struct {
	mu       sync.Mutex
	metadata map[TableRef][]byte
	failures map[TableRef]error
	calls    atomic.Int64
	perTable sync.Map // TableRef -> *atomic.Int64
	gate     chan struct{}
	gateOnly TableRef // when set, only this table waits on gate
}

func newFakeSource(metadata map[TableRef][]byte) *fakeSource {
	return &fakeSource{metadata: metadata, failures: map[TableRef]error{}}
}

func (f *fakeSource) FetchRawMetadata(ctx context.Context, table TableRef) ([]byte, error) {
	f.calls.Add(1)
	n, _ := f.perTable.LoadOrStore(table, &atomic.Int64{})
	n.(*atomic.Int64).Add(1)

	if f.gate != nil && (f.gateOnly == "" || f.gateOnly == table) {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[table]; ok {
		return nil, err
	}
	return f.metadata[table], nil
}

func (f *fakeSource) fetchesFor(table TableRef) int64 {
	n, ok := f.perTable.Load(table)
	if !ok {
		return 0
	}
	return n.(*atomic.Int64).Load()
}

func (f *fakeSource) setFailure(table TableRef, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, table)
		return
	}
	f.failures[table] = err
}

// stringDecoder treats metadata bytes as a strategy name.
type stringDecoder struct{}

func (stringDecoder) Decode(raw []byte) (Policy, error) {
	return ParsePolicy(string(raw))
}

var errUnavailable = errors.New("metadata service unavailable")

const (
	nothing       TableRef = "test.nothing"
	conservative  TableRef = "test.conservative"
	conservative2 TableRef = "test.conservative2"
	thorough      TableRef = "test.thorough"
)

func testMetadata() map[TableRef][]byte {
	return map[TableRef][]byte{
		nothing:       []byte("nothing"),
		conservative:  []byte("conservative"),
		conservative2: []byte("conservative"),
		thorough:      []byte("thorough"),
	}
}

func intBytes(i int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(int32(i)))
	return b
}

func writeAt(table TableRef, row, col int, ts uint64) Write {
	return NewWrite(table, intBytes(row), intBytes(col), ts)
}

// writeWithFixedCellHash has row == column, so its cell hash is 0.
func writeWithFixedCellHash(table TableRef, i int) Write {
	return writeAt(table, i, i, 1)
}
