package sweep

import (
	"bytes"
	"fmt"
)

// TableRef identifies a table as "namespace.table".
type TableRef string

// Cell is the unit of versioned storage within a table.
type Cell struct {
	Row    []byte `msgpack:"r"`
	Column []byte `msgpack:"c"`
}

// Write is one committed cell mutation recorded for cleanup.
// Writes are treated as immutable once recorded.
type Write struct {
	Table     TableRef `msgpack:"t"`
	Cell      Cell     `msgpack:"cell"`
	Timestamp uint64   `msgpack:"ts"`
}

// NewWrite builds a Write for the given table, cell coordinates and commit timestamp.
func NewWrite(table TableRef, row, column []byte, ts uint64) Write {
	return Write{
		Table:     table,
		Cell:      Cell{Row: row, Column: column},
		Timestamp: ts,
	}
}

// Equal compares table, cell bytes and timestamp.
func (w Write) Equal(other Write) bool {
	return w.Table == other.Table &&
		w.Timestamp == other.Timestamp &&
		bytes.Equal(w.Cell.Row, other.Cell.Row) &&
		bytes.Equal(w.Cell.Column, other.Cell.Column)
}

// Shard returns the shard this write's cell routes to.
func (w Write) Shard(shards int) int {
	return ShardOf(w.Cell, shards)
}

func (w Write) String() string {
	return fmt.Sprintf("%s[%x/%x]@%d", w.Table, w.Cell.Row, w.Cell.Column, w.Timestamp)
}
