package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/marmot-sweep/encoding"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/rs/zerolog/log"
)

// Column names of the SQL metadata table
const (
	sqlTableColumn    = "table_name"
	sqlStrategyColumn = "sweep_strategy"
)

// SQLSource reads sweep strategies from a SQL table with columns
// table_name and sweep_strategy. Drivers: "sqlite3", "mysql".
type SQLSource struct {
	db      *sql.DB
	dataset *goqu.SelectDataset
	owned   bool
}

var _ sweep.MetadataSource = (*SQLSource)(nil)

// OpenSQLSource opens dsn with driver and reads from table.
func OpenSQLSource(driver, dsn, table string) (*SQLSource, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s metadata database: %w", driver, err)
	}
	src, err := NewSQLSource(db, driver, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	src.owned = true
	return src, nil
}

// NewSQLSource reads from table through an existing connection pool.
// Close leaves db open.
func NewSQLSource(db *sql.DB, dialect, table string) (*SQLSource, error) {
	switch dialect {
	case "sqlite3", "mysql":
	default:
		return nil, fmt.Errorf("unsupported metadata sql dialect %q", dialect)
	}
	if table == "" {
		return nil, fmt.Errorf("metadata sql table is required")
	}

	ds := goqu.Dialect(dialect).
		From(table).
		Select(sqlStrategyColumn).
		Limit(1).
		Prepared(true)

	return &SQLSource{db: db, dataset: ds}, nil
}

// FetchRawMetadata returns nil, nil for tables without a row. A stored
// strategy is passed through unvalidated so the decoder decides what it means.
func (s *SQLSource) FetchRawMetadata(ctx context.Context, table sweep.TableRef) ([]byte, error) {
	query, args, err := s.dataset.Where(goqu.C(sqlTableColumn).Eq(string(table))).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata query: %w", err)
	}

	var strategy sql.NullString
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&strategy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata for %s: %w", table, err)
	}
	if !strategy.Valid {
		log.Debug().Str("table", string(table)).Msg("Null sweep strategy in metadata table")
		return nil, nil
	}

	return encoding.Marshal(&TableMetadata{SweepStrategy: strategy.String})
}

// Close closes the connection pool if OpenSQLSource created it.
func (s *SQLSource) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
