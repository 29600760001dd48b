// Package sqlite copies partitions between two tables of one SQLite
// database with INSERT ... SELECT, one transaction per partition.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/copier"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
)

// Config configures a Store.
type Config struct {
	DSN              string // database file path or file: URI
	SourceTable      string
	DestinationTable string
	IDColumn         string
	Columns          []string // empty = every source column
	Ceiling          int64
}

// Store implements copier.Probe and copier.Engine.
type Store struct {
	db      *sql.DB
	cfg     Config
	columns []string
	log     *slog.Logger
}

// Open opens the database and resolves the copied columns.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, copier.Connectivity(fmt.Errorf("open database: %w", err))
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, copier.Connectivity(fmt.Errorf("connect to database: %w", err))
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, cfg: cfg, log: logging.Component("sqlite")}
	if err := s.resolveColumns(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[sqlite] opened %s: %s -> %s (%d columns)", cfg.DSN, cfg.SourceTable, cfg.DestinationTable, len(s.columns))
	return s, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return classify(fmt.Errorf("execute %q: %w", pragma, err))
		}
	}
	return nil
}

func (s *Store) resolveColumns(ctx context.Context) error {
	if len(s.cfg.Columns) > 0 {
		s.columns = s.cfg.Columns
		return nil
	}

	rows, err := s.db.QueryContext(ctx, describeSQL(s.cfg.SourceTable))
	if err != nil {
		return classify(fmt.Errorf("describe %s: %w", s.cfg.SourceTable, err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return classify(fmt.Errorf("describe %s: %w", s.cfg.SourceTable, err))
	}
	if len(cols) == 0 {
		return copier.Configuration(fmt.Errorf("source table %s has no columns", s.cfg.SourceTable))
	}
	s.columns = cols
	return nil
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Columns returns the columns copied for every row.
func (s *Store) Columns() []string {
	return s.columns
}

// Extent returns the destination id extent at or below the ceiling.
func (s *Store) Extent(ctx context.Context) (partition.Extent, error) {
	var e partition.Extent
	err := s.db.QueryRowContext(ctx, extentSQL(s.cfg.DestinationTable, s.cfg.IDColumn), s.cfg.Ceiling).
		Scan(&e.Min, &e.Max)
	if err != nil {
		return partition.Extent{}, classify(fmt.Errorf("query extent: %w", err))
	}
	return e, nil
}

// CopyPartition copies the source rows of part in one transaction and
// returns the destination watermark inside the range.
func (s *Store) CopyPartition(ctx context.Context, part copier.Partition, opts copier.CopyOptions) (copier.CopyResult, error) {
	r := part.Range

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()

	var pending int64
	if err := conn.QueryRowContext(ctx, countSQL(s.cfg.SourceTable, s.cfg.IDColumn), r.Start, r.End).Scan(&pending); err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("count source rows: %w", err))
	}
	if pending == 0 {
		return copier.CopyResult{}, nil
	}

	// Take the write lock up front so the partition never fails half way on SQLITE_BUSY.
	begin := "BEGIN IMMEDIATE"
	if opts.ExclusiveLock {
		begin = "BEGIN EXCLUSIVE"
	}
	if _, err := conn.ExecContext(ctx, begin); err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("begin: %w", err))
	}

	res, err := conn.ExecContext(ctx, insertSQL(s.cfg.SourceTable, s.cfg.DestinationTable, s.cfg.IDColumn, s.columns), r.Start, r.End)
	if err != nil {
		s.rollback(ctx, conn)
		return copier.CopyResult{}, classify(fmt.Errorf("copy rows: %w", err))
	}
	copied, err := res.RowsAffected()
	if err != nil {
		s.rollback(ctx, conn)
		return copier.CopyResult{}, classify(fmt.Errorf("rows affected: %w", err))
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		s.rollback(ctx, conn)
		return copier.CopyResult{}, classify(fmt.Errorf("commit: %w", err))
	}

	if opts.Progress != nil {
		opts.Progress.OnRowsCopied(part, copied)
	}

	var watermark int64
	if err := conn.QueryRowContext(ctx, watermarkSQL(s.cfg.DestinationTable, s.cfg.IDColumn), r.Start, r.End).Scan(&watermark); err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("query watermark: %w", err))
	}

	return copier.CopyResult{RowsCopied: copied, Watermark: watermark}, nil
}

func (s *Store) rollback(ctx context.Context, conn *sql.Conn) {
	if _, err := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
		s.log.Warn("rollback failed", "error", err)
	}
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// classify maps driver errors onto the copier error kinds.
func classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return copier.Connectivity(err)
		}
	}
	return copier.EngineFailure(err)
}

func quote(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func columnList(columns []string) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = quote(c)
	}
	return strings.Join(cols, ", ")
}

func describeSQL(table string) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT 0", quote(table))
}

func extentSQL(table, idColumn string) string {
	id := quote(idColumn)
	return fmt.Sprintf("SELECT COALESCE(MIN(%s), 0), COALESCE(MAX(%s), 0) FROM %s WHERE %s <= ?",
		id, id, quote(table), id)
}

func countSQL(table, idColumn string) string {
	id := quote(idColumn)
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s BETWEEN ? AND ?", quote(table), id)
}

func insertSQL(source, destination, idColumn string, columns []string) string {
	cols := columnList(columns)
	id := quote(idColumn)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s BETWEEN ? AND ? ORDER BY %s",
		quote(destination), cols, cols, quote(source), id, id)
}

func watermarkSQL(table, idColumn string) string {
	id := quote(idColumn)
	return fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s WHERE %s BETWEEN ? AND ?", id, quote(table), id)
}
