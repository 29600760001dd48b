// Package postgres copies partitions between PostgreSQL tables using the
// COPY protocol. Each partition is written in its own transaction so a
// failed partition leaves no rows behind.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/copier"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
)

// Config configures a Store.
type Config struct {
	SourceDSN        string
	DestinationDSN   string
	SourceTable      string // may be schema-qualified
	DestinationTable string
	IDColumn         string
	Columns          []string // empty = every source column
	Ceiling          int64
	NotifyAfter      int64 // rows between progress notifications, 0 disables
	MaxConns         int32
}

// Store implements copier.Probe and copier.Engine.
type Store struct {
	src     *pgxpool.Pool
	dst     *pgxpool.Pool
	shared  bool
	cfg     Config
	columns []string
	log     *slog.Logger
}

// Open connects to the source and destination databases. When both DSNs
// are equal a single pool serves both tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	if cfg.SourceDSN == "" {
		cfg.SourceDSN = cfg.DestinationDSN
	}

	dst, err := openPool(ctx, cfg.DestinationDSN, cfg.MaxConns)
	if err != nil {
		return nil, copier.Connectivity(fmt.Errorf("open destination: %w", err))
	}

	s := &Store{
		dst: dst,
		cfg: cfg,
		log: logging.Component("postgres"),
	}

	if cfg.SourceDSN == cfg.DestinationDSN {
		s.src = dst
		s.shared = true
	} else {
		src, err := openPool(ctx, cfg.SourceDSN, cfg.MaxConns)
		if err != nil {
			dst.Close()
			return nil, copier.Connectivity(fmt.Errorf("open source: %w", err))
		}
		s.src = src
	}

	if err := s.resolveColumns(ctx); err != nil {
		s.Close()
		return nil, err
	}

	log.Printf("[postgres] connected: %s -> %s (%d columns)", cfg.SourceTable, cfg.DestinationTable, len(s.columns))
	return s, nil
}

func openPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// The source stream and the destination transaction each hold a
	// connection while a partition is in flight.
	if maxConns < 2 {
		maxConns = 2
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// resolveColumns fills the copied column list from the source table when
// none was configured.
func (s *Store) resolveColumns(ctx context.Context) error {
	if len(s.cfg.Columns) > 0 {
		s.columns = s.cfg.Columns
		return nil
	}

	rows, err := s.src.Query(ctx, describeSQL(s.cfg.SourceTable))
	if err != nil {
		return classify(fmt.Errorf("describe %s: %w", s.cfg.SourceTable, err))
	}
	for _, fd := range rows.FieldDescriptions() {
		s.columns = append(s.columns, fd.Name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classify(fmt.Errorf("describe %s: %w", s.cfg.SourceTable, err))
	}
	if len(s.columns) == 0 {
		return copier.Configuration(fmt.Errorf("source table %s has no columns", s.cfg.SourceTable))
	}
	return nil
}

// Columns returns the columns copied for every row.
func (s *Store) Columns() []string {
	return s.columns
}

// Extent returns the destination id extent at or below the ceiling.
func (s *Store) Extent(ctx context.Context) (partition.Extent, error) {
	var e partition.Extent
	err := s.dst.QueryRow(ctx, extentSQL(s.cfg.DestinationTable, s.cfg.IDColumn), s.cfg.Ceiling).
		Scan(&e.Min, &e.Max)
	if err != nil {
		return partition.Extent{}, classify(fmt.Errorf("query extent: %w", err))
	}
	return e, nil
}

// CopyPartition streams the source rows of part into the destination in
// one transaction and returns the destination watermark inside the range.
func (s *Store) CopyPartition(ctx context.Context, part copier.Partition, opts copier.CopyOptions) (copier.CopyResult, error) {
	r := part.Range

	var pending int64
	if err := s.src.QueryRow(ctx, countSQL(s.cfg.SourceTable, s.cfg.IDColumn), r.Start, r.End).Scan(&pending); err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("count source rows: %w", err))
	}
	if pending == 0 {
		return copier.CopyResult{}, nil
	}
	s.log.Debug("rows pending", "partition", part.Number, "rows", pending)

	tx, err := s.dst.Begin(ctx)
	if err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if opts.ExclusiveLock {
		if _, err := tx.Exec(ctx, lockSQL(s.cfg.DestinationTable)); err != nil {
			return copier.CopyResult{}, classify(fmt.Errorf("lock destination: %w", err))
		}
	}

	rows, err := s.src.Query(ctx, selectSQL(s.cfg.SourceTable, s.cfg.IDColumn, s.columns), r.Start, r.End)
	if err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("query source: %w", err))
	}
	defer rows.Close()

	src := &progressSource{Rows: rows, part: part, every: s.cfg.NotifyAfter, progress: opts.Progress}
	copied, err := tx.CopyFrom(ctx, identifier(s.cfg.DestinationTable), s.columns, src)
	if err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("copy rows: %w", err))
	}
	src.flush()

	if err := tx.Commit(ctx); err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("commit: %w", err))
	}

	var watermark int64
	if err := s.dst.QueryRow(ctx, watermarkSQL(s.cfg.DestinationTable, s.cfg.IDColumn), r.Start, r.End).Scan(&watermark); err != nil {
		return copier.CopyResult{}, classify(fmt.Errorf("query watermark: %w", err))
	}

	return copier.CopyResult{RowsCopied: copied, Watermark: watermark}, nil
}

// Close releases the connection pools.
func (s *Store) Close() error {
	if s.src != nil && !s.shared {
		s.src.Close()
	}
	if s.dst != nil {
		s.dst.Close()
	}
	return nil
}

// progressSource feeds source rows to CopyFrom and reports progress every
// `every` rows.
type progressSource struct {
	pgx.Rows
	part     copier.Partition
	every    int64
	progress copier.Progress
	n        int64
	reported int64
}

func (p *progressSource) Next() bool {
	if !p.Rows.Next() {
		return false
	}
	p.n++
	if p.every > 0 && p.n%p.every == 0 {
		p.report()
	}
	return true
}

// flush reports the final count if it was not reported yet.
func (p *progressSource) flush() {
	if p.n != p.reported {
		p.report()
	}
}

func (p *progressSource) report() {
	p.reported = p.n
	if p.progress != nil {
		p.progress.OnRowsCopied(p.part, p.n)
	}
}

// classify maps driver errors onto the copier error kinds.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return copier.EngineFailure(err)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return copier.Connectivity(err)
	}
	return copier.EngineFailure(err)
}

func identifier(name string) pgx.Identifier {
	return pgx.Identifier(strings.Split(name, "."))
}

func quote(name string) string {
	return identifier(name).Sanitize()
}

func describeSQL(table string) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT 0", quote(table))
}

func extentSQL(table, idColumn string) string {
	id := quote(idColumn)
	return fmt.Sprintf("SELECT COALESCE(MIN(%s), 0), COALESCE(MAX(%s), 0) FROM %s WHERE %s <= $1",
		id, id, quote(table), id)
}

func countSQL(table, idColumn string) string {
	id := quote(idColumn)
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s BETWEEN $1 AND $2", quote(table), id)
}

func selectSQL(table, idColumn string, columns []string) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = quote(c)
	}
	id := quote(idColumn)
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s BETWEEN $1 AND $2 ORDER BY %s",
		strings.Join(cols, ", "), quote(table), id, id)
}

func watermarkSQL(table, idColumn string) string {
	id := quote(idColumn)
	return fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s WHERE %s BETWEEN $1 AND $2", id, quote(table), id)
}

func lockSQL(table string) string {
	return fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE", quote(table))
}
