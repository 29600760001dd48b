package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/copier"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
)

const testSchema = `
CREATE TABLE test_runs_old (id INTEGER PRIMARY KEY, name TEXT NOT NULL, status TEXT);
CREATE TABLE test_runs (id INTEGER PRIMARY KEY, name TEXT NOT NULL, status TEXT);
`

// newTestDB creates a database with sourceRows rows in test_runs_old and
// returns its path.
func newTestDB(t *testing.T, sourceRows int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "copier.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	_, err = db.Exec(`
		WITH RECURSIVE g(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM g WHERE x < ?)
		INSERT INTO test_runs_old (id, name, status) SELECT x, 'run-' || x, 'passed' FROM g`, sourceRows)
	require.NoError(t, err)
	return path
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		DSN:              path,
		SourceTable:      "test_runs_old",
		DestinationTable: "test_runs",
		IDColumn:         "id",
		Ceiling:          partition.DefaultCeiling,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func countRows(t *testing.T, s *Store, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM "+quote(table)).Scan(&n))
	return n
}

func TestSQLBuilders(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "test_runs" ("id", "name") SELECT "id", "name" FROM "test_runs_old" WHERE "id" BETWEEN ? AND ? ORDER BY "id"`,
		insertSQL("test_runs_old", "test_runs", "id", []string{"id", "name"}))
	assert.Equal(t,
		`SELECT COALESCE(MIN("id"), 0), COALESCE(MAX("id"), 0) FROM "main"."test_runs" WHERE "id" <= ?`,
		extentSQL("main.test_runs", "id"))
	assert.Equal(t, `"a""b"`, quote(`a"b`))
}

func TestOpenResolvesColumns(t *testing.T) {
	s := openTestStore(t, newTestDB(t, 1))
	assert.Equal(t, []string{"id", "name", "status"}, s.Columns())
}

func TestOpenMissingSourceTable(t *testing.T) {
	path := newTestDB(t, 1)
	_, err := Open(context.Background(), Config{
		DSN:              path,
		SourceTable:      "missing",
		DestinationTable: "test_runs",
		Ceiling:          partition.DefaultCeiling,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, copier.ErrEngine)
}

func TestExtentEmpty(t *testing.T) {
	s := openTestStore(t, newTestDB(t, 10))

	e, err := s.Extent(context.Background())
	require.NoError(t, err)
	assert.True(t, e.Empty())
}

func TestExtentRespectsCeiling(t *testing.T) {
	path := newTestDB(t, 0)
	s, err := Open(context.Background(), Config{
		DSN:              path,
		SourceTable:      "test_runs_old",
		DestinationTable: "test_runs",
		Ceiling:          1000,
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.DB().Exec(`INSERT INTO test_runs (id, name) VALUES (10, 'a'), (900, 'b'), (5000, 'migrated-live')`)
	require.NoError(t, err)

	e, err := s.Extent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, partition.Extent{Min: 10, Max: 900}, e)
}

func TestCopyPartition(t *testing.T) {
	s := openTestStore(t, newTestDB(t, 150))
	ctx := context.Background()

	var progress []int64
	res, err := s.CopyPartition(ctx,
		copier.Partition{Number: 1, Range: partition.Range{Start: 1, End: 100}},
		copier.CopyOptions{
			ExclusiveLock: true,
			Progress: copier.ProgressFunc(func(_ copier.Partition, rows int64) {
				progress = append(progress, rows)
			}),
		})
	require.NoError(t, err)

	assert.Equal(t, copier.CopyResult{RowsCopied: 100, Watermark: 100}, res)
	assert.Equal(t, []int64{100}, progress)
	assert.Equal(t, int64(100), countRows(t, s, "test_runs"))

	var name string
	require.NoError(t, s.DB().QueryRow(`SELECT name FROM test_runs WHERE id = 42`).Scan(&name))
	assert.Equal(t, "run-42", name)
}

func TestCopyPartitionEmptyRange(t *testing.T) {
	s := openTestStore(t, newTestDB(t, 10))

	res, err := s.CopyPartition(context.Background(),
		copier.Partition{Number: 1, Range: partition.Range{Start: 11, End: 20}},
		copier.CopyOptions{})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestCopyPartitionRollsBackOnConflict(t *testing.T) {
	s := openTestStore(t, newTestDB(t, 100))
	ctx := context.Background()

	_, err := s.DB().Exec(`INSERT INTO test_runs (id, name) VALUES (50, 'existing')`)
	require.NoError(t, err)

	_, err = s.CopyPartition(ctx,
		copier.Partition{Number: 1, Range: partition.Range{Start: 1, End: 100}},
		copier.CopyOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, copier.ErrEngine)

	var sqliteErr sqlite3.Error
	require.ErrorAs(t, err, &sqliteErr)
	assert.Equal(t, sqlite3.ErrConstraint, sqliteErr.Code)

	assert.Equal(t, int64(1), countRows(t, s, "test_runs"), "failed partition must leave no rows")

	// The connection is usable again after the rollback.
	res, err := s.CopyPartition(ctx,
		copier.Partition{Number: 2, Range: partition.Range{Start: 51, End: 100}},
		copier.CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.RowsCopied)
}

func TestCopierEndToEnd(t *testing.T) {
	s := openTestStore(t, newTestDB(t, 25000))
	ctx := context.Background()

	cfg := config.CopyConfig{PartitionSize: 10000, Ceiling: partition.DefaultCeiling}
	summary, err := copier.New(cfg, s, s).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, copier.StateDone, summary.State)
	assert.Equal(t, 3, summary.Partitions)
	assert.Equal(t, int64(25000), summary.RowsCopied)
	assert.Equal(t, int64(25000), countRows(t, s, "test_runs"))

	// Running again copies nothing.
	summary, err = copier.New(cfg, s, s).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.RowsCopied)
	assert.Equal(t, partition.Range{Start: 25001, End: partition.DefaultCeiling}, summary.Requested)
	assert.Equal(t, int64(25000), countRows(t, s, "test_runs"))
}

func TestCopierRefusesOverlap(t *testing.T) {
	s := openTestStore(t, newTestDB(t, 2000))
	ctx := context.Background()

	_, err := s.DB().Exec(`INSERT INTO test_runs SELECT * FROM test_runs_old WHERE id <= 500`)
	require.NoError(t, err)

	cfg := config.CopyConfig{CopyFrom: 1, CopyTo: 1000, PartitionSize: 100, Ceiling: partition.DefaultCeiling}
	summary, err := copier.New(cfg, s, s).Run(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, copier.ErrConfiguration)
	assert.Equal(t, copier.StateAborted, summary.State)
	assert.Equal(t, int64(500), countRows(t, s, "test_runs"))
}

func TestCopierGapFill(t *testing.T) {
	s := openTestStore(t, newTestDB(t, 3000))
	ctx := context.Background()

	_, err := s.DB().Exec(`INSERT INTO test_runs SELECT * FROM test_runs_old WHERE id > 2000`)
	require.NoError(t, err)

	cfg := config.CopyConfig{CopyFrom: 1, CopyTo: 2000, PartitionSize: 750, Ceiling: partition.DefaultCeiling}
	summary, err := copier.New(cfg, s, s).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Partitions)
	assert.Equal(t, int64(2000), summary.LastWatermark)
	assert.Equal(t, int64(3000), countRows(t, s, "test_runs"))
}

func TestClassify(t *testing.T) {
	busy := fmt.Errorf("begin: %w", sqlite3.Error{Code: sqlite3.ErrBusy})
	assert.ErrorIs(t, classify(busy), copier.ErrConnectivity)

	constraint := fmt.Errorf("copy rows: %w", sqlite3.Error{Code: sqlite3.ErrConstraint})
	assert.ErrorIs(t, classify(constraint), copier.ErrEngine)
}
