package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
)

func testPartitionRecord() PartitionRecord {
	return PartitionRecord{
		RunID:       "run-1",
		Partition:   2,
		Range:       partition.Range{Start: 10001, End: 20000},
		RowsCopied:  10000,
		Watermark:   20000,
		DurationMS:  1200,
		Source:      "test_runs_old",
		Destination: "test_runs",
		Producer:    ProducerInfo{Name: "bulk-copier", Version: "test"},
		CompletedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "runs/run-1/partition-000002.json", PartitionKey("runs/", "run-1", 2))
	assert.Equal(t, "runs/run-1/summary.json", SummaryKey("runs/", "run-1"))
}

func TestBlobWriterPlain(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)

	w, err := NewBlobWriter(bucket, "runs/", "none")
	require.NoError(t, err)
	defer w.Close()

	rec := testPartitionRecord()
	require.NoError(t, w.WritePartition(ctx, rec))

	exists, err := bucket.Exists(ctx, "runs/run-1/partition-000002.json")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := w.Read(ctx, PartitionKey("runs/", "run-1", 2))
	require.NoError(t, err)

	var got PartitionRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rec, got)
}

func TestBlobWriterZstd(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)

	w, err := NewBlobWriter(bucket, "runs/", "zstd")
	require.NoError(t, err)
	defer w.Close()

	summary := SummaryRecord{
		RunID:         "run-2",
		Outcome:       "done",
		Existing:      partition.Extent{},
		Requested:     partition.Range{Start: 1, End: partition.DefaultCeiling},
		Partitions:    3,
		RowsCopied:    25000,
		LastWatermark: 25000,
	}
	require.NoError(t, w.WriteSummary(ctx, summary))

	raw, err := bucket.ReadAll(ctx, "runs/run-2/summary.json.zst")
	require.NoError(t, err)
	assert.False(t, json.Valid(raw), "stored object should be compressed")

	data, err := w.Read(ctx, SummaryKey("runs/", "run-2"))
	require.NoError(t, err)

	var got SummaryRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "done", got.Outcome)
	assert.Equal(t, int64(25000), got.RowsCopied)
	assert.Equal(t, 3, got.Partitions)
}

func TestNewBlobWriterUnknownCompression(t *testing.T) {
	_, err := NewBlobWriter(memblob.OpenBucket(nil), "", "lz4")
	assert.Error(t, err)
}

func TestNewWriterFileURL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, err := NewWriter(ctx, Config{URL: "file://" + filepath.ToSlash(dir), Prefix: "runs/"})
	require.NoError(t, err)
	require.NoError(t, w.WritePartition(ctx, testPartitionRecord()))
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "runs", "run-1", "partition-000002.json"))
	assert.NoError(t, err)
}

func TestNewWriterDisabled(t *testing.T) {
	w, err := NewWriter(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, w.WritePartition(context.Background(), testPartitionRecord()))
	assert.NoError(t, w.Close())
}
