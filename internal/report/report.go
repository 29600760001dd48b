// Package report writes an audit trail of copy runs to blob storage. The
// report is write-only: runs never read it back to decide where to resume.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
)

// PartitionRecord describes one completed partition.
type PartitionRecord struct {
	RunID       string          `json:"run_id"`
	Partition   int             `json:"partition"`
	Range       partition.Range `json:"range"`
	RowsCopied  int64           `json:"rows_copied"`
	Watermark   int64           `json:"watermark"`
	DurationMS  int64           `json:"duration_ms"`
	Source      string          `json:"source_table"`
	Destination string          `json:"destination_table"`
	Producer    ProducerInfo    `json:"producer"`
	CompletedAt time.Time       `json:"completed_at"`
}

// SummaryRecord describes the outcome of a whole run.
type SummaryRecord struct {
	RunID         string           `json:"run_id"`
	Outcome       string           `json:"outcome"`
	Error         string           `json:"error,omitempty"`
	Existing      partition.Extent `json:"existing_extent"`
	Requested     partition.Range  `json:"requested_range"`
	Partitions    int              `json:"partitions"`
	RowsCopied    int64            `json:"rows_copied"`
	LastWatermark int64            `json:"last_watermark,omitempty"`
	Source        string           `json:"source_table"`
	Destination   string           `json:"destination_table"`
	Producer      ProducerInfo     `json:"producer"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}

// ProducerInfo describes the software that produced the record.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// Writer persists run reports.
type Writer interface {
	// WritePartition records a completed partition.
	WritePartition(ctx context.Context, rec PartitionRecord) error

	// WriteSummary records the outcome of a run.
	WriteSummary(ctx context.Context, rec SummaryRecord) error

	// Close releases any resources.
	Close() error
}

// Config configures the report writer.
type Config struct {
	URL         string // gocloud bucket URL: file:///dir, mem://, s3://bucket, gs://bucket
	Prefix      string // "runs/"
	Compression string // "none" | "zstd"
}

// PartitionKey returns the object key for a partition record.
func PartitionKey(prefix, runID string, number int) string {
	return fmt.Sprintf("%s%s/partition-%06d.json", prefix, runID, number)
}

// SummaryKey returns the object key for a run summary.
func SummaryKey(prefix, runID string) string {
	return fmt.Sprintf("%s%s/summary.json", prefix, runID)
}

func marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// NewWriter creates a report writer based on configuration. An empty URL
// disables reporting.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.URL == "" {
		return noopWriter{}, nil
	}
	return OpenBlobWriter(ctx, cfg)
}

// Noop returns a writer that discards every record.
func Noop() Writer {
	return noopWriter{}
}

type noopWriter struct{}

func (noopWriter) WritePartition(context.Context, PartitionRecord) error { return nil }
func (noopWriter) WriteSummary(context.Context, SummaryRecord) error { return nil }
func (noopWriter) Close() error { return nil }
