package copier

import (
	"time"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/report"
)

func producerInfo() report.ProducerInfo {
	return report.ProducerInfo{
		Name:    "bulk-copier",
		Version: Version,
		GitSHA:  GitSHA,
	}
}

// buildPartitionRecord creates a report record for a completed partition.
func buildPartitionRecord(runID string, labels metrics.Labels, part Partition, res CopyResult, elapsed time.Duration, at time.Time) report.PartitionRecord {
	return report.PartitionRecord{
		RunID:       runID,
		Partition:   part.Number,
		Range:       part.Range,
		RowsCopied:  res.RowsCopied,
		Watermark:   res.Watermark,
		DurationMS:  elapsed.Milliseconds(),
		Source:      labels.Source,
		Destination: labels.Destination,
		Producer:    producerInfo(),
		CompletedAt: at.UTC(),
	}
}

// buildSummaryRecord creates a report record for a finished run.
func buildSummaryRecord(labels metrics.Labels, s Summary, err error) report.SummaryRecord {
	rec := report.SummaryRecord{
		RunID:         s.RunID,
		Outcome:       string(s.State),
		Existing:      s.Existing,
		Requested:     s.Requested,
		Partitions:    s.Partitions,
		RowsCopied:    s.RowsCopied,
		LastWatermark: s.LastWatermark,
		Source:        labels.Source,
		Destination:   labels.Destination,
		Producer:      producerInfo(),
		StartedAt:     s.StartedAt.UTC(),
		FinishedAt:    s.FinishedAt.UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
