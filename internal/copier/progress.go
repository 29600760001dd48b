package copier

import "log/slog"

// newProgressReporter logs streaming progress for one partition.
func newProgressReporter(log *slog.Logger) Progress {
	return ProgressFunc(func(part Partition, rows int64) {
		log.Info("copy progress", "rows", rows)
	})
}
