package copier

import (
	"context"
	"time"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
)

// Partition is one bounded id range copied in a single engine call.
// Number starts at 1 and increases by one per partition.
type Partition struct {
	Number int
	Range  partition.Range
}

// CopyResult is reported by the engine after a partition. A zero
// RowsCopied means nothing matched the range and the run is complete.
type CopyResult struct {
	RowsCopied int64
	Watermark  int64 // destination max id after the partition
}

// Empty returns true when the engine found no rows to copy.
func (r CopyResult) Empty() bool {
	return r.RowsCopied == 0
}

// CopyOptions are passed to the engine with every partition.
type CopyOptions struct {
	ExclusiveLock bool     // request an exclusive table lock on the destination
	Progress      Progress // may be nil
}

// Probe reads the identifier extent already present in the destination.
type Probe interface {
	// Extent returns the min and max destination ids at or below the
	// ceiling, or the zero Extent when there are none.
	Extent(ctx context.Context) (partition.Extent, error)
}

// Engine copies one partition from source to destination. A partition
// must be all-or-nothing: on error no row of it may remain visible.
type Engine interface {
	CopyPartition(ctx context.Context, part Partition, opts CopyOptions) (CopyResult, error)
}

// Progress receives periodic row counts while a partition is streaming.
type Progress interface {
	OnRowsCopied(part Partition, rows int64)
}

// ProgressFunc adapts a function to the Progress interface.
type ProgressFunc func(part Partition, rows int64)

func (f ProgressFunc) OnRowsCopied(part Partition, rows int64) {
	f(part, rows)
}

// State is a step of the copy loop.
type State string

const (
	StateValidating State = "validating"
	StateCopying    State = "copying"
	StateSleeping   State = "sleeping"
	StateDone       State = "done"
	StateAborted    State = "aborted"
	StateFailed     State = "failed"
)

// States lists every loop state.
var States = []State{StateValidating, StateCopying, StateSleeping, StateDone, StateAborted, StateFailed}

// Summary describes a finished run.
type Summary struct {
	RunID         string
	State         State
	Existing      partition.Extent
	Requested     partition.Range
	Partitions    int   // partitions that copied at least one row
	RowsCopied    int64 // total rows across partitions
	LastWatermark int64
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Duration returns the wall time of the run.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
