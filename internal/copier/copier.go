package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/report"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Copier runs the partitioned copy loop: probe the destination, refuse
// overlapping ranges, then copy partition after partition, resuming each
// one right after the watermark the destination reports.
type Copier struct {
	cfg     config.CopyConfig
	probe   Probe
	engine  Engine
	planner *partition.Planner
	report  report.Writer
	metrics *metrics.Metrics
	labels  metrics.Labels
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	log     *slog.Logger
}

// Option configures optional collaborators of a Copier.
type Option func(*Copier)

// WithMetrics records loop progress in m.
func WithMetrics(m *metrics.Metrics, labels metrics.Labels) Option {
	return func(c *Copier) {
		c.metrics = m
		c.labels = labels
	}
}

// WithReport writes an audit record per partition and per run to w.
func WithReport(w report.Writer) Option {
	return func(c *Copier) {
		c.report = w
	}
}

// WithLogger replaces the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Copier) {
		c.log = log
	}
}

// New creates a Copier.
func New(cfg config.CopyConfig, probe Probe, engine Engine, opts ...Option) *Copier {
	c := &Copier{
		cfg:     cfg,
		probe:   probe,
		engine:  engine,
		planner: partition.NewPlanner(cfg.PartitionSize, cfg.EffectiveCopyTo()),
		report:  report.Noop(),
		sleep:   sleepContext,
		now:     time.Now,
		log:     logging.Component("copier"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one migration run. The returned Summary is populated even
// when an error aborts the run.
func (c *Copier) Run(ctx context.Context) (Summary, error) {
	runID := logging.RunID(ctx)
	if runID == "" {
		runID = logging.GenerateRunID()
		ctx = logging.WithRunID(ctx, runID)
	}
	log := c.log.With("run_id", runID)

	summary := Summary{RunID: runID, StartedAt: c.now()}
	err := c.run(ctx, log, &summary)
	summary.FinishedAt = c.now()

	c.finish(ctx, log, &summary, err)
	return summary, err
}

func (c *Copier) run(ctx context.Context, log *slog.Logger, s *Summary) error {
	c.setState(StateValidating)

	first, err := c.validate(ctx, log, s)
	if err != nil {
		return err
	}
	if first.Empty() {
		log.Info("nothing to copy",
			"copy_from", s.Requested.Start,
			"copy_to", s.Requested.End,
		)
		return nil
	}

	log.Info("starting copy",
		"copy_from", s.Requested.Start,
		"copy_to", s.Requested.End,
		"partition_size", c.planner.Size(),
		"ceiling", c.planner.Ceiling(),
		"sleep_ms", c.cfg.SleepMillis,
		"exclusive_lock", c.cfg.UseExclusiveLock,
	)

	part := Partition{Number: 1, Range: first}
	for {
		c.setState(StateCopying)

		res, err := c.copyPartition(ctx, log, part)
		if err != nil {
			return err
		}
		if res.Empty() {
			log.Info("no more rows to copy", "partition", part.Number, "id_start", part.Range.Start)
			return nil
		}

		s.Partitions++
		s.RowsCopied += res.RowsCopied
		s.LastWatermark = res.Watermark

		next := Partition{Number: part.Number + 1, Range: c.planner.After(res.Watermark)}
		if next.Range.Empty() {
			log.Info("reached copy_to", "watermark", res.Watermark, "copy_to", s.Requested.End)
			return nil
		}

		if err := c.throttle(ctx, log); err != nil {
			return err
		}
		part = next
	}
}

// validate probes the destination, derives the requested range and
// returns the first partition to copy. An empty partition means the
// destination already holds everything up to copy_to.
func (c *Copier) validate(ctx context.Context, log *slog.Logger, s *Summary) (partition.Range, error) {
	if err := c.cfg.Validate(); err != nil {
		return partition.Range{}, Configuration(err)
	}

	existing, err := c.probe.Extent(ctx)
	if err != nil {
		return partition.Range{}, Connectivity(fmt.Errorf("probe destination extent: %w", err))
	}
	s.Existing = existing

	requested := partition.Range{
		Start: partition.StartID(c.cfg.CopyFrom, existing),
		End:   c.cfg.EffectiveCopyTo(),
	}
	s.Requested = requested

	log.Info("destination extent",
		"existing_min", existing.Min,
		"existing_max", existing.Max,
		"explicit_copy_from", c.cfg.CopyFrom != 0,
	)

	if requested.Empty() {
		return requested, nil
	}
	if existing.Overlaps(requested) {
		return partition.Range{}, &OverlapError{Existing: existing, Requested: requested}
	}

	return c.planner.Next(requested.Start), nil
}

// copyPartition runs one engine call. The cursor only moves when this
// returns a validated, non-empty result.
func (c *Copier) copyPartition(ctx context.Context, log *slog.Logger, part Partition) (CopyResult, error) {
	if err := ctx.Err(); err != nil {
		return CopyResult{}, err
	}

	plog := logging.PartitionLogger(log, part.Number, part.Range.Start, part.Range.End)
	plog.Info("starting partition")

	started := c.now()
	res, err := c.engine.CopyPartition(ctx, part, CopyOptions{
		ExclusiveLock: c.cfg.UseExclusiveLock,
		Progress:      newProgressReporter(plog),
	})
	elapsed := c.now().Sub(started)

	if err == nil && !res.Empty() {
		v := ValidateResult(part, res)
		for _, w := range v.Warnings {
			plog.Debug("validation warning", "warning", w)
		}
		err = v.Err()
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncPartitionsFailed(c.labels)
		}
		plog.Error("partition failed", "error", err, "duration", elapsed.String())
		return CopyResult{}, fmt.Errorf("partition %d %s: %w", part.Number, part.Range, EngineFailure(err))
	}
	if res.Empty() {
		return res, nil
	}

	if c.metrics != nil {
		c.metrics.IncPartitionsCopied(c.labels)
		c.metrics.AddRowsCopied(c.labels, float64(res.RowsCopied))
		c.metrics.SetWatermark(c.labels, float64(res.Watermark))
		c.metrics.ObservePartitionRows(c.labels, float64(res.RowsCopied))
		c.metrics.ObservePartitionDuration(c.labels, elapsed.Seconds())
	}

	plog.Info("partition completed",
		"rows", res.RowsCopied,
		"watermark", res.Watermark,
		"duration", elapsed.String(),
	)

	if err := c.report.WritePartition(ctx, buildPartitionRecord(logging.RunID(ctx), c.labels, part, res, elapsed, c.now())); err != nil {
		plog.Warn("failed to write partition report", "error", err)
	}

	return res, nil
}

// throttle pauses between partitions when a sleep is configured.
func (c *Copier) throttle(ctx context.Context, log *slog.Logger) error {
	if c.cfg.SleepMillis <= 0 {
		return nil
	}
	c.setState(StateSleeping)

	d := time.Duration(c.cfg.SleepMillis) * time.Millisecond
	log.Info("sleeping between partitions", "sleep", d.String())
	if c.metrics != nil {
		c.metrics.IncThrottlePauses(c.labels)
	}

	if err := c.sleep(ctx, d); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	log.Debug("resuming work")
	return nil
}

// finish records the outcome of a run.
func (c *Copier) finish(ctx context.Context, log *slog.Logger, s *Summary, err error) {
	switch {
	case err == nil:
		s.State = StateDone
	case errors.Is(err, ErrConfiguration):
		s.State = StateAborted
	default:
		s.State = StateFailed
	}
	c.setState(s.State)

	if c.metrics != nil {
		c.metrics.IncRuns(c.labels, string(s.State))
		if err != nil {
			c.metrics.IncErrors(c.labels, Kind(err))
		}
	}

	elapsed := s.Duration()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(s.RowsCopied) / elapsed.Seconds()
	}
	attrs := []any{
		"state", s.State,
		"partitions", s.Partitions,
		"rows", s.RowsCopied,
		"last_watermark", s.LastWatermark,
		"rate_per_sec", fmt.Sprintf("%.2f", rate),
		"duration", elapsed.String(),
	}
	if err != nil {
		log.Error("run stopped", append(attrs, "error", err, "kind", Kind(err))...)
	} else {
		log.Info("run complete", attrs...)
	}

	// The run context may already be cancelled; the summary is still worth writing.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if rerr := c.report.WriteSummary(reportCtx, buildSummaryRecord(c.labels, *s, err)); rerr != nil {
		log.Warn("failed to write run summary", "error", rerr)
	}
}

func (c *Copier) setState(s State) {
	if c.metrics == nil {
		return
	}
	names := make([]string, len(States))
	for i, st := range States {
		names[i] = string(st)
	}
	c.metrics.SetState(c.labels, string(s), names)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
