// Package metrics provides Prometheus metrics for the Bulk Copier.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the Bulk Copier.
type Metrics struct {
	// Partition metrics
	PartitionsCopied *prometheus.CounterVec
	PartitionsFailed *prometheus.CounterVec

	// Row metrics
	RowsCopied    *prometheus.CounterVec
	LastWatermark *prometheus.GaugeVec

	// Timing metrics
	PartitionDuration *prometheus.HistogramVec
	ThrottlePauses    *prometheus.CounterVec

	// Size metrics
	PartitionRows *prometheus.HistogramVec

	// Run metrics
	Runs  *prometheus.CounterVec
	State *prometheus.GaugeVec

	// Error metrics
	Errors *prometheus.CounterVec
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Source      string
	Destination string
}

// New registers the copier metrics with reg. A nil registerer leaves the
// metrics unregistered, which is what tests usually want.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "bulk_copier"
	}
	factory := promauto.With(reg)
	tables := []string{"source", "destination"}

	return &Metrics{
		PartitionsCopied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_copied_total",
				Help:      "Total number of partitions copied",
			},
			tables,
		),
		PartitionsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_failed_total",
				Help:      "Total number of partitions that failed to copy",
			},
			tables,
		),
		RowsCopied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_copied_total",
				Help:      "Total number of rows written to the destination",
			},
			tables,
		),
		LastWatermark: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watermark",
				Help:      "Destination max id after the last completed partition",
			},
			tables,
		),
		PartitionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_duration_seconds",
				Help:      "Time to copy a partition",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			tables,
		),
		ThrottlePauses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_pauses_total",
				Help:      "Total number of pauses between partitions",
			},
			tables,
		),
		PartitionRows: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_rows",
				Help:      "Number of rows per partition",
				Buckets:   prometheus.ExponentialBuckets(100, 2, 12), // 100 to ~400k
			},
			tables,
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs by outcome",
			},
			append(tables, "outcome"),
		),
		State: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "1 for the copy loop's current state, 0 otherwise",
			},
			append(tables, "state"),
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of fatal errors by kind",
			},
			append(tables, "kind"),
		),
	}
}

// Handler returns an HTTP handler exposing metrics and a health probe.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Serve runs an HTTP server for Prometheus scraping until ctx is done.
func Serve(ctx context.Context, address string, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           Handler(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// IncPartitionsCopied increments the partitions copied counter.
func (m *Metrics) IncPartitionsCopied(l Labels) {
	m.PartitionsCopied.WithLabelValues(l.Source, l.Destination).Inc()
}

// IncPartitionsFailed increments the partitions failed counter.
func (m *Metrics) IncPartitionsFailed(l Labels) {
	m.PartitionsFailed.WithLabelValues(l.Source, l.Destination).Inc()
}

// AddRowsCopied adds to the rows copied counter.
func (m *Metrics) AddRowsCopied(l Labels, rows float64) {
	m.RowsCopied.WithLabelValues(l.Source, l.Destination).Add(rows)
}

// SetWatermark sets the last observed destination watermark.
func (m *Metrics) SetWatermark(l Labels, id float64) {
	m.LastWatermark.WithLabelValues(l.Source, l.Destination).Set(id)
}

// ObservePartitionDuration records the time spent copying a partition.
func (m *Metrics) ObservePartitionDuration(l Labels, seconds float64) {
	m.PartitionDuration.WithLabelValues(l.Source, l.Destination).Observe(seconds)
}

// ObservePartitionRows records the number of rows in a partition.
func (m *Metrics) ObservePartitionRows(l Labels, rows float64) {
	m.PartitionRows.WithLabelValues(l.Source, l.Destination).Observe(rows)
}

// IncThrottlePauses increments the throttle pause counter.
func (m *Metrics) IncThrottlePauses(l Labels) {
	m.ThrottlePauses.WithLabelValues(l.Source, l.Destination).Inc()
}

// IncRuns counts a finished run by outcome.
func (m *Metrics) IncRuns(l Labels, outcome string) {
	m.Runs.WithLabelValues(l.Source, l.Destination, outcome).Inc()
}

// SetState marks state as current, clearing every state in states.
func (m *Metrics) SetState(l Labels, state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(l.Source, l.Destination, s).Set(v)
	}
}

// IncErrors counts a fatal error by kind.
func (m *Metrics) IncErrors(l Labels, kind string) {
	m.Errors.WithLabelValues(l.Source, l.Destination, kind).Inc()
}
