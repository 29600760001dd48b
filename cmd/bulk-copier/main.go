package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/copier"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/report"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/store/postgres"
	"github.com/withObsrvr/obsrvr-bulk-copier/internal/store/sqlite"
)

// store is a destination probe and copy engine backed by a database.
type store interface {
	copier.Probe
	copier.Engine
	io.Closer
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] Bulk Copier %s (%s)", copier.Version, copier.GitSHA)

	cfg := config.MustLoad(os.Args[1:])
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] interrupted: %v", err)
		} else {
			log.Printf("[main] copy failed (%s): %v", copier.Kind(err), err)
		}
		os.Exit(1)
	}

	log.Println("[main] bulk copier stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}

func run(ctx context.Context, cfg config.Config) error {
	runID := logging.GenerateRunID()
	ctx = logging.WithRunID(ctx, runID)
	log.Printf("[main] run %s: %s -> %s", runID, cfg.Source.Table, cfg.Destination.Table)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Engine.Driver, err)
	}
	defer st.Close()

	reports, err := report.NewWriter(ctx, report.Config{
		URL:         cfg.Report.URL,
		Prefix:      cfg.Report.Prefix,
		Compression: cfg.Report.Compression,
	})
	if err != nil {
		return fmt.Errorf("open report writer: %w", err)
	}
	defer reports.Close()

	m := metrics.New(prometheus.DefaultRegisterer, cfg.Metrics.Namespace)
	labels := metrics.Labels{Source: cfg.Source.Table, Destination: cfg.Destination.Table}

	c := copier.New(cfg.Copy, st, st,
		copier.WithMetrics(m, labels),
		copier.WithReport(reports),
		copier.WithLogger(logging.RunLogger(runID, cfg.Source.Table, cfg.Destination.Table)),
	)

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			log.Printf("[metrics] listening on %s", cfg.Metrics.Address)
			if err := metrics.Serve(serverCtx, cfg.Metrics.Address, prometheus.DefaultGatherer); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer stopServer()
		summary, err := c.Run(gctx)
		log.Printf("[main] %s: %d partitions, %d rows, watermark %d in %s",
			summary.State, summary.Partitions, summary.RowsCopied, summary.LastWatermark,
			summary.Duration().Round(time.Millisecond))
		return err
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (store, error) {
	switch cfg.Engine.Driver {
	case "sqlite":
		if cfg.Source.DSN != cfg.Destination.DSN {
			return nil, copier.Configuration(errors.New("sqlite engine needs source and destination in one database"))
		}
		return sqlite.Open(ctx, sqlite.Config{
			DSN:              cfg.Destination.DSN,
			SourceTable:      cfg.Source.Table,
			DestinationTable: cfg.Destination.Table,
			IDColumn:         cfg.Engine.IDColumn,
			Columns:          cfg.Engine.Columns,
			Ceiling:          cfg.Copy.Ceiling,
		})
	default:
		return postgres.Open(ctx, postgres.Config{
			SourceDSN:        cfg.Source.DSN,
			DestinationDSN:   cfg.Destination.DSN,
			SourceTable:      cfg.Source.Table,
			DestinationTable: cfg.Destination.Table,
			IDColumn:         cfg.Engine.IDColumn,
			Columns:          cfg.Engine.Columns,
			Ceiling:          cfg.Copy.Ceiling,
			NotifyAfter:      cfg.Engine.NotifyAfter,
			MaxConns:         cfg.Engine.MaxConns,
		})
	}
}
