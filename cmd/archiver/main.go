package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/archive"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/config"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/database"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/telemetry"
	trackersvc "github.com/davidleathers/compliance-tracker/internal/service/compliance"
)

// Command-line flags
var (
	configPath = flag.String("config", "", "Path to configuration file")
	mode       = flag.String("mode", "report", "Operation mode: report, breaches")
	format     = flag.String("format", "", "Report format: json or yaml (defaults to reports.format)")
	limit      = flag.Int("limit", 50, "Number of breach notifications to list")
	dryRun     = flag.Bool("dry-run", false, "Build the report without delivering it")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewZapLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Operation failed", zap.Error(err))
	}
	logger.Info("Operation completed successfully")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Database.AutoMigrate {
		if err := database.MigrateUp(ctx, cfg.Database, logger); err != nil {
			return err
		}
	}

	db, dialect, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store := database.NewStore(db, dialect, logger)

	switch *mode {
	case "report":
		reportFormat := cfg.Reports.Format
		if *format != "" {
			reportFormat = *format
		}
		f, err := trackersvc.ParseReportFormat(reportFormat)
		if err != nil {
			return err
		}

		var sink trackersvc.ReportSink = discardSink{}
		if !*dryRun {
			if sink, err = archive.NewSink(ctx, cfg.Reports, logger); err != nil {
				return fmt.Errorf("creating report sink: %w", err)
			}
		}
		return runReport(ctx, store, sink, f, logger)
	case "breaches":
		return runBreaches(ctx, store, os.Stdout, *limit)
	default:
		return fmt.Errorf("unknown mode: %s", *mode)
	}
}

// runReport loads the persisted state into a tracker and delivers one audit
// report to sink
func runReport(ctx context.Context, store *database.Store, sink trackersvc.ReportSink, format trackersvc.ReportFormat, logger *zap.Logger) error {
	tracker := trackersvc.NewTracker(logger, store, store, nil, sink, trackersvc.Options{
		ReportFormat: format,
		HydrateLimit: compliance.ReportConsentLimit,
	})

	if err := tracker.Hydrate(ctx); err != nil {
		return err
	}
	if _, err := tracker.FetchMetrics(ctx); err != nil {
		// Without a recorded snapshot the report carries the default posture.
		logger.Warn("Using default metrics for report", zap.Error(err))
	}

	start := time.Now()
	result, err := tracker.GenerateAuditReport(ctx)
	if err != nil {
		return fmt.Errorf("report failed: %w", err)
	}

	logger.Info("Audit report archived",
		zap.String("filename", result.Filename),
		zap.Int("bytes", result.Size),
		zap.Int("overall_score", result.Report.Metrics.OverallScore),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("dry_run", *dryRun),
	)
	return nil
}

// runBreaches prints the newest breach notifications and their deadlines
func runBreaches(ctx context.Context, store *database.Store, w io.Writer, limit int) error {
	notices, err := store.ListBreachNotifications(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list breach notifications: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPORTED\tSEVERITY\tAFFECTED\tDEADLINE\tDESCRIPTION")
	for _, n := range notices {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			n.ReportedAt.Format(time.RFC3339),
			n.Severity,
			n.AffectedUsers,
			n.NotificationDeadline.Format(time.RFC3339),
			n.Description,
		)
	}
	return tw.Flush()
}

type discardSink struct{}

func (discardSink) Deliver(context.Context, string, string, []byte) error { return nil }
