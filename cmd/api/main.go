package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/api/rest"
	"github.com/davidleathers/compliance-tracker/internal/api/websocket"
	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/archive"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/cache"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/config"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/database"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/events"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/telemetry"
	"github.com/davidleathers/compliance-tracker/internal/metrics"
	trackersvc "github.com/davidleathers/compliance-tracker/internal/service/compliance"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	zapLogger, err := telemetry.NewZapLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()

	if err := run(ctx, cfg, logger, zapLogger); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, zapLogger *zap.Logger) error {
	logger.Info("starting compliance tracker",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"port", cfg.Server.Port)

	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    "compliance-tracker",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	registry, err := metrics.NewRegistry()
	if err != nil {
		return fmt.Errorf("creating metrics registry: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := database.MigrateUp(ctx, cfg.Database, zapLogger); err != nil {
			return err
		}
	}

	db, dialect, err := database.Open(ctx, cfg.Database, zapLogger)
	if err != nil {
		return err
	}
	defer db.Close()

	store := database.NewStore(db, dialect, zapLogger)

	sink, err := archive.NewSink(ctx, cfg.Reports, zapLogger)
	if err != nil {
		return fmt.Errorf("creating report sink: %w", err)
	}
	format, err := trackersvc.ParseReportFormat(cfg.Reports.Format)
	if err != nil {
		return fmt.Errorf("reports.format: %w", err)
	}

	hub := websocket.NewNotificationHub(zapLogger)
	health := []rest.HealthChecker{rest.NewDatabaseHealthChecker(db, dialect)}

	var (
		source      compliance.MetricsSource   = store
		recorder    compliance.MetricsRecorder = store
		notifier    trackersvc.Notifier
		limiter     cache.RateLimiter
		publisher   *events.RedisPublisher
		redisClient *redis.Client
	)

	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedisClient(&cfg.Redis, zapLogger)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		metricsCache := cache.NewMetricsCache(store, cache.NewRedisCache(redisClient, zapLogger), cfg.Redis.MetricsTTL, zapLogger, registry)
		source, recorder = metricsCache, metricsCache
		limiter = cache.NewRedisRateLimiter(redisClient, zapLogger)
		publisher = events.NewRedisPublisher(redisClient, events.DefaultPublisherConfig(cfg.Redis.Channel), zapLogger)
		notifier = events.NewFanout(events.NewLogNotifier(zapLogger), publisher)
		health = append(health, rest.NewRedisHealthChecker(redisClient))
	} else {
		notifier = events.NewFanout(events.NewLogNotifier(zapLogger), hub)
	}

	tracker := trackersvc.NewTracker(zapLogger, source, store, notifier, sink, trackersvc.Options{
		ClampConsentRate: cfg.Tracker.ClampConsentRate,
		ReportFormat:     format,
		Metrics:          registry,
		Recorder:         recorder,
	})

	if cfg.Tracker.HydrateOnStart {
		if err := tracker.Hydrate(ctx); err != nil {
			return fmt.Errorf("hydrating tracker: %w", err)
		}
	}

	auth := rest.NewAuthMiddleware(&rest.AuthConfig{
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Issuer:    cfg.Auth.Issuer,
	}, logger)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty; all mutating endpoints will answer 401")
	}

	ws := websocket.NewHandler(hub, cfg.Server.AllowedOrigins, auth.Subject, zapLogger)
	health = append(health, rest.CheckFunc{
		CheckName: "websocket",
		Fn:        func(context.Context) error { return ws.HealthCheck() },
	})

	registerRuntimeMetrics(db, hub, publisher)

	handler, err := rest.NewRouter(rest.RouterConfig{
		Service:   tracker,
		Auth:      auth,
		Health:    rest.NewHealthService(cfg.Version, health...),
		WebSocket: ws,
		RateLimit: rest.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.BurstSize,
		},
		DistributedLimiter: limiter,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("building router: %w", err)
	}

	var wg sync.WaitGroup
	ws.Start(ctx)

	if redisClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := events.Relay(ctx, redisClient, cfg.Redis.Channel, hub, zapLogger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("notification relay stopped", "error", err)
			}
		}()
	}

	// The first fetch runs immediately; until it succeeds the tracker serves
	// its default posture. An empty metrics table is seeded with that posture.
	wg.Add(1)
	go func() {
		defer wg.Done()
		trackersvc.NewRefresher(zapLogger, tracker, cfg.Tracker.RefreshInterval).Run(ctx)
	}()

	serveErr := rest.NewServer(cfg.Server, handler, logger).Run(ctx)

	ws.Stop()
	wg.Wait()

	if publisher != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := publisher.Close(closeCtx); err != nil {
			logger.Warn("notification publisher did not drain", "error", err)
		}
	}

	logger.Info("shut down gracefully")
	return serveErr
}
