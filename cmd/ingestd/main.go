package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DishankChauhan/blockchain-indexer/internal/alert"
	"github.com/DishankChauhan/blockchain-indexer/internal/circuitbreaker"
	"github.com/DishankChauhan/blockchain-indexer/internal/config"
	"github.com/DishankChauhan/blockchain-indexer/internal/dispatch"
	"github.com/DishankChauhan/blockchain-indexer/internal/httpapi"
	"github.com/DishankChauhan/blockchain-indexer/internal/ingest"
	"github.com/DishankChauhan/blockchain-indexer/internal/job"
	"github.com/DishankChauhan/blockchain-indexer/internal/metrics"
	"github.com/DishankChauhan/blockchain-indexer/internal/provider"
	"github.com/DishankChauhan/blockchain-indexer/internal/ratelimit"
	"github.com/DishankChauhan/blockchain-indexer/internal/store/postgres"
	"github.com/DishankChauhan/blockchain-indexer/internal/store/tenant"
	"github.com/DishankChauhan/blockchain-indexer/internal/tracing"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const migrationsDir = "internal/store/postgres/migrations"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "ingestd",
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), true, 0.1)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := postgres.New(ctx, postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open control-plane db: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	go metrics.PumpDBPoolStats(ctx, "control_plane", db.DB, 15*time.Second)

	jobRepo := postgres.NewJobRepo(db)
	connRepo := postgres.NewConnectionRepo(db)
	webhookRepo := postgres.NewWebhookRepo(db)
	webhookLogRepo := postgres.NewWebhookLogRepo(db)

	alerter := buildAlerter(cfg, logger)

	poolRegistry := tenant.NewRegistry(connRepo, tenant.PoolConfig{
		MaxOpenConns:    cfg.Tenant.MaxOpenConns,
		MaxIdleConns:    cfg.Tenant.MaxIdleConns,
		ConnMaxLifetime: cfg.Tenant.ConnMaxLifetime,
	}, logger)
	defer func() {
		if err := poolRegistry.Cleanup(); err != nil {
			logger.Warn("tenant pool cleanup failed", "error", err)
		}
	}()

	provisioner := tenant.NewProvisioner(logger)
	ingestSvc := ingest.NewService(jobRepo, poolRegistry, provisioner, cfg.Ingest.Parallelism, logger)

	var dispatcher *dispatch.Dispatcher
	if cfg.Dispatch.Enabled {
		dispatcher = dispatch.NewDispatcher(webhookRepo, webhookLogRepo, alerter, logger)
		defer dispatcher.Drain()

		// With Redis configured the per-webhook budget is enforced across
		// all dispatcher instances instead of per process.
		if cfg.Redis.URL != "" {
			opts, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			rdb := redis.NewClient(opts)
			defer rdb.Close()
			dispatcher.UseLimiterFactory(func(rl ratelimit.Config) ratelimit.Limiter {
				return ratelimit.NewRedisLimiterWithClient(rdb, rl)
			})
		}
	}

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.Config{FailureThreshold: 5, OpenTimeout: 30 * time.Second},
		circuitbreaker.RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		logger,
	)
	providerClient := provider.NewClient(
		cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.CallbackBase,
		cfg.Provider.Timeout, logger,
	)

	manager := job.NewManager(jobRepo, connRepo, poolRegistry, providerClient,
		breakers, alerter, cfg.Server.JobPollInterval, logger)
	defer manager.Shutdown()
	if err := manager.Restore(ctx); err != nil {
		return fmt.Errorf("restore active jobs: %w", err)
	}

	var publisher httpapi.EventPublisher
	if dispatcher != nil {
		publisher = dispatcher
	}
	inboundLimiter := ratelimit.NewKeyedLimiter(ratelimit.Config{})
	api := httpapi.NewServer(jobRepo, ingestSvc, manager, publisher,
		inboundLimiter, cfg.Provider.InboundSecret, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildAlerter assembles the alert fan-out from whichever channels are
// configured. With none configured alerts are dropped silently.
func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}
