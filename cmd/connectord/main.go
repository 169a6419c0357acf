// Command connectord runs the connector credential and session daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aseleznov/connectord/internal/cache"
	"github.com/aseleznov/connectord/internal/config"
	"github.com/aseleznov/connectord/internal/crypto"
	"github.com/aseleznov/connectord/internal/migrate"
	"github.com/aseleznov/connectord/internal/monitor"
	"github.com/aseleznov/connectord/internal/refresh"
	"github.com/aseleznov/connectord/internal/repository/postgres"
	"github.com/aseleznov/connectord/internal/server/ops"
	"github.com/aseleznov/connectord/internal/service"
	"github.com/aseleznov/connectord/internal/session"
	"github.com/aseleznov/connectord/internal/watcher"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and starts the background loops
// plus the ops HTTP server.
func main() {
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides CONNECTORD_DATABASE_DSN)")
	addr := flag.String("addr", "", "ops listen address (overrides CONNECTORD_LISTEN_ADDR)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if *dsn != "" {
		cfg.DatabaseDSN = *dsn
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if len(cfg.SealKey) == 0 {
		logger.Fatal("missing seal key (CONNECTORD_SEAL_KEY)")
	}
	sealer, err := crypto.NewSealer(cfg.SealKey)
	if err != nil {
		logger.Fatal("seal key", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DatabaseDSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	repo := postgres.NewInstanceRepo(db, sealer)

	credCache := cache.New()
	registry := session.NewRegistry(session.NewBearerFactory(),
		cfg.SessionIdleTimeout, cfg.SessionSweepInterval, logger)

	engine := refresh.NewEngine(refresh.Options{
		BrokerURL:    cfg.BrokerURL,
		BrokerSecret: cfg.BrokerSecret,
		MaxAttempts:  cfg.MaxRefreshAttempts,
		BaseBackoff:  cfg.RefreshBaseBackoff,
		Timeout:      cfg.RefreshTimeout,
		Logger:       logger,
	})

	credWatcher := watcher.New(repo, engine, credCache, registry,
		cfg.WatcherInterval, cfg.RefreshSafetyMargin, cfg.CacheTTLMargin, logger)
	expMonitor := monitor.New(repo, credCache, registry,
		cfg.ExpirationInterval, cfg.PendingOAuthGrace, cfg.FailedOAuthGrace, logger)

	instanceSvc := service.NewInstanceService(repo, repo, credCache, registry, engine,
		cfg.CacheTTLMargin, logger)

	registry.Start()
	credWatcher.Start()
	expMonitor.Start()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: ops.NewRouter(ops.Deps{
			Watcher:  credWatcher,
			Monitor:  expMonitor,
			Registry: registry,
			Cache:    credCache,
			Service:  instanceSvc,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown", zap.Error(err))
		}
		if err := credWatcher.Stop(shutdownCtx); err != nil {
			logger.Error("watcher stop", zap.Error(err))
		}
		if err := expMonitor.Stop(shutdownCtx); err != nil {
			logger.Error("monitor stop", zap.Error(err))
		}
		registry.Stop()
		registry.Shutdown()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
