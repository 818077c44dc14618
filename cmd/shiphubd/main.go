package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	temporalclient "go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"golang.org/x/time/rate"

	"github.com/exsilium/shiphub-server/internal/bus"
	"github.com/exsilium/shiphub-server/internal/config"
	"github.com/exsilium/shiphub-server/internal/github"
	"github.com/exsilium/shiphub-server/internal/logging"
	"github.com/exsilium/shiphub-server/internal/orchestrator"
	"github.com/exsilium/shiphub-server/internal/server"
	"github.com/exsilium/shiphub-server/internal/sqliteutil"
	"github.com/exsilium/shiphub-server/internal/store"
	"github.com/exsilium/shiphub-server/internal/telemetry"
	"github.com/exsilium/shiphub-server/internal/webhooks"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	pflag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address for the admin API")
	pflag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the sqlite database file")
	pflag.Parse()

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("shiphubd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "shiphubd", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces failed", "error", err)
		}
	}()

	db, err := sqliteutil.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		return err
	}

	var limiter *rate.Limiter
	if cfg.RequestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestBurst)
	}
	client, err := github.NewClient(github.ClientOptions{
		BaseURL:          cfg.APIBaseURL,
		UserAgent:        cfg.UserAgent,
		RateLimitReserve: cfg.RateLimitReserve,
		Concurrency:      cfg.PagerConcurrency,
		Limiter:          limiter,
		Logger:           logger.With("component", "github"),
	})
	if err != nil {
		return err
	}
	creds := github.NewCredentialCache()

	changeBus, err := bus.Open(ctx, cfg.BusDSN, logger)
	if err != nil {
		return err
	}
	defer changeBus.Close()

	provisioner, err := webhooks.NewProvisioner(st, webhooks.Options{CallbackHost: cfg.CallbackHost, Logger: logger})
	if err != nil {
		return err
	}

	// The syncer reports discovered organizations to the registry, which
	// needs the syncer as its runner.
	var registry *orchestrator.Registry
	syncer := orchestrator.NewSyncer(st, client, creds, changeBus, provisioner, orchestrator.SyncerOptions{
		WebhookEvents:      cfg.HookEvents,
		Interest:           func(e orchestrator.Entity) { registry.RegisterInterest(e) },
		ContentConcurrency: cfg.ContentConcurrency,
		Logger:             logger,
	})

	var runner orchestrator.Runner = syncer
	if cfg.TemporalHostPort != "" {
		tc, err := temporalclient.Dial(temporalclient.Options{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
		})
		if err != nil {
			return err
		}
		defer tc.Close()

		w := orchestrator.RegisterCycleWorker(tc, syncer, logger)
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
		runner = orchestrator.NewTemporalRunner(tc, logger)
		logger.Info("cycles run through temporal", "hostport", cfg.TemporalHostPort, "task_queue", orchestrator.CycleTaskQueue())
	}

	registry = orchestrator.NewRegistry(runner, orchestrator.Options{
		Interval:  cfg.SyncInterval,
		IdleAfter: cfg.IdleAfter,
		Logger:    logger,
	})
	defer registry.Close()

	// Resume every user that was registered before a restart.
	users, err := st.TokenUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		registry.RegisterInterest(orchestrator.Entity{Kind: orchestrator.KindUser, ID: u.ID})
	}

	serverLogger := logger.With("component", "admin.http")
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewServer(st, client, creds, registry, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		serverLogger.Info("admin API listening", "addr", cfg.Addr, "db", cfg.DBPath, "resumed_users", len(users))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serverLogger.Error("graceful shutdown failed", "error", err)
		return err
	}
	serverLogger.Info("admin API stopped")
	return nil
}
