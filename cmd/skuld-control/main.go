// Package main runs the Skuld control plane: the REST API for flag
// definitions, percentage changes, schedules, overrides, and evaluation.
//
// It is the composition root wiring PostgreSQL, the layered Redis cache,
// the rollout service, and the observability server, and it owns the
// process lifecycle including graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/skuldlabs/skuld/internal/cache"
	"github.com/skuldlabs/skuld/internal/config"
	"github.com/skuldlabs/skuld/internal/controlapi"
	"github.com/skuldlabs/skuld/internal/database"
	"github.com/skuldlabs/skuld/internal/logger"
	"github.com/skuldlabs/skuld/internal/observability"
	"github.com/skuldlabs/skuld/internal/rollout"
	"github.com/skuldlabs/skuld/internal/scheduler"
	"github.com/skuldlabs/skuld/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logg := logger.New(&cfg.App)
	slog.SetDefault(logg)

	rootCtx, cancel := context.WithCancel(logger.WithContext(context.Background(), logg))
	defer cancel()

	logg.Info("starting control plane", slog.String("environment", cfg.App.Environment))
	cfg.LogConfig(logg)

	// -------------------------------------------------------------------------
	// 2. Infrastructure
	// -------------------------------------------------------------------------
	pool, err := database.NewPostgresPool(rootCtx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	flagStore := store.NewPostgresStore(pool)
	checkers := []observability.Checker{database.NewHealthChecker(pool)}

	// The cache layer is optional: without Redis the API reads straight
	// from Postgres, which is fine for small deployments.
	var (
		reader      rollout.FlagReader
		invalidator rollout.Invalidator
	)
	if cfg.Redis.IsConfigured() {
		redisClient, err := cache.NewRedisClient(rootCtx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		flagCache, err := cache.NewFlagCache(logg, redisClient, flagStore, cache.Options{})
		if err != nil {
			return fmt.Errorf("building flag cache: %w", err)
		}
		defer flagCache.Close()

		go func() {
			if err := flagCache.Listen(rootCtx); err != nil {
				logg.Error("cache invalidation listener failed", slog.String("error", err.Error()))
			}
		}()

		reader = flagCache
		invalidator = flagCache
		checkers = append(checkers, cache.NewHealthChecker(redisClient))
	} else {
		logg.Warn("redis not configured, serving evaluations from postgres")
	}

	// -------------------------------------------------------------------------
	// 3. Services
	// -------------------------------------------------------------------------
	svc := rollout.NewService(logg, flagStore, rollout.Options{
		Reader:          reader,
		Invalidator:     invalidator,
		ConflictRetries: cfg.Control.ConflictRetries,
	})

	// A driver instance for the manual execute endpoint only; the polling
	// loop lives in the skuld-scheduler binary.
	driver := scheduler.New(logg, scheduler.Config{
		Interval:            cfg.Scheduler.Interval,
		BatchSize:           cfg.Scheduler.BatchSize,
		MaxStepsPerSchedule: cfg.Scheduler.MaxStepsPerSchedule,
	}, flagStore, invalidator)

	skipAuth := cfg.Control.APIKeyHash == ""
	if skipAuth {
		logg.Warn("API key authentication disabled, do not run like this in production")
	}
	api := controlapi.NewAPIWithConfig(logg, svc, driver, cfg.Control.APIKeyHash, skipAuth)

	// -------------------------------------------------------------------------
	// 4. Servers
	// -------------------------------------------------------------------------
	obsServer := observability.NewServer(logg, &cfg.Observability, checkers...)
	obsServer.Start()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Control.Host, cfg.Control.Port),
		Handler:           api.Router,
		ReadTimeout:       cfg.Control.ReadTimeout,
		ReadHeaderTimeout: cfg.Control.ReadHeaderTimeout,
		WriteTimeout:      cfg.Control.WriteTimeout,
		IdleTimeout:       cfg.Control.IdleTimeout,
		MaxHeaderBytes:    cfg.Control.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		logg.Info("control API listening", slog.String("addr", httpServer.Addr))
		var serveErr error
		if cfg.Control.TLSEnabled {
			serveErr = httpServer.ListenAndServeTLS(cfg.Control.TLSCert, cfg.Control.TLSKey)
		} else {
			serveErr = httpServer.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}
	}()

	// -------------------------------------------------------------------------
	// 5. Graceful Shutdown
	// -------------------------------------------------------------------------
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("control API server failed: %w", err)
	case sig := <-sigChan:
		logg.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logg.Error("control API shutdown failed", slog.String("error", err.Error()))
	}
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logg.Error("observability shutdown failed", slog.String("error", err.Error()))
	}

	logg.Info("control plane exited")
	return nil
}
