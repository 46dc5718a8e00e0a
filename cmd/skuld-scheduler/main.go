// Package main runs the Skuld schedule driver: a polling worker that
// advances active rollout schedules whose steps are due, bumping flag
// percentages and recording the change history.
//
// It is deployed separately from the control plane so API traffic and
// the background cadence scale independently. Running a single replica
// is recommended; the conditional step execution keeps concurrent
// replicas safe, they just waste work racing each other.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skuldlabs/skuld/internal/cache"
	"github.com/skuldlabs/skuld/internal/config"
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

	if !cfg.Scheduler.Enabled {
		logg.Warn("scheduler disabled by configuration, exiting")
		return nil
	}

	rootCtx, cancel := context.WithCancel(logger.WithContext(context.Background(), logg))
	defer cancel()

	logg.Info("starting schedule driver", slog.String("environment", cfg.App.Environment))
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

	// Executed steps must evict the control plane's caches, so the driver
	// publishes invalidations when Redis is configured.
	var invalidator rollout.Invalidator
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

		invalidator = flagCache
		checkers = append(checkers, cache.NewHealthChecker(redisClient))
	} else {
		logg.Warn("redis not configured, relying on cache TTLs for propagation")
	}

	driver := scheduler.New(logg, scheduler.Config{
		Interval:            cfg.Scheduler.Interval,
		BatchSize:           cfg.Scheduler.BatchSize,
		MaxStepsPerSchedule: cfg.Scheduler.MaxStepsPerSchedule,
	}, flagStore, invalidator)

	// -------------------------------------------------------------------------
	// 3. Run
	// -------------------------------------------------------------------------
	obsServer := observability.NewServer(logg, &cfg.Observability, checkers...)
	obsServer.Start()

	doneChan := make(chan struct{})
	go func() {
		if err := driver.Run(rootCtx); err != nil {
			logg.Error("schedule driver stopped", slog.String("error", err.Error()))
		}
		close(doneChan)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logg.Info("shutdown signal received", slog.String("signal", sig.String()))
	cancel()
	<-doneChan

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logg.Error("observability shutdown failed", slog.String("error", err.Error()))
	}

	logg.Info("schedule driver exited")
	return nil
}
