package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agroflow/field-agent/internal/client"
	"github.com/agroflow/field-agent/internal/config"
	"github.com/agroflow/field-agent/internal/database"
	"github.com/agroflow/field-agent/internal/logger"
	"github.com/agroflow/field-agent/internal/netmon"
	"github.com/agroflow/field-agent/internal/recorder"
	"github.com/agroflow/field-agent/internal/scheduler"
	"github.com/agroflow/field-agent/internal/server"
	"github.com/agroflow/field-agent/internal/store"
	"github.com/agroflow/field-agent/internal/syncer"
	"github.com/agroflow/field-agent/internal/timeline"

	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/local.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting field agent",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
	)

	// Initialize database
	db, err := database.New(cfg.StoragePath, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()

	// Local durable store
	activityStore := store.New(db, log.Logger)

	// Backend API client
	apiClient := client.NewAPIClient(
		cfg.Backend.BaseURL,
		cfg.Backend.APIKey,
		time.Duration(cfg.Backend.Timeout)*time.Second,
		log.Logger,
	)

	// Sync coordinator
	coordinator := syncer.New(activityStore, apiClient, syncer.Policy{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: time.Duration(cfg.Sync.BackoffBase) * time.Second,
		BackoffMax:  time.Duration(cfg.Sync.BackoffMax) * time.Second,
	}, log.Logger)

	// Network monitor, probing the backend health endpoint
	monitor := netmon.New(
		apiClient.HealthCheck,
		time.Duration(cfg.Network.ProbeInterval)*time.Second,
		time.Duration(cfg.Network.Debounce)*time.Second,
		log.Logger,
	)

	// Background scheduler funnels all triggers into the coordinator
	sched := scheduler.New(
		coordinator,
		monitor,
		time.Duration(cfg.Sync.Interval)*time.Second,
		log.Logger,
	)

	// Capture path
	rec := recorder.New(
		activityStore,
		sched,
		cfg.Operator.StrategyID,
		cfg.Operator.Version,
		cfg.Operator.UserID,
		log.Logger,
	)

	// Merged timeline for the capture UI
	timelineService := timeline.NewService(
		activityStore,
		apiClient,
		cfg.Operator.StrategyID,
		cfg.Operator.Version,
		cfg.Sync.SummaryLimit,
		log.Logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx)
	sched.Start(ctx)

	// Status server for the local capture UI
	var statusHTTPServer *http.Server
	if cfg.Status.Enabled {
		statusServer := server.NewStatusServer(
			activityStore,
			coordinator,
			sched,
			timelineService,
			monitor,
			rec,
			log.Logger,
		)

		addr := fmt.Sprintf("localhost:%d", cfg.Status.Port)
		statusHTTPServer = &http.Server{
			Addr:         addr,
			Handler:      statusServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info("Starting status server for capture UI",
				zap.String("address", addr),
			)
			if err := statusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Status server error", zap.Error(err))
			}
		}()
	} else {
		log.Info("Status server disabled in configuration")
	}

	log.Info("Field agent started successfully",
		zap.String("backend_url", cfg.Backend.BaseURL),
		zap.String("strategy_id", cfg.Operator.StrategyID),
		zap.Int("strategy_version", cfg.Operator.Version),
	)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	log.Info("Shutting down field agent...")

	// Stop status server first so no new captures arrive mid-shutdown
	if statusHTTPServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		if err := statusHTTPServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("Status server shutdown error", zap.Error(err))
		} else {
			log.Info("Status server stopped")
		}
	}

	// Stop triggers, then the coordinator. A delivery in flight finishes or
	// times out; its record is never left without a terminal transition.
	done := make(chan struct{})
	go func() {
		sched.Stop()
		monitor.Stop()
		coordinator.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Sync pipeline stopped successfully")
	case <-time.After(time.Duration(cfg.Backend.Timeout+5) * time.Second):
		log.Warn("Shutdown timeout reached, forcing immediate exit")
		os.Exit(1)
	}

	// Retention: drop synced records past their TTL (photos included)
	if cfg.Retention.SyncedTTLDays > 0 {
		pruneCtx, pruneCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pruneCancel()
		ttl := time.Duration(cfg.Retention.SyncedTTLDays) * 24 * time.Hour
		if pruned, err := activityStore.PruneSynced(pruneCtx, ttl); err != nil {
			log.Error("Failed to prune synced records", zap.Error(err))
		} else if pruned > 0 {
			log.Info("Pruned synced records", zap.Int64("count", pruned))
		}
	}

	log.Info("Field agent stopped")
}
