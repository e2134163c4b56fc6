package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/config"
	"github.com/mwilco03/Water-Controller-sub004/internal/storage"
	"github.com/mwilco03/Water-Controller-sub004/internal/system"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	// Logger initialisieren
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Config loaded successfully",
		zap.String("persistence", cfg.Persistence.Backend),
		zap.String("failover_mode", cfg.Failover.Mode))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// PostgreSQL nur für das postgres Backend
	var db *storage.PostgresClient
	if cfg.Persistence.Backend == "postgres" {
		db, err = storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database connected successfully")
	}

	// Lifecycle Manager
	lifecycle, err := system.NewLifecycleManager(cfg, db, nil, logger)
	if err != nil {
		logger.Fatal("Failed to build controller", zap.Error(err))
	}

	// System starten
	if err := lifecycle.Start(ctx); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("Water treatment controller started successfully")

	// Graceful Shutdown auf Signal oder API Aufruf
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
		logger.Info("Controller stopped via API")
		return
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Water treatment controller stopped successfully")
}
