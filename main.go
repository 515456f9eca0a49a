package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyderes/media-ingestion-service/internal/auth"
	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/ingestion"
	"github.com/cyderes/media-ingestion-service/internal/logging"
	"github.com/cyderes/media-ingestion-service/internal/server"
	"github.com/cyderes/media-ingestion-service/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.NewStorage(ctx, cfg.Storage, cfg.Auth.Users)
	if err != nil {
		logging.Fatal().Err(err).Str("type", cfg.Storage.Type).Msg("Failed to initialize storage")
	}
	defer store.Close()

	reconciler := storage.NewReconciler(store)

	authService, err := auth.NewService(cfg.Auth, store, auth.BcryptHasher{})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize auth")
	}

	// Initialize ingestion service
	source := ingestion.NewRedditSource(cfg.Reddit, cfg.Ingestion)
	ingestor := ingestion.NewService(cfg.Ingestion, store, reconciler, source)

	// Initialize HTTP server for API endpoints
	httpServer := server.NewServer(cfg.Server, store, reconciler, authService, ingestor)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server
	go func() {
		logging.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Start ingestion service
	if cfg.Ingestion.Enabled {
		go func() {
			logging.Info().
				Int("sources", len(cfg.Ingestion.Sources)).
				Dur("interval", cfg.Ingestion.Interval).
				Msg("Starting media ingestion service")
			if err := ingestor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("Ingestion service error")
			}
		}()
	}

	// Wait for shutdown signal
	<-sigChan
	logging.Info().Msg("Shutdown signal received, gracefully shutting down...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown services
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown error")
	}

	cancel() // Cancel ingestion context
	logging.Info().Msg("Shutdown complete")
}
