package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alessandro-massarenti/D-LAN/internal/api"
	"github.com/alessandro-massarenti/D-LAN/internal/config"
	"github.com/alessandro-massarenti/D-LAN/internal/download"
	"github.com/alessandro-massarenti/D-LAN/internal/fm"
	"github.com/alessandro-massarenti/D-LAN/internal/peer"
	"github.com/alessandro-massarenti/D-LAN/internal/persist"
	"github.com/alessandro-massarenti/D-LAN/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewLogger(cfg.LogLevel)

	store, err := persist.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open data store: %w", err)
	}

	fileManager, err := fm.NewDiskManager(log, cfg.DownloadDir, cfg.UnfinishedSuffixTerm)
	if err != nil {
		return fmt.Errorf("failed to create file manager: %w", err)
	}

	peers, err := peer.NewRegistry(log, cfg.PeerSessionCacheSize, cfg.PeerBreakerTimeout)
	if err != nil {
		return fmt.Errorf("failed to create peer registry: %w", err)
	}

	downloadManager := download.NewManager(cfg, log, fileManager, peers, store)

	router := api.NewRouter(cfg, log, downloadManager)
	server := api.NewServer(cfg, router)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("Server started")

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully")

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	// Closing the manager saves the download queue.
	if err := downloadManager.Close(); err != nil {
		return fmt.Errorf("failed to close download manager: %w", err)
	}

	return nil
}
