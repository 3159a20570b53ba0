package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/annotator/internal/annostore"
	"github.com/atlasmap-sc/annotator/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the annotation HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	logger.Info("starting annotator server", zap.Int("port", cfg.Server.Port))

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := newCacheManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	store, err := annostore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to initialize annotation store: %w", err)
	}
	defer store.Close()

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	logger.Info("initializing datasets",
		zap.Int("count", len(datasetIDs)),
		zap.String("default", cfg.Data.DefaultDataset))

	for _, datasetID := range datasetIDs {
		svc, handles, err := openDataset(cfg, datasetID, cfg.Data.Datasets[datasetID], store, cacheManager, true)
		if err != nil {
			return err
		}
		defer handles.Close()
		registry.Register(datasetID, svc)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pruneRuns(ctx, store, cfg.Annotation.RunRetentionDays, time.Hour)

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:       registry,
		CORSOrigins:    cfg.Server.CORSOrigins,
		DefaultPalette: cfg.Annotation.DefaultPalette,
		Logger:         logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// pruneRuns deletes annotation runs older than the retention period until ctx is done.
func pruneRuns(ctx context.Context, store *annostore.Store, retentionDays int, period time.Duration) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		n, err := store.DeleteExpiredRuns(retentionDays)
		if err != nil {
			logger.Warn("failed to prune annotation runs", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned annotation runs", zap.Int64("deleted", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
