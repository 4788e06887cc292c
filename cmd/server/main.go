// PackSync Server
//
// Features:
// - Pack metadata store with read-through caching
// - World ownership and lock-state lifecycle
// - Resource pack timestamp-diff sync
// - Mod archive sync (local or S3 storage)
// - SSE refresh events
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/packsync/packsync/internal/api"
	"github.com/packsync/packsync/internal/auth"
	"github.com/packsync/packsync/internal/config"
	"github.com/packsync/packsync/internal/events"
	"github.com/packsync/packsync/internal/logging"
	"github.com/packsync/packsync/internal/metrics"
	"github.com/packsync/packsync/internal/mods"
	"github.com/packsync/packsync/internal/rpsync"
	"github.com/packsync/packsync/internal/search"
	"github.com/packsync/packsync/internal/storage"
	"github.com/packsync/packsync/internal/storage/local"
	s3storage "github.com/packsync/packsync/internal/storage/s3"
	"github.com/packsync/packsync/internal/store"
	"github.com/packsync/packsync/internal/users"
	"github.com/packsync/packsync/internal/worlds"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("PackSync Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("data", cfg.DataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := afero.NewOsFs()

	// Initialize the pack store and eagerly load every pack
	packStore := store.New(fs, cfg.DataDir)
	if err := packStore.Initialize(ctx); err != nil {
		logging.Fatal("pack store init failed", zap.Error(err))
	}

	// Initialize the user registry
	userReg := users.New(fs, cfg.DataDir, logging.L())
	if err := userReg.Load(ctx); err != nil {
		logging.Fatal("user registry init failed", zap.Error(err))
	}

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	// Mod archive storage backend. Resource packs and worlds always
	// live under the data dir; only mod archives may go to S3.
	var backend storage.Backend
	if cfg.ModStorageBackend == "s3" {
		backend, err = s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	} else {
		backend, err = local.New(fs, packStore.PacksDir())
	}
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()
	logging.Info("mod storage backend initialized", zap.String("type", backend.Type()))

	// Core services
	searchIndex := search.New(packStore)
	worldSvc := worlds.New(packStore, broadcaster)
	rpSvc := rpsync.New(packStore)
	modSvc := mods.New(packStore, backend)
	sessions := auth.NewSessions(cfg.JWTSecret)

	// Create API server
	srv := api.NewServer(
		packStore, searchIndex,
		worldSvc, rpSvc, modSvc,
		userReg, sessions, backend, broadcaster, cfg,
	)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Periodic subscriber gauge refresh
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetSubscribers(broadcaster.Count())
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
