package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sora2api/sora-proxy/internal/api"
	"github.com/sora2api/sora-proxy/internal/background"
	"github.com/sora2api/sora-proxy/internal/cache"
	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/generation"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/pool"
	"github.com/sora2api/sora-proxy/internal/request_tracking"
	"github.com/sora2api/sora-proxy/internal/sentinel"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	slog.SetDefault(log.Logger)

	log.Info("Setting Gin mode", "mode", cfg.GinMode)
	gin.SetMode(cfg.GinMode)

	database, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer database.DB.Close()
	queries := database.Queries

	ctx := context.Background()

	// Runtime settings live in the database; the migration seeds the row, so a
	// fresh install starts from the column defaults.
	settings, err := queries.GetSettings(ctx)
	if err != nil {
		log.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}
	runtime := config.NewRuntime(settings)

	if err := seedCredentials(ctx, log, queries, cfg.Bootstrap); err != nil {
		log.Error("Failed to seed bootstrap credentials", "error", err)
		os.Exit(1)
	}

	// Upstream plumbing.
	sentinelSvc := sentinel.NewService(log, cfg.SentinelURL, cfg.SentinelWorkers)
	client := sora.NewClient(log, cfg, runtime, sentinelSvc)

	// Credential pool state. Lock timeout tracks the image generation timeout;
	// settings updates adjust it through the admin API.
	lock := pool.NewTokenLock(time.Duration(settings.ImageTimeout) * time.Second)
	limiter := pool.NewLimiter()
	creds, err := queries.ListCredentials(ctx)
	if err != nil {
		log.Error("Failed to list credentials", "error", err)
		os.Exit(1)
	}
	limiter.Seed(creds)
	log.Info("Seeded concurrency limiter", "credentials", len(creds))

	refresher := pool.NewRefresher(log, queries, client, cfg)
	selector := pool.NewSelector(log, queries, runtime, lock, limiter, refresher)
	recorder := pool.NewRecorder(log, queries, runtime)

	cacheSvc, err := cache.NewService(log, cfg.CacheDir, runtime, client)
	if err != nil {
		log.Error("Failed to initialize file cache", "error", err)
		os.Exit(1)
	}
	tracker := request_tracking.NewService(queries, log, cfg)
	generator := generation.NewService(log, cfg, runtime, queries, client, selector, recorder, cacheSvc, tracker)

	scheduler := background.NewScheduler(log)
	sweeps := background.NewSweeps(log, runtime, queries, cacheSvc, refresher, lock)
	if err := sweeps.RegisterAll(scheduler); err != nil {
		log.Error("Failed to register background jobs", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	server := api.NewServer(log, cfg, runtime, queries, client, generator, cacheSvc, tracker, refresher, limiter, lock)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	if err := scheduler.Shutdown(); err != nil {
		log.Warn("Background scheduler shutdown", "error", err)
	}
	refresher.Shutdown()
	sentinelSvc.Shutdown()

	// Drain queued request logs before closing the database.
	tracker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server exited")
}

// seedCredentials upserts the accounts listed in the bootstrap config. Keyed
// by email, so restarting with the same file does not create duplicates.
func seedCredentials(ctx context.Context, log *logger.Logger, queries *pg.Queries, bootstrap *config.BootstrapConfig) error {
	if bootstrap == nil || len(bootstrap.Credentials) == 0 {
		return nil
	}

	for _, seed := range bootstrap.Credentials {
		cred, err := queries.UpsertCredentialByEmail(ctx, pg.CreateCredentialParams{
			Email:            seed.Email,
			AccessToken:      seed.AccessToken,
			SessionToken:     seed.SessionToken,
			RefreshToken:     seed.RefreshToken,
			ClientID:         seed.ClientID,
			ProxyURL:         seed.ProxyURL,
			Remark:           seed.Remark,
			PlanType:         seed.PlanType,
			ImageConcurrency: -1,
			VideoConcurrency: -1,
		})
		if err != nil {
			return fmt.Errorf("failed to seed credential %s: %w", seed.Email, err)
		}
		log.Info("Seeded bootstrap credential", "email", seed.Email, "id", cred.ID)
	}

	return nil
}
