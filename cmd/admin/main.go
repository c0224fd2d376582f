package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lilking2007/pi-platform/internal/app/migrate"
	"github.com/lilking2007/pi-platform/internal/archive"
	httpx "github.com/lilking2007/pi-platform/internal/http"
	"github.com/lilking2007/pi-platform/internal/repository/postgres"
	"github.com/lilking2007/pi-platform/internal/service/auth"
	"github.com/lilking2007/pi-platform/internal/service/deployment"
	"github.com/lilking2007/pi-platform/internal/service/routing"
	"github.com/lilking2007/pi-platform/internal/service/site"
	"github.com/lilking2007/pi-platform/internal/store"
	"github.com/lilking2007/pi-platform/internal/ws"
	"github.com/lilking2007/pi-platform/pkg/config"
	"github.com/lilking2007/pi-platform/pkg/logger"
)

func main() {
	cfg := config.LoadAdminConfig()
	log := logger.New("admin", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	for _, dir := range []string{cfg.SitesRoot, cfg.UploadSpoolDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("failed to prepare data directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	contentStore := store.New(cfg.SitesRoot, repo, log)
	validator := archive.NewValidator(archive.Limits{
		MaxArchiveBytes:      cfg.MaxArchiveBytes,
		MaxUncompressedBytes: cfg.MaxUncompressedBytes,
		MaxEntryCount:        cfg.MaxEntryCount,
	})

	routingSvc := routing.New(cfg, contentStore, log)
	defer routingSvc.Close()

	authSvc := auth.New(repo, log, cfg)
	siteSvc := site.New(repo, contentStore, routingSvc, log)
	deploySvc := deployment.New(repo, repo, validator, contentStore, routingSvc, hub, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory limits", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, siteSvc, deploySvc, hub, limiter, cfg, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("admin server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		deploySvc.Wait()
		log.Info("admin server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
