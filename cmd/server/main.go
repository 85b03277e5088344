package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"campusattend/internal/attendance"
	"campusattend/internal/batch"
	"campusattend/internal/cache"
	"campusattend/internal/config"
	"campusattend/internal/httpapi"
	"campusattend/internal/store"
	"campusattend/internal/sweep"
)

func main() {
	cfg := config.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg config.App, logger zerolog.Logger) error {
	db, err := store.NewDB(cfg.DBPath, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := attendance.NewRepository(db.Client)

	if err := seedAdmin(cfg, repo); err != nil {
		return err
	}
	if cfg.AdminPassword == "admin123" {
		logger.Warn().Msg("default admin password in use; set ADMIN_PASSWORD")
	}

	bg := context.Background()

	// Login cache backend is a deployment profile choice.
	var (
		loginCache  cache.LoginCache
		redisClient *store.Redis
	)
	switch cfg.CacheBackend {
	case "redis":
		redisClient = store.NewRedis(cfg.RedisAddr)
		loginCache = cache.NewRedisCache(redisClient.Client, cfg.LoginCacheTTL, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis login cache enabled")
	case "off", "none":
		logger.Info().Msg("login cache disabled")
	default:
		mem := cache.NewMemory(cfg.LoginCacheTTL, logger)
		mem.Start(bg)
		defer mem.Stop()
		loginCache = mem
	}

	var batcher *batch.Batcher
	if cfg.BatchEnabled {
		batcher = batch.New(repo.InsertAttendanceBatch, cfg.BatchSize, cfg.BatchWait, logger)
		batcher.Start(bg)
		defer batcher.Stop()
	}

	svc := attendance.NewService(repo, loginCache, batcher, attendance.Config{
		SessionTTL:   cfg.SessionTTL,
		StoreTimeout: cfg.StoreTimeout,
		BatchTimeout: cfg.BatchTimeout,
	}, logger)

	sweeper := sweep.New(repo, cfg.SweepInterval, logger)
	sweeper.Start(bg)
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      httpapi.New(svc, cfg, logger, db, redisClient).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}

	logger.Info().Msg("server exited")
	return nil
}

// seedAdmin provisions the admin credential once; existing rows are never
// overwritten on boot.
func seedAdmin(cfg config.App, repo *attendance.Repository) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return repo.EnsureAdmin(ctx, cfg.AdminUser, string(hash))
}
