package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/partsbay/partsbay/internal/access"
	"github.com/partsbay/partsbay/internal/app"
	"github.com/partsbay/partsbay/internal/platform/cache"
	"github.com/partsbay/partsbay/internal/platform/db"
	"github.com/partsbay/partsbay/internal/shared"
	"github.com/partsbay/partsbay/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := access.NewRepository(pool)
	accessCache, err := access.NewCache(redisClient, access.NewLoader(repo), repo, cfg.AccessCacheTTL, cfg.AccessCacheSize, logger)
	if err != nil {
		logger.Error("init access cache", slog.Any("error", err))
		os.Exit(1)
	}

	warmJob := jobs.NewWarmJob(accessCache, repo, logger, nil)
	auditJob := &jobs.AuditJob{Auditor: shared.NewAuditLogger(pool), Logger: logger}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Warm:        warmJob,
		Audit:       auditJob,
		NightlyWarm: true,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
