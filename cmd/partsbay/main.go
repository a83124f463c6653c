package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partsbay/partsbay/cmd/partsbay/cli"
	"github.com/partsbay/partsbay/internal/access"
	"github.com/partsbay/partsbay/internal/app"
	"github.com/partsbay/partsbay/internal/observability"
	"github.com/partsbay/partsbay/internal/platform/cache"
	"github.com/partsbay/partsbay/internal/platform/db"
	"github.com/partsbay/partsbay/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		if err := serve(ctx, stop, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "check":
		os.Exit(runCheck(ctx, cfg, logger, args))
	case "warm":
		os.Exit(runWarm(ctx, cfg, logger, args))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q (expected serve, check or warm)\n", cmd)
		os.Exit(2)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		// Checks still work without Redis; they just read through to PostgreSQL.
		logger.Warn("redis unavailable, access cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	repo := access.NewRepository(pool)
	accessCache, err := access.NewCache(redisClient, access.NewLoader(repo), repo, cfg.AccessCacheTTL, cfg.AccessCacheSize, logger)
	if err != nil {
		return err
	}
	if err := accessCache.ListenForInvalidation(ctx); err != nil {
		logger.Warn("access cache invalidation listener", slog.Any("error", err))
	}

	service := access.NewService(repo,
		access.WithLogger(logger),
		access.WithRecorder(metrics),
		access.WithSourceLoader(accessCache),
	)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() { _ = inspector.Close() }()

	admin := access.NewAdmin(repo,
		access.WithInvalidator(accessCache),
		access.WithAuditor(jobClient),
		access.WithWarmQueue(jobClient),
		access.WithAdminLogger(logger),
	)
	guard := access.Middleware{Service: service, Logger: logger}

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		AccessHandler: access.NewHandler(logger, service, admin, guard),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runCheck(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	opts := cli.CheckOptions{}
	fs.Int64Var(&opts.PrincipalID, "principal", 0, "principal id")
	fs.StringVar(&opts.Capability, "capability", "", "capability code")
	fs.StringVar(&opts.Action, "action", "read", "create, read, update or delete")
	fs.StringVar(&opts.Module, "module", "", "optional module key")
	fs.StringVar(&opts.Feature, "feature", "", "optional feature code")
	fs.BoolVar(&opts.ListEffective, "effective", false, "print the merged permission set")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	pool, err := openPool(ctx, cfg, logger)
	if err != nil {
		return 1
	}
	defer pool.Close()

	service := access.NewService(access.NewRepository(pool), access.WithLogger(logger))
	accessCLI, err := cli.NewAccessCLI(service)
	if err != nil {
		logger.Error("init access cli", slog.Any("error", err))
		return 1
	}
	return accessCLI.CheckCommand(ctx, opts)
}

func runWarm(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("warm", flag.ContinueOnError)
	principals := fs.String("principals", "", "comma separated principal ids; empty warms every active principal")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ids, err := parseIDs(*principals)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "warm: %v\n", err)
		return 1
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	info, err := jobsCLI.Warm(ctx, ids)
	if err != nil {
		logger.Error("enqueue warm", slog.Any("error", err))
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "enqueued %s (%s)\n", info.ID, info.Type)
	return 0
}

func openPool(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return nil, err
	}
	return pool, nil
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid principal id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
