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

	"github.com/hibiken/asynq"

	"github.com/collabhub/collabhub/cmd/collabhub/cli"
	"github.com/collabhub/collabhub/internal/app"
	"github.com/collabhub/collabhub/internal/observability"
	"github.com/collabhub/collabhub/internal/permissions"
	"github.com/collabhub/collabhub/internal/platform/cache"
	"github.com/collabhub/collabhub/internal/platform/db"
	"github.com/collabhub/collabhub/internal/rbac"
	"github.com/collabhub/collabhub/jobs"
)

const usage = `usage:
  collabhub                          run the HTTP API
  collabhub jobs trigger <task> [before-RFC3339]
  collabhub jobs stats
  collabhub token <user-id> [ttl]    sign a bearer token for local use`

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
	if len(args) > 0 {
		if err := runCommand(ctx, cfg, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		return
	}

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("serve", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLifetime})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	rbacService := rbac.NewService(pool)
	permissionRepo := permissions.NewRepository(pool)
	permissionCache := permissions.NewRedisCache(redisClient, cfg.PermissionCacheTTL)
	permissionService := permissions.NewService(permissionRepo, rbacService, permissionCache, logger)
	permissionService.Resolver().WithObserver(metrics)

	rbacMiddleware := rbac.Middleware{Checker: permissionService, Logger: logger}

	inspector := asynq.NewInspector(redisOpts(cfg))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Authenticator:      app.NewAuthenticator(cfg.JWTSecret, logger),
		PermissionsHandler: permissions.NewHandler(logger, permissionService, rbacMiddleware, cfg.AdminRateLimit),
		CatalogHandler:     rbac.NewPermissionsHandler(logger, rbacService, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		RBAC:               &rbacMiddleware,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runCommand(ctx context.Context, cfg *app.Config, args []string) error {
	switch args[0] {
	case "jobs":
		return runJobs(ctx, cfg, args[1:])
	case "token":
		return runToken(cfg, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("jobs: missing subcommand")
	}
	jobsCLI := cli.NewJobsCLI(redisOpts(cfg))
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("jobs trigger: missing task name")
		}
		var before *time.Time
		if len(args) > 2 {
			parsed, err := time.Parse(time.RFC3339, args[2])
			if err != nil {
				return fmt.Errorf("jobs trigger: invalid cutoff: %w", err)
			}
			before = &parsed
		}
		info, err := jobsCLI.Trigger(ctx, args[1], before)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", args[0])
	}
}

func runToken(cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("token: missing user id")
	}
	var userID int64
	if _, err := fmt.Sscan(args[0], &userID); err != nil || userID <= 0 {
		return fmt.Errorf("token: invalid user id %q", args[0])
	}
	ttl := time.Hour
	if len(args) > 1 {
		parsed, err := time.ParseDuration(args[1])
		if err != nil || parsed <= 0 {
			return fmt.Errorf("token: invalid ttl %q", args[1])
		}
		ttl = parsed
	}
	token, err := app.NewAuthenticator(cfg.JWTSecret, nil).Issue(userID, ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func redisOpts(cfg *app.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}
