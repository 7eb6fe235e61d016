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

	"github.com/bencrane/sfdc-engine-x-api/internal/app/migrate"
	"github.com/bencrane/sfdc-engine-x-api/internal/events"
	httpx "github.com/bencrane/sfdc-engine-x-api/internal/http"
	"github.com/bencrane/sfdc-engine-x-api/internal/platform/connections"
	"github.com/bencrane/sfdc-engine-x-api/internal/platform/salesforce"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository/postgres"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/conflict"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/deploy"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/mapping"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/metadata"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/push"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/snapshot"
	"github.com/bencrane/sfdc-engine-x-api/pkg/config"
	"github.com/bencrane/sfdc-engine-x-api/pkg/logger"
)

func main() {
	cfg := config.LoadEngineConfig()
	log := logger.New("api", slog.LevelInfo)

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

	repo := postgres.New(pool)
	hub := events.NewHub()

	platformClient := salesforce.New(cfg.PlatformAPIVersion)
	credentials := connections.New(cfg.ConnectionsURL, cfg.ConnectionsToken)
	builder := metadata.NewBuilder(cfg.PlatformAPIVersion)

	conflictSvc := conflict.New(repo, repo, log)
	deploySvc := deploy.New(repo, repo, builder, platformClient, credentials, hub, log, cfg.DeployPollInterval, cfg.DeployTimeout)
	pushSvc := push.New(repo, repo, platformClient, credentials, hub, log, cfg.PushBatchSize, cfg.PushConcurrency)
	mappingSvc := mapping.New(repo, log)
	snapshotSvc := snapshot.New(repo, platformClient, credentials, log, cfg.PlatformAPIVersion, cfg.DescribeConcurrency)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, conflictSvc, deploySvc, pushSvc, mappingSvc, snapshotSvc, hub, limiter, cfg.JWTSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
