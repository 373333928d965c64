package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/internal/advisor"
	"github.com/splax/launchpad/internal/analyze"
	"github.com/splax/launchpad/internal/dockerbuild"
	"github.com/splax/launchpad/internal/gitsrc"
	"github.com/splax/launchpad/internal/httpapi"
	"github.com/splax/launchpad/internal/invoke"
	"github.com/splax/launchpad/internal/limiter"
	"github.com/splax/launchpad/internal/metrics"
	"github.com/splax/launchpad/internal/pipeline"
	"github.com/splax/launchpad/internal/poller"
	"github.com/splax/launchpad/internal/progress"
	"github.com/splax/launchpad/internal/reconciler"
	"github.com/splax/launchpad/internal/store"
	"github.com/splax/launchpad/internal/stream"
	"github.com/splax/launchpad/internal/workspace"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/logger"
)

func main() {
	cfg := config.LoadEngineConfig()
	log := logger.New("engine", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := buildRepository(ctx, cfg, log)
	if err != nil {
		log.Error("store initialization failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var counters limiter.Counters
	if cfg.RedisAddr != "" {
		redisCounters, err := limiter.NewRedisCounters(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Limiter.RedisTimeout)
		if err != nil {
			log.Warn("redis counters unavailable, using local limiter state", "error", err)
		} else {
			counters = redisCounters
		}
	}
	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	rateLimiter := limiter.New(cfg.Limiter, counters, log)
	invoker := invoke.New(cfg.Invoker, rateLimiter, engineMetrics, log)
	poll := poller.New(cfg.Poller, log)

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("workspace root unavailable", "error", err)
		os.Exit(1)
	}
	fetcher := gitsrc.NewFetcher(workspaces)

	dockerClient, err := dockerbuild.NewClient(cfg.DockerHost)
	if err != nil {
		log.Error("docker client init failed", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	hub := stream.NewHub()
	defer hub.Stop()

	engine, err := pipeline.New(pipeline.Options{
		Repo:      repo,
		Fetcher:   fetcher,
		Analyzer:  analyze.NewDetector(log),
		Renderer:  analyze.NewRenderer(),
		Builder:   dockerbuild.NewBuilder(dockerClient, log),
		Deployer:  dockerbuild.NewDeployer(dockerClient, "", log),
		Advisor:   advisor.NewRuleAdvisor(log),
		Cleaner:   fetcher,
		Invoker:   invoker,
		Poller:    poll,
		Config:    cfg.Pipeline,
		Logger:    log,
		Metrics:   engineMetrics,
		Listeners: []progress.Listener{hub},
	})
	if err != nil {
		log.Error("engine wiring failed", "error", err)
		os.Exit(1)
	}

	healer := reconciler.New(repo, cfg.Reconciler, log)
	go healer.Run(ctx)

	router := httpapi.NewRouter(log, repo, engine, hub, registry)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine starting", "addr", cfg.Addr, "store", cfg.StoreEngine)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := repo.Flush(shutdownCtx); err != nil {
			log.Error("final flush failed", "error", err)
		}
		log.Info("engine stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// buildRepository selects the persistence engine: the crash-safe JSON file
// store by default, Postgres when configured.
func buildRepository(ctx context.Context, cfg config.EngineConfig, log *slog.Logger) (store.Repository, func(), error) {
	if cfg.StoreEngine == "postgres" {
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("STORE_ENGINE=postgres requires DATABASE_URL")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.Migrate(pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store.NewPostgresRepository(pool, cfg.EnvEncryptionKey), pool.Close, nil
	}

	fileStore, err := store.NewFileStore(cfg.StatePath, cfg.Pipeline.FlushDebounce, log)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := fileStore.Close(); err != nil {
			log.Error("store close failed", "error", err)
		}
	}
	return store.NewFileRepository(fileStore, cfg.EnvEncryptionKey), closer, nil
}
