// Command server starts the Mahavishnu orchestrator HTTP server.
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

	"github.com/fairyhunter13/mahavishnu/internal/adapter/engine/pooled"
	"github.com/fairyhunter13/mahavishnu/internal/adapter/engine/stub"
	httpserver "github.com/fairyhunter13/mahavishnu/internal/adapter/httpserver"
	"github.com/fairyhunter13/mahavishnu/internal/adapter/observability"
	"github.com/fairyhunter13/mahavishnu/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/mahavishnu/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/mahavishnu/internal/adapter/state/redisstate"
	"github.com/fairyhunter13/mahavishnu/internal/app"
	"github.com/fairyhunter13/mahavishnu/internal/bus"
	"github.com/fairyhunter13/mahavishnu/internal/config"
	"github.com/fairyhunter13/mahavishnu/internal/domain"
	"github.com/fairyhunter13/mahavishnu/internal/pool"
	"github.com/fairyhunter13/mahavishnu/internal/resilience"
	"github.com/fairyhunter13/mahavishnu/internal/saga"
	"github.com/fairyhunter13/mahavishnu/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Infra: DB pool
	pgPool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pgPool.Close()

	// Repositories
	wfRepo := postgres.NewWorkflowRepo(pgPool)
	dlqRepo := postgres.NewDLQRepo(pgPool)
	sagaRepo := postgres.NewSagaRepo(pgPool)

	// Event bus: metrics collector plus optional Kafka sink
	eventBus := bus.New()
	defer eventBus.Close()
	eventBus.Subscribe(observability.EventCollector)
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := redpanda.NewEventSink(cfg.KafkaBrokers, cfg.EventTopic)
		if err != nil {
			slog.Error("event sink connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer sink.Close()
		eventBus.AddSink(sink)
	}

	// Optional Redis-backed breaker open-state persistence
	var breakerStore domain.BreakerStateStore
	var redisCheck func(ctx context.Context) error
	if cfg.RedisURL != "" {
		store, err := redisstate.NewFromURL(cfg.RedisURL, 2*cfg.BreakerTimeout)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		breakerStore = store
		redisCheck = store.Ping
	}

	// Resilience layer
	breakers := resilience.NewRegistry(cfg.BreakerConfig(), eventBus, breakerStore)
	retry := resilience.NewRetry(cfg.RetryPolicy())

	// Repo path validation
	paths, err := domain.NewRepoPathValidator(cfg.AllowedRepoRoots)
	if err != nil {
		slog.Error("invalid allowed repo roots", slog.Any("error", err))
		os.Exit(1)
	}

	// Worker pools
	launcher := pool.NewExecLauncher(cfg.WorkerBinary)
	pools := pool.NewManager(launcher, eventBus)
	defer pools.Shutdown()

	// Execution engine with resilient adapters
	workflows := usecase.NewWorkflowService(wfRepo, paths, eventBus, cfg.MaxConcurrency, cfg.ExecTimeout, cfg.CancelGracePeriod)
	workflows.RegisterAdapter(resilience.NewResilientAdapter(stub.New("stub"), breakers, retry, dlqRepo, eventBus))
	workflows.RegisterAdapter(resilience.NewResilientAdapter(pooled.New("pooled", "general", pools), breakers, retry, dlqRepo, eventBus))

	// DLQ service and retention loop
	dlq := usecase.NewDLQService(dlqRepo, workflows, eventBus, cfg.DLQMaxAge)
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go dlq.RunCleanup(bgCtx, cfg.DLQCleanupInterval)

	// Saga coordinator: built-in definitions, crash recovery, orphan sweeper
	coord := saga.NewCoordinator(sagaRepo, eventBus, breakers, retry, cfg.SagaMaxRetries)
	if err := coord.Register(saga.RolloutDefinition(workflows)); err != nil {
		slog.Error("saga definition invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if err := coord.Recover(ctx, time.Now().UTC()); err != nil {
		slog.Warn("saga recovery at startup failed", slog.Any("error", err))
	}
	go app.NewOrphanSagaSweeper(coord, cfg.SagaOrphanAge, cfg.SagaSweepInterval).Run(bgCtx)

	// HTTP server
	srv := &httpserver.Server{
		Cfg:       cfg,
		Workflows: workflows,
		DLQ:       dlq,
		Breakers:  breakers,
		Pools:     pools,
		Sagas:     sagaRepo,
		Coord:     coord,
		DBCheck: func(ctx context.Context) error {
			return pgPool.Ping(ctx)
		},
		RedisCheck: redisCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
