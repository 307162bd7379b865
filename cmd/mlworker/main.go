// Command mlworker runs the ml_inference-queue worker. It executes
// denoise tasks strictly serially to bound model-server memory.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pixtools/pixtools/internal/adapter/mlclient"
	"github.com/pixtools/pixtools/internal/adapter/objectstore/miniostore"
	"github.com/pixtools/pixtools/internal/adapter/observability"
	asynqadp "github.com/pixtools/pixtools/internal/adapter/queue/asynq"
	"github.com/pixtools/pixtools/internal/adapter/repo/postgres"
	"github.com/pixtools/pixtools/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "mlworker")
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9092", mux); err != nil {
			slog.Error("mlworker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting mlworker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobRepo := postgres.NewJobRepo(pool)

	store, err := miniostore.New(ctx, cfg)
	if err != nil {
		slog.Error("object store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()
	chords := asynqadp.NewChordStore(rdb, 24*time.Hour)

	connOpt, err := asynqadp.ConnOpt(cfg.RedisURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	qClient := asynq.NewClient(connOpt)
	defer func() { _ = qClient.Close() }()
	dispatcher := asynqadp.NewDispatcher(qClient, chords, cfg.TaskMaxRetry, cfg.StandardTaskTimeout, cfg.MLTaskTimeout)

	handlers := &asynqadp.Handlers{
		Jobs:       jobRepo,
		Store:      store,
		Denoiser:   mlclient.New(cfg.DenoiseURL),
		Chords:     chords,
		Dispatcher: dispatcher,
	}

	srv := asynqadp.NewMLServer(connOpt, cfg.MLQueueConcurrency)
	go func() {
		if err := srv.Run(handlers.MLMux()); err != nil {
			slog.Error("mlworker error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	slog.Info("mlworker started", slog.Int("concurrency", cfg.MLQueueConcurrency))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	srv.Shutdown()
	slog.Info("mlworker stopped")
}
