// Command worker runs the standard-queue worker: conversions, metadata
// extraction, finalization, archives, and maintenance tasks.
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

	"github.com/pixtools/pixtools/internal/adapter/imaging"
	"github.com/pixtools/pixtools/internal/adapter/objectstore/miniostore"
	"github.com/pixtools/pixtools/internal/adapter/observability"
	asynqadp "github.com/pixtools/pixtools/internal/adapter/queue/asynq"
	"github.com/pixtools/pixtools/internal/adapter/repo/postgres"
	"github.com/pixtools/pixtools/internal/adapter/webhook"
	"github.com/pixtools/pixtools/internal/config"
	"github.com/pixtools/pixtools/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "worker")
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9091", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

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

	notifier := webhook.NewNotifier(cfg.WebhookCBFailThreshold, cfg.WebhookCBResetTimeout, cfg.WebhookTimeout)
	finalizer := usecase.NewFinalizeService(jobRepo, store, dispatcher, notifier, cfg.PresignedURLExpiry)

	handlers := &asynqadp.Handlers{
		Jobs:       jobRepo,
		Store:      store,
		Converter:  imaging.NewConverter(),
		Extractor:  imaging.NewExifExtractor(),
		Chords:     chords,
		Dispatcher: dispatcher,
		Finalizer:  finalizer,
		Retention:  time.Duration(cfg.JobRetentionHours) * time.Hour,
	}

	srv := asynqadp.NewStandardServer(connOpt, cfg.StandardQueueConcurrency)
	go func() {
		if err := srv.Run(handlers.StandardMux()); err != nil {
			slog.Error("worker error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	slog.Info("worker started",
		slog.Int("concurrency", cfg.StandardQueueConcurrency))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	srv.Shutdown()
	slog.Info("worker stopped")
}
