// Command server starts the PixTools HTTP API.
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
	"github.com/redis/go-redis/v9"

	"github.com/pixtools/pixtools/internal/adapter/cache/redisidem"
	httpserver "github.com/pixtools/pixtools/internal/adapter/httpserver"
	"github.com/pixtools/pixtools/internal/adapter/objectstore/miniostore"
	"github.com/pixtools/pixtools/internal/adapter/observability"
	asynqadp "github.com/pixtools/pixtools/internal/adapter/queue/asynq"
	"github.com/pixtools/pixtools/internal/adapter/repo/postgres"
	"github.com/pixtools/pixtools/internal/app"
	"github.com/pixtools/pixtools/internal/config"
	"github.com/pixtools/pixtools/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "api")
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
	idem := redisidem.NewWithClient(rdb)
	chords := asynqadp.NewChordStore(rdb, 24*time.Hour)

	connOpt, err := asynqadp.ConnOpt(cfg.RedisURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	qClient := asynq.NewClient(connOpt)
	defer func() { _ = qClient.Close() }()
	dispatcher := asynqadp.NewDispatcher(qClient, chords, cfg.TaskMaxRetry, cfg.StandardTaskTimeout, cfg.MLTaskTimeout)
	inspector := asynq.NewInspector(connOpt)

	submitSvc := usecase.NewSubmitService(jobRepo, store, idem, dispatcher, cfg.IdempotencyTTL)
	statusSvc := usecase.NewStatusService(jobRepo, store, cfg.PresignedURLExpiry)

	dbCheck, redisCheck, brokerCheck, storeCheck := app.BuildReadinessChecks(pool, rdb, inspector, store)
	srv := httpserver.NewServer(cfg, submitSvc, statusSvc, dbCheck, redisCheck, brokerCheck, storeCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

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
