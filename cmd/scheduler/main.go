// Command scheduler enqueues periodic maintenance tasks on a cron
// cadence. The standard worker executes them.
package main

import (
	"log/slog"
	"os"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	asynqadp "github.com/pixtools/pixtools/internal/adapter/queue/asynq"
	"github.com/pixtools/pixtools/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "scheduler")
	slog.SetDefault(logger)

	connOpt, err := asynqadp.ConnOpt(cfg.RedisURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	sched, err := asynqadp.NewScheduler(connOpt, cfg.MaintenanceSchedule)
	if err != nil {
		slog.Error("scheduler init failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("scheduler starting", slog.String("schedule", cfg.MaintenanceSchedule))
	if err := sched.Run(); err != nil {
		slog.Error("scheduler error", slog.Any("error", err))
		os.Exit(1)
	}
}
