package asynqadp

import (
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/pixtools/pixtools/internal/domain"
)

// NewScheduler builds the periodic task scheduler. It registers the
// maintenance prune on the configured cron spec; the standard worker
// executes it.
func NewScheduler(opt asynq.RedisConnOpt, pruneSpec string) (*asynq.Scheduler, error) {
	sched := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				slog.Error("scheduled enqueue failed", slog.Any("error", err))
				return
			}
			slog.Info("scheduled task enqueued",
				slog.String("type", info.Type),
				slog.String("queue", info.Queue))
		},
	})
	if _, err := sched.Register(pruneSpec,
		asynq.NewTask(TypeMaintenancePrune, nil),
		asynq.Queue(domain.QueueStandard),
	); err != nil {
		return nil, fmt.Errorf("op=scheduler.register: %w", err)
	}
	return sched, nil
}
