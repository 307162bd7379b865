// Package asynqadp adapts the asynq task queue to the dispatcher and
// worker ports. Fan-out join state lives in Redis next to the broker.
package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
)

// Task type names. Operation tasks carry a domain.TaskPayload; the
// follow-up tasks carry their own payloads below.
const (
	TypeImageConvert     = "image:convert"
	TypeImageMetadata    = "image:metadata"
	TypeMLDenoise        = "ml:denoise"
	TypeJobFinalize      = "job:finalize"
	TypeJobArchive       = "job:archive"
	TypeMaintenancePrune = "maintenance:prune"
)

func taskTypeFor(op domain.OperationTag) string {
	switch op {
	case domain.OpDenoise:
		return TypeMLDenoise
	case domain.OpMetadata:
		return TypeImageMetadata
	default:
		return TypeImageConvert
	}
}

// FinalizePayload triggers the join continuation once every sibling of a
// plan has terminated. Outcomes are embedded so finalize never reads
// chord state and redelivery stays self-contained.
type FinalizePayload struct {
	JobID      string           `json:"job_id"`
	Outcomes   []domain.Outcome `json:"outcomes"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// ArchivePayload triggers the post-completion ZIP bundling task.
type ArchivePayload struct {
	JobID            string                         `json:"job_id"`
	Keys             map[domain.OperationTag]string `json:"keys"`
	OriginalFilename string                         `json:"original_filename"`
}

// Dispatcher publishes plans and follow-up tasks to asynq. It implements
// domain.Dispatcher.
type Dispatcher struct {
	client     *asynq.Client
	chords     *ChordStore
	maxRetry   int
	stdTimeout time.Duration
	mlTimeout  time.Duration
}

// NewDispatcher wires an asynq client and the chord store.
func NewDispatcher(client *asynq.Client, chords *ChordStore, maxRetry int, stdTimeout, mlTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client:     client,
		chords:     chords,
		maxRetry:   maxRetry,
		stdTimeout: stdTimeout,
		mlTimeout:  mlTimeout,
	}
}

// Dispatch initializes the join state for the plan, then enqueues every
// task onto its routed queue. Chain and chord plans follow the same
// path; a chain is a join of one.
func (d *Dispatcher) Dispatch(ctx context.Context, p domain.Plan) error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("op=dispatch: %w: plan has no tasks", domain.ErrInvalidArgument)
	}
	if err := d.chords.Init(ctx, p.JobID, len(p.Tasks)); err != nil {
		return fmt.Errorf("op=dispatch: %w", err)
	}
	for _, t := range p.Tasks {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("op=dispatch: %w", err)
		}
		queue := domain.QueueFor(t.Operation)
		timeout := d.stdTimeout
		if queue == domain.QueueML {
			timeout = d.mlTimeout
		}
		task := asynq.NewTask(taskTypeFor(t.Operation), raw)
		if _, err := d.client.EnqueueContext(ctx, task,
			asynq.Queue(queue),
			asynq.MaxRetry(d.maxRetry),
			asynq.Timeout(timeout),
		); err != nil {
			return fmt.Errorf("op=dispatch: enqueue %s: %w", t.Operation, err)
		}
		observability.DispatchTask(string(t.Operation), queue)
	}
	return nil
}

// EnqueueFinalize publishes the join continuation for a job.
func (d *Dispatcher) EnqueueFinalize(ctx context.Context, p FinalizePayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=enqueue_finalize: %w", err)
	}
	if _, err := d.client.EnqueueContext(ctx, asynq.NewTask(TypeJobFinalize, raw),
		asynq.Queue(domain.QueueStandard),
		asynq.MaxRetry(d.maxRetry),
		asynq.Timeout(d.stdTimeout),
	); err != nil {
		return fmt.Errorf("op=enqueue_finalize: %w", err)
	}
	observability.DispatchTask("finalize", domain.QueueStandard)
	return nil
}

// EnqueueArchive publishes the ZIP bundling task for a completed job.
func (d *Dispatcher) EnqueueArchive(ctx context.Context, jobID string, keys map[domain.OperationTag]string, originalFilename string) error {
	raw, err := json.Marshal(ArchivePayload{JobID: jobID, Keys: keys, OriginalFilename: originalFilename})
	if err != nil {
		return fmt.Errorf("op=enqueue_archive: %w", err)
	}
	if _, err := d.client.EnqueueContext(ctx, asynq.NewTask(TypeJobArchive, raw),
		asynq.Queue(domain.QueueStandard),
		asynq.MaxRetry(d.maxRetry),
		asynq.Timeout(d.stdTimeout),
	); err != nil {
		return fmt.Errorf("op=enqueue_archive: %w", err)
	}
	observability.DispatchTask("archive", domain.QueueStandard)
	return nil
}

// RetryDelay backs off exponentially between redeliveries: 5s, 10s, 20s.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	d := 5 * time.Second * (1 << n)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// ConnOpt parses a redis:// URL into an asynq connection option.
func ConnOpt(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.conn: %w", err)
	}
	return opt, nil
}
