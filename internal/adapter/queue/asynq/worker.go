package asynqadp

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
	"github.com/pixtools/pixtools/internal/usecase"
)

// Handlers executes broker tasks. The standard worker serves conversion,
// metadata, finalize, archive, and maintenance; the ml worker serves
// denoise only, at its own concurrency.
type Handlers struct {
	Jobs       domain.JobRepository
	Store      domain.ObjectStore
	Converter  domain.ImageConverter
	Extractor  domain.MetadataExtractor
	Denoiser   domain.Denoiser
	Chords     *ChordStore
	Dispatcher *Dispatcher
	Finalizer  usecase.FinalizeService
	Retention  time.Duration
}

// StandardMux routes the standard queue's task types.
func (h *Handlers) StandardMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeImageConvert, h.HandleConvert)
	mux.HandleFunc(TypeImageMetadata, h.HandleMetadata)
	mux.HandleFunc(TypeJobFinalize, h.HandleFinalize)
	mux.HandleFunc(TypeJobArchive, h.HandleArchive)
	mux.HandleFunc(TypeMaintenancePrune, h.HandlePrune)
	return mux
}

// MLMux routes the ml_inference queue's task types.
func (h *Handlers) MLMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeMLDenoise, h.HandleDenoise)
	return mux
}

// NewStandardServer builds the asynq server for the standard queue.
func NewStandardServer(opt asynq.RedisConnOpt, concurrency int) *asynq.Server {
	return newServer(opt, domain.QueueStandard, concurrency)
}

// NewMLServer builds the asynq server for the ml_inference queue.
func NewMLServer(opt asynq.RedisConnOpt, concurrency int) *asynq.Server {
	return newServer(opt, domain.QueueML, concurrency)
}

func newServer(opt asynq.RedisConnOpt, queue string, concurrency int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:    concurrency,
		Queues:         map[string]int{queue: 1},
		RetryDelayFunc: RetryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			slog.Error("task failed",
				slog.String("type", task.Type()),
				slog.Any("error", err))
		}),
	})
}

// HandleConvert re-encodes the source image into the requested format.
func (h *Handlers) HandleConvert(ctx context.Context, t *asynq.Task) error {
	return h.runOperation(ctx, t, func(ctx context.Context, p domain.TaskPayload, src []byte) (domain.Outcome, error) {
		out, contentType, err := h.Converter.Convert(ctx, src, p.Operation, p.Params)
		if err != nil {
			return domain.Outcome{}, err
		}
		key := domain.ProcessedKey(p.JobID, p.Operation)
		if err := h.Store.PutProcessed(ctx, key, out, contentType); err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{Operation: p.Operation, Key: key}, nil
	})
}

// HandleMetadata extracts EXIF metadata from the source image.
func (h *Handlers) HandleMetadata(ctx context.Context, t *asynq.Task) error {
	return h.runOperation(ctx, t, func(ctx context.Context, p domain.TaskPayload, src []byte) (domain.Outcome, error) {
		meta, err := h.Extractor.Extract(ctx, src)
		if err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{Operation: p.Operation, Metadata: meta}, nil
	})
}

// HandleDenoise runs ML denoise inference through the external model
// server and stores the PNG result.
func (h *Handlers) HandleDenoise(ctx context.Context, t *asynq.Task) error {
	return h.runOperation(ctx, t, func(ctx context.Context, p domain.TaskPayload, src []byte) (domain.Outcome, error) {
		out, err := h.Denoiser.Denoise(ctx, src, p.Params)
		if err != nil {
			return domain.Outcome{}, err
		}
		key := domain.ProcessedKey(p.JobID, p.Operation)
		if err := h.Store.PutProcessed(ctx, key, out, "image/png"); err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{Operation: p.Operation, Key: key}, nil
	})
}

// runOperation is the shared execution skeleton for operation tasks:
// mark the job processing, fetch the source, run the operation, record
// the outcome in the join, and trigger finalize when the join drains.
//
// Failure handling distinguishes transient from permanent errors. A
// transient error with retries remaining returns to asynq for delayed
// redelivery; a permanent error, or a transient one on the last attempt,
// records a failure outcome so siblings are never blocked, then lets
// asynq archive the task.
func (h *Handlers) runOperation(ctx context.Context, t *asynq.Task, fn func(context.Context, domain.TaskPayload, []byte) (domain.Outcome, error)) error {
	var p domain.TaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=task.decode: %v: %w", err, asynq.SkipRetry)
	}
	start := time.Now()

	// First operation to start flips PENDING to PROCESSING; the repo
	// guard makes later calls no-ops.
	if err := h.Jobs.MarkProcessing(ctx, p.JobID); err != nil {
		slog.Warn("mark processing failed", slog.String("job_id", p.JobID), slog.Any("error", err))
	}

	outcome, err := func() (domain.Outcome, error) {
		src, err := h.Store.Get(ctx, p.SourceKey)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("fetch source: %w", err)
		}
		return fn(ctx, p, src)
	}()
	if err != nil {
		return h.failOperation(ctx, p, err, start)
	}

	observability.ObserveTask(string(p.Operation), "success", time.Since(start))
	if err := h.recordOutcome(ctx, p, outcome); err != nil {
		// The work itself succeeded; redelivery re-records idempotently.
		return err
	}
	slog.Info("task completed",
		slog.String("job_id", p.JobID),
		slog.String("operation", string(p.Operation)),
		slog.String("correlation_id", p.CorrelationID))
	return nil
}

func (h *Handlers) failOperation(ctx context.Context, p domain.TaskPayload, taskErr error, start time.Time) error {
	transient := errors.Is(taskErr, domain.ErrTransient) || errors.Is(taskErr, context.DeadlineExceeded)
	retryCount, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if transient && retryCount < maxRetry {
		observability.ObserveTask(string(p.Operation), "retry", time.Since(start))
		return fmt.Errorf("op=task.%s: %w", p.Operation, taskErr)
	}

	observability.ObserveTask(string(p.Operation), "failure", time.Since(start))
	outcome := domain.Outcome{Operation: p.Operation, Err: taskErr.Error()}
	if err := h.recordOutcome(ctx, p, outcome); err != nil {
		return err
	}
	slog.Warn("task exhausted",
		slog.String("job_id", p.JobID),
		slog.String("operation", string(p.Operation)),
		slog.Any("error", taskErr))
	if transient {
		// Last attempt; returning the error archives the task.
		return fmt.Errorf("op=task.%s: %w", p.Operation, taskErr)
	}
	return fmt.Errorf("op=task.%s: %v: %w", p.Operation, taskErr, asynq.SkipRetry)
}

// recordOutcome joins one outcome into the chord; the sibling that
// drains the join enqueues finalize and clears the state.
func (h *Handlers) recordOutcome(ctx context.Context, p domain.TaskPayload, outcome domain.Outcome) error {
	outcomes, done, err := h.Chords.Complete(ctx, p.JobID, outcome)
	if err != nil {
		return fmt.Errorf("op=task.record: %w", err)
	}
	if !done {
		return nil
	}
	if err := h.Dispatcher.EnqueueFinalize(ctx, FinalizePayload{
		JobID:      p.JobID,
		Outcomes:   outcomes,
		EnqueuedAt: p.EnqueuedAt,
	}); err != nil {
		return err
	}
	if err := h.Chords.Clear(ctx, p.JobID); err != nil {
		slog.Warn("chord clear failed", slog.String("job_id", p.JobID), slog.Any("error", err))
	}
	return nil
}

// HandleFinalize runs the finalization protocol for a drained join.
func (h *Handlers) HandleFinalize(ctx context.Context, t *asynq.Task) error {
	var p FinalizePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=finalize.decode: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.Finalizer.Finalize(ctx, p.JobID, p.Outcomes, p.EnqueuedAt); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=finalize: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

// HandleArchive bundles a completed job's artifacts into a ZIP and
// records the archive key. Failure never affects the job's terminal
// status; the task retries on its own schedule.
func (h *Handlers) HandleArchive(ctx context.Context, t *asynq.Task) error {
	var p ArchivePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=archive.decode: %v: %w", err, asynq.SkipRetry)
	}
	start := time.Now()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for op, key := range p.Keys {
		data, err := h.Store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("op=archive.fetch: %w", err)
		}
		w, err := zw.Create(domain.DownloadName(op, p.OriginalFilename, key))
		if err != nil {
			return fmt.Errorf("op=archive.entry: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("op=archive.write: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("op=archive.close: %w", err)
	}

	key := domain.ArchiveKey(p.JobID)
	if err := h.Store.PutProcessed(ctx, key, buf.Bytes(), "application/zip"); err != nil {
		return fmt.Errorf("op=archive.upload: %w", err)
	}
	if err := h.Jobs.SetArchiveKey(ctx, p.JobID, key); err != nil {
		return fmt.Errorf("op=archive.record: %w", err)
	}

	observability.ObserveTask("archive", "success", time.Since(start))
	slog.Info("archive built", slog.String("job_id", p.JobID), slog.Int("entries", len(p.Keys)))
	return nil
}

// HandlePrune deletes jobs past retention together with their stored
// artifacts. Object deletions are best-effort; bucket lifecycle rules
// sweep any leftovers.
func (h *Handlers) HandlePrune(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().UTC().Add(-h.Retention)
	jobs, err := h.Jobs.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=prune: %w", err)
	}
	for _, j := range jobs {
		keys := []string{j.RawKey}
		for _, k := range j.ResultKeys {
			keys = append(keys, k)
		}
		if j.ArchiveKey != "" {
			keys = append(keys, j.ArchiveKey)
		}
		for _, k := range keys {
			if k == "" {
				continue
			}
			if err := h.Store.Delete(ctx, k); err != nil {
				slog.Warn("prune delete failed", slog.String("key", k), slog.Any("error", err))
			}
		}
	}
	observability.JobsPrunedTotal.Add(float64(len(jobs)))
	slog.Info("maintenance prune finished",
		slog.Time("cutoff", cutoff),
		slog.Int("pruned", len(jobs)))
	return nil
}
