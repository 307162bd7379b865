// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/pixtools/pixtools/internal/domain"
)

// SubmitRequest is the validated submission the HTTP layer hands over.
type SubmitRequest struct {
	Data           []byte
	Filename       string
	ContentType    string
	Operations     []domain.OperationTag
	Params         map[domain.OperationTag]domain.OperationParams
	WebhookURL     string
	IdempotencyKey string
	CorrelationID  string
}

// SubmitService orchestrates the submission gate: idempotency check, raw
// upload, job creation, plan build, and dispatch.
type SubmitService struct {
	Jobs       domain.JobRepository
	Store      domain.ObjectStore
	Idem       domain.IdempotencyCache
	Dispatcher domain.Dispatcher
	IdemTTL    time.Duration
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(jobs domain.JobRepository, store domain.ObjectStore, idem domain.IdempotencyCache, d domain.Dispatcher, idemTTL time.Duration) SubmitService {
	return SubmitService{Jobs: jobs, Store: store, Idem: idem, Dispatcher: d, IdemTTL: idemTTL}
}

// Submit runs the submission algorithm and returns the job id. A hit on
// the idempotency key returns the existing job id without creating a job,
// re-uploading bytes, or re-dispatching tasks.
func (s SubmitService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Operations) == 0 {
		return "", fmt.Errorf("op=submit: %w: operations required", domain.ErrInvalidArgument)
	}

	// Idempotency lookup is fail-open: cache errors count as a miss.
	if req.IdempotencyKey != "" {
		jobID, err := s.Idem.Check(ctx, req.IdempotencyKey)
		if err != nil {
			slog.Warn("idempotency check failed, proceeding", slog.Any("error", err))
		} else if jobID != "" {
			slog.Info("idempotent hit", slog.String("job_id", jobID))
			return jobID, nil
		}
	}

	jobID := uuid.New().String()
	rawKey := domain.RawKey(jobID, req.Filename)

	if err := s.uploadRaw(ctx, rawKey, req.Data, req.ContentType); err != nil {
		// No job record exists yet; the caller maps this to 5xx.
		return "", err
	}

	job := domain.Job{
		ID:               jobID,
		Status:           domain.JobPending,
		Operations:       collapse(req.Operations),
		Params:           req.Params,
		RawKey:           rawKey,
		OriginalFilename: req.Filename,
		WebhookURL:       req.WebhookURL,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("op=submit.create: %w", err)
	}

	plan, err := BuildPlan(jobID, rawKey, req.Operations, req.Params, req.CorrelationID)
	if err != nil {
		return "", err
	}
	if err := s.Dispatcher.Dispatch(ctx, plan); err != nil {
		_ = s.Jobs.UpdateStatus(ctx, jobID, domain.JobFailed, "dispatch failed")
		return "", fmt.Errorf("op=submit.dispatch: %w", err)
	}

	// Record the idempotency mapping last, once the work actually exists.
	// Set errors are logged and ignored (fail-open); losing a SetNX race
	// still returns our own job id because the work is already dispatched.
	if req.IdempotencyKey != "" {
		if _, err := s.Idem.Set(ctx, req.IdempotencyKey, jobID, s.IdemTTL); err != nil {
			slog.Warn("idempotency set failed", slog.Any("error", err))
		}
	}

	slog.Info("job created and dispatched",
		slog.String("job_id", jobID),
		slog.Int("tasks", len(plan.Tasks)))
	return jobID, nil
}

// uploadRaw retries briefly on transient object-store failures before
// giving up; permanent failures surface immediately.
func (s SubmitService) uploadRaw(ctx context.Context, key string, data []byte, contentType string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second

	op := func() error {
		err := s.Store.PutRaw(ctx, key, data, contentType)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=submit.upload_raw: %w", err)
	}
	return nil
}
