package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
)

// FinalizeService is the join point of every plan: it aggregates fan-out
// outcomes, performs the terminal state transition, dispatches the
// archive task, and delivers the webhook.
type FinalizeService struct {
	Jobs       domain.JobRepository
	Store      domain.ObjectStore
	Dispatcher domain.Dispatcher
	Notifier   domain.WebhookNotifier
	SignTTL    time.Duration
}

// NewFinalizeService constructs a FinalizeService with its dependencies.
func NewFinalizeService(jobs domain.JobRepository, store domain.ObjectStore, d domain.Dispatcher, n domain.WebhookNotifier, signTTL time.Duration) FinalizeService {
	return FinalizeService{Jobs: jobs, Store: store, Dispatcher: d, Notifier: n, SignTTL: signTTL}
}

// Finalize runs the finalization protocol for one job. Broker redelivery
// makes re-invocation possible; an already-terminal job exits without
// side effects.
func (s FinalizeService) Finalize(ctx context.Context, jobID string, outcomes []domain.Outcome, enqueuedAt time.Time) error {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=finalize.load: %w", err)
	}
	if job.Status.Terminal() {
		slog.Info("job already terminal, skipping finalize",
			slog.String("job_id", jobID), slog.String("status", string(job.Status)))
		return nil
	}

	var (
		imageKeys   = map[domain.OperationTag]string{}
		metadata    = job.Metadata
		imageTotal  int
		imageFailed int
		errParts    []string
	)
	for _, o := range outcomes {
		if o.Operation == domain.OpMetadata {
			if o.OK() {
				if metadata == nil {
					metadata = map[string]any{}
				}
				for k, v := range o.Metadata {
					metadata[k] = v
				}
			} else {
				errParts = append(errParts, fmt.Sprintf("metadata: %s", o.Err))
			}
			continue
		}
		imageTotal++
		if o.OK() {
			imageKeys[o.Operation] = o.Key
		} else {
			imageFailed++
			errParts = append(errParts, fmt.Sprintf("%s: %s", o.Operation, o.Err))
		}
	}
	errDesc := strings.Join(errParts, "; ")

	// All image-producing work failed (or a metadata-only job produced
	// nothing): the job terminates FAILED with no webhook.
	allFailed := (imageTotal > 0 && imageFailed == imageTotal) ||
		(imageTotal == 0 && len(errParts) > 0 && len(metadata) == 0)
	if allFailed {
		if err := s.Jobs.SetResults(ctx, jobID, domain.JobFailed, nil, metadata, errDesc); err != nil {
			return fmt.Errorf("op=finalize.fail: %w", err)
		}
		observability.ObserveTerminal(string(domain.JobFailed), enqueuedAt)
		slog.Warn("job failed", slog.String("job_id", jobID), slog.String("error", errDesc))
		return nil
	}

	// The archive task races the client's first poll by design; COMPLETED
	// is never delayed by zip latency.
	if len(imageKeys) > 0 {
		if err := s.Dispatcher.EnqueueArchive(ctx, jobID, imageKeys, job.OriginalFilename); err != nil {
			slog.Error("archive dispatch failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}

	status := domain.JobCompleted
	if err := s.Jobs.SetResults(ctx, jobID, status, imageKeys, metadata, errDesc); err != nil {
		return fmt.Errorf("op=finalize.complete: %w", err)
	}

	if job.WebhookURL != "" {
		payload := domain.WebhookPayload{
			JobID:      jobID,
			Status:     status,
			ResultURLs: s.signAll(ctx, imageKeys, job.OriginalFilename),
			Metadata:   metadata,
			Error:      errDesc,
		}
		if res := s.Notifier.Deliver(ctx, job.WebhookURL, payload); res != domain.WebhookOK {
			status = domain.JobCompletedWebhookFailed
			if err := s.Jobs.UpdateStatus(ctx, jobID, status, errDesc); err != nil {
				return fmt.Errorf("op=finalize.webhook_status: %w", err)
			}
		}
	}

	observability.ObserveTerminal(string(status), enqueuedAt)
	slog.Info("job finalized",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
		slog.Int("results", len(imageKeys)))
	return nil
}

// signAll issues fresh short-lived URLs for the webhook payload. Signing
// failures drop the single URL rather than the delivery.
func (s FinalizeService) signAll(ctx context.Context, keys map[domain.OperationTag]string, originalName string) map[string]string {
	urls := make(map[string]string, len(keys))
	for op, key := range keys {
		u, err := s.Store.Sign(ctx, key, s.SignTTL, domain.DownloadName(op, originalName, key))
		if err != nil {
			slog.Warn("sign failed for webhook payload", slog.String("key", key), slog.Any("error", err))
			continue
		}
		urls[string(op)] = u
	}
	return urls
}
