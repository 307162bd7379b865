package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pixtools/pixtools/internal/domain"
)

// StatusView is the job state returned to polling clients. URLs are
// freshly signed on every fetch so stored records never hold stale links.
type StatusView struct {
	JobID      string            `json:"job_id"`
	Status     domain.JobStatus  `json:"status"`
	Operations []string          `json:"operations"`
	ResultURLs map[string]string `json:"result_urls"`
	ArchiveURL string            `json:"archive_url,omitempty"`
	Metadata   map[string]any    `json:"metadata"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// StatusService loads a job and signs its artifacts for polling clients.
type StatusService struct {
	Jobs    domain.JobRepository
	Store   domain.ObjectStore
	SignTTL time.Duration
}

// NewStatusService constructs a StatusService with its dependencies.
func NewStatusService(jobs domain.JobRepository, store domain.ObjectStore, signTTL time.Duration) StatusService {
	return StatusService{Jobs: jobs, Store: store, SignTTL: signTTL}
}

// Fetch returns the current job state with freshly signed URLs. It has no
// side effects. Unknown ids surface domain.ErrNotFound.
func (s StatusService) Fetch(ctx context.Context, id string) (StatusView, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return StatusView{}, fmt.Errorf("op=status.fetch: %w", err)
	}

	view := StatusView{
		JobID:      job.ID,
		Status:     job.Status,
		Operations: tagsToStrings(job.Operations),
		ResultURLs: map[string]string{},
		Metadata:   job.Metadata,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
	}
	if view.Metadata == nil {
		view.Metadata = map[string]any{}
	}

	for op, key := range job.ResultKeys {
		u, err := s.Store.Sign(ctx, key, s.SignTTL, domain.DownloadName(op, job.OriginalFilename, key))
		if err != nil {
			slog.Warn("sign failed", slog.String("key", key), slog.Any("error", err))
			continue
		}
		view.ResultURLs[string(op)] = u
	}

	// archive_url is absent until the archive task writes the key.
	if job.ArchiveKey != "" {
		u, err := s.Store.Sign(ctx, job.ArchiveKey, s.SignTTL, domain.ArchiveDownloadName(job.OriginalFilename))
		if err != nil {
			slog.Warn("sign failed", slog.String("key", job.ArchiveKey), slog.Any("error", err))
		} else {
			view.ArchiveURL = u
		}
	}

	return view, nil
}

func tagsToStrings(ops []domain.OperationTag) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, string(op))
	}
	return out
}
