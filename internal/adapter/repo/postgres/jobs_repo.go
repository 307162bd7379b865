package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/pixtools/pixtools/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// Non-scalar fields (operations, params, result_keys, metadata) are stored
// as JSONB.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job record with PENDING status.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	ops, err := json.Marshal(j.Operations)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, status, operations, params, raw_key, original_filename, webhook_url, error, retry_count, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,'',0,$8,$8)`
	if _, err := r.Pool.Exec(ctx, q, j.ID, j.Status, ops, params, j.RawKey, j.OriginalFilename, j.WebhookURL, now); err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

const jobColumns = `id, status, operations, params, COALESCE(result_keys,'{}'::jsonb), COALESCE(metadata,'{}'::jsonb), COALESCE(archive_key,''), raw_key, COALESCE(original_filename,''), COALESCE(webhook_url,''), COALESCE(error,''), retry_count, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var ops, params, keys, meta []byte
	if err := row.Scan(&j.ID, &j.Status, &ops, &params, &keys, &meta, &j.ArchiveKey, &j.RawKey, &j.OriginalFilename, &j.WebhookURL, &j.Error, &j.RetryCount, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(ops, &j.Operations); err != nil {
		return domain.Job{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return domain.Job{}, err
		}
	}
	if err := json.Unmarshal(keys, &j.ResultKeys); err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(meta, &j.Metadata); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpdateStatus updates a job's status and optional error message.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	q := `UPDATE jobs SET status=$2, error=$3, updated_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	return nil
}

// MarkProcessing moves a job from PENDING to PROCESSING. The guard keeps
// redelivered tasks from regressing a job that already finalized.
func (r *JobRepo) MarkProcessing(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkProcessing")
	defer span.End()
	q := `UPDATE jobs SET status='PROCESSING', updated_at=$2 WHERE id=$1 AND status='PENDING'`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.mark_processing: %w", err)
	}
	return nil
}

// SetResults writes the finalizer's aggregation in one statement: terminal
// status, result keys, merged metadata, and error description.
func (r *JobRepo) SetResults(ctx context.Context, id string, status domain.JobStatus, keys map[domain.OperationTag]string, metadata map[string]any, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetResults")
	defer span.End()
	kb, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("op=job.set_results: %w", err)
	}
	mb, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("op=job.set_results: %w", err)
	}
	// Terminal transitions happen exactly once; a redelivered finalize
	// task must not rewrite a job that already terminated.
	q := `UPDATE jobs SET status=$2, result_keys=$3, metadata=$4, error=$5, updated_at=$6
	      WHERE id=$1 AND status NOT IN ('COMPLETED','COMPLETED_WEBHOOK_FAILED','FAILED')`
	if _, err := r.Pool.Exec(ctx, q, id, status, kb, mb, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.set_results: %w", err)
	}
	return nil
}

// SetArchiveKey records the ZIP bundle key produced by the archive task.
func (r *JobRepo) SetArchiveKey(ctx context.Context, id string, key string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetArchiveKey")
	defer span.End()
	q := `UPDATE jobs SET archive_key=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, key, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.set_archive_key: %w", err)
	}
	return nil
}

// PruneBefore deletes terminal jobs created before the cutoff and returns
// the deleted records so the caller can remove their artifacts.
func (r *JobRepo) PruneBefore(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PruneBefore")
	defer span.End()
	q := `DELETE FROM jobs
	      WHERE created_at < $1 AND status IN ('COMPLETED','COMPLETED_WEBHOOK_FAILED','FAILED')
	      RETURNING ` + jobColumns
	rows, err := r.Pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=job.prune: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.prune: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.prune: %w", err)
	}
	return out, nil
}
