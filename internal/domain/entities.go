// Package domain holds the core entities, error taxonomy, and ports of the
// PixTools job orchestration engine. Adapters depend on this package; it
// depends on nothing but the standard library.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrTooLarge         = errors.New("payload too large")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrUnprocessable    = errors.New("unprocessable request")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrTransient        = errors.New("transient upstream failure")
	ErrInternal         = errors.New("internal error")
)

// OperationTag identifies a processing operation requested by a client.
type OperationTag string

const (
	OpJPG      OperationTag = "jpg"
	OpPNG      OperationTag = "png"
	OpWebP     OperationTag = "webp"
	OpAVIF     OperationTag = "avif"
	OpDenoise  OperationTag = "denoise"
	OpMetadata OperationTag = "metadata"
)

// KnownOperations lists every valid operation tag.
var KnownOperations = []OperationTag{OpJPG, OpPNG, OpWebP, OpAVIF, OpDenoise, OpMetadata}

// Valid reports whether t is a known operation tag.
func (t OperationTag) Valid() bool {
	for _, k := range KnownOperations {
		if t == k {
			return true
		}
	}
	return false
}

// ProducesImage reports whether the operation yields an image artifact.
// metadata contributes to the job's metadata field instead.
func (t OperationTag) ProducesImage() bool { return t != OpMetadata }

// OutputExt returns the file extension of the artifact the operation
// produces. Denoise always emits PNG.
func (t OperationTag) OutputExt() string {
	switch t {
	case OpDenoise:
		return "png"
	case OpMetadata:
		return ""
	default:
		return string(t)
	}
}

// ResizeSpec requests scaling of the output image. At least one dimension
// is set; a missing dimension preserves aspect ratio.
type ResizeSpec struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// OperationParams carries optional per-operation tuning. Quality applies
// to jpg/webp only; Resize applies to every image-producing operation.
type OperationParams struct {
	Quality int         `json:"quality,omitempty"`
	Resize  *ResizeSpec `json:"resize,omitempty"`
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending                JobStatus = "PENDING"
	JobProcessing             JobStatus = "PROCESSING"
	JobCompleted              JobStatus = "COMPLETED"
	JobCompletedWebhookFailed JobStatus = "COMPLETED_WEBHOOK_FAILED"
	JobFailed                 JobStatus = "FAILED"
)

// Terminal reports whether the status is final. A job reaches a terminal
// state exactly once; the finalizer guards re-invocation on it.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCompletedWebhookFailed || s == JobFailed
}

// Job is the persisted record for one submission.
type Job struct {
	ID               string
	Status           JobStatus
	Operations       []OperationTag
	Params           map[OperationTag]OperationParams
	ResultKeys       map[OperationTag]string
	ArchiveKey       string
	Metadata         map[string]any
	RawKey           string
	OriginalFilename string
	WebhookURL       string
	Error            string
	RetryCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TaskPayload is the broker message body for one operation task.
type TaskPayload struct {
	JobID         string          `json:"job_id"`
	Operation     OperationTag    `json:"operation"`
	SourceKey     string          `json:"source_key"`
	Params        OperationParams `json:"params"`
	CorrelationID string          `json:"correlation_id"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// Outcome is one fan-out result observed by the finalizer: a produced
// object key, extracted metadata, or an error description.
type Outcome struct {
	Operation OperationTag   `json:"operation"`
	Key       string         `json:"key,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Err       string         `json:"error,omitempty"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Err == "" }

// PlanKind discriminates the two dispatch plan shapes.
type PlanKind int

const (
	// PlanChain is a single task chained into finalize.
	PlanChain PlanKind = iota
	// PlanChord is a parallel fan-out joined by finalize.
	PlanChord
)

// Plan is the DAG builder's output: the tasks to dispatch for a job and
// how their termination is joined into finalization.
type Plan struct {
	Kind  PlanKind
	JobID string
	Tasks []TaskPayload
}

// Logical broker queue names.
const (
	QueueStandard = "standard"
	QueueML       = "ml_inference"
)

// QueueFor returns the logical queue an operation routes to.
func QueueFor(op OperationTag) string {
	if op == OpDenoise {
		return QueueML
	}
	return QueueStandard
}

// JobRepository persists job records. Only the submission path creates,
// only the finalizer transitions terminal state, only the archive task
// sets the archive key, and only maintenance deletes.
type JobRepository interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	MarkProcessing(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status JobStatus, errMsg string) error
	SetResults(ctx context.Context, id string, status JobStatus, keys map[OperationTag]string, metadata map[string]any, errMsg string) error
	SetArchiveKey(ctx context.Context, id string, key string) error
	PruneBefore(ctx context.Context, cutoff time.Time) ([]Job, error)
}

// ObjectStore is the gateway to the S3-compatible artifact store.
type ObjectStore interface {
	PutRaw(ctx context.Context, key string, data []byte, contentType string) error
	PutProcessed(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Sign(ctx context.Context, key string, ttl time.Duration, downloadName string) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// IdempotencyCache maps a client-supplied key to the job it produced.
type IdempotencyCache interface {
	// Check returns the job id recorded for key, or "" on miss.
	// Lookup errors are treated as a miss by callers (fail-open).
	Check(ctx context.Context, key string) (string, error)
	// Set records key -> jobID with a TTL, set-if-absent. Returns the
	// winning job id, which differs from jobID when another submission won.
	Set(ctx context.Context, key, jobID string, ttl time.Duration) (string, error)
}

// Dispatcher publishes a plan's tasks and the follow-up tasks the
// finalizer emits.
type Dispatcher interface {
	Dispatch(ctx context.Context, p Plan) error
	EnqueueArchive(ctx context.Context, jobID string, keys map[OperationTag]string, originalFilename string) error
}

// WebhookResult is the tri-state outcome of a delivery attempt.
type WebhookResult int

const (
	WebhookOK WebhookResult = iota
	// WebhookSkipped means the circuit breaker short-circuited the call.
	WebhookSkipped
	WebhookFailed
)

// WebhookPayload is the outbound completion notification body.
type WebhookPayload struct {
	JobID      string            `json:"job_id"`
	Status     JobStatus         `json:"status"`
	ResultURLs map[string]string `json:"result_urls"`
	ArchiveURL string            `json:"archive_url,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// WebhookNotifier posts completion payloads, guarded by a circuit breaker.
type WebhookNotifier interface {
	Deliver(ctx context.Context, url string, payload WebhookPayload) WebhookResult
}

// ImageConverter performs the format-conversion primitives. Out-of-core
// collaborator; the orchestration engine only relies on this contract.
type ImageConverter interface {
	// Convert re-encodes src into the operation's target format, applying
	// params, and returns the encoded bytes and their content type.
	Convert(ctx context.Context, src []byte, op OperationTag, params OperationParams) ([]byte, string, error)
}

// MetadataExtractor pulls EXIF metadata out of a source image.
type MetadataExtractor interface {
	Extract(ctx context.Context, src []byte) (map[string]any, error)
}

// Denoiser runs ML denoise inference. The model server is external; the
// ml worker calls it as a collaborator. Output is always PNG.
type Denoiser interface {
	Denoise(ctx context.Context, src []byte, params OperationParams) ([]byte, error)
}
