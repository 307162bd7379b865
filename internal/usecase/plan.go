package usecase

import (
	"fmt"
	"time"

	"github.com/pixtools/pixtools/internal/domain"
)

// BuildPlan is the DAG builder: it turns a validated operation list into
// a dispatch plan. A single operation yields a chain plan (one task
// joined to finalize); two or more yield a chord plan (parallel fan-out
// joined by finalize on the last sibling's termination).
//
// Duplicate tags collapse to their first occurrence before planning, and
// params for operations that are not requested are dropped. The caller
// guarantees the list is non-empty; submission rejects empty lists
// upstream.
func BuildPlan(jobID, sourceKey string, operations []domain.OperationTag, params map[domain.OperationTag]domain.OperationParams, correlationID string) (domain.Plan, error) {
	ops := collapse(operations)
	if len(ops) == 0 {
		return domain.Plan{}, fmt.Errorf("op=plan.build: %w: empty operation list", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	tasks := make([]domain.TaskPayload, 0, len(ops))
	for _, op := range ops {
		tasks = append(tasks, domain.TaskPayload{
			JobID:         jobID,
			Operation:     op,
			SourceKey:     sourceKey,
			Params:        params[op],
			CorrelationID: correlationID,
			EnqueuedAt:    now,
		})
	}

	kind := domain.PlanChord
	if len(tasks) == 1 {
		kind = domain.PlanChain
	}
	return domain.Plan{Kind: kind, JobID: jobID, Tasks: tasks}, nil
}

// collapse removes duplicate tags preserving first-occurrence order.
func collapse(ops []domain.OperationTag) []domain.OperationTag {
	seen := make(map[domain.OperationTag]struct{}, len(ops))
	out := make([]domain.OperationTag, 0, len(ops))
	for _, op := range ops {
		if _, ok := seen[op]; ok {
			continue
		}
		seen[op] = struct{}{}
		out = append(out, op)
	}
	return out
}
