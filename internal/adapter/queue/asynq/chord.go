package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixtools/pixtools/internal/domain"
)

// ChordStore tracks fan-out join state in Redis. Each plan initializes a
// pending counter and an outcomes hash; every sibling records its
// terminal outcome exactly once and decrements the counter. The sibling
// that observes zero collects the aggregation and triggers finalize.
//
// The DECR is the linearization point: every sibling's HSETNX
// happens-before its own DECR, so whoever sees zero observes all
// outcomes.
type ChordStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewChordStore wraps a Redis client. State expires after ttl so
// abandoned chords cannot leak.
func NewChordStore(rdb *redis.Client, ttl time.Duration) *ChordStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ChordStore{rdb: rdb, ttl: ttl}
}

func pendingKey(jobID string) string  { return "chord:" + jobID + ":pending" }
func outcomesKey(jobID string) string { return "chord:" + jobID + ":outcomes" }

// Init records the number of siblings the join waits for.
func (c *ChordStore) Init(ctx context.Context, jobID string, n int) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, pendingKey(jobID), n, c.ttl)
	pipe.Del(ctx, outcomesKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=chord.init: %w", err)
	}
	return nil
}

// Complete records one sibling's outcome. When the recording sibling is
// the last one, the full aggregation is returned with done=true; exactly
// one caller per chord observes done. Redelivered tasks whose outcome is
// already recorded neither decrement nor re-aggregate, and deliveries
// arriving after the join was cleared are dropped.
func (c *ChordStore) Complete(ctx context.Context, jobID string, outcome domain.Outcome) (outcomes []domain.Outcome, done bool, err error) {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, false, fmt.Errorf("op=chord.complete: %w", err)
	}
	set, err := c.rdb.HSetNX(ctx, outcomesKey(jobID), string(outcome.Operation), raw).Result()
	if err != nil {
		return nil, false, fmt.Errorf("op=chord.complete: %w", err)
	}
	if !set {
		// Outcome already recorded by an earlier delivery of this task.
		return nil, false, nil
	}
	c.rdb.Expire(ctx, outcomesKey(jobID), c.ttl)

	remaining, err := c.rdb.Decr(ctx, pendingKey(jobID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("op=chord.complete: %w", err)
	}
	if remaining < 0 {
		// The join was already drained and cleared; this delivery arrived
		// after finalize. The HSETNX above recreated stray state, drop it.
		if err := c.rdb.Del(ctx, pendingKey(jobID), outcomesKey(jobID)).Err(); err != nil {
			return nil, false, fmt.Errorf("op=chord.complete: %w", err)
		}
		return nil, false, nil
	}
	if remaining > 0 {
		return nil, false, nil
	}

	all, err := c.rdb.HGetAll(ctx, outcomesKey(jobID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("op=chord.aggregate: %w", err)
	}
	outcomes = make([]domain.Outcome, 0, len(all))
	for _, v := range all {
		var o domain.Outcome
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			return nil, false, fmt.Errorf("op=chord.aggregate: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, true, nil
}

// Clear drops the join state once finalize has consumed it.
func (c *ChordStore) Clear(ctx context.Context, jobID string) error {
	if err := c.rdb.Del(ctx, pendingKey(jobID), outcomesKey(jobID)).Err(); err != nil {
		return fmt.Errorf("op=chord.clear: %w", err)
	}
	return nil
}
