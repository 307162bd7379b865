package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// StorePinger is the minimal interface for an object store health probe.
type StorePinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns four dependency checks: database, redis,
// broker, and object store.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client, inspector *asynq.Inspector, store StorePinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	brokerCheck := func(_ context.Context) error {
		if inspector == nil {
			return fmt.Errorf("broker not configured")
		}
		_, err := inspector.Queues()
		return err
	}
	storeCheck := func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("object store not configured")
		}
		return store.Ping(ctx)
	}
	return dbCheck, redisCheck, brokerCheck, storeCheck
}
