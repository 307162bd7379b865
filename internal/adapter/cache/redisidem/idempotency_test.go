package redisidem

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb), mr
}

func TestCheck_MissReturnsEmpty(t *testing.T) {
	t.Parallel()
	c, _ := testCache(t)
	v, err := c.Check(context.Background(), "k1")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestSetThenCheck(t *testing.T) {
	t.Parallel()
	c, _ := testCache(t)
	ctx := context.Background()

	winner, err := c.Set(ctx, "k1", "job-a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "job-a", winner)

	v, err := c.Check(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "job-a", v)
}

func TestSet_LoserReceivesWinner(t *testing.T) {
	t.Parallel()
	c, _ := testCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "k1", "job-a", time.Hour)
	require.NoError(t, err)
	winner, err := c.Set(ctx, "k1", "job-b", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "job-a", winner)
}

func TestSet_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	c, mr := testCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "k1", "job-a", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	v, err := c.Check(ctx, "k1")
	require.NoError(t, err)
	assert.Empty(t, v)
}
