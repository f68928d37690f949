package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	redisadapter "github.com/renderflow/broker/internal/adapter/redis"
	"github.com/renderflow/broker/internal/domain"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
}

func TestLeaser_AcquireUpToCapThenRejects(t *testing.T) {
	rdb := newTestClient(t)
	leaser := redisadapter.NewLeaser(rdb)
	ctx := context.Background()

	// free tier caps at 1 concurrent lease per owner.
	ok, err := leaser.Acquire(ctx, domain.TierFree, "owner1", "job1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = leaser.Acquire(ctx, domain.TierFree, "owner1", "job2")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, leaser.Release(ctx, domain.TierFree, "owner1", "job1"))

	ok, err = leaser.Acquire(ctx, domain.TierFree, "owner1", "job2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeaser_AcquireIdempotentForSameJob(t *testing.T) {
	rdb := newTestClient(t)
	leaser := redisadapter.NewLeaser(rdb)
	ctx := context.Background()

	ok, err := leaser.Acquire(ctx, domain.TierEnterprise, "owner1", "job1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = leaser.Acquire(ctx, domain.TierEnterprise, "owner1", "job1")
	require.NoError(t, err)
	require.True(t, ok)
}
