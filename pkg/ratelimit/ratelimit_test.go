package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func distributedLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(cfg, client), mr
}

func TestDistributedBurstThenDeny(t *testing.T) {
	l, _ := distributedLimiter(t, Config{Rate: 1, Burst: 3, TTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "probe-1", 1)
		require.True(t, d.Allowed, "request %d within burst", i)
		assert.Equal(t, "distributed", d.Policy)
	}

	d := l.Allow(ctx, "probe-1", 1)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0, d.Remaining, 0.001)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestDistributedRefill(t *testing.T) {
	l, _ := distributedLimiter(t, Config{Rate: 1, Burst: 2, TTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
	require.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
	require.False(t, l.Allow(ctx, "probe-1", 1).Allowed)

	// One token refills after one second at rate 1/s.
	now = now.Add(1100 * time.Millisecond)
	assert.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
	assert.False(t, l.Allow(ctx, "probe-1", 1).Allowed)
}

func TestDistributedKeysAreIndependent(t *testing.T) {
	l, _ := distributedLimiter(t, Config{Rate: 1, Burst: 1, TTL: time.Minute})
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
	require.False(t, l.Allow(ctx, "probe-1", 1).Allowed)
	assert.True(t, l.Allow(ctx, "probe-2", 1).Allowed)
}

func TestZeroRequestIsReadOnly(t *testing.T) {
	l, _ := distributedLimiter(t, Config{Rate: 1, Burst: 2, TTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := l.Allow(ctx, "probe-1", 0)
		require.True(t, d.Allowed)
		assert.InDelta(t, 2, d.Remaining, 0.001)
	}
	// The probes above must not have consumed anything.
	assert.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
	assert.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
	assert.False(t, l.Allow(ctx, "probe-1", 1).Allowed)
}

func TestNilClientForcesLocalMode(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 2, TTL: time.Minute}, nil)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	d := l.Allow(ctx, "probe-1", 1)
	require.True(t, d.Allowed)
	assert.Equal(t, "local", d.Policy)

	require.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
	d = l.Allow(ctx, "probe-1", 1)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
}

func TestLocalZeroRequestDoesNotMutate(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 1, TTL: time.Minute}, nil)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
	// Long-idle probes must not bank refill progress for later.
	now = now.Add(30 * time.Second)
	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ctx, "probe-1", 0).Allowed)
	}
	require.True(t, l.Allow(ctx, "probe-1", 1).Allowed)
	assert.False(t, l.Allow(ctx, "probe-1", 1).Allowed)
}

func TestFallbackWhenBackendDies(t *testing.T) {
	l, mr := distributedLimiter(t, Config{Rate: 1, Burst: 5, TTL: time.Minute})
	ctx := context.Background()

	require.Equal(t, "distributed", l.Allow(ctx, "probe-1", 1).Policy)

	mr.Close()
	d := l.Allow(ctx, "probe-1", 1)
	assert.True(t, d.Allowed)
	assert.Equal(t, "local", d.Policy)
	assert.True(t, l.inLocalMode())
}

func TestRecoveryRequiresHealthyStreak(t *testing.T) {
	l, _ := distributedLimiter(t, Config{Rate: 1, Burst: 5, TTL: time.Minute})

	l.recordHealth(false)
	require.True(t, l.inLocalMode())

	// A single healthy round trip is not enough to switch back.
	for i := 0; i < healthyStreakToRecover-1; i++ {
		l.recordHealth(true)
		assert.True(t, l.inLocalMode())
	}
	l.recordHealth(true)
	assert.False(t, l.inLocalMode())
}

func TestDisabledAlwaysAllows(t *testing.T) {
	l := New(Config{Rate: 0, Burst: 0, Disabled: true}, nil)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(context.Background(), "probe-1", 1).Allowed)
	}
}

func TestPruneLocalDropsIdleBuckets(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 1, TTL: time.Minute}, nil)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow(context.Background(), "probe-1", 1)
	require.Len(t, l.local, 1)

	now = now.Add(time.Hour)
	l.PruneLocal(10 * time.Minute)
	assert.Empty(t, l.local)
}
