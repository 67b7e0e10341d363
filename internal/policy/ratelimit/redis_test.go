package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, cfg Config) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "crawl:", cfg), mr
}

func TestRedisLimiter_DeniesAtConcurrencyCap(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, Config{MaxConcurrent: 5, MaxHourly: 20})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		adm, err := l.Admit(ctx, "T", fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		require.True(t, adm.Allowed)
	}

	adm, err := l.Check(ctx, "T")
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.EqualValues(t, 5, adm.ActiveCount)
	require.Contains(t, adm.Reason, "concurrent")

	other, err := l.Check(ctx, "U")
	require.NoError(t, err)
	require.True(t, other.Allowed)
	require.EqualValues(t, 0, other.ActiveCount)
}

func TestRedisLimiter_HourlyGateIndependentOfConcurrency(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, Config{MaxConcurrent: 2, MaxHourly: 3})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		adm, err := l.Admit(ctx, "T", id)
		require.NoError(t, err)
		require.True(t, adm.Allowed)
		require.NoError(t, l.Release(ctx, "T", id))
	}

	adm, err := l.Check(ctx, "T")
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.EqualValues(t, 0, adm.ActiveCount)
	require.EqualValues(t, 3, adm.HourlyCount)
	require.Contains(t, adm.Reason, "Hourly")
}

func TestRedisLimiter_HourlyWindowIsFixedFromFirstUse(t *testing.T) {
	t.Parallel()

	l, mr := newRedisLimiter(t, Config{MaxConcurrent: 10, MaxHourly: 2})
	ctx := context.Background()

	_, err := l.Admit(ctx, "T", "a")
	require.NoError(t, err)
	require.Equal(t, time.Hour, mr.TTL("crawl:hourly:T"))

	mr.FastForward(30 * time.Minute)
	_, err = l.Admit(ctx, "T", "b")
	require.NoError(t, err)
	// The second increment must not push the window out.
	require.Equal(t, 30*time.Minute, mr.TTL("crawl:hourly:T"))

	adm, err := l.Check(ctx, "T")
	require.NoError(t, err)
	require.False(t, adm.Allowed)

	mr.FastForward(31 * time.Minute)
	adm, err = l.Check(ctx, "T")
	require.NoError(t, err)
	require.True(t, adm.Allowed)
	require.EqualValues(t, 0, adm.HourlyCount)
}

func TestRedisLimiter_ActiveSetCarriesSafetyTTL(t *testing.T) {
	t.Parallel()

	l, mr := newRedisLimiter(t, Config{MaxConcurrent: 1, MaxHourly: 10, ActiveTTL: 2 * time.Hour})
	ctx := context.Background()

	_, err := l.Admit(ctx, "T", "crashed")
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, mr.TTL("crawl:active:T"))

	adm, err := l.Check(ctx, "T")
	require.NoError(t, err)
	require.False(t, adm.Allowed)

	mr.FastForward(2 * time.Hour)
	adm, err = l.Check(ctx, "T")
	require.NoError(t, err)
	require.True(t, adm.Allowed)
}

func TestRedisLimiter_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, Config{MaxConcurrent: 5, MaxHourly: 20})
	ctx := context.Background()
	_, err := l.Admit(ctx, "T", "a")
	require.NoError(t, err)
	_, err = l.Admit(ctx, "T", "b")
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, "T", "a"))
	once, err := l.Stats(ctx, "T")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "T", "a"))
	twice, err := l.Stats(ctx, "T")
	require.NoError(t, err)

	require.Equal(t, once.ActiveCount, twice.ActiveCount)
	require.EqualValues(t, 1, twice.ActiveCount)
	require.NoError(t, l.Release(ctx, "never-seen", "x"))
}

func TestRedisLimiter_AdmitIsAtomicUnderContention(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, Config{MaxConcurrent: 5, MaxHourly: 100})
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			adm, err := l.Admit(ctx, "T", fmt.Sprintf("job-%d", i))
			if err == nil && adm.Allowed {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 5, admitted.Load())
	stats, err := l.Stats(ctx, "T")
	require.NoError(t, err)
	require.EqualValues(t, 5, stats.ActiveCount)
	require.EqualValues(t, 5, stats.HourlyCount)
}

func TestRedisLimiter_AdmitSameJobTwiceCountsOnce(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, Config{MaxConcurrent: 5, MaxHourly: 20})
	ctx := context.Background()
	_, err := l.Admit(ctx, "T", "a")
	require.NoError(t, err)
	adm, err := l.Admit(ctx, "T", "a")
	require.NoError(t, err)
	require.True(t, adm.Allowed)
	require.EqualValues(t, 1, adm.HourlyCount)
}

func TestRedisLimiter_StatsReportsHourlyReset(t *testing.T) {
	t.Parallel()

	l, mr := newRedisLimiter(t, Config{})
	ctx := context.Background()

	empty, err := l.Stats(ctx, "T")
	require.NoError(t, err)
	require.EqualValues(t, 0, empty.HourlyResetSeconds)
	require.Equal(t, 5, empty.Limits.MaxConcurrent)
	require.Equal(t, 20, empty.Limits.MaxHourly)

	_, err = l.Admit(ctx, "T", "a")
	require.NoError(t, err)
	mr.FastForward(10 * time.Minute)

	stats, err := l.Stats(ctx, "T")
	require.NoError(t, err)
	require.EqualValues(t, 50*60, stats.HourlyResetSeconds)
	require.Equal(t, "T", stats.TenantID)
}

func TestRedisLimiter_FailsClosedWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	l, mr := newRedisLimiter(t, Config{})
	mr.Close()

	adm, err := l.Check(context.Background(), "T")
	require.Error(t, err)
	require.False(t, adm.Allowed)
	require.Equal(t, ReasonUnavailable, adm.Reason)

	adm, err = l.Admit(context.Background(), "T", "a")
	require.Error(t, err)
	require.False(t, adm.Allowed)
}
