package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMemoryLimiter_ConcurrencyAndHourlyGates(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMemory(clock, Config{MaxConcurrent: 2, MaxHourly: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		adm, err := l.Admit(ctx, "T", fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		require.True(t, adm.Allowed)
	}
	adm, err := l.Admit(ctx, "T", "job-2")
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.EqualValues(t, 2, adm.ActiveCount)

	require.NoError(t, l.Release(ctx, "T", "job-0"))
	require.NoError(t, l.Release(ctx, "T", "job-0"))
	adm, err = l.Admit(ctx, "T", "job-2")
	require.NoError(t, err)
	require.True(t, adm.Allowed)

	require.NoError(t, l.Release(ctx, "T", "job-1"))
	adm, err = l.Check(ctx, "T")
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.EqualValues(t, 3, adm.HourlyCount)

	clock.advance(time.Hour)
	adm, err = l.Check(ctx, "T")
	require.NoError(t, err)
	require.True(t, adm.Allowed)
}

func TestMemoryLimiter_StatsAndActiveExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMemory(clock, Config{MaxConcurrent: 1, ActiveTTL: 2 * time.Hour})
	ctx := context.Background()

	_, err := l.Admit(ctx, "T", "leaked")
	require.NoError(t, err)
	clock.advance(15 * time.Minute)

	stats, err := l.Stats(ctx, "T")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ActiveCount)
	require.EqualValues(t, 45*60, stats.HourlyResetSeconds)

	clock.advance(2 * time.Hour)
	stats, err = l.Stats(ctx, "T")
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.ActiveCount)
	require.EqualValues(t, 0, stats.HourlyCount)
}
