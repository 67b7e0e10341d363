package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var _ crawler.RateLimiter = (*RedisLimiter)(nil)

// admitScript re-validates both gates and records the admission in a single
// round-trip so that two submitters racing for the last slot cannot both win.
//
// KEYS[1] active set, KEYS[2] hourly counter.
// ARGV[1] job id, ARGV[2] max concurrent, ARGV[3] max hourly,
// ARGV[4] active ttl seconds, ARGV[5] hourly window seconds.
// Returns {allowed, active, hourly}.
var admitScript = redis.NewScript(`
local active = redis.call('SCARD', KEYS[1])
local hourly = tonumber(redis.call('GET', KEYS[2]) or '0')
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
	return {1, active, hourly}
end
if active >= tonumber(ARGV[2]) or hourly >= tonumber(ARGV[3]) then
	return {0, active, hourly}
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[4])
local count = redis.call('INCR', KEYS[2])
if redis.call('TTL', KEYS[2]) == -1 then
	redis.call('EXPIRE', KEYS[2], ARGV[5])
end
return {1, active + 1, count}
`)

// RedisLimiter keeps tenant rate state in Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	cfg    Config
}

// NewRedis builds a limiter over an existing client. prefix namespaces keys.
func NewRedis(client redis.UniversalClient, prefix string, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		cfg:    cfg.withDefaults(),
	}
}

func (l *RedisLimiter) activeKey(tenantID string) string {
	return l.prefix + "active:" + tenantID
}

func (l *RedisLimiter) hourlyKey(tenantID string) string {
	return l.prefix + "hourly:" + tenantID
}

// Check reads the tenant's active set size and hourly counter. Any store
// failure yields a denial alongside the error.
func (l *RedisLimiter) Check(ctx context.Context, tenantID string) (crawler.Admission, error) {
	active, hourly, _, err := l.read(ctx, tenantID, false)
	if err != nil {
		return l.cfg.denyUnavailable(), fmt.Errorf("check rate limit: %w", err)
	}
	return l.cfg.decide(active, hourly), nil
}

// Admit adds jobID to the active set and counts it against the hourly window.
func (l *RedisLimiter) Admit(ctx context.Context, tenantID, jobID string) (crawler.Admission, error) {
	res, err := admitScript.Run(
		ctx,
		l.client,
		[]string{l.activeKey(tenantID), l.hourlyKey(tenantID)},
		jobID,
		l.cfg.MaxConcurrent,
		l.cfg.MaxHourly,
		int64(l.cfg.ActiveTTL/time.Second),
		int64(l.cfg.HourlyWindow/time.Second),
	).Int64Slice()
	if err != nil {
		return l.cfg.denyUnavailable(), fmt.Errorf("admit job: %w", err)
	}
	if len(res) != 3 {
		return l.cfg.denyUnavailable(), fmt.Errorf("admit job: unexpected script reply %v", res)
	}
	if res[0] == 1 {
		return crawler.Admission{
			Allowed:     true,
			ActiveCount: res[1],
			HourlyCount: res[2],
			Limits:      l.cfg.limits(),
		}, nil
	}
	return l.cfg.decide(res[1], res[2]), nil
}

// Release removes jobID from the tenant's active set.
func (l *RedisLimiter) Release(ctx context.Context, tenantID, jobID string) error {
	if err := l.client.SRem(ctx, l.activeKey(tenantID), jobID).Err(); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// Stats reports counts and the seconds until the hourly window resets.
func (l *RedisLimiter) Stats(ctx context.Context, tenantID string) (crawler.TenantStats, error) {
	active, hourly, ttl, err := l.read(ctx, tenantID, true)
	if err != nil {
		return crawler.TenantStats{}, fmt.Errorf("tenant stats: %w", err)
	}
	reset := int64(0)
	if ttl > 0 {
		reset = int64(ttl / time.Second)
	}
	return crawler.TenantStats{
		TenantID:           tenantID,
		ActiveCount:        active,
		HourlyCount:        hourly,
		HourlyResetSeconds: reset,
		Limits:             l.cfg.limits(),
	}, nil
}

func (l *RedisLimiter) read(ctx context.Context, tenantID string, withTTL bool) (int64, int64, time.Duration, error) {
	var (
		scard *redis.IntCmd
		get   *redis.StringCmd
		ttl   *redis.DurationCmd
	)
	_, err := l.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		scard = p.SCard(ctx, l.activeKey(tenantID))
		get = p.Get(ctx, l.hourlyKey(tenantID))
		if withTTL {
			ttl = p.TTL(ctx, l.hourlyKey(tenantID))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, 0, err
	}
	active, err := scard.Result()
	if err != nil {
		return 0, 0, 0, err
	}
	hourly, err := parseCount(get)
	if err != nil {
		return 0, 0, 0, err
	}
	var remaining time.Duration
	if ttl != nil {
		remaining = ttl.Val()
	}
	return active, hourly, remaining, nil
}

func parseCount(cmd *redis.StringCmd) (int64, error) {
	raw, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hourly counter: %w", err)
	}
	return n, nil
}
