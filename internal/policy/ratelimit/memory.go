package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var _ crawler.RateLimiter = (*MemoryLimiter)(nil)

type tenantState struct {
	active        map[string]struct{}
	activeExpires time.Time
	hourly        int64
	hourlyExpires time.Time
}

// MemoryLimiter mirrors RedisLimiter inside one process. Expiry is evaluated
// lazily against the injected clock.
type MemoryLimiter struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	clock   crawler.Clock
	cfg     Config
}

// NewMemory builds an in-process limiter.
func NewMemory(clock crawler.Clock, cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		tenants: make(map[string]*tenantState),
		clock:   clock,
		cfg:     cfg.withDefaults(),
	}
}

// state returns the tenant's state after applying expiry. Callers hold mu.
func (l *MemoryLimiter) state(tenantID string, now time.Time) *tenantState {
	st, ok := l.tenants[tenantID]
	if !ok {
		st = &tenantState{active: make(map[string]struct{})}
		l.tenants[tenantID] = st
	}
	if !st.activeExpires.IsZero() && !now.Before(st.activeExpires) {
		st.active = make(map[string]struct{})
		st.activeExpires = time.Time{}
	}
	if !st.hourlyExpires.IsZero() && !now.Before(st.hourlyExpires) {
		st.hourly = 0
		st.hourlyExpires = time.Time{}
	}
	return st
}

// Check reports whether the tenant may start a job.
func (l *MemoryLimiter) Check(_ context.Context, tenantID string) (crawler.Admission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(tenantID, l.clock.Now())
	return l.cfg.decide(int64(len(st.active)), st.hourly), nil
}

// Admit records the job when both gates still pass.
func (l *MemoryLimiter) Admit(_ context.Context, tenantID, jobID string) (crawler.Admission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	st := l.state(tenantID, now)
	if _, ok := st.active[jobID]; ok {
		return crawler.Admission{
			Allowed:     true,
			ActiveCount: int64(len(st.active)),
			HourlyCount: st.hourly,
			Limits:      l.cfg.limits(),
		}, nil
	}
	adm := l.cfg.decide(int64(len(st.active)), st.hourly)
	if !adm.Allowed {
		return adm, nil
	}
	st.active[jobID] = struct{}{}
	st.activeExpires = now.Add(l.cfg.ActiveTTL)
	st.hourly++
	if st.hourlyExpires.IsZero() {
		st.hourlyExpires = now.Add(l.cfg.HourlyWindow)
	}
	adm.ActiveCount = int64(len(st.active))
	adm.HourlyCount = st.hourly
	return adm, nil
}

// Release drops jobID from the active set.
func (l *MemoryLimiter) Release(_ context.Context, tenantID, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(tenantID, l.clock.Now())
	delete(st.active, jobID)
	return nil
}

// Stats reports the tenant's counters.
func (l *MemoryLimiter) Stats(_ context.Context, tenantID string) (crawler.TenantStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	st := l.state(tenantID, now)
	reset := int64(0)
	if !st.hourlyExpires.IsZero() {
		reset = int64(st.hourlyExpires.Sub(now) / time.Second)
	}
	return crawler.TenantStats{
		TenantID:           tenantID,
		ActiveCount:        int64(len(st.active)),
		HourlyCount:        st.hourly,
		HourlyResetSeconds: reset,
		Limits:             l.cfg.limits(),
	}, nil
}
