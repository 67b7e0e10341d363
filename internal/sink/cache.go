package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Factory builds the sink for one tenant.
type Factory func(ctx context.Context, tenantID string) (crawler.ResultSink, error)

type cacheEntry struct {
	sink    crawler.ResultSink
	expires time.Time
}

// Cache holds per-tenant sinks for at most ttl. It routes Persist calls by
// the job's tenant, so it can stand in wherever a single sink is expected.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	factory Factory
	clock   crawler.Clock
	ttl     time.Duration
}

var _ crawler.ResultSink = (*Cache)(nil)

// NewCache builds a Cache. A non-positive ttl selects 15 minutes.
func NewCache(factory Factory, clock crawler.Clock, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		factory: factory,
		clock:   clock,
		ttl:     ttl,
	}
}

// SinkFor returns the cached sink for tenantID, building it when missing or
// expired.
func (c *Cache) SinkFor(ctx context.Context, tenantID string) (crawler.ResultSink, error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[tenantID]; ok && now.Before(e.expires) {
		return e.sink, nil
	}
	s, err := c.factory(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("build sink for tenant %s: %w", tenantID, err)
	}
	c.entries[tenantID] = cacheEntry{sink: s, expires: now.Add(c.ttl)}
	return s, nil
}

// Invalidate drops the tenant's sink, e.g. after its credentials rotate.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

// Purge drops every cached sink.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Persist implements crawler.ResultSink.
func (c *Cache) Persist(ctx context.Context, job crawler.Job, results []crawler.CrawlResult) (int, error) {
	s, err := c.SinkFor(ctx, job.TenantID)
	if err != nil {
		return 0, err
	}
	return s.Persist(ctx, job, results)
}
