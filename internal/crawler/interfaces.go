package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists job records with bounded retention.
type JobStore interface {
	Create(ctx context.Context, url string, tenantID string, params JobParams) (Job, error)
	Get(ctx context.Context, jobID string) (Job, error)
	Update(ctx context.Context, jobID string, update JobUpdate) (Job, error)
	// List returns jobs newest-first. An empty tenantID lists across all tenants.
	List(ctx context.Context, tenantID string, limit int) ([]Job, error)
	Delete(ctx context.Context, jobID string) error
}

// RateLimiter gates job admission per tenant.
type RateLimiter interface {
	// Check is read-only. It must deny when the backing store is unreachable.
	Check(ctx context.Context, tenantID string) (Admission, error)
	// Admit records jobID as active and counts it against the hourly window.
	// Limits are re-validated atomically; a denied Admission means the slot
	// was taken concurrently since Check.
	Admit(ctx context.Context, tenantID string, jobID string) (Admission, error)
	// Release removes jobID from the active set. Releasing a non-member is a no-op.
	Release(ctx context.Context, tenantID string, jobID string) error
	Stats(ctx context.Context, tenantID string) (TenantStats, error)
}

// Fetcher retrieves a URL's content and outbound links.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// SitemapSource reads the flat list of <loc> URLs from a sitemap.
type SitemapSource interface {
	SitemapURLs(ctx context.Context, url string) ([]string, error)
}

// ResultSink hands crawl results to downstream storage and reports how many
// documents it stored.
type ResultSink interface {
	Persist(ctx context.Context, job Job, results []CrawlResult) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for admitted jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests used as document keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
