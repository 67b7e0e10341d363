package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusRunning:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether a job in status s may move to next.
// Transitions are monotonic: queued -> running -> {completed|failed}. Repeating
// the current status is allowed; leaving a terminal status is not.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Strategy names the crawl strategy selected for a job URL.
type Strategy string

// Strategies, checked in this order by SelectStrategy.
const (
	StrategyTextFile  Strategy = "text_file"
	StrategySitemap   Strategy = "sitemap"
	StrategyRecursive Strategy = "webpage"
)

// JobParams captures the per-job crawl options requested by the caller.
type JobParams struct {
	MaxDepth       int `json:"max_depth"`
	MaxConcurrency int `json:"max_concurrency"`
	// ChunkSize is stored and echoed for downstream chunking; the crawl
	// itself does not split documents.
	ChunkSize int `json:"chunk_size"`
}

// Job is the durable record of one crawl request.
type Job struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	TenantID    string      `json:"tenant_id"`
	Status      JobStatus   `json:"status"`
	Params      JobParams   `json:"params"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at"`
	Result      *JobSummary `json:"result"`
	Error       string      `json:"error,omitempty"`
}

// JobSummary is the success payload recorded on a completed job.
type JobSummary struct {
	URL             string   `json:"url"`
	CrawlType       Strategy `json:"crawl_type"`
	PagesCrawled    int      `json:"pages_crawled"`
	TotalWords      int      `json:"total_words"`
	TotalBytes      int      `json:"total_bytes"`
	DocumentsStored int      `json:"documents_stored"`
	URLsCrawled     []string `json:"urls_crawled"`
	TenantID        string   `json:"tenant_id"`
}

// JobUpdate describes a status transition applied by JobStore.Update.
type JobUpdate struct {
	Status JobStatus
	Result *JobSummary
	Error  string
}

// Page is what a Fetcher returns for one successfully retrieved URL.
type Page struct {
	URL          string
	StatusCode   int
	ContentType  string
	Body         []byte
	Markdown     string
	Links        []string
	UsedHeadless bool
}

// CrawlResult is one extracted document handed to the storage pipeline.
type CrawlResult struct {
	URL      string `json:"url"`
	Markdown string `json:"markdown"`
}

// Limits are the configured per-tenant admission thresholds.
type Limits struct {
	MaxConcurrent int `json:"concurrent"`
	MaxHourly     int `json:"hourly"`
}

// Admission is the outcome of a rate limiter check or admit.
type Admission struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	ActiveCount int64  `json:"active_count"`
	HourlyCount int64  `json:"hourly_count"`
	Limits      Limits `json:"limits"`
}

// TenantStats reports the current rate state of a tenant.
type TenantStats struct {
	TenantID           string `json:"tenant_id"`
	ActiveCount        int64  `json:"active_count"`
	HourlyCount        int64  `json:"hourly_count"`
	HourlyResetSeconds int64  `json:"hourly_reset_seconds"`
	Limits             Limits `json:"limits"`
}

// QueueItem wraps an admitted job ready to run.
type QueueItem struct {
	JobID     string
	URL       string
	TenantID  string
	Params    JobParams
	Submitted int64
}

// CompletionEvent is published once a job reaches a terminal status.
type CompletionEvent struct {
	JobID        string    `json:"job_id"`
	TenantID     string    `json:"tenant_id"`
	URL          string    `json:"url"`
	Status       JobStatus `json:"status"`
	CrawlType    Strategy  `json:"crawl_type,omitempty"`
	PagesCrawled int       `json:"pages_crawled"`
	Error        string    `json:"error,omitempty"`
	Timestamp    string    `json:"timestamp"`
}
