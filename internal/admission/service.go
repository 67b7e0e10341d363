// Package admission owns the synchronous half of a crawl request: validate,
// gate on the tenant's rate limits, record the job, and hand it to the queue.
// It also answers the read-side queries about jobs and tenant quota.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
)

// Errors returned by Submit. Rejections wrap crawler.ErrLimitExceeded.
var (
	ErrInvalidRequest = errors.New("invalid crawl request")
	ErrUnavailable    = errors.New("admission unavailable")
)

const maxListLimit = 100

// Config holds request defaults and bounds.
type Config struct {
	DefaultTenant     string
	Defaults          crawler.JobParams
	MaxConcurrencyCap int
	ListLimit         int
	EnqueueTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTenant == "" {
		c.DefaultTenant = "default"
	}
	if c.Defaults.MaxDepth <= 0 {
		c.Defaults.MaxDepth = 3
	}
	if c.Defaults.MaxConcurrency <= 0 {
		c.Defaults.MaxConcurrency = 10
	}
	if c.Defaults.ChunkSize <= 0 {
		c.Defaults.ChunkSize = 5000
	}
	if c.MaxConcurrencyCap <= 0 {
		c.MaxConcurrencyCap = 50
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 20
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	return c
}

// Request is a crawl submission. Nil options take the configured defaults.
type Request struct {
	URL            string
	TenantID       string
	MaxDepth       *int
	MaxConcurrency *int
	ChunkSize      *int
}

// Result reports the admission decision. Job is set only when accepted.
type Result struct {
	Job       crawler.Job
	Admission crawler.Admission
}

// Service coordinates limiter, job store and queue.
type Service struct {
	jobs    crawler.JobStore
	limiter crawler.RateLimiter
	queue   crawler.Queue
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Service.
func New(
	jobs crawler.JobStore,
	limiter crawler.RateLimiter,
	queue crawler.Queue,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		jobs:    jobs,
		limiter: limiter,
		queue:   queue,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("admission"),
	}
}

// DefaultTenant is the tenant used when a request names none.
func (s *Service) DefaultTenant() string {
	return s.cfg.DefaultTenant
}

// Submit admits a crawl. On rejection no job record is left behind.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	url := strings.TrimSpace(req.URL)
	if err := crawler.ValidateCrawlURL(url); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	tenant := s.tenant(req.TenantID)
	params, err := s.params(req)
	if err != nil {
		return Result{}, err
	}
	logger := s.logger.With(zap.String("tenant_id", tenant), zap.String("url", url))

	adm, err := s.limiter.Check(ctx, tenant)
	if err != nil {
		logger.Error("rate limit check failed", zap.Error(err))
		return s.unavailable(adm, err)
	}
	if !adm.Allowed {
		return s.rejected(adm, logger)
	}

	job, err := s.jobs.Create(ctx, url, tenant, params)
	if err != nil {
		logger.Error("create job failed", zap.Error(err))
		return s.unavailable(adm, fmt.Errorf("create job: %w", err))
	}
	logger = logger.With(zap.String("job_id", job.ID))

	adm, err = s.limiter.Admit(ctx, tenant, job.ID)
	if err != nil || !adm.Allowed {
		s.discard(ctx, job.ID, logger)
		if err != nil {
			logger.Error("admit job failed", zap.Error(err))
			return s.unavailable(adm, err)
		}
		return s.rejected(adm, logger)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()
	item := crawler.QueueItem{
		JobID:     job.ID,
		URL:       job.URL,
		TenantID:  tenant,
		Params:    params,
		Submitted: s.clock.Now().Unix(),
	}
	if err := s.queue.Enqueue(enqueueCtx, item); err != nil {
		logger.Error("enqueue job failed", zap.Error(err))
		s.abandon(ctx, job, err, logger)
		return s.unavailable(adm, fmt.Errorf("enqueue job: %w", err))
	}

	metrics.ObserveAdmission("accepted")
	logger.Info("job queued",
		zap.Int64("active_count", adm.ActiveCount),
		zap.Int64("hourly_count", adm.HourlyCount),
	)
	return Result{Job: job, Admission: adm}, nil
}

func (s *Service) tenant(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return s.cfg.DefaultTenant
}

func (s *Service) params(req Request) (crawler.JobParams, error) {
	params := s.cfg.Defaults
	if req.MaxDepth != nil {
		if *req.MaxDepth < 0 {
			return crawler.JobParams{}, fmt.Errorf("%w: max_depth must be >= 0", ErrInvalidRequest)
		}
		params.MaxDepth = *req.MaxDepth
	}
	if req.MaxConcurrency != nil {
		if *req.MaxConcurrency < 1 {
			return crawler.JobParams{}, fmt.Errorf("%w: max_concurrency must be >= 1", ErrInvalidRequest)
		}
		params.MaxConcurrency = *req.MaxConcurrency
	}
	if req.ChunkSize != nil {
		if *req.ChunkSize < 1 {
			return crawler.JobParams{}, fmt.Errorf("%w: chunk_size must be >= 1", ErrInvalidRequest)
		}
		params.ChunkSize = *req.ChunkSize
	}
	params.MaxConcurrency = min(params.MaxConcurrency, s.cfg.MaxConcurrencyCap)
	return params, nil
}

func (s *Service) rejected(adm crawler.Admission, logger *zap.Logger) (Result, error) {
	metrics.ObserveAdmission("rejected")
	logger.Info("crawl rejected",
		zap.String("reason", adm.Reason),
		zap.Int64("active_count", adm.ActiveCount),
		zap.Int64("hourly_count", adm.HourlyCount),
	)
	return Result{Admission: adm}, fmt.Errorf("%w: %s", crawler.ErrLimitExceeded, adm.Reason)
}

func (s *Service) unavailable(adm crawler.Admission, err error) (Result, error) {
	metrics.ObserveAdmission("unavailable")
	adm.Allowed = false
	if adm.Reason == "" {
		adm.Reason = "service unavailable"
	}
	return Result{Admission: adm}, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// discard removes a job that lost the admission race.
func (s *Service) discard(ctx context.Context, jobID string, logger *zap.Logger) {
	if err := s.jobs.Delete(context.WithoutCancel(ctx), jobID); err != nil {
		logger.Warn("delete unadmitted job failed", zap.Error(err))
	}
}

// abandon undoes an admitted job that never reached the queue.
func (s *Service) abandon(ctx context.Context, job crawler.Job, cause error, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	update := crawler.JobUpdate{Status: crawler.JobStatusFailed, Error: fmt.Sprintf("enqueue job: %v", cause)}
	if _, err := s.jobs.Update(ctx, job.ID, update); err != nil {
		logger.Warn("mark unqueued job failed", zap.Error(err))
	}
	if err := s.limiter.Release(ctx, job.TenantID, job.ID); err != nil {
		logger.Warn("release unqueued job failed", zap.Error(err))
	}
}

// Status returns a job with its human-readable status message.
func (s *Service) Status(ctx context.Context, jobID string) (crawler.Job, string, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return crawler.Job{}, "", fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, crawler.StatusMessage(job), nil
}

// List returns recent jobs newest-first. all lists across tenants.
func (s *Service) List(ctx context.Context, tenantID string, all bool, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		limit = s.cfg.ListLimit
	}
	limit = min(limit, maxListLimit)
	tenant := ""
	if !all {
		tenant = s.tenant(tenantID)
	}
	jobs, err := s.jobs.List(ctx, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats reports a tenant's current quota usage.
func (s *Service) Stats(ctx context.Context, tenantID string) (crawler.TenantStats, error) {
	stats, err := s.limiter.Stats(ctx, s.tenant(tenantID))
	if err != nil {
		return crawler.TenantStats{}, fmt.Errorf("tenant stats: %w", err)
	}
	return stats, nil
}
